package ingest

import (
	"context"
	"log"
	"sync"
	"time"
)

// Janitor is the periodic sweep that expires abandoned uploads and reclaims
// storage for terminal ones. It is an explicit long-running task owned by
// the process lifecycle: Start/Stop, plus Healthy for liveness checks.
// Every step is idempotent, so an interrupted sweep resumes safely on the
// next tick.
type Janitor struct {
	store     *ChunkStore
	registry  *Registry
	subs      *SubmissionStore
	interval  time.Duration
	retention time.Duration

	stop chan struct{}
	done chan struct{}

	mu        sync.Mutex
	lastSweep time.Time
}

func NewJanitor(store *ChunkStore, registry *Registry, subs *SubmissionStore, interval, retention time.Duration) *Janitor {
	return &Janitor{
		store:     store,
		registry:  registry,
		subs:      subs,
		interval:  interval,
		retention: retention,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the sweep loop. Call Stop to shut it down.
func (j *Janitor) Start() {
	go func() {
		defer close(j.done)
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()
		for {
			select {
			case <-j.stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), j.interval)
				if err := j.Sweep(ctx); err != nil {
					log.Printf("janitor sweep: %v", err)
				}
				cancel()
			}
		}
	}()
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (j *Janitor) Stop() {
	close(j.stop)
	<-j.done
}

// Healthy reports whether a sweep completed within the last three intervals.
func (j *Janitor) Healthy() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return !j.lastSweep.IsZero() && time.Since(j.lastSweep) < 3*j.interval
}

// Sweep runs one pass: expire overdue uploads, then reclaim terminal uploads
// and soft-deleted submissions past the retention window. Errors on a single
// upload are logged and the sweep moves on; it never blocks on one failure.
func (j *Janitor) Sweep(ctx context.Context) error {
	now := time.Now().UTC()

	expired, err := j.registry.ExpireDue(ctx, now)
	if err != nil {
		return err
	}
	if expired > 0 {
		log.Printf("janitor: expired %d overdue upload(s)", expired)
	}

	cutoff := now.Add(-j.retention)

	// ABORTED / EXPIRED uploads: chunks first, then the registry record.
	ups, err := j.registry.ListReclaimable(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, up := range ups {
		n, err := j.store.DeleteUpload(ctx, up.UploadID)
		if err != nil {
			log.Printf("janitor: reclaim chunks of %s: %v", up.UploadID, err)
			continue
		}
		if err := j.registry.DeleteRecord(ctx, up.UploadID, false); err != nil {
			log.Printf("janitor: drop registry record %s: %v", up.UploadID, err)
			continue
		}
		log.Printf("janitor: reclaimed upload %s (%s, %d chunks)", up.UploadID, up.State, n)
	}

	// Soft-deleted submissions: chunks, upload record, submission record.
	// This is the only path allowed to delete a COMPLETE upload.
	subs, err := j.subs.ListDeletedBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		if _, err := j.store.DeleteUpload(ctx, sub.UploadID); err != nil {
			log.Printf("janitor: reclaim chunks of %s: %v", sub.UploadID, err)
			continue
		}
		if err := j.registry.DeleteRecord(ctx, sub.UploadID, true); err != nil {
			log.Printf("janitor: drop registry record %s: %v", sub.UploadID, err)
			continue
		}
		if err := j.subs.DeleteRecord(ctx, sub.SubmissionID); err != nil {
			log.Printf("janitor: drop submission %s: %v", sub.SubmissionID, err)
			continue
		}
		log.Printf("janitor: purged deleted submission %s", sub.SubmissionID)
	}

	j.mu.Lock()
	j.lastSweep = time.Now()
	j.mu.Unlock()
	return nil
}
