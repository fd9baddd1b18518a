package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"agency/models"
)

// RecordResult reports how RecordChunk resolved.
type RecordResult int

const (
	RecordedNew RecordResult = iota
	RecordedSame
)

// Registry is the single point of truth for upload state. Every transition
// is a conditional update on (upload_id, state) — and on the received bitmap
// where the bitmap itself is being changed — checked via RowsAffected, so no
// transition can race past another.
type Registry struct {
	db *gorm.DB
}

func NewRegistry(db *gorm.DB) *Registry {
	return &Registry{db: db}
}

// casRetries bounds the optimistic-update loop in RecordChunk. Contention is
// per-upload and short-lived, so a handful of attempts is plenty.
const casRetries = 16

// Create opens a new upload in state OPEN with an all-zero received bitmap.
func (r *Registry) Create(ctx context.Context, up *models.Upload, ttl time.Duration) error {
	now := time.Now().UTC()
	up.State = models.UploadOpen
	up.Received = newBitmap(up.ExpectedChunks)
	up.ChunkSizes = encodeSizes(make([]int64, up.ExpectedChunks))
	up.ExpiresAt = now.Add(ttl)
	if err := r.db.WithContext(ctx).Create(up).Error; err != nil {
		return fmt.Errorf("create upload: %w", err)
	}
	return nil
}

// Get loads an upload by its opaque id. The TTL is applied lazily here: an
// overdue OPEN or SEALING upload is moved to EXPIRED the moment anything
// observes it, so clients see the expiry immediately instead of waiting for
// the next janitor sweep.
func (r *Registry) Get(ctx context.Context, uploadID string) (*models.Upload, error) {
	var up models.Upload
	err := r.db.WithContext(ctx).Where("upload_id = ?", uploadID).First(&up).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load upload: %w", err)
	}
	return r.expireIfDue(ctx, &up)
}

// expireIfDue transitions an overdue non-terminal upload to EXPIRED.
func (r *Registry) expireIfDue(ctx context.Context, up *models.Upload) (*models.Upload, error) {
	if up.Terminal() || time.Now().UTC().Before(up.ExpiresAt) {
		return up, nil
	}
	res := r.db.WithContext(ctx).Model(&models.Upload{}).
		Where("upload_id = ? AND state IN ?", up.UploadID, []string{models.UploadOpen, models.UploadSealing}).
		Update("state", models.UploadExpired)
	if res.Error != nil {
		return nil, fmt.Errorf("expire upload: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		// A concurrent transition won; report whatever it produced.
		var cur models.Upload
		if err := r.db.WithContext(ctx).Where("upload_id = ?", up.UploadID).First(&cur).Error; err != nil {
			return nil, fmt.Errorf("load upload: %w", err)
		}
		return &cur, nil
	}
	up.State = models.UploadExpired
	return up, nil
}

// CountOpenFor counts OPEN uploads owned by one principal (quota check).
func (r *Registry) CountOpenFor(ctx context.Context, owner string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.Upload{}).
		Where("owner_username = ? AND state = ?", owner, models.UploadOpen).
		Count(&n).Error
	return n, err
}

// RecordChunk sets bit index and its size, conditional on the upload being
// OPEN and the bit unset. A retry with the same length is idempotent; a
// different length on a set bit is a conflict. Contended updates are retried
// on a fresh snapshot.
func (r *Registry) RecordChunk(ctx context.Context, uploadID string, index int, length int64) (RecordResult, error) {
	for attempt := 0; attempt < casRetries; attempt++ {
		up, err := r.Get(ctx, uploadID)
		if err != nil {
			return 0, err
		}
		if index < 0 || index >= up.ExpectedChunks {
			return 0, fmt.Errorf("%w: chunk index %d outside [0,%d)", ErrInvalidArgument, index, up.ExpectedChunks)
		}
		if up.State != models.UploadOpen {
			return 0, &WrongStateError{State: up.State}
		}
		sizes, err := decodeSizes(up.ChunkSizes)
		if err != nil {
			return 0, err
		}
		if bitSet(up.Received, index) {
			if sizes[index] == length {
				return RecordedSame, nil
			}
			return 0, ErrChunkConflict
		}
		sizes[index] = length
		newBits := setBit(up.Received, index)
		res := r.db.WithContext(ctx).Model(&models.Upload{}).
			Where("upload_id = ? AND state = ? AND received = ?", uploadID, models.UploadOpen, up.Received).
			Updates(map[string]interface{}{
				"received":    newBits,
				"chunk_sizes": encodeSizes(sizes),
			})
		if res.Error != nil {
			return 0, fmt.Errorf("record chunk: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			return RecordedNew, nil
		}
		// Lost the race against another chunk or a state transition; retry
		// on the fresh state.
	}
	return 0, fmt.Errorf("record chunk: contention on upload %s", uploadID)
}

// Seal moves OPEN -> SEALING once every bit is set and returns the sealed
// snapshot. An upload already SEALING is returned as-is so a crashed
// complete can be retried.
func (r *Registry) Seal(ctx context.Context, uploadID string) (*models.Upload, error) {
	up, err := r.Get(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	switch up.State {
	case models.UploadSealing:
		return up, nil
	case models.UploadOpen:
	default:
		return nil, &WrongStateError{State: up.State}
	}
	if popcount(up.Received) != up.ExpectedChunks {
		return nil, &MissingChunksError{Missing: missingIndices(up.Received, up.ExpectedChunks)}
	}
	res := r.db.WithContext(ctx).Model(&models.Upload{}).
		Where("upload_id = ? AND state = ? AND received = ?", uploadID, models.UploadOpen, up.Received).
		Update("state", models.UploadSealing)
	if res.Error != nil {
		return nil, fmt.Errorf("seal upload: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		// A concurrent complete sealed first, or the janitor expired the
		// upload between the read and the update. Re-resolve once.
		cur, err := r.Get(ctx, uploadID)
		if err != nil {
			return nil, err
		}
		if cur.State == models.UploadSealing {
			return cur, nil
		}
		return nil, &WrongStateError{State: cur.State}
	}
	up.State = models.UploadSealing
	return up, nil
}

// Finalize moves SEALING -> COMPLETE, recording the submission id and the
// assembled size. Finalizing an upload already COMPLETE is a no-op so the
// complete operation stays idempotent.
func (r *Registry) Finalize(ctx context.Context, uploadID, submissionID string, assembledSize int64) error {
	res := r.db.WithContext(ctx).Model(&models.Upload{}).
		Where("upload_id = ? AND state = ?", uploadID, models.UploadSealing).
		Updates(map[string]interface{}{
			"state":          models.UploadComplete,
			"submission_id":  submissionID,
			"assembled_size": assembledSize,
		})
	if res.Error != nil {
		return fmt.Errorf("finalize upload: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}
	cur, err := r.Get(ctx, uploadID)
	if err != nil {
		return err
	}
	if cur.State == models.UploadComplete && cur.SubmissionID == submissionID {
		return nil
	}
	return &WrongStateError{State: cur.State}
}

// Abort moves OPEN -> ABORTED. An upload stuck in SEALING after a size
// mismatch may also be aborted. Chunks are left for the janitor.
func (r *Registry) Abort(ctx context.Context, uploadID string) error {
	res := r.db.WithContext(ctx).Model(&models.Upload{}).
		Where("upload_id = ? AND state IN ?", uploadID, []string{models.UploadOpen, models.UploadSealing}).
		Update("state", models.UploadAborted)
	if res.Error != nil {
		return fmt.Errorf("abort upload: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}
	cur, err := r.Get(ctx, uploadID)
	if err != nil {
		return err
	}
	if cur.Terminal() {
		return ErrAlreadyTerminal
	}
	return &WrongStateError{State: cur.State}
}

// ExpireDue moves every overdue OPEN upload to EXPIRED and returns how many
// were transitioned. Uploads abandoned mid-seal (size mismatch, crashed
// complete) expire the same way.
func (r *Registry) ExpireDue(ctx context.Context, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&models.Upload{}).
		Where("state IN ? AND expires_at < ?", []string{models.UploadOpen, models.UploadSealing}, now).
		Update("state", models.UploadExpired)
	if res.Error != nil {
		return 0, fmt.Errorf("expire uploads: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// ListReclaimable returns ABORTED and EXPIRED uploads whose last update is
// older than the cutoff. OPEN and COMPLETE uploads are never reclaimable
// through this path.
func (r *Registry) ListReclaimable(ctx context.Context, cutoff time.Time) ([]models.Upload, error) {
	var ups []models.Upload
	err := r.db.WithContext(ctx).
		Where("state IN ? AND updated_at < ?", []string{models.UploadAborted, models.UploadExpired}, cutoff).
		Limit(200).
		Find(&ups).Error
	if err != nil {
		return nil, fmt.Errorf("list reclaimable uploads: %w", err)
	}
	return ups, nil
}

// DeleteRecord removes the registry row for a terminal upload. The guard on
// state is a safety rail, not a race concern: OPEN and COMPLETE rows are
// never deleted here.
func (r *Registry) DeleteRecord(ctx context.Context, uploadID string, allowComplete bool) error {
	states := []string{models.UploadAborted, models.UploadExpired}
	if allowComplete {
		states = append(states, models.UploadComplete)
	}
	err := r.db.WithContext(ctx).
		Where("upload_id = ? AND state IN ?", uploadID, states).
		Delete(&models.Upload{}).Error
	if err != nil {
		return fmt.Errorf("delete upload record: %w", err)
	}
	return nil
}

func encodeSizes(sizes []int64) []byte {
	b, _ := json.Marshal(sizes)
	return b
}

func decodeSizes(raw []byte) ([]int64, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var sizes []int64
	if err := json.Unmarshal(raw, &sizes); err != nil {
		return nil, fmt.Errorf("decode chunk sizes: %w", err)
	}
	return sizes, nil
}
