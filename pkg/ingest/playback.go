package ingest

import (
	"context"
	"fmt"
	"io"
	"strings"

	"agency/models"
)

// Playback serves completed uploads as byte streams. Single-range only:
// given [start, end) within the assembled size it computes the covering
// chunk window from the recorded chunk sizes, skips the leading offset
// inside the first chunk and stops at the end offset in the last one.
type Playback struct {
	store    *ChunkStore
	registry *Registry
	subs     *SubmissionStore
}

func NewPlayback(store *ChunkStore, registry *Registry, subs *SubmissionStore) *Playback {
	return &Playback{store: store, registry: registry, subs: subs}
}

// Stream is an open playback range.
type Stream struct {
	io.ReadCloser
	Start       int64
	End         int64 // exclusive
	TotalSize   int64
	ContentType string
	FileName    string
}

// Length returns the number of bytes the stream will yield.
func (s *Stream) Length() int64 { return s.End - s.Start }

// OpenRange opens [start, end) of the submission's assembled video. end <= 0
// means "to the end". The caller is responsible for authorization.
func (p *Playback) OpenRange(ctx context.Context, submissionID string, start, end int64) (*Stream, error) {
	sub, err := p.subs.Get(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	if sub.Status == models.SubmissionDeleted {
		return nil, ErrNotFound
	}
	up, err := p.registry.Get(ctx, sub.UploadID)
	if err != nil {
		return nil, err
	}
	if up.State != models.UploadComplete {
		return nil, ErrNotComplete
	}
	total := up.AssembledSize
	if end <= 0 || end > total {
		end = total
	}
	// Zero-length assembly: a plain full read yields an empty stream.
	if total == 0 && start == 0 {
		return &Stream{
			ReadCloser:  io.NopCloser(strings.NewReader("")),
			ContentType: up.ContentType,
			FileName:    up.FileName,
		}, nil
	}
	if start < 0 || start >= total || start >= end {
		return nil, fmt.Errorf("%w: [%d,%d) of %d", ErrRangeNotSatisfiable, start, end, total)
	}

	sizes, err := decodeSizes(up.ChunkSizes)
	if err != nil {
		return nil, err
	}
	first, skip := locate(sizes, start)
	last, _ := locate(sizes, end-1)

	rc, err := p.store.OpenSequential(up.UploadID, first, last)
	if err != nil {
		return nil, err
	}
	if skip > 0 {
		if _, err := io.CopyN(io.Discard, rc, skip); err != nil {
			_ = rc.Close()
			return nil, fmt.Errorf("skip leading offset: %w", err)
		}
	}
	return &Stream{
		ReadCloser:  readCloser{Reader: io.LimitReader(rc, end-start), Closer: rc},
		Start:       start,
		End:         end,
		TotalSize:   total,
		ContentType: up.ContentType,
		FileName:    up.FileName,
	}, nil
}

// locate maps an absolute offset to (chunk index, offset within chunk) using
// a running prefix sum over the chunk sizes.
func locate(sizes []int64, off int64) (int, int64) {
	var cum int64
	for i, s := range sizes {
		if off < cum+s {
			return i, off - cum
		}
		cum += s
	}
	return len(sizes) - 1, 0
}

type readCloser struct {
	io.Reader
	io.Closer
}
