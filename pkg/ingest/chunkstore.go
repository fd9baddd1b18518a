package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gorm.io/gorm"

	"agency/models"
)

// PutResult reports how a Put call was resolved.
type PutResult int

const (
	// PutWritten means the chunk was stored for the first time.
	PutWritten PutResult = iota
	// PutAlreadyPresent means an identical chunk was already stored; the
	// retry is idempotent.
	PutAlreadyPresent
)

// ChunkStore persists chunk payloads on disk under baseDir/<upload_id>/ and
// keeps one metadata row per chunk (length + sha256). The composite unique
// index on (upload_id, chunk_index) makes the row insert the single point of
// arbitration: whoever inserts the row owns the final payload file, so a
// chunk is never overwritten and readers never observe torn writes.
type ChunkStore struct {
	db      *gorm.DB
	baseDir string
}

func NewChunkStore(db *gorm.DB, baseDir string) (*ChunkStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("chunk base dir: %w", err)
	}
	return &ChunkStore{db: db, baseDir: baseDir}, nil
}

func (s *ChunkStore) uploadDir(uploadID string) string {
	return filepath.Join(s.baseDir, uploadID)
}

func (s *ChunkStore) chunkPath(uploadID string, index int) string {
	return filepath.Join(s.uploadDir(uploadID), fmt.Sprintf("%06d.part", index))
}

// Put stores one chunk. Retries with identical bytes return
// PutAlreadyPresent; retries with differing bytes return ErrChunkConflict.
func (s *ChunkStore) Put(ctx context.Context, uploadID string, index int, data []byte) (PutResult, error) {
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])

	dir := s.uploadDir(uploadID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("mkdir upload dir: %w", err)
	}

	// Stage the payload under a digest-derived temp name. Only the goroutine
	// whose row insert wins renames it into place, so concurrent writers with
	// differing bytes cannot clobber each other's payload.
	tmp := filepath.Join(dir, fmt.Sprintf("%06d.%s.tmp", index, digest[:12]))
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return 0, fmt.Errorf("write chunk payload: %w", err)
	}

	row := models.Chunk{
		UploadID:   uploadID,
		ChunkIndex: index,
		ByteLength: int64(len(data)),
		Digest:     digest,
	}
	err := s.db.WithContext(ctx).Create(&row).Error
	if err != nil {
		_ = os.Remove(tmp)
		if !isUniqueViolation(err) {
			return 0, fmt.Errorf("record chunk row: %w", err)
		}
		var existing models.Chunk
		if lerr := s.db.WithContext(ctx).
			Where("upload_id = ? AND chunk_index = ?", uploadID, index).
			First(&existing).Error; lerr != nil {
			return 0, fmt.Errorf("load existing chunk row: %w", lerr)
		}
		if existing.ByteLength != int64(len(data)) || existing.Digest != digest {
			return 0, ErrChunkConflict
		}
		// Same bytes. If a crash left the row without its payload file,
		// repair it now; the digests match so the bytes are interchangeable.
		final := s.chunkPath(uploadID, index)
		if _, serr := os.Stat(final); os.IsNotExist(serr) {
			if werr := os.WriteFile(final, data, 0o644); werr != nil {
				return 0, fmt.Errorf("repair chunk payload: %w", werr)
			}
		}
		return PutAlreadyPresent, nil
	}

	if err := os.Rename(tmp, s.chunkPath(uploadID, index)); err != nil {
		return 0, fmt.Errorf("publish chunk payload: %w", err)
	}
	return PutWritten, nil
}

// Read returns the payload of one chunk, or ErrNotFound.
func (s *ChunkStore) Read(ctx context.Context, uploadID string, index int) ([]byte, error) {
	var row models.Chunk
	err := s.db.WithContext(ctx).
		Where("upload_id = ? AND chunk_index = ?", uploadID, index).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load chunk row: %w", err)
	}
	data, err := os.ReadFile(s.chunkPath(uploadID, index))
	if err != nil {
		return nil, fmt.Errorf("read chunk payload: %w", err)
	}
	return data, nil
}

// OpenSequential returns a reader over chunks [from, to] in ascending index
// order, concatenated without gaps.
func (s *ChunkStore) OpenSequential(uploadID string, from, to int) (io.ReadCloser, error) {
	if from > to {
		return nil, ErrInvalidArgument
	}
	paths := make([]string, 0, to-from+1)
	for i := from; i <= to; i++ {
		paths = append(paths, s.chunkPath(uploadID, i))
	}
	return &sequentialReader{paths: paths}, nil
}

// DeleteUpload removes every chunk of an upload, rows and payloads both.
// Idempotent; returns the number of rows deleted.
func (s *ChunkStore) DeleteUpload(ctx context.Context, uploadID string) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("upload_id = ?", uploadID).
		Delete(&models.Chunk{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete chunk rows: %w", res.Error)
	}
	if err := os.RemoveAll(s.uploadDir(uploadID)); err != nil {
		return res.RowsAffected, fmt.Errorf("delete chunk payloads: %w", err)
	}
	return res.RowsAffected, nil
}

// CountChunks reports how many chunk rows exist for an upload.
func (s *ChunkStore) CountChunks(ctx context.Context, uploadID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Chunk{}).
		Where("upload_id = ?", uploadID).Count(&n).Error
	return n, err
}

// sequentialReader streams a list of chunk payload files back to back.
type sequentialReader struct {
	paths []string
	next  int
	cur   *os.File
}

func (r *sequentialReader) Read(p []byte) (int, error) {
	for {
		if r.cur == nil {
			if r.next >= len(r.paths) {
				return 0, io.EOF
			}
			f, err := os.Open(r.paths[r.next])
			if err != nil {
				return 0, err
			}
			r.cur = f
			r.next++
		}
		n, err := r.cur.Read(p)
		if err == io.EOF {
			_ = r.cur.Close()
			r.cur = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (r *sequentialReader) Close() error {
	if r.cur != nil {
		err := r.cur.Close()
		r.cur = nil
		return err
	}
	return nil
}

// isUniqueViolation matches unique-constraint failures across postgres and
// sqlite without depending on driver error types.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "UNIQUE constraint") ||
		strings.Contains(msg, "unique constraint")
}
