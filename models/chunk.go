package models

import "time"

// Chunk is the metadata row for one stored chunk payload. The payload itself
// lives on disk under the chunk base dir; the row records its length and
// sha256 digest so retries can be compared without re-reading bytes. The
// composite unique index makes (upload_id, chunk_index) writable at most once.
type Chunk struct {
	ID         uint      `gorm:"primaryKey"`
	CreatedAt  time.Time `gorm:"index"`
	UploadID   string    `gorm:"size:64;not null;uniqueIndex:idx_chunks_upload_index"`
	ChunkIndex int       `gorm:"not null;uniqueIndex:idx_chunks_upload_index"`
	ByteLength int64     `gorm:"not null"`
	Digest     string    `gorm:"size:64;not null"` // hex sha256 of the payload
}
