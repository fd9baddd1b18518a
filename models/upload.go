package models

import (
	"time"
)

// Upload lifecycle states. OPEN -> SEALING -> COMPLETE; OPEN or SEALING may
// move to ABORTED or EXPIRED. Terminal states (COMPLETE, ABORTED, EXPIRED)
// never change.
const (
	UploadOpen     = "OPEN"
	UploadSealing  = "SEALING"
	UploadComplete = "COMPLETE"
	UploadAborted  = "ABORTED"
	UploadExpired  = "EXPIRED"
)

// Upload is the registry record for one chunked audition upload. Received is
// a bitmap of ExpectedChunks bits; ChunkSizes holds a JSON-encoded []int64
// whose entry i is meaningful only while bit i is set.
type Upload struct {
	ID                   uint `gorm:"primaryKey"`
	CreatedAt            time.Time
	UpdatedAt            time.Time
	UploadID             string `gorm:"size:64;not null;uniqueIndex"`
	OwnerUsername        string `gorm:"size:255;not null;index"` // immutable after create
	FileName             string `gorm:"size:255;not null"`
	ContentType          string `gorm:"size:128"`
	DisplayName          string `gorm:"size:255"` // audition form fields, copied
	Contact              string `gorm:"size:255"` // to the submission at finalize
	DeclaredSize         int64  `gorm:"not null"` // advisory; 0 means unknown
	ExpectedChunks       int    `gorm:"not null"`
	Received             []byte `gorm:"not null"`
	ChunkSizes           []byte
	State                string    `gorm:"size:16;not null;index:idx_uploads_state_expires"`
	ExpiresAt            time.Time `gorm:"not null;index:idx_uploads_state_expires"`
	AssembledSize        int64     // set at finalize
	SubmissionID         string    `gorm:"size:64"` // set at finalize
	ReservedSubmissionID string    `gorm:"size:64;not null"`
}

// Terminal reports whether the upload can no longer change state.
func (u *Upload) Terminal() bool {
	switch u.State {
	case UploadComplete, UploadAborted, UploadExpired:
		return true
	}
	return false
}
