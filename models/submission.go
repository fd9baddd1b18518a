package models

import "time"

// Submission review statuses. DELETED is a soft state; physical removal is
// performed by the janitor together with the underlying upload and chunks.
const (
	SubmissionPendingReview = "PENDING_REVIEW"
	SubmissionApproved      = "APPROVED"
	SubmissionRejected      = "REJECTED"
	SubmissionDeleted       = "DELETED"
)

// Submission is the reviewable audition entity, created exactly once per
// completed upload. The unique index on UploadID is what enforces that.
type Submission struct {
	ID            uint `gorm:"primaryKey"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
	SubmissionID  string `gorm:"size:64;not null;uniqueIndex"`
	UploadID      string `gorm:"size:64;not null;uniqueIndex"`
	OwnerUsername string `gorm:"size:255;not null;index"`
	DisplayName   string `gorm:"size:255"`
	Contact       string `gorm:"size:255"`
	FileName      string `gorm:"size:255"`
	ContentType   string `gorm:"size:128"`
	AssembledSize int64  `gorm:"not null"`
	Status        string `gorm:"size:32;not null;index"`
}
