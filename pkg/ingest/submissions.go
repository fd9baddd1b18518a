package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"agency/models"
)

// SubmissionStore owns the reviewable audition entities. The unique index on
// upload_id guarantees at most one submission per upload, which is what makes
// the insert in CreateIfAbsent safe to retry.
type SubmissionStore struct {
	db *gorm.DB
}

func NewSubmissionStore(db *gorm.DB) *SubmissionStore {
	return &SubmissionStore{db: db}
}

// CreateIfAbsent inserts the submission unless one already exists for its
// upload, in which case the existing record is returned unchanged.
func (s *SubmissionStore) CreateIfAbsent(ctx context.Context, sub *models.Submission) (*models.Submission, error) {
	err := s.db.WithContext(ctx).Create(sub).Error
	if err == nil {
		return sub, nil
	}
	if !isUniqueViolation(err) {
		return nil, fmt.Errorf("create submission: %w", err)
	}
	var existing models.Submission
	if lerr := s.db.WithContext(ctx).
		Where("upload_id = ?", sub.UploadID).
		First(&existing).Error; lerr != nil {
		return nil, fmt.Errorf("load existing submission: %w", lerr)
	}
	return &existing, nil
}

// Get loads a submission by its public id, or ErrNotFound.
func (s *SubmissionStore) Get(ctx context.Context, submissionID string) (*models.Submission, error) {
	var sub models.Submission
	err := s.db.WithContext(ctx).Where("submission_id = ?", submissionID).First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load submission: %w", err)
	}
	return &sub, nil
}

// SetStatus applies an admin review decision (APPROVED / REJECTED) or the
// soft delete (DELETED). Already-deleted submissions are not revivable.
func (s *SubmissionStore) SetStatus(ctx context.Context, submissionID, status string) error {
	res := s.db.WithContext(ctx).Model(&models.Submission{}).
		Where("submission_id = ? AND status <> ?", submissionID, models.SubmissionDeleted).
		Update("status", status)
	if res.Error != nil {
		return fmt.Errorf("update submission status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByStatus returns submissions for the admin review queue, newest first.
// An empty status lists everything except soft-deleted records.
func (s *SubmissionStore) ListByStatus(ctx context.Context, status string, limit int) ([]models.Submission, error) {
	q := s.db.WithContext(ctx).Model(&models.Submission{})
	if status != "" {
		q = q.Where("status = ?", status)
	} else {
		q = q.Where("status <> ?", models.SubmissionDeleted)
	}
	var subs []models.Submission
	if err := q.Order("id desc").Limit(limit).Find(&subs).Error; err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	return subs, nil
}

// ListByOwner returns one principal's submissions, soft-deleted excluded.
func (s *SubmissionStore) ListByOwner(ctx context.Context, owner string, limit int) ([]models.Submission, error) {
	var subs []models.Submission
	err := s.db.WithContext(ctx).
		Where("owner_username = ? AND status <> ?", owner, models.SubmissionDeleted).
		Order("id desc").Limit(limit).
		Find(&subs).Error
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	return subs, nil
}

// ListDeletedBefore returns soft-deleted submissions last touched before the
// cutoff, for janitor reclamation.
func (s *SubmissionStore) ListDeletedBefore(ctx context.Context, cutoff time.Time) ([]models.Submission, error) {
	var subs []models.Submission
	err := s.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", models.SubmissionDeleted, cutoff).
		Limit(200).
		Find(&subs).Error
	if err != nil {
		return nil, fmt.Errorf("list deleted submissions: %w", err)
	}
	return subs, nil
}

// DeleteRecord physically removes a submission row. Janitor-only.
func (s *SubmissionStore) DeleteRecord(ctx context.Context, submissionID string) error {
	err := s.db.WithContext(ctx).
		Where("submission_id = ?", submissionID).
		Delete(&models.Submission{}).Error
	if err != nil {
		return fmt.Errorf("delete submission record: %w", err)
	}
	return nil
}
