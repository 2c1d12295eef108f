package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/timmy/sitecreator/internal/domain"
	"gorm.io/gorm"
)

// JobRepository handles bulk job persistence.
type JobRepository struct {
	db *gorm.DB
}

// NewJobRepository creates a new JobRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *JobRepository: repository instance bound to db.
func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db}
}

// CreateWithItems inserts a job and all of its items in a single transaction.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - job: job record to persist.
//   - items: item records belonging to job.
// Returns:
//   - error: non-nil if any insert fails; nothing is persisted in that case.
func (r *JobRepository) CreateWithItems(ctx context.Context, job *domain.BulkJob, items []*domain.CourseItem) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(job).Error; err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		if len(items) == 0 {
			return nil
		}
		if err := tx.CreateInBatches(items, 200).Error; err != nil {
			return fmt.Errorf("insert items: %w", err)
		}
		return nil
	})
}

// GetByID retrieves a job by its ID.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: job ID.
// Returns:
//   - *domain.BulkJob: job record if found.
//   - error: domain.ErrNotFound if no such job exists.
func (r *JobRepository) GetByID(ctx context.Context, id string) (*domain.BulkJob, error) {
	var job domain.BulkJob
	if err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &job, nil
}

// CompareAndSetStatus moves a job from expected to next only if it is still in expected.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: job ID.
//   - expected: status the job must currently have.
//   - next: status to write.
// Returns:
//   - bool: true if this call performed the update.
//   - error: non-nil if the update fails.
func (r *JobRepository) CompareAndSetStatus(ctx context.Context, id string, expected, next domain.JobStatus) (bool, error) {
	res := r.db.WithContext(ctx).Model(&domain.BulkJob{}).
		Where("id = ? AND status = ?", id, expected).
		Updates(map[string]interface{}{"status": next, "updated_at": time.Now()})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// MarkCancelRequested sets the cancel flag. It reports false if the flag was already set.
func (r *JobRepository) MarkCancelRequested(ctx context.Context, id string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&domain.BulkJob{}).
		Where("id = ? AND cancel_requested = ?", id, false).
		Updates(map[string]interface{}{"cancel_requested": true, "updated_at": time.Now()})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// JobFilter narrows job listings. Zero values match everything.
type JobFilter struct {
	SchoolID    string
	SubUnitKind domain.OrgUnitKind
	SubUnitID   string
	TermID      string
	Statuses    []domain.JobStatus
	Limit       int
}

// List returns jobs matching filter, newest first.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - filter: optional scope, term and status restrictions.
// Returns:
//   - []domain.BulkJob: matching jobs.
//   - error: non-nil if the query fails.
func (r *JobRepository) List(ctx context.Context, filter JobFilter) ([]domain.BulkJob, error) {
	q := r.db.WithContext(ctx).Model(&domain.BulkJob{})
	if filter.SchoolID != "" {
		q = q.Where("school_id = ?", filter.SchoolID)
	}
	if filter.SubUnitKind != "" {
		q = q.Where("sub_unit_kind = ? AND sub_unit_id = ?", filter.SubUnitKind, filter.SubUnitID)
	}
	if filter.TermID != "" {
		q = q.Where("term_id = ?", filter.TermID)
	}
	if len(filter.Statuses) > 0 {
		q = q.Where("status IN ?", filter.Statuses)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var jobs []domain.BulkJob
	if err := q.Order("created_at DESC").Order("id DESC").Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

// ListUpdatedBefore returns jobs in status whose last update is older than cutoff.
func (r *JobRepository) ListUpdatedBefore(ctx context.Context, status domain.JobStatus, cutoff time.Time) ([]domain.BulkJob, error) {
	var jobs []domain.BulkJob
	err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", status, cutoff).
		Order("updated_at").
		Find(&jobs).Error
	return jobs, err
}
