package repository

import (
	"context"
	"errors"
	"time"

	"github.com/timmy/sitecreator/internal/domain"
	"gorm.io/gorm"
)

// ItemRepository handles course item persistence.
// Every status write goes through CompareAndSetStatus.
type ItemRepository struct {
	db *gorm.DB
}

// NewItemRepository creates a new ItemRepository.
func NewItemRepository(db *gorm.DB) *ItemRepository {
	return &ItemRepository{db: db}
}

// Create inserts a standalone item.
func (r *ItemRepository) Create(ctx context.Context, item *domain.CourseItem) error {
	return r.db.WithContext(ctx).Create(item).Error
}

// GetByID retrieves an item by its ID.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: item ID.
// Returns:
//   - *domain.CourseItem: item record if found.
//   - error: domain.ErrNotFound if no such item exists.
func (r *ItemRepository) GetByID(ctx context.Context, id string) (*domain.CourseItem, error) {
	var item domain.CourseItem
	if err := r.db.WithContext(ctx).First(&item, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &item, nil
}

// CompareAndSetStatus writes next and fields only if the item is still in expected.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: item ID.
//   - expected: status the item must currently have.
//   - next: status to write.
//   - fields: extra columns to write in the same statement; may be nil.
// Returns:
//   - bool: true if this call performed the update, false if another writer got there first.
//   - error: non-nil if the update fails.
func (r *ItemRepository) CompareAndSetStatus(ctx context.Context, id string, expected, next domain.ItemStatus, fields map[string]interface{}) (bool, error) {
	updates := make(map[string]interface{}, len(fields)+2)
	for k, v := range fields {
		updates[k] = v
	}
	updates["status"] = next
	updates["updated_at"] = time.Now()

	res := r.db.WithContext(ctx).Model(&domain.CourseItem{}).
		Where("id = ? AND status = ?", id, expected).
		Updates(updates)
	if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
		return false, domain.ErrRemoteCourseTaken
	}
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// StatusCounts returns the number of items per status for a job, from one grouped query.
func (r *ItemRepository) StatusCounts(ctx context.Context, jobID string) (map[domain.ItemStatus]int, error) {
	var rows []struct {
		Status domain.ItemStatus
		Count  int
	}
	err := r.db.WithContext(ctx).Model(&domain.CourseItem{}).
		Select("status, COUNT(*) AS count").
		Where("job_id = ?", jobID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[domain.ItemStatus]int, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

// ClaimCandidates returns up to limit items in any of statuses, oldest first.
func (r *ItemRepository) ClaimCandidates(ctx context.Context, statuses []domain.ItemStatus, limit int) ([]domain.CourseItem, error) {
	var items []domain.CourseItem
	err := r.db.WithContext(ctx).
		Where("status IN ?", statuses).
		Order("created_at").Order("id").
		Limit(limit).
		Find(&items).Error
	return items, err
}

// ListByJobAndStatus returns the items of a job that are in any of statuses.
func (r *ItemRepository) ListByJobAndStatus(ctx context.Context, jobID string, statuses []domain.ItemStatus) ([]domain.CourseItem, error) {
	var items []domain.CourseItem
	err := r.db.WithContext(ctx).
		Where("job_id = ? AND status IN ?", jobID, statuses).
		Order("created_at").Order("id").
		Find(&items).Error
	return items, err
}

// ListStale returns items in any of statuses whose last update is older than cutoff.
func (r *ItemRepository) ListStale(ctx context.Context, statuses []domain.ItemStatus, cutoff time.Time) ([]domain.CourseItem, error) {
	var items []domain.CourseItem
	err := r.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", statuses, cutoff).
		Order("updated_at").
		Find(&items).Error
	return items, err
}

// ItemQuery pages, sorts and filters the items of a job.
type ItemQuery struct {
	JobID    string
	Statuses []domain.ItemStatus
	Search   string
	SortBy   string // created_at, status, source_course_id
	Desc     bool
	Offset   int
	Limit    int
}

var itemSortColumns = map[string]string{
	"created_at":       "created_at",
	"status":           "status",
	"source_course_id": "source_course_id",
}

// Query returns one page of items and the number of items matching the filter.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - q: job, filter, sort and paging options.
// Returns:
//   - []domain.CourseItem: the requested page.
//   - int64: total items matching the filter before paging.
//   - error: non-nil if a query fails.
func (r *ItemRepository) Query(ctx context.Context, q ItemQuery) ([]domain.CourseItem, int64, error) {
	base := r.db.WithContext(ctx).Model(&domain.CourseItem{}).Where("job_id = ?", q.JobID)
	if len(q.Statuses) > 0 {
		base = base.Where("status IN ?", q.Statuses)
	}
	if q.Search != "" {
		like := "%" + q.Search + "%"
		base = base.Where("(source_course_id LIKE ? OR remote_course_id LIKE ? OR cause LIKE ?)", like, like, like)
	}

	var total int64
	if err := base.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	col, ok := itemSortColumns[q.SortBy]
	if !ok {
		col = "created_at"
	}
	dir := " ASC"
	if q.Desc {
		dir = " DESC"
	}
	page := base.Session(&gorm.Session{}).Order(col + dir).Order("id" + dir).Offset(q.Offset)
	if q.Limit > 0 {
		page = page.Limit(q.Limit)
	}

	var items []domain.CourseItem
	if err := page.Find(&items).Error; err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// ListRemoteCourseIDs returns the remote course ids assigned to a job's items.
func (r *ItemRepository) ListRemoteCourseIDs(ctx context.Context, jobID string) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).Model(&domain.CourseItem{}).
		Where("job_id = ? AND remote_course_id IS NOT NULL", jobID).
		Order("created_at").
		Pluck("remote_course_id", &ids).Error
	return ids, err
}
