package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/timmy/sitecreator/internal/domain"
	"github.com/timmy/sitecreator/internal/logger"
	"github.com/timmy/sitecreator/internal/metrics"
	"github.com/timmy/sitecreator/internal/repository"
)

// Tracker is the only writer of job and item status. Every write is a compare-and-set
// against the status the caller last observed.
type Tracker struct {
	jobs    *repository.JobRepository
	items   *repository.ItemRepository
	metrics metrics.Recorder
}

// NewTracker creates a Tracker. A nil recorder disables metrics.
func NewTracker(jobs *repository.JobRepository, items *repository.ItemRepository, rec metrics.Recorder) *Tracker {
	if rec == nil {
		rec = metrics.NopRecorder{}
	}
	return &Tracker{jobs: jobs, items: items, metrics: rec}
}

// Transition moves an item from expected to next and writes fields in the same statement.
// It returns false when the item was no longer in expected (another writer won the race).
// Transitions outside the item state machine are rejected without touching the store.
func (t *Tracker) Transition(ctx context.Context, itemID string, expected, next domain.ItemStatus, fields map[string]interface{}) (bool, error) {
	if err := domain.CheckItemTransition(expected, next, false); err != nil {
		return false, err
	}
	return t.apply(ctx, itemID, expected, next, fields)
}

// Recover hands a stale item back to the dispatcher along a recovery edge.
func (t *Tracker) Recover(ctx context.Context, itemID string, expected domain.ItemStatus) (domain.ItemStatus, bool, error) {
	next, ok := domain.RecoveryTarget(expected)
	if !ok {
		return "", false, &domain.IllegalTransitionError{Entity: "item", From: string(expected), To: "recovery"}
	}
	won, err := t.apply(ctx, itemID, expected, next, nil)
	return next, won, err
}

func (t *Tracker) apply(ctx context.Context, itemID string, expected, next domain.ItemStatus, fields map[string]interface{}) (bool, error) {
	won, err := t.items.CompareAndSetStatus(ctx, itemID, expected, next, fields)
	if err != nil {
		return false, fmt.Errorf("transition item %s %s -> %s: %w", itemID, expected, next, err)
	}
	if won && expected != next {
		t.metrics.ItemTransition(expected, next)
		logger.With(logger.Fields{
			logger.FieldItemID: itemID,
			"from":             string(expected),
			"to":               string(next),
		}).Debug(ctx, "Item transitioned")
	}
	return won, nil
}

// MustTransition is Transition returning domain.ErrRaceLost instead of false.
func (t *Tracker) MustTransition(ctx context.Context, itemID string, expected, next domain.ItemStatus, fields map[string]interface{}) error {
	won, err := t.Transition(ctx, itemID, expected, next, fields)
	if err != nil {
		return err
	}
	if !won {
		return domain.ErrRaceLost
	}
	return nil
}

// TransitionJob moves a job from expected to next. It returns false on a lost race.
func (t *Tracker) TransitionJob(ctx context.Context, jobID string, expected, next domain.JobStatus) (bool, error) {
	if err := domain.CheckJobTransition(expected, next); err != nil {
		return false, err
	}
	won, err := t.jobs.CompareAndSetStatus(ctx, jobID, expected, next)
	if err != nil {
		return false, fmt.Errorf("transition job %s %s -> %s: %w", jobID, expected, next, err)
	}
	return won, nil
}

// RequestCancel sets the job's cancel flag. It reports false if it was already set.
func (t *Tracker) RequestCancel(ctx context.Context, jobID string) (bool, error) {
	return t.jobs.MarkCancelRequested(ctx, jobID)
}

// GetSummary aggregates a job's item counts. Completed counts items in any terminal state.
func (t *Tracker) GetSummary(ctx context.Context, jobID string) (domain.JobSummary, error) {
	job, err := t.jobs.GetByID(ctx, jobID)
	if err != nil {
		return domain.JobSummary{}, err
	}
	return t.summarize(ctx, job)
}

func (t *Tracker) summarize(ctx context.Context, job *domain.BulkJob) (domain.JobSummary, error) {
	counts, err := t.items.StatusCounts(ctx, job.ID)
	if err != nil {
		return domain.JobSummary{}, fmt.Errorf("count items of job %s: %w", job.ID, err)
	}
	summary := domain.JobSummary{Total: job.TotalItems}
	for status, n := range counts {
		if !status.IsTerminal() {
			continue
		}
		summary.Completed += n
		if status.IsSuccess() {
			summary.Successful += n
		} else {
			summary.Failed += n
		}
	}
	return summary, nil
}

// GetJob returns a job, or domain.ErrNotFound.
func (t *Tracker) GetJob(ctx context.Context, jobID string) (*domain.BulkJob, error) {
	return t.jobs.GetByID(ctx, jobID)
}

// GetItem returns an item, or domain.ErrNotFound.
func (t *Tracker) GetItem(ctx context.Context, itemID string) (*domain.CourseItem, error) {
	return t.items.GetByID(ctx, itemID)
}

// ListItems returns one page of a job's items and the filtered total.
func (t *Tracker) ListItems(ctx context.Context, q repository.ItemQuery) ([]domain.CourseItem, int64, error) {
	if _, err := t.jobs.GetByID(ctx, q.JobID); err != nil {
		return nil, 0, err
	}
	return t.items.Query(ctx, q)
}

// ListJobs returns jobs for audit, newest first.
func (t *Tracker) ListJobs(ctx context.Context, filter repository.JobFilter) ([]domain.BulkJob, error) {
	return t.jobs.List(ctx, filter)
}

// ClaimNext claims the oldest item waiting in one of the claimable states: queued items
// move to running and completed items to pending_finalize. It returns nil when there is
// nothing to claim.
func (t *Tracker) ClaimNext(ctx context.Context) (*domain.CourseItem, error) {
	const batch = 16
	for {
		candidates, err := t.items.ClaimCandidates(ctx, []domain.ItemStatus{domain.ItemStatusQueued, domain.ItemStatusCompleted}, batch)
		if err != nil {
			return nil, fmt.Errorf("list claim candidates: %w", err)
		}
		if len(candidates) == 0 {
			return nil, nil
		}

		for i := range candidates {
			item := &candidates[i]
			next := domain.ItemStatusRunning
			if item.Status == domain.ItemStatusCompleted {
				next = domain.ItemStatusPendingFinalize
			}
			won, err := t.Transition(ctx, item.ID, item.Status, next, nil)
			if err != nil {
				return nil, err
			}
			if won {
				item.Status = next
				item.UpdatedAt = time.Now()
				return item, nil
			}
		}
		// Every candidate was taken by another worker; look again.
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
	}
}

// StaleItems lists items in running or pending_finalize not updated since cutoff.
func (t *Tracker) StaleItems(ctx context.Context, cutoff time.Time) ([]domain.CourseItem, error) {
	return t.items.ListStale(ctx, []domain.ItemStatus{domain.ItemStatusRunning, domain.ItemStatusPendingFinalize}, cutoff)
}

// StaleSetupItems lists standalone items still in setup and not updated since cutoff.
// Bulk items in setup are recovered through their job.
func (t *Tracker) StaleSetupItems(ctx context.Context, cutoff time.Time) ([]domain.CourseItem, error) {
	items, err := t.items.ListStale(ctx, []domain.ItemStatus{domain.ItemStatusSetup}, cutoff)
	if err != nil {
		return nil, err
	}
	standalone := items[:0]
	for _, item := range items {
		if item.Kind == domain.ItemKindStandalone {
			standalone = append(standalone, item)
		}
	}
	return standalone, nil
}

// RemoteCourseIDs returns the remote course ids assigned to a job's items.
// It returns domain.ErrNotFound when the job does not exist.
func (t *Tracker) RemoteCourseIDs(ctx context.Context, jobID string) ([]string, error) {
	if _, err := t.jobs.GetByID(ctx, jobID); err != nil {
		return nil, err
	}
	return t.items.ListRemoteCourseIDs(ctx, jobID)
}

// ItemsOfJob lists a job's items in any of statuses.
func (t *Tracker) ItemsOfJob(ctx context.Context, jobID string, statuses ...domain.ItemStatus) ([]domain.CourseItem, error) {
	return t.items.ListByJobAndStatus(ctx, jobID, statuses)
}

// JobsInStatusBefore lists jobs in status whose last update is older than cutoff.
func (t *Tracker) JobsInStatusBefore(ctx context.Context, status domain.JobStatus, cutoff time.Time) ([]domain.BulkJob, error) {
	return t.jobs.ListUpdatedBefore(ctx, status, cutoff)
}

// IsRaceLost reports whether err signals a lost compare-and-set.
func IsRaceLost(err error) bool {
	return errors.Is(err, domain.ErrRaceLost)
}
