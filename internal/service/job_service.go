package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/sitecreator/internal/domain"
	"github.com/timmy/sitecreator/internal/logger"
	"github.com/timmy/sitecreator/internal/repository"
)

// WorkNotifier is told when new items are ready to be claimed.
type WorkNotifier interface {
	Submit(ctx context.Context, job *domain.BulkJob)
}

// CourseSelection is one source course chosen for site creation.
type CourseSelection struct {
	SourceCourseID string `json:"source_course_id"`
	Title          string `json:"title,omitempty"`
	CourseCode     string `json:"course_code,omitempty"`
}

// SubmitJobRequest asks for one course site per selected course.
type SubmitJobRequest struct {
	SchoolID   string            `json:"school_id"`
	SubUnit    string            `json:"sub_unit,omitempty"` // "dept:<id>" or "coursegroup:<id>"
	TermID     string            `json:"term_id"`
	TemplateID *string           `json:"template_id,omitempty"`
	CreatedBy  string            `json:"created_by"`
	Courses    []CourseSelection `json:"courses"`
}

// SubmitItemRequest asks for a single course site outside any bulk job.
type SubmitItemRequest struct {
	Account    string  `json:"account"` // "school:<id>", "dept:<id>" or "coursegroup:<id>"
	TermID     string  `json:"term_id"`
	TemplateID *string `json:"template_id,omitempty"`
	CreatedBy  string  `json:"created_by"`
	CourseSelection
}

// JobService accepts submissions and turns them into persisted, claimable work.
type JobService struct {
	jobs      *repository.JobRepository
	items     *repository.ItemRepository
	tracker   *Tracker
	finalizer *Finalizer
	work      WorkNotifier
}

// NewJobService creates a JobService. work may be nil, in which case workers find new
// items on their next idle poll.
func NewJobService(
	jobs *repository.JobRepository,
	items *repository.ItemRepository,
	tracker *Tracker,
	finalizer *Finalizer,
	work WorkNotifier,
) *JobService {
	return &JobService{jobs: jobs, items: items, tracker: tracker, finalizer: finalizer, work: work}
}

// SubmitJob creates the job and all of its items atomically, then activates them.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - req: scope, term, template, creator and the selected courses.
// Returns:
//   - *domain.BulkJob: the created job, already in pending.
//   - error: *domain.ValidationError for malformed requests; nothing is persisted then.
func (s *JobService) SubmitJob(ctx context.Context, req SubmitJobRequest) (*domain.BulkJob, error) {
	if len(req.Courses) == 0 {
		return nil, &domain.ValidationError{Field: "courses", Reason: "at least one course is required"}
	}
	if strings.TrimSpace(req.SchoolID) == "" {
		return nil, &domain.ValidationError{Field: "school_id", Reason: "required"}
	}
	if strings.TrimSpace(req.TermID) == "" {
		return nil, &domain.ValidationError{Field: "term_id", Reason: "required"}
	}
	if strings.TrimSpace(req.CreatedBy) == "" {
		return nil, &domain.ValidationError{Field: "created_by", Reason: "required"}
	}

	job := &domain.BulkJob{
		ID:         uuid.NewString(),
		SchoolID:   strings.TrimSpace(req.SchoolID),
		TermID:     strings.TrimSpace(req.TermID),
		TemplateID: req.TemplateID,
		CreatedBy:  req.CreatedBy,
		TotalItems: len(req.Courses),
		Status:     domain.JobStatusSetup,
	}
	if req.SubUnit != "" {
		unit, err := domain.ParseOrgUnit(req.SubUnit)
		if err != nil {
			return nil, err
		}
		if !unit.IsSubUnit() {
			return nil, &domain.ValidationError{Field: "sub_unit", Reason: "must be a department or course group"}
		}
		job.SubUnitKind = unit.Kind
		job.SubUnitID = unit.ID
	}

	account := job.Scope().String()
	base := time.Now()
	items := make([]*domain.CourseItem, len(req.Courses))
	for i, c := range req.Courses {
		jobID := job.ID
		items[i] = &domain.CourseItem{
			ID:             uuid.NewString(),
			Kind:           domain.ItemKindBulk,
			JobID:          &jobID,
			SourceCourseID: strings.TrimSpace(c.SourceCourseID),
			Title:          c.Title,
			CourseCode:     c.CourseCode,
			TermID:         job.TermID,
			TemplateID:     req.TemplateID,
			AccountID:      account,
			Status:         domain.ItemStatusSetup,
			CreatedBy:      req.CreatedBy,
			// Spaced so claims follow submission order within the job.
			CreatedAt: base.Add(time.Duration(i) * time.Microsecond),
		}
	}

	if err := s.jobs.CreateWithItems(ctx, job, items); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	ctx = logger.SetJobID(ctx, job.ID)
	logger.With(logger.Fields{
		logger.FieldCount: job.TotalItems,
		"scope":           job.Scope().String(),
		"term":            job.TermID,
	}).Info(ctx, "Bulk job created")

	// The job is committed; a caller that goes away must not leave it in setup.
	if err := s.activate(context.WithoutCancel(ctx), job); err != nil {
		return nil, err
	}
	return job, nil
}

// activate moves setup items to queued (or setup_failed) and the job to pending.
func (s *JobService) activate(ctx context.Context, job *domain.BulkJob) error {
	return activateJob(ctx, s.tracker, s.finalizer, s.work, job)
}

// activateJob is safe to repeat for a job left in setup by a crash or an interrupted
// submission.
func activateJob(ctx context.Context, tracker *Tracker, finalizer *Finalizer, work WorkNotifier, job *domain.BulkJob) error {
	items, err := tracker.ItemsOfJob(ctx, job.ID, allItemStatuses...)
	if err != nil {
		return fmt.Errorf("load items of job %s: %w", job.ID, err)
	}

	seen := make(map[string]bool, len(items))
	for i := range items {
		item := &items[i]
		source := item.SourceCourseID
		duplicate := source != "" && seen[source]
		seen[source] = true
		if item.Status != domain.ItemStatusSetup {
			continue
		}

		next, fields := domain.ItemStatusQueued, map[string]interface{}(nil)
		switch {
		case source == "":
			next, fields = domain.ItemStatusSetupFailed, map[string]interface{}{"cause": "missing source course id"}
		case duplicate:
			next, fields = domain.ItemStatusSetupFailed, map[string]interface{}{"cause": "duplicate of another course in this job"}
		}
		if _, err := tracker.Transition(ctx, item.ID, domain.ItemStatusSetup, next, fields); err != nil {
			return err
		}
	}

	if job.Status == domain.JobStatusSetup {
		won, err := tracker.TransitionJob(ctx, job.ID, domain.JobStatusSetup, domain.JobStatusPending)
		if err != nil {
			return err
		}
		if won {
			job.Status = domain.JobStatusPending
		}
	}

	// Every item may have failed setup; the detector handles that like any other completion.
	if _, err := finalizer.CheckJob(ctx, job.ID); err != nil {
		logger.FromContext(ctx).WithError(err).Error("Job completion check failed")
	}
	if fresh, err := tracker.GetJob(ctx, job.ID); err == nil {
		job.Status = fresh.Status
	}
	if work != nil {
		work.Submit(ctx, job)
	}
	return nil
}

// ResumeSetup activates jobs that a previous process created but never activated.
func (s *JobService) ResumeSetup(ctx context.Context) (int, error) {
	jobs, err := s.jobs.List(ctx, repository.JobFilter{Statuses: []domain.JobStatus{domain.JobStatusSetup}})
	if err != nil {
		return 0, err
	}
	for i := range jobs {
		if err := s.activate(logger.SetJobID(ctx, jobs[i].ID), &jobs[i]); err != nil {
			return i, err
		}
	}
	return len(jobs), nil
}

// SubmitItem creates and queues a standalone item.
func (s *JobService) SubmitItem(ctx context.Context, req SubmitItemRequest) (*domain.CourseItem, error) {
	source := strings.TrimSpace(req.SourceCourseID)
	if source == "" {
		return nil, &domain.ValidationError{Field: "source_course_id", Reason: "required"}
	}
	if strings.TrimSpace(req.CreatedBy) == "" {
		return nil, &domain.ValidationError{Field: "created_by", Reason: "required"}
	}
	account, err := domain.ParseOrgUnit(req.Account)
	if err != nil {
		return nil, err
	}

	item := &domain.CourseItem{
		ID:             uuid.NewString(),
		Kind:           domain.ItemKindStandalone,
		SourceCourseID: source,
		Title:          req.Title,
		CourseCode:     req.CourseCode,
		TermID:         strings.TrimSpace(req.TermID),
		TemplateID:     req.TemplateID,
		AccountID:      account.String(),
		Status:         domain.ItemStatusSetup,
		CreatedBy:      req.CreatedBy,
	}
	if err := s.items.Create(ctx, item); err != nil {
		return nil, fmt.Errorf("create item: %w", err)
	}
	if err := s.tracker.MustTransition(context.WithoutCancel(ctx), item.ID, domain.ItemStatusSetup, domain.ItemStatusQueued, nil); err != nil {
		return nil, err
	}
	item.Status = domain.ItemStatusQueued

	logger.With(logger.Fields{logger.FieldItemID: item.ID, "source_course_id": source}).Info(ctx, "Standalone item queued")
	if s.work != nil {
		s.work.Submit(ctx, nil)
	}
	return item, nil
}

var allItemStatuses = []domain.ItemStatus{
	domain.ItemStatusSetup,
	domain.ItemStatusSetupFailed,
	domain.ItemStatusQueued,
	domain.ItemStatusRunning,
	domain.ItemStatusCompleted,
	domain.ItemStatusFailed,
	domain.ItemStatusPendingFinalize,
	domain.ItemStatusFinalized,
	domain.ItemStatusFinalizeFailed,
}
