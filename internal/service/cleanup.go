package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/timmy/sitecreator/internal/domain"
	"github.com/timmy/sitecreator/internal/logger"
)

// CourseRemover is the subset of the remote API used to tear a course down.
type CourseRemover interface {
	GetCourse(ctx context.Context, lookupID string) (domain.RemoteCourse, error)
	ListSections(ctx context.Context, courseID string) ([]domain.RemoteSection, error)
	ListSectionEnrollments(ctx context.Context, sectionID string) ([]domain.RemoteEnrollment, error)
	DeleteEnrollment(ctx context.Context, courseID, enrollmentID string) error
	ClearSectionSISID(ctx context.Context, sectionID string) error
	DeleteSection(ctx context.Context, sectionID string) error
	ClearCourseSISID(ctx context.Context, courseID string) error
	DeleteCourse(ctx context.Context, courseID string) error
}

// SiteCleanup is the call site used for every removal call.
const SiteCleanup = "cleanup"

// CleanupRequest selects courses to delete. Exactly one selector must be set.
type CleanupRequest struct {
	RemoteCourseIDs []string `json:"remote_course_ids,omitempty"`
	SourceCourseIDs []string `json:"source_course_ids,omitempty"`
	JobID           string   `json:"job_id,omitempty"`
}

// CleanupReport summarizes a cleanup run.
type CleanupReport struct {
	Requested int      `json:"requested"`
	Deleted   int      `json:"deleted"`
	NotFound  int      `json:"not_found"`
	Errors    []string `json:"errors,omitempty"`
}

// CleanupService removes remote courses created by mistake: enrollments, sections, then
// the course itself. Errors are logged per step and never stop the run.
type CleanupService struct {
	remover CourseRemover
	tracker *Tracker
	retry   *RetryPolicy
	budget  *RateBudget
}

// NewCleanupService creates a CleanupService.
func NewCleanupService(remover CourseRemover, tracker *Tracker, retry *RetryPolicy, budget *RateBudget) *CleanupService {
	return &CleanupService{remover: remover, tracker: tracker, retry: retry, budget: budget}
}

// Validate checks that exactly one selector is set.
func (r CleanupRequest) Validate() error {
	set := 0
	if len(r.RemoteCourseIDs) > 0 {
		set++
	}
	if len(r.SourceCourseIDs) > 0 {
		set++
	}
	if r.JobID != "" {
		set++
	}
	if set != 1 {
		return &domain.ValidationError{Field: "selector", Reason: "exactly one of remote_course_ids, source_course_ids or job_id is required"}
	}
	return nil
}

// Run deletes the selected courses.
func (s *CleanupService) Run(ctx context.Context, req CleanupRequest) (*CleanupReport, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	ctx = logger.SetComponent(ctx, "cleanup")
	start := time.Now()

	var lookups []string
	switch {
	case req.JobID != "":
		ids, err := s.tracker.RemoteCourseIDs(ctx, req.JobID)
		if err != nil {
			return nil, fmt.Errorf("list courses of job %s: %w", req.JobID, err)
		}
		lookups = ids
	case len(req.SourceCourseIDs) > 0:
		for _, id := range req.SourceCourseIDs {
			lookups = append(lookups, "sis_course_id:"+id)
		}
	default:
		lookups = req.RemoteCourseIDs
	}

	report := &CleanupReport{Requested: len(lookups)}
	for _, lookup := range lookups {
		if ctx.Err() != nil {
			break
		}
		s.removeCourse(ctx, lookup, report)
	}

	logger.With(logger.Fields{
		logger.FieldCount:      report.Deleted,
		logger.FieldDurationMs: time.Since(start).Milliseconds(),
		"not_found":            report.NotFound,
		"errors":               len(report.Errors),
	}).Info(ctx, "Cleanup finished")
	return report, nil
}

func (s *CleanupService) removeCourse(ctx context.Context, lookup string, report *CleanupReport) {
	var course domain.RemoteCourse
	err := s.call(ctx, func(ctx context.Context) error {
		var err error
		course, err = s.remover.GetCourse(ctx, lookup)
		return err
	})
	if err != nil {
		if isNotFound(err) {
			report.NotFound++
			logger.CtxInfo(ctx, "Course %s not found", lookup)
			return
		}
		s.record(ctx, report, fmt.Errorf("look up course %s: %w", lookup, err))
		return
	}

	var sections []domain.RemoteSection
	err = s.call(ctx, func(ctx context.Context) error {
		var err error
		sections, err = s.remover.ListSections(ctx, course.ID)
		return err
	})
	if err != nil {
		s.record(ctx, report, fmt.Errorf("list sections of course %s: %w", course.ID, err))
	}
	for _, sec := range sections {
		s.removeSection(ctx, course.ID, sec, report)
	}

	// The SIS id is cleared first so it can be reused: the remote delete is a soft delete.
	if err := s.call(ctx, func(ctx context.Context) error { return s.remover.ClearCourseSISID(ctx, course.ID) }); err != nil {
		s.record(ctx, report, fmt.Errorf("clear SIS id of course %s: %w", course.ID, err))
	}
	if err := s.call(ctx, func(ctx context.Context) error { return s.remover.DeleteCourse(ctx, course.ID) }); err != nil {
		s.record(ctx, report, fmt.Errorf("delete course %s: %w", course.ID, err))
		return
	}
	report.Deleted++
	logger.CtxInfo(ctx, "Deleted course %s (SIS id %q)", course.ID, course.SISCourseID)
}

func (s *CleanupService) removeSection(ctx context.Context, courseID string, sec domain.RemoteSection, report *CleanupReport) {
	var enrollments []domain.RemoteEnrollment
	err := s.call(ctx, func(ctx context.Context) error {
		var err error
		enrollments, err = s.remover.ListSectionEnrollments(ctx, sec.ID)
		return err
	})
	if err != nil {
		s.record(ctx, report, fmt.Errorf("list enrollments of section %s: %w", sec.ID, err))
	}
	for _, e := range enrollments {
		enrollmentCourse := e.CourseID
		if enrollmentCourse == "" {
			enrollmentCourse = courseID
		}
		if err := s.call(ctx, func(ctx context.Context) error { return s.remover.DeleteEnrollment(ctx, enrollmentCourse, e.ID) }); err != nil {
			s.record(ctx, report, fmt.Errorf("delete enrollment %s of course %s: %w", e.ID, courseID, err))
		}
	}

	if err := s.call(ctx, func(ctx context.Context) error { return s.remover.ClearSectionSISID(ctx, sec.ID) }); err != nil {
		s.record(ctx, report, fmt.Errorf("clear SIS id of section %s: %w", sec.ID, err))
	}
	if err := s.call(ctx, func(ctx context.Context) error { return s.remover.DeleteSection(ctx, sec.ID) }); err != nil {
		s.record(ctx, report, fmt.Errorf("delete section %s: %w", sec.ID, err))
	}
}

func (s *CleanupService) call(ctx context.Context, op func(ctx context.Context) error) error {
	return s.retry.Run(ctx, SiteCleanup, func(ctx context.Context) error {
		return s.budget.Do(ctx, op)
	})
}

func (s *CleanupService) record(ctx context.Context, report *CleanupReport, err error) {
	report.Errors = append(report.Errors, err.Error())
	logger.FromContext(ctx).WithError(err).Error("Cleanup step failed")
}

func isNotFound(err error) bool {
	var re *domain.RemoteError
	return errors.As(err, &re) && re.StatusCode == 404
}
