package service

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/timmy/sitecreator/internal/domain"
	"github.com/timmy/sitecreator/internal/logger"
	"github.com/timmy/sitecreator/internal/metrics"
	"github.com/timmy/sitecreator/internal/storage"
)

// FinalizerConfig holds the notification templates. Job templates may use {school},
// {term}, {success_count} and {failed_count}.
type FinalizerConfig struct {
	Subject            string
	Body               string
	FailedSuffix       string
	ItemSuccessSubject string
	ItemFailureSubject string
	ReportPrefix       string
}

// DefaultFinalizerConfig returns the stock notification texts.
func DefaultFinalizerConfig() FinalizerConfig {
	return FinalizerConfig{
		Subject:            "Sites created for {school} {term} term",
		Body:               "Canvas course sites have been created for the {school} {term} term.\n\n - {success_count} course sites were created successfully.\n",
		FailedSuffix:       " - {failed_count} course sites were not created.",
		ItemSuccessSubject: "Course site is ready",
		ItemFailureSubject: "Course site not created",
		ReportPrefix:       "reports",
	}
}

// Finalizer detects jobs whose items are all terminal and runs their one-time
// finalization: archive a result report, notify the creator, record the outcome.
// Only the caller that wins the pending -> finalizing compare-and-set finalizes.
type Finalizer struct {
	tracker    *Tracker
	notifier   Notifier
	recipients RecipientResolver
	retry      *RetryPolicy
	reports    storage.ObjectStorage
	metrics    metrics.Recorder
	cfg        FinalizerConfig
}

// NewFinalizer creates a Finalizer. reports and rec may be nil.
func NewFinalizer(
	tracker *Tracker,
	notifier Notifier,
	recipients RecipientResolver,
	retry *RetryPolicy,
	reports storage.ObjectStorage,
	rec metrics.Recorder,
	cfg FinalizerConfig,
) *Finalizer {
	if rec == nil {
		rec = metrics.NopRecorder{}
	}
	if recipients == nil {
		recipients = DomainRecipients{}
	}
	return &Finalizer{
		tracker:    tracker,
		notifier:   notifier,
		recipients: recipients,
		retry:      retry,
		reports:    reports,
		metrics:    rec,
		cfg:        cfg,
	}
}

// ItemTerminated runs the detector for bulk items and sends the per-item notification
// for standalone ones.
func (f *Finalizer) ItemTerminated(ctx context.Context, item *domain.CourseItem) {
	if !item.BelongsToJob() {
		f.notifyItem(ctx, item)
		return
	}
	if _, err := f.CheckJob(ctx, item.JobIDValue()); err != nil {
		logger.FromContext(ctx).WithError(err).Error("Job completion check failed")
	}
}

// CheckJob finalizes the job if every item is terminal and no one else has started to.
// It reports whether this call performed the finalization.
func (f *Finalizer) CheckJob(ctx context.Context, jobID string) (bool, error) {
	job, err := f.tracker.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	if job.Status != domain.JobStatusPending {
		return false, nil
	}

	summary, err := f.tracker.summarize(ctx, job)
	if err != nil {
		return false, err
	}
	if !summary.Done() {
		return false, nil
	}

	won, err := f.tracker.TransitionJob(ctx, job.ID, domain.JobStatusPending, domain.JobStatusFinalizing)
	if err != nil || !won {
		return false, err
	}
	job.Status = domain.JobStatusFinalizing

	ctx = logger.SetJobID(ctx, job.ID)
	return true, f.finalize(ctx, job, summary)
}

func (f *Finalizer) finalize(ctx context.Context, job *domain.BulkJob, summary domain.JobSummary) error {
	start := time.Now()
	reportURL := f.archiveReport(ctx, job)

	n := f.composeJobNotification(job, summary, reportURL)
	recipients, err := f.recipients.Recipients(ctx, job.CreatedBy)
	if err == nil {
		n.Recipients = recipients
		err = f.retry.Run(ctx, SiteNotify, func(ctx context.Context) error {
			return f.notifier.Send(ctx, n)
		})
	}

	if err != nil && ctx.Err() != nil {
		logger.CtxWarn(ctx, "Finalization interrupted, job stays in %s: %v", job.Status, err)
		return err
	}

	next := domain.JobStatusNotificationSuccessful
	var finalizeErr error
	if err != nil {
		next = domain.JobStatusNotificationFailed
		finalizeErr = &domain.FinalizeError{JobID: job.ID, Attempts: f.retry.MaxAttempts(SiteNotify, domain.KindOf(err)), Err: err}
		f.metrics.Notification("job", "failed")
	} else {
		f.metrics.Notification("job", "sent")
	}

	won, terr := f.tracker.TransitionJob(context.WithoutCancel(ctx), job.ID, domain.JobStatusFinalizing, next)
	if terr != nil {
		return terr
	}
	if won {
		job.Status = next
		f.metrics.JobFinalized(next)
	}

	entry := logger.With(logger.Fields{
		logger.FieldStatus:     string(next),
		logger.FieldDurationMs: time.Since(start).Milliseconds(),
		"successful":           summary.Successful,
		"failed":               summary.Failed,
	})
	if finalizeErr != nil {
		entry.Error(ctx, "Job finalized with delivery issue: %v", finalizeErr)
		return finalizeErr
	}
	entry.Info(ctx, "Job finalized")
	return nil
}

func (f *Finalizer) composeJobNotification(job *domain.BulkJob, summary domain.JobSummary, reportURL string) domain.Notification {
	r := strings.NewReplacer(
		"{school}", strings.ToUpper(job.SchoolID),
		"{term}", job.TermID,
		"{success_count}", strconv.Itoa(summary.Successful),
		"{failed_count}", strconv.Itoa(summary.Failed),
	)
	body := r.Replace(f.cfg.Body)
	if summary.Failed > 0 {
		body += r.Replace(f.cfg.FailedSuffix) + "\n"
	}
	if reportURL != "" {
		body += "\nDetailed results: " + reportURL + "\n"
	}
	return domain.Notification{
		Subject: r.Replace(f.cfg.Subject),
		Body:    body,
		JobID:   job.ID,
	}
}

func (f *Finalizer) notifyItem(ctx context.Context, item *domain.CourseItem) {
	n := domain.Notification{ItemID: item.ID}
	if item.Status.IsSuccess() {
		n.Subject = f.cfg.ItemSuccessSubject
		n.Body = fmt.Sprintf("The course site for %s is ready (course %s).\n", item.SourceCourseID, item.RemoteCourseIDValue())
	} else {
		n.Subject = f.cfg.ItemFailureSubject
		n.Body = fmt.Sprintf("The course site for %s could not be created: %s\n", item.SourceCourseID, item.Cause)
	}

	recipients, err := f.recipients.Recipients(ctx, item.CreatedBy)
	if err == nil {
		n.Recipients = recipients
		err = f.retry.Run(ctx, SiteNotify, func(ctx context.Context) error {
			return f.notifier.Send(ctx, n)
		})
	}
	if err != nil {
		f.metrics.Notification("item", "failed")
		logger.FromContext(ctx).WithError(err).Error("Item notification failed")
		return
	}
	f.metrics.Notification("item", "sent")
}

// archiveReport uploads a CSV of the job's items and returns its URL, or "" when
// archiving is disabled or fails. A failed upload never blocks the notification.
func (f *Finalizer) archiveReport(ctx context.Context, job *domain.BulkJob) string {
	if f.reports == nil {
		return ""
	}
	items, err := f.tracker.ItemsOfJob(ctx, job.ID, domain.TerminalItemStatuses...)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Warn("Failed to load items for result report")
		return ""
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write([]string{"item_id", "source_course_id", "remote_course_id", "status", "cause"})
	for _, it := range items {
		_ = w.Write([]string{it.ID, it.SourceCourseID, it.RemoteCourseIDValue(), string(it.Status), it.Cause})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		logger.FromContext(ctx).WithError(err).Warn("Failed to encode result report")
		return ""
	}

	key := strings.TrimSuffix(f.cfg.ReportPrefix, "/") + "/" + job.ID + ".csv"
	if err := f.reports.Upload(ctx, key, bytes.NewReader(buf.Bytes()), int64(buf.Len()), "text/csv"); err != nil {
		logger.FromContext(ctx).WithError(err).Warn("Failed to upload result report")
		return ""
	}
	return f.reports.GetURL(key)
}
