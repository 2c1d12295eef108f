package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/timmy/sitecreator/internal/domain"
	"github.com/timmy/sitecreator/internal/logger"
	"github.com/timmy/sitecreator/internal/metrics"
)

// MachineConfig holds the timing of the per-item workflow.
type MachineConfig struct {
	// PollInterval is the wait between migration status polls.
	PollInterval time.Duration
	// ItemTimeout bounds polling, measured from the moment the migration was accepted.
	ItemTimeout time.Duration
}

// TerminalObserver is told about every item that reaches a terminal state.
type TerminalObserver interface {
	ItemTerminated(ctx context.Context, item *domain.CourseItem)
}

// ItemMachine drives one item through creation, migration polling and finalization.
// Each step is persisted through the Tracker before the next one starts, so a driver
// can stop at any point and another process can pick the item up later.
type ItemMachine struct {
	tracker     *Tracker
	provisioner CourseProvisioner
	retry       *RetryPolicy
	budget      *RateBudget
	observer    TerminalObserver
	metrics     metrics.Recorder
	cfg         MachineConfig
	now         func() time.Time
}

// NewItemMachine creates an ItemMachine. observer and rec may be nil.
func NewItemMachine(
	tracker *Tracker,
	provisioner CourseProvisioner,
	retry *RetryPolicy,
	budget *RateBudget,
	observer TerminalObserver,
	rec metrics.Recorder,
	cfg MachineConfig,
) *ItemMachine {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.ItemTimeout <= 0 {
		cfg.ItemTimeout = 45 * time.Minute
	}
	if rec == nil {
		rec = metrics.NopRecorder{}
	}
	return &ItemMachine{
		tracker:     tracker,
		provisioner: provisioner,
		retry:       retry,
		budget:      budget,
		observer:    observer,
		metrics:     rec,
		cfg:         cfg,
		now:         time.Now,
	}
}

// Drive advances item until it is terminal, a compare-and-set is lost, or ctx ends.
// When ctx is cancelled with domain.ErrCancelled the item is failed as cancelled;
// any other cancellation leaves it where it is for the recovery sweep.
func (m *ItemMachine) Drive(ctx context.Context, item *domain.CourseItem) (domain.ItemStatus, error) {
	ctx = logger.WithFields(ctx, logger.Fields{
		logger.FieldItemID: item.ID,
		logger.FieldJobID:  item.JobIDValue(),
	})

	for {
		waiting := item.Status == domain.ItemStatusRunning && item.MigrationStarted()
		if waiting {
			if err := sleep(ctx, m.cfg.PollInterval); err != nil {
				return m.stopped(ctx, item)
			}
		}

		status, detail, err := m.Advance(ctx, item)
		switch {
		case err == nil && status.IsTerminal():
			logger.With(logger.Fields{logger.FieldStatus: string(status)}).Info(ctx, "Item reached %s: %s", status, detail)
			return status, nil
		case errors.Is(err, domain.ErrRaceLost):
			logger.CtxInfo(ctx, "Item moved by another writer, driver stops")
			return item.Status, nil
		case ctx.Err() != nil:
			return m.stopped(ctx, item)
		case err != nil:
			logger.FromContext(ctx).WithError(err).Error("Item step failed, leaving item for recovery")
			return item.Status, err
		}
		logger.CtxDebug(ctx, "Item step: %s", detail)
	}
}

// stopped handles a cancelled driver.
func (m *ItemMachine) stopped(ctx context.Context, item *domain.CourseItem) (domain.ItemStatus, error) {
	if !errors.Is(context.Cause(ctx), domain.ErrCancelled) {
		logger.CtxInfo(ctx, "Driver stopped in %s", item.Status)
		return item.Status, context.Cause(ctx)
	}
	status, err := m.Cancel(context.WithoutCancel(ctx), item)
	if errors.Is(err, domain.ErrRaceLost) {
		return item.Status, nil
	}
	return status, err
}

// Cancel fails a non-terminal item with the cause "cancelled".
func (m *ItemMachine) Cancel(ctx context.Context, item *domain.CourseItem) (domain.ItemStatus, error) {
	var next domain.ItemStatus
	switch item.Status {
	case domain.ItemStatusQueued, domain.ItemStatusRunning:
		next = domain.ItemStatusFailed
	case domain.ItemStatusCompleted, domain.ItemStatusPendingFinalize:
		next = domain.ItemStatusFinalizeFailed
	default:
		return item.Status, nil
	}
	if err := m.fail(ctx, item, next, domain.ErrCancelled.Error()); err != nil {
		return item.Status, err
	}
	return next, nil
}

// Advance performs one step of the item workflow and returns the resulting status with a
// short description of what happened. Remote failures that exhaust the retry policy fail
// the item; they are not returned as errors. A lost compare-and-set returns domain.ErrRaceLost.
func (m *ItemMachine) Advance(ctx context.Context, item *domain.CourseItem) (domain.ItemStatus, string, error) {
	switch item.Status {
	case domain.ItemStatusQueued:
		if err := m.move(ctx, item, domain.ItemStatusRunning, nil); err != nil {
			return item.Status, "", err
		}
		return item.Status, "picked up", nil
	case domain.ItemStatusRunning:
		if !item.MigrationStarted() {
			return m.startMigration(ctx, item)
		}
		return m.pollMigration(ctx, item)
	case domain.ItemStatusCompleted:
		if err := m.move(ctx, item, domain.ItemStatusPendingFinalize, nil); err != nil {
			return item.Status, "", err
		}
		return item.Status, "finalize started", nil
	case domain.ItemStatusPendingFinalize:
		return m.finalize(ctx, item)
	}
	if item.Status.IsTerminal() {
		return item.Status, "already terminal", nil
	}
	return item.Status, "", fmt.Errorf("item %s: no step defined for status %s", item.ID, item.Status)
}

func (m *ItemMachine) startMigration(ctx context.Context, item *domain.CourseItem) (domain.ItemStatus, string, error) {
	req := domain.CourseRequest{
		ItemID:         item.ID,
		SourceCourseID: item.SourceCourseID,
		AccountID:      item.AccountID,
		TermID:         item.TermID,
		Title:          item.Title,
		CourseCode:     item.CourseCode,
	}
	if item.TemplateID != nil {
		req.TemplateID = *item.TemplateID
	}

	var mig domain.Migration
	err := m.retry.Run(ctx, SiteStartMigration, func(ctx context.Context) error {
		return m.budget.Do(ctx, func(ctx context.Context) error {
			var err error
			mig, err = m.provisioner.StartMigration(ctx, req)
			return err
		})
	})
	if err != nil {
		if ctx.Err() != nil {
			return item.Status, "", context.Cause(ctx)
		}
		return m.failWith(ctx, item, domain.ItemStatusFailed, fmt.Sprintf("course creation failed: %v", err))
	}

	started := m.now()
	fields := map[string]interface{}{
		"remote_course_id":     mig.RemoteCourseID,
		"tracking_handle":      mig.Handle,
		"migration_started_at": started,
	}
	next := domain.ItemStatusRunning
	if mig.Handle == "" {
		next = domain.ItemStatusCompleted
	}

	err = m.move(ctx, item, next, fields)
	if errors.Is(err, domain.ErrRemoteCourseTaken) {
		return m.failWith(ctx, item, domain.ItemStatusFailed,
			fmt.Sprintf("remote course %s is already assigned to another item", mig.RemoteCourseID))
	}
	if err != nil {
		return item.Status, "", err
	}
	item.RemoteCourseID = &mig.RemoteCourseID
	item.TrackingHandle = mig.Handle
	item.MigrationStartedAt = &started

	if next == domain.ItemStatusCompleted {
		return item.Status, fmt.Sprintf("course %s created without template", mig.RemoteCourseID), nil
	}
	return item.Status, fmt.Sprintf("course %s created, migration started", mig.RemoteCourseID), nil
}

func (m *ItemMachine) pollMigration(ctx context.Context, item *domain.CourseItem) (domain.ItemStatus, string, error) {
	if m.now().Sub(*item.MigrationStartedAt) > m.cfg.ItemTimeout {
		return m.failWith(ctx, item, domain.ItemStatusFailed, domain.ErrTimeout.Error())
	}

	var st domain.MigrationStatus
	err := m.retry.Run(ctx, SitePollMigration, func(ctx context.Context) error {
		return m.budget.Do(ctx, func(ctx context.Context) error {
			var err error
			st, err = m.provisioner.PollMigration(ctx, item.TrackingHandle)
			return err
		})
	})
	if err != nil {
		if ctx.Err() != nil {
			return item.Status, "", context.Cause(ctx)
		}
		return m.failWith(ctx, item, domain.ItemStatusFailed, fmt.Sprintf("migration status unavailable: %v", err))
	}

	switch st.State {
	case domain.MigrationCompleted:
		if err := m.move(ctx, item, domain.ItemStatusCompleted, nil); err != nil {
			return item.Status, "", err
		}
		return item.Status, "migration completed", nil
	case domain.MigrationFailed:
		cause := "content migration failed"
		if st.Message != "" {
			cause += ": " + st.Message
		}
		return m.failWith(ctx, item, domain.ItemStatusFailed, cause)
	}

	// Still in progress: heartbeat so the recovery sweep sees the item is alive.
	if err := m.move(ctx, item, domain.ItemStatusRunning, nil); err != nil {
		return item.Status, "", err
	}
	return item.Status, "migration " + string(st.State), nil
}

func (m *ItemMachine) finalize(ctx context.Context, item *domain.CourseItem) (domain.ItemStatus, string, error) {
	meta := domain.CourseMetadata{
		SourceCourseID: item.SourceCourseID,
		TermID:         item.TermID,
		Title:          item.Title,
		CourseCode:     item.CourseCode,
	}
	remoteID := item.RemoteCourseIDValue()
	if remoteID == "" {
		return m.failWith(ctx, item, domain.ItemStatusFinalizeFailed, "no remote course to finalize")
	}

	err := m.retry.Run(ctx, SiteFinalizeCourse, func(ctx context.Context) error {
		return m.budget.Do(ctx, func(ctx context.Context) error {
			return m.provisioner.FinalizeCourse(ctx, remoteID, meta)
		})
	})
	if err != nil {
		if ctx.Err() != nil {
			return item.Status, "", context.Cause(ctx)
		}
		return m.failWith(ctx, item, domain.ItemStatusFinalizeFailed, fmt.Sprintf("finalize failed: %v", err))
	}

	if err := m.move(ctx, item, domain.ItemStatusFinalized, map[string]interface{}{"cause": ""}); err != nil {
		return item.Status, "", err
	}
	m.terminated(ctx, item)
	return item.Status, fmt.Sprintf("course %s finalized", remoteID), nil
}

// move applies a transition and updates item on success.
func (m *ItemMachine) move(ctx context.Context, item *domain.CourseItem, next domain.ItemStatus, fields map[string]interface{}) error {
	if err := m.tracker.MustTransition(ctx, item.ID, item.Status, next, fields); err != nil {
		return err
	}
	item.Status = next
	item.UpdatedAt = m.now()
	return nil
}

func (m *ItemMachine) failWith(ctx context.Context, item *domain.CourseItem, next domain.ItemStatus, cause string) (domain.ItemStatus, string, error) {
	if err := m.fail(ctx, item, next, cause); err != nil {
		return item.Status, "", err
	}
	return item.Status, cause, nil
}

func (m *ItemMachine) fail(ctx context.Context, item *domain.CourseItem, next domain.ItemStatus, cause string) error {
	if err := m.move(ctx, item, next, map[string]interface{}{"cause": cause}); err != nil {
		return err
	}
	item.Cause = cause
	logger.FromContext(ctx).WithFields(logger.Fields{
		logger.FieldItemID: item.ID,
		"cause":            cause,
	}).Warnf("Item %s", next)
	m.terminated(ctx, item)
	return nil
}

func (m *ItemMachine) terminated(ctx context.Context, item *domain.CourseItem) {
	m.metrics.ItemFinished(item.Status, m.now().Sub(item.CreatedAt))
	if m.observer != nil {
		m.observer.ItemTerminated(context.WithoutCancel(ctx), item)
	}
}
