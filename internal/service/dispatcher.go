package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/timmy/sitecreator/internal/domain"
	"github.com/timmy/sitecreator/internal/logger"
	"github.com/timmy/sitecreator/internal/metrics"
	"github.com/timmy/sitecreator/internal/repository"
	"golang.org/x/sync/errgroup"
)

// Recovery actions for stale items.
const (
	RecoveryRequeue = "requeue"
	RecoveryAlert   = "alert"
)

// DispatcherConfig configures the worker pool and the recovery sweep.
type DispatcherConfig struct {
	Workers          int
	IdlePollInterval time.Duration
	StaleAfter       time.Duration
	RecoveryAction   string
	SweepInterval    time.Duration
	LongRunningAfter time.Duration
}

// Dispatcher runs a fixed pool of workers. Each worker claims the oldest claimable item
// and drives it until it is terminal or the driver has to stop.
type Dispatcher struct {
	tracker   *Tracker
	machine   *ItemMachine
	finalizer *Finalizer
	metrics   metrics.Recorder
	cfg       DispatcherConfig

	wake chan struct{}

	mu     sync.Mutex
	active map[string]activeItem
}

type activeItem struct {
	jobID  string
	cancel context.CancelCauseFunc
}

// NewDispatcher creates a Dispatcher. rec may be nil.
func NewDispatcher(tracker *Tracker, machine *ItemMachine, finalizer *Finalizer, rec metrics.Recorder, cfg DispatcherConfig) *Dispatcher {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.IdlePollInterval <= 0 {
		cfg.IdlePollInterval = 5 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	if cfg.RecoveryAction == "" {
		cfg.RecoveryAction = RecoveryRequeue
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.LongRunningAfter <= 0 {
		cfg.LongRunningAfter = 30 * time.Minute
	}
	if rec == nil {
		rec = metrics.NopRecorder{}
	}
	return &Dispatcher{
		tracker:   tracker,
		machine:   machine,
		finalizer: finalizer,
		metrics:   rec,
		cfg:       cfg,
		wake:      make(chan struct{}, cfg.Workers),
		active:    make(map[string]activeItem),
	}
}

// Submit tells idle workers that new items are queued. It never blocks: the items are
// already persisted and will be claimed by the next free worker.
func (d *Dispatcher) Submit(_ context.Context, job *domain.BulkJob) {
	n := d.cfg.Workers
	if job != nil && job.TotalItems < n {
		n = job.TotalItems
	}
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		select {
		case d.wake <- struct{}{}:
		default:
			return
		}
	}
}

// Run sweeps once for work abandoned by a previous process, then runs the workers and the
// periodic sweep until ctx ends.
func (d *Dispatcher) Run(ctx context.Context) error {
	ctx = logger.SetComponent(ctx, "dispatcher")
	if err := d.Sweep(ctx); err != nil {
		logger.FromContext(ctx).WithError(err).Error("Startup recovery sweep failed")
	}

	logger.With(logger.Fields{"workers": d.cfg.Workers}).Info(ctx, "Dispatcher started")
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		workerID := i
		g.Go(func() error {
			d.worker(logger.WithField(gctx, logger.FieldWorkerID, workerID))
			return nil
		})
	}
	g.Go(func() error {
		d.sweepLoop(gctx)
		return nil
	})
	err := g.Wait()
	logger.CtxInfo(ctx, "Dispatcher stopped")
	return err
}

func (d *Dispatcher) worker(ctx context.Context) {
	for ctx.Err() == nil {
		item, err := d.tracker.ClaimNext(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logger.FromContext(ctx).WithError(err).Error("Claim failed")
			}
			d.idle(ctx)
			continue
		}
		if item == nil {
			d.idle(ctx)
			continue
		}
		d.drive(ctx, item)
	}
}

func (d *Dispatcher) idle(ctx context.Context) {
	t := time.NewTimer(d.cfg.IdlePollInterval)
	defer t.Stop()
	select {
	case <-d.wake:
	case <-t.C:
	case <-ctx.Done():
	}
}

// drive runs one claimed item. A panic in the driver is contained to the item.
func (d *Dispatcher) drive(ctx context.Context, item *domain.CourseItem) {
	itemCtx, cancel := context.WithCancelCause(ctx)
	d.track(item, cancel)
	defer func() {
		d.untrack(item.ID)
		cancel(nil)
		if r := recover(); r != nil {
			logger.FromContext(ctx).WithFields(logger.Fields{
				logger.FieldItemID: item.ID,
				"panic":            fmt.Sprint(r),
			}).Error("Item driver panicked, leaving item for recovery")
		}
	}()

	if item.BelongsToJob() {
		job, err := d.tracker.GetJob(ctx, item.JobIDValue())
		if err != nil {
			logger.FromContext(ctx).WithError(err).Error("Failed to load job of claimed item")
			return
		}
		if job.CancelRequested {
			if _, err := d.machine.Cancel(ctx, item); err != nil && !IsRaceLost(err) {
				logger.FromContext(ctx).WithError(err).Error("Failed to cancel claimed item")
			}
			return
		}
	}

	_, _ = d.machine.Drive(itemCtx, item)
}

func (d *Dispatcher) track(item *domain.CourseItem, cancel context.CancelCauseFunc) {
	d.mu.Lock()
	d.active[item.ID] = activeItem{jobID: item.JobIDValue(), cancel: cancel}
	d.mu.Unlock()
}

func (d *Dispatcher) untrack(itemID string) {
	d.mu.Lock()
	delete(d.active, itemID)
	d.mu.Unlock()
}

func (d *Dispatcher) isActive(itemID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.active[itemID]
	return ok
}

// cancelDrivers cancels every in-process driver of jobID with domain.ErrCancelled.
func (d *Dispatcher) cancelDrivers(jobID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, a := range d.active {
		if a.jobID == jobID {
			a.cancel(domain.ErrCancelled)
			n++
		}
	}
	return n
}

// CancelJob stops a job: the cancel flag is persisted, in-process drivers of its items are
// cancelled, and items waiting to be claimed are failed as cancelled. It returns the number
// of items cancelled by this call.
func (d *Dispatcher) CancelJob(ctx context.Context, jobID string) (int, error) {
	job, err := d.tracker.GetJob(ctx, jobID)
	if err != nil {
		return 0, err
	}
	ctx = logger.SetJobID(ctx, job.ID)
	if _, err := d.tracker.RequestCancel(ctx, job.ID); err != nil {
		return 0, fmt.Errorf("request cancel of job %s: %w", job.ID, err)
	}

	n := d.cancelDrivers(job.ID)
	waiting, err := d.tracker.ItemsOfJob(ctx, job.ID, domain.ItemStatusQueued, domain.ItemStatusCompleted)
	if err != nil {
		return n, err
	}
	for i := range waiting {
		item := &waiting[i]
		if _, err := d.machine.Cancel(ctx, item); err != nil {
			if IsRaceLost(err) {
				continue
			}
			return n, err
		}
		n++
	}
	logger.With(logger.Fields{logger.FieldCount: n}).Info(ctx, "Job cancellation requested")
	return n, nil
}

// resumeSetup activates jobs and standalone items left in setup since before cutoff.
func (d *Dispatcher) resumeSetup(ctx context.Context, cutoff time.Time) error {
	jobs, err := d.tracker.JobsInStatusBefore(ctx, domain.JobStatusSetup, cutoff)
	if err != nil {
		return fmt.Errorf("list jobs in setup: %w", err)
	}
	for i := range jobs {
		jobCtx := logger.SetJobID(ctx, jobs[i].ID)
		if err := activateJob(jobCtx, d.tracker, d.finalizer, d, &jobs[i]); err != nil {
			return fmt.Errorf("activate job %s: %w", jobs[i].ID, err)
		}
		d.metrics.RecoveredItem("activate")
		logger.CtxWarn(jobCtx, "Activated job left in setup")
	}

	items, err := d.tracker.StaleSetupItems(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("list items in setup: %w", err)
	}
	queued := 0
	for i := range items {
		won, err := d.tracker.Transition(ctx, items[i].ID, domain.ItemStatusSetup, domain.ItemStatusQueued, nil)
		if err != nil {
			return err
		}
		if won {
			queued++
			d.metrics.RecoveredItem("activate")
			logger.With(logger.Fields{logger.FieldItemID: items[i].ID}).Warn(ctx, "Queued standalone item left in setup")
		}
	}
	if queued > 0 {
		d.Submit(ctx, nil)
	}
	return nil
}

func (d *Dispatcher) sweepLoop(ctx context.Context) {
	t := time.NewTicker(d.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := d.Sweep(ctx); err != nil && ctx.Err() == nil {
				logger.FromContext(ctx).WithError(err).Error("Recovery sweep failed")
			}
		}
	}
}

// Sweep activates work whose submission was interrupted, hands stale items back to the
// queue (or only reports them, depending on the recovery action), re-runs the completion
// check for pending jobs, propagates cancel requests, and reports jobs that have been
// running or finalizing for too long.
func (d *Dispatcher) Sweep(ctx context.Context) error {
	now := time.Now()
	if err := d.resumeSetup(ctx, now.Add(-d.cfg.StaleAfter)); err != nil {
		return err
	}

	stale, err := d.tracker.StaleItems(ctx, now.Add(-d.cfg.StaleAfter))
	if err != nil {
		return fmt.Errorf("list stale items: %w", err)
	}

	requeued := 0
	for i := range stale {
		item := &stale[i]
		if d.isActive(item.ID) {
			continue
		}
		fields := logger.Fields{
			logger.FieldItemID: item.ID,
			logger.FieldJobID:  item.JobIDValue(),
			logger.FieldStatus: string(item.Status),
			"last_update":      item.UpdatedAt.Format(time.RFC3339),
		}
		if d.cfg.RecoveryAction == RecoveryAlert {
			d.metrics.RecoveredItem(RecoveryAlert)
			logger.With(fields).Warn(ctx, "Stale item found")
			continue
		}
		next, won, err := d.tracker.Recover(ctx, item.ID, item.Status)
		if err != nil {
			return err
		}
		if won {
			requeued++
			d.metrics.RecoveredItem(RecoveryRequeue)
			logger.With(fields).Warn(ctx, "Stale item handed back as %s", next)
		}
	}
	if requeued > 0 {
		d.Submit(ctx, nil)
	}

	pending, err := d.tracker.ListJobs(ctx, repository.JobFilter{Statuses: []domain.JobStatus{domain.JobStatusPending}})
	if err != nil {
		return fmt.Errorf("list pending jobs: %w", err)
	}
	for i := range pending {
		job := &pending[i]
		if job.CancelRequested {
			if _, err := d.CancelJob(ctx, job.ID); err != nil {
				logger.FromContext(ctx).WithError(err).Error("Failed to propagate job cancellation")
			}
		}
		if _, err := d.finalizer.CheckJob(ctx, job.ID); err != nil {
			logger.FromContext(ctx).WithError(err).Error("Job completion check failed")
		}
		if now.Sub(job.CreatedAt) > d.cfg.LongRunningAfter {
			logger.With(logger.Fields{
				logger.FieldJobID: job.ID,
				"age_minutes":     int(now.Sub(job.CreatedAt).Minutes()),
			}).Warn(ctx, "Long running job")
		}
	}

	stuck, err := d.tracker.JobsInStatusBefore(ctx, domain.JobStatusFinalizing, now.Add(-d.cfg.LongRunningAfter))
	if err != nil {
		return fmt.Errorf("list finalizing jobs: %w", err)
	}
	for _, job := range stuck {
		logger.With(logger.Fields{
			logger.FieldJobID: job.ID,
			"last_update":     job.UpdatedAt.Format(time.RFC3339),
		}).Error(ctx, "Job stuck in finalizing")
	}
	return nil
}
