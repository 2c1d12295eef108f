package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/timmy/sitecreator/internal/config"
	"github.com/timmy/sitecreator/internal/domain"
	"github.com/timmy/sitecreator/internal/repository"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := repository.InitDB(&config.DatabaseConfig{
		Driver:       "sqlite",
		Path:         fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()),
		MaxOpenConns: 1,
		AutoMigrate:  true,
		LogLevel:     "silent",
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func fastRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:            3,
		RateLimitedMaxAttempts: 4,
		InitialInterval:        time.Millisecond,
		MaxInterval:            5 * time.Millisecond,
		Multiplier:             2,
		RateLimitCooldown:      time.Millisecond,
		CallSites:              map[string]int{SiteFinalizeCourse: 5, SiteNotify: 3},
	}
}

// fakeProvisioner creates "rc-<source>" with handle "h-<source>" and completes every
// migration on the first poll unless a hook says otherwise.
type fakeProvisioner struct {
	mu            sync.Mutex
	startHook     func(req domain.CourseRequest) (domain.Migration, error)
	pollHook      func(handle string) (domain.MigrationStatus, error)
	finalizeHook  func(remoteID string, calls int) error
	startCalls    map[string]int
	pollCalls     map[string]int
	finalizeCalls map[string]int
}

func newFakeProvisioner() *fakeProvisioner {
	return &fakeProvisioner{
		startCalls:    make(map[string]int),
		pollCalls:     make(map[string]int),
		finalizeCalls: make(map[string]int),
	}
}

func (p *fakeProvisioner) StartMigration(_ context.Context, req domain.CourseRequest) (domain.Migration, error) {
	p.mu.Lock()
	p.startCalls[req.SourceCourseID]++
	hook := p.startHook
	p.mu.Unlock()
	if hook != nil {
		return hook(req)
	}
	return domain.Migration{RemoteCourseID: "rc-" + req.SourceCourseID, Handle: "h-" + req.SourceCourseID}, nil
}

func (p *fakeProvisioner) PollMigration(_ context.Context, handle string) (domain.MigrationStatus, error) {
	p.mu.Lock()
	p.pollCalls[handle]++
	hook := p.pollHook
	p.mu.Unlock()
	if hook != nil {
		return hook(handle)
	}
	return domain.MigrationStatus{State: domain.MigrationCompleted}, nil
}

func (p *fakeProvisioner) FinalizeCourse(_ context.Context, remoteID string, _ domain.CourseMetadata) error {
	p.mu.Lock()
	p.finalizeCalls[remoteID]++
	calls := p.finalizeCalls[remoteID]
	hook := p.finalizeHook
	p.mu.Unlock()
	if hook != nil {
		return hook(remoteID, calls)
	}
	return nil
}

func (p *fakeProvisioner) finalizeCount(remoteID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.finalizeCalls[remoteID]
}

func (p *fakeProvisioner) startCount(source string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startCalls[source]
}

type fakeNotifier struct {
	mu    sync.Mutex
	sent  []domain.Notification
	calls int
	err   error
}

func (n *fakeNotifier) Send(_ context.Context, msg domain.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, msg)
	return nil
}

func (n *fakeNotifier) messages() []domain.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]domain.Notification(nil), n.sent...)
}

func (n *fakeNotifier) callCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls
}

type memStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemStorage() *memStorage {
	return &memStorage{objects: make(map[string][]byte)}
}

func (s *memStorage) Upload(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.objects[key] = b
	s.mu.Unlock()
	return nil
}

func (s *memStorage) Download(_ context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.objects[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (s *memStorage) GetURL(key string) string {
	return "https://reports.example.edu/" + strings.TrimPrefix(key, "/")
}

// harness wires the orchestration stack on an in-memory database.
type harness struct {
	db          *gorm.DB
	jobs        *repository.JobRepository
	items       *repository.ItemRepository
	tracker     *Tracker
	provisioner *fakeProvisioner
	notifier    *fakeNotifier
	reports     *memStorage
	retry       *RetryPolicy
	budget      *RateBudget
	finalizer   *Finalizer
	machine     *ItemMachine
	dispatcher  *Dispatcher
	service     *JobService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		db:          newTestDB(t),
		provisioner: newFakeProvisioner(),
		notifier:    &fakeNotifier{},
		reports:     newMemStorage(),
	}
	h.jobs = repository.NewJobRepository(h.db)
	h.items = repository.NewItemRepository(h.db)
	h.tracker = NewTracker(h.jobs, h.items, nil)
	h.retry = NewRetryPolicy(fastRetryConfig(), nil)
	h.budget = NewRateBudget(2, time.Second, nil)
	h.finalizer = NewFinalizer(h.tracker, h.notifier, DomainRecipients{Domain: "example.edu"}, h.retry, h.reports, nil, DefaultFinalizerConfig())
	h.machine = NewItemMachine(h.tracker, h.provisioner, h.retry, h.budget, h.finalizer, nil, MachineConfig{
		PollInterval: time.Millisecond,
		ItemTimeout:  time.Minute,
	})
	h.dispatcher = NewDispatcher(h.tracker, h.machine, h.finalizer, nil, DispatcherConfig{
		Workers:          3,
		IdlePollInterval: 5 * time.Millisecond,
		StaleAfter:       time.Minute,
		SweepInterval:    time.Hour,
	})
	h.service = NewJobService(h.jobs, h.items, h.tracker, h.finalizer, h.dispatcher)
	return h
}

// run starts the dispatcher and stops it when the test ends.
func (h *harness) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.dispatcher.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (h *harness) submit(t *testing.T, sources ...string) *domain.BulkJob {
	t.Helper()
	req := SubmitJobRequest{
		SchoolID:  "colgsas",
		TermID:    "2250",
		CreatedBy: "jdoe",
	}
	for _, s := range sources {
		req.Courses = append(req.Courses, CourseSelection{SourceCourseID: s, Title: "Course " + s})
	}
	job, err := h.service.SubmitJob(context.Background(), req)
	require.NoError(t, err)
	return job
}

// seedJob inserts a pending job whose items are already in the given statuses.
func (h *harness) seedJob(t *testing.T, statuses ...domain.ItemStatus) (*domain.BulkJob, []*domain.CourseItem) {
	t.Helper()
	job := &domain.BulkJob{
		ID:         uuid.NewString(),
		SchoolID:   "colgsas",
		TermID:     "2250",
		CreatedBy:  "jdoe",
		TotalItems: len(statuses),
		Status:     domain.JobStatusPending,
	}
	base := time.Now()
	items := make([]*domain.CourseItem, len(statuses))
	for i, st := range statuses {
		jobID := job.ID
		items[i] = &domain.CourseItem{
			ID:             uuid.NewString(),
			Kind:           domain.ItemKindBulk,
			JobID:          &jobID,
			SourceCourseID: fmt.Sprintf("src-%d", i),
			TermID:         job.TermID,
			AccountID:      job.Scope().String(),
			Status:         st,
			CreatedBy:      job.CreatedBy,
			CreatedAt:      base.Add(time.Duration(i) * time.Microsecond),
		}
	}
	require.NoError(t, h.jobs.CreateWithItems(context.Background(), job, items))
	return job, items
}

func (h *harness) item(t *testing.T, id string) *domain.CourseItem {
	t.Helper()
	item, err := h.tracker.GetItem(context.Background(), id)
	require.NoError(t, err)
	return item
}

func (h *harness) job(t *testing.T, id string) *domain.BulkJob {
	t.Helper()
	job, err := h.tracker.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

func (h *harness) waitJob(t *testing.T, id string, want ...domain.JobStatus) *domain.BulkJob {
	t.Helper()
	var last *domain.BulkJob
	require.Eventually(t, func() bool {
		job, err := h.tracker.GetJob(context.Background(), id)
		if err != nil {
			return false
		}
		last = job
		for _, w := range want {
			if last.Status == w {
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond, "job %s never reached %v", id, want)
	return last
}

// backdate makes an item look abandoned to the recovery sweep.
func (h *harness) backdate(t *testing.T, id string, age time.Duration) {
	t.Helper()
	require.NoError(t, h.db.Model(&domain.CourseItem{}).Where("id = ?", id).
		UpdateColumn("updated_at", time.Now().Add(-age)).Error)
}
