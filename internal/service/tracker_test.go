package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timmy/sitecreator/internal/domain"
	"github.com/timmy/sitecreator/internal/repository"
)

func TestTracker_TransitionIsCompareAndSet(t *testing.T) {
	h := newHarness(t)
	_, items := h.seedJob(t, domain.ItemStatusQueued)
	id := items[0].ID

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := h.tracker.Transition(context.Background(), id, domain.ItemStatusQueued, domain.ItemStatusRunning, nil)
			assert.NoError(t, err)
			if won {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, domain.ItemStatusRunning, h.item(t, id).Status)
}

func TestTracker_RejectsIllegalTransitions(t *testing.T) {
	h := newHarness(t)
	_, items := h.seedJob(t, domain.ItemStatusFailed)

	_, err := h.tracker.Transition(context.Background(), items[0].ID, domain.ItemStatusFailed, domain.ItemStatusQueued, nil)
	var illegal *domain.IllegalTransitionError
	require.ErrorAs(t, err, &illegal)
	assert.Equal(t, domain.ItemStatusFailed, h.item(t, items[0].ID).Status)

	err = h.tracker.MustTransition(context.Background(), items[0].ID, domain.ItemStatusQueued, domain.ItemStatusRunning, nil)
	assert.ErrorIs(t, err, domain.ErrRaceLost)
}

func TestTracker_RecoverOnlyAlongRecoveryEdges(t *testing.T) {
	h := newHarness(t)
	_, items := h.seedJob(t, domain.ItemStatusRunning, domain.ItemStatusPendingFinalize, domain.ItemStatusQueued)
	ctx := context.Background()

	next, won, err := h.tracker.Recover(ctx, items[0].ID, domain.ItemStatusRunning)
	require.NoError(t, err)
	assert.True(t, won)
	assert.Equal(t, domain.ItemStatusQueued, next)

	next, won, err = h.tracker.Recover(ctx, items[1].ID, domain.ItemStatusPendingFinalize)
	require.NoError(t, err)
	assert.True(t, won)
	assert.Equal(t, domain.ItemStatusCompleted, next)

	_, _, err = h.tracker.Recover(ctx, items[2].ID, domain.ItemStatusQueued)
	assert.Error(t, err)

	_, err = h.tracker.Transition(ctx, items[0].ID, domain.ItemStatusQueued, domain.ItemStatusQueued, nil)
	assert.Error(t, err, "recovery edges are not ordinary transitions")
}

func TestTracker_Summary(t *testing.T) {
	h := newHarness(t)
	job, _ := h.seedJob(t,
		domain.ItemStatusFinalized,
		domain.ItemStatusFinalized,
		domain.ItemStatusFailed,
		domain.ItemStatusSetupFailed,
		domain.ItemStatusRunning,
	)

	summary, err := h.tracker.GetSummary(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobSummary{Total: 5, Completed: 4, Successful: 2, Failed: 2}, summary)
	assert.False(t, summary.Done())

	_, err = h.tracker.GetSummary(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTracker_ClaimNext(t *testing.T) {
	h := newHarness(t)
	_, items := h.seedJob(t, domain.ItemStatusRunning, domain.ItemStatusQueued, domain.ItemStatusCompleted, domain.ItemStatusQueued)
	ctx := context.Background()

	first, err := h.tracker.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, items[1].ID, first.ID)
	assert.Equal(t, domain.ItemStatusRunning, first.Status)

	second, err := h.tracker.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, items[2].ID, second.ID)
	assert.Equal(t, domain.ItemStatusPendingFinalize, second.Status)

	third, err := h.tracker.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, items[3].ID, third.ID)

	none, err := h.tracker.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestTracker_ListItems(t *testing.T) {
	h := newHarness(t)
	job, _ := h.seedJob(t, domain.ItemStatusFailed, domain.ItemStatusQueued, domain.ItemStatusFailed)
	ctx := context.Background()

	items, total, err := h.tracker.ListItems(ctx, repository.ItemQuery{
		JobID:    job.ID,
		Statuses: []domain.ItemStatus{domain.ItemStatusFailed},
		Desc:     true,
		Limit:    1,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	require.Len(t, items, 1)
	assert.Equal(t, "src-2", items[0].SourceCourseID)

	items, total, err = h.tracker.ListItems(ctx, repository.ItemQuery{JobID: job.ID, Search: "src-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Equal(t, "src-1", items[0].SourceCourseID)

	_, _, err = h.tracker.ListItems(ctx, repository.ItemQuery{JobID: "missing"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
