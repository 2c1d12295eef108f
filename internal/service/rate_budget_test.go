package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateBudget_NeverExceedsCapacity(t *testing.T) {
	b := NewRateBudget(2, time.Second, nil)

	var current, peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := b.Do(context.Background(), func(context.Context) error {
				n := current.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				current.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(2))
	assert.Equal(t, int64(0), b.InFlight())
}

func TestRateBudget_AcquireTimeout(t *testing.T) {
	b := NewRateBudget(1, 10*time.Millisecond, nil)

	release, err := b.Acquire(context.Background())
	require.NoError(t, err)

	_, err = b.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrTokenTimeout)

	release()
	release()
	assert.Equal(t, int64(0), b.InFlight())

	again, err := b.Acquire(context.Background())
	require.NoError(t, err)
	again()
}

func TestRateBudget_CancelledWhileWaiting(t *testing.T) {
	b := NewRateBudget(1, time.Minute, nil)
	release, err := b.Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancelCause(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel(context.Canceled)
	}()
	_, err = b.Acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrTokenTimeout)
}
