package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/timmy/sitecreator/internal/metrics"
	"golang.org/x/sync/semaphore"
)

// ErrTokenTimeout is returned when no rate token became free within the acquire timeout.
// It is transient: the caller's retry policy may try again.
var ErrTokenTimeout = errors.New("timed out waiting for a rate token")

// RateBudget caps the number of remote calls in flight across all workers.
type RateBudget struct {
	sem            *semaphore.Weighted
	capacity       int64
	acquireTimeout time.Duration
	inFlight       atomic.Int64
	metrics        metrics.Recorder
}

// NewRateBudget creates a budget of capacity tokens. A zero acquireTimeout waits as long as ctx allows.
func NewRateBudget(capacity int64, acquireTimeout time.Duration, rec metrics.Recorder) *RateBudget {
	if capacity < 1 {
		capacity = 1
	}
	if rec == nil {
		rec = metrics.NopRecorder{}
	}
	return &RateBudget{
		sem:            semaphore.NewWeighted(capacity),
		capacity:       capacity,
		acquireTimeout: acquireTimeout,
		metrics:        rec,
	}
}

// Acquire takes one token. The returned release func must be called exactly once; extra
// calls are ignored.
func (b *RateBudget) Acquire(ctx context.Context) (func(), error) {
	acquireCtx := ctx
	if b.acquireTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, b.acquireTimeout)
		defer cancel()
	}

	if err := b.sem.Acquire(acquireCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		return nil, fmt.Errorf("%w after %s", ErrTokenTimeout, b.acquireTimeout)
	}
	b.metrics.RateTokensInFlight(b.inFlight.Add(1))

	var released atomic.Bool
	return func() {
		if released.CompareAndSwap(false, true) {
			b.metrics.RateTokensInFlight(b.inFlight.Add(-1))
			b.sem.Release(1)
		}
	}, nil
}

// Do runs fn while holding a token.
func (b *RateBudget) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	release, err := b.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}

// InFlight returns the number of tokens currently held.
func (b *RateBudget) InFlight() int64 {
	return b.inFlight.Load()
}

// Capacity returns the configured token count.
func (b *RateBudget) Capacity() int64 {
	return b.capacity
}
