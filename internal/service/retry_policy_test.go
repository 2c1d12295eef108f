package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timmy/sitecreator/internal/domain"
)

func TestRetryPolicy_MaxAttempts(t *testing.T) {
	p := NewRetryPolicy(fastRetryConfig(), nil)

	assert.Equal(t, 1, p.MaxAttempts(SiteStartMigration, domain.ErrorKindPermanent))
	assert.Equal(t, 3, p.MaxAttempts(SiteStartMigration, domain.ErrorKindTransient))
	assert.Equal(t, 5, p.MaxAttempts(SiteFinalizeCourse, domain.ErrorKindTransient))
	assert.Equal(t, 4, p.MaxAttempts(SitePollMigration, domain.ErrorKindRateLimited))
}

func TestRetryPolicy_ShouldRetry(t *testing.T) {
	p := NewRetryPolicy(fastRetryConfig(), nil)

	assert.False(t, p.ShouldRetry(SiteStartMigration, 1, domain.ErrorKindPermanent))
	assert.True(t, p.ShouldRetry(SiteStartMigration, 1, domain.ErrorKindTransient))
	assert.True(t, p.ShouldRetry(SiteStartMigration, 2, domain.ErrorKindTransient))
	assert.False(t, p.ShouldRetry(SiteStartMigration, 3, domain.ErrorKindTransient))
	assert.True(t, p.ShouldRetry(SiteStartMigration, 3, domain.ErrorKindRateLimited))
	assert.False(t, p.ShouldRetry(SiteStartMigration, 4, domain.ErrorKindRateLimited))
}

func TestRetryPolicy_DelayGrowsAndIsCapped(t *testing.T) {
	cfg := fastRetryConfig()
	cfg.InitialInterval = 10 * time.Millisecond
	cfg.MaxInterval = 50 * time.Millisecond
	p := NewRetryPolicy(cfg, nil)

	assert.Equal(t, 10*time.Millisecond, p.DelayBeforeNextAttempt(1))
	assert.Equal(t, 20*time.Millisecond, p.DelayBeforeNextAttempt(2))
	assert.Equal(t, 40*time.Millisecond, p.DelayBeforeNextAttempt(3))
	assert.Equal(t, 50*time.Millisecond, p.DelayBeforeNextAttempt(6))
}

func TestRetryPolicy_Run(t *testing.T) {
	p := NewRetryPolicy(fastRetryConfig(), nil)
	ctx := context.Background()

	t.Run("transient exhausts attempts", func(t *testing.T) {
		calls := 0
		err := p.Run(ctx, SiteStartMigration, func(context.Context) error {
			calls++
			return domain.NewTransientError("op", 503, errors.New("unavailable"))
		})
		require.Error(t, err)
		assert.Equal(t, 3, calls)
		assert.Contains(t, err.Error(), "gave up after 3 attempts")
		assert.Equal(t, domain.ErrorKindTransient, domain.KindOf(err))
	})

	t.Run("permanent is not retried", func(t *testing.T) {
		calls := 0
		err := p.Run(ctx, SiteStartMigration, func(context.Context) error {
			calls++
			return domain.NewPermanentError("op", 400, "bad request")
		})
		require.Error(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		err := p.Run(ctx, SiteFinalizeCourse, func(context.Context) error {
			calls++
			if calls < 3 {
				return domain.NewTransientError("op", 502, nil)
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("rate limited uses its own limit", func(t *testing.T) {
		calls := 0
		err := p.Run(ctx, SitePollMigration, func(context.Context) error {
			calls++
			return domain.NewRateLimitedError("op", 429, time.Millisecond, "slow down")
		})
		require.Error(t, err)
		assert.Equal(t, 4, calls)
	})

	t.Run("cancellation returns the cause", func(t *testing.T) {
		cctx, cancel := context.WithCancelCause(ctx)
		calls := 0
		err := p.Run(cctx, SiteStartMigration, func(context.Context) error {
			calls++
			cancel(domain.ErrCancelled)
			return domain.NewTransientError("op", 503, nil)
		})
		assert.ErrorIs(t, err, domain.ErrCancelled)
		assert.Equal(t, 1, calls)
	})
}

func TestRetryPolicy_CallTimeout(t *testing.T) {
	cfg := fastRetryConfig()
	cfg.CallTimeout = 5 * time.Millisecond
	p := NewRetryPolicy(cfg, nil)

	calls := 0
	err := p.Run(context.Background(), SiteStartMigration, func(ctx context.Context) error {
		calls++
		<-ctx.Done()
		return ctx.Err()
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls, "a per-call deadline is transient")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRetryPolicy_RetryAfterIsCapped(t *testing.T) {
	cfg := fastRetryConfig()
	cfg.RateLimitCooldown = 3 * time.Second
	cfg.MaxRetryAfter = 90 * time.Second
	p := NewRetryPolicy(cfg, nil)

	hostile := domain.NewRateLimitedError("op", 429, time.Hour, "slow down")
	assert.Equal(t, 90*time.Second, p.delayFor(hostile, 1))

	polite := domain.NewRateLimitedError("op", 429, 10*time.Second, "slow down")
	assert.Equal(t, 10*time.Second, p.delayFor(polite, 1))

	noHeader := domain.NewRateLimitedError("op", 429, 0, "slow down")
	assert.Equal(t, 3*time.Second, p.delayFor(noHeader, 1))

	// Without an explicit cap the backoff ceiling applies.
	cfg.MaxRetryAfter = 0
	p = NewRetryPolicy(cfg, nil)
	assert.Equal(t, cfg.MaxInterval, p.delayFor(hostile, 1))
}
