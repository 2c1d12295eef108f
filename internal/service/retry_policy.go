package service

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/timmy/sitecreator/internal/domain"
	"github.com/timmy/sitecreator/internal/logger"
	"github.com/timmy/sitecreator/internal/metrics"
)

// Call sites with their own attempt limits.
const (
	SiteStartMigration = "start_migration"
	SitePollMigration  = "poll_migration"
	SiteFinalizeCourse = "finalize_course"
	SiteNotify         = "notify"
)

// RetryConfig configures the retry policy.
type RetryConfig struct {
	MaxAttempts            int
	RateLimitedMaxAttempts int
	InitialInterval        time.Duration
	MaxInterval            time.Duration
	Multiplier             float64
	RandomizationFactor    float64
	RateLimitCooldown      time.Duration
	// MaxRetryAfter caps a server-supplied Retry-After; zero falls back to MaxInterval.
	MaxRetryAfter time.Duration
	// CallTimeout bounds each attempt; zero leaves attempts bounded only by ctx.
	CallTimeout time.Duration
	// CallSites overrides MaxAttempts per call site.
	CallSites map[string]int
}

// DefaultRetryConfig returns the policy used when nothing is configured.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:            3,
		RateLimitedMaxAttempts: 6,
		InitialInterval:        500 * time.Millisecond,
		MaxInterval:            30 * time.Second,
		Multiplier:             2,
		RandomizationFactor:    0.2,
		RateLimitCooldown:      20 * time.Second,
		MaxRetryAfter:          2 * time.Minute,
	}
}

// RetryPolicy decides whether and when a failed remote call is tried again.
// Transient failures back off exponentially up to MaxAttempts, rate-limited failures wait
// for the server's Retry-After (or the cool-down) up to RateLimitedMaxAttempts, and
// permanent failures are never retried.
type RetryPolicy struct {
	cfg     RetryConfig
	metrics metrics.Recorder
}

// NewRetryPolicy creates a RetryPolicy. A nil recorder disables metrics.
func NewRetryPolicy(cfg RetryConfig, rec metrics.Recorder) *RetryPolicy {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.RateLimitedMaxAttempts < 1 {
		cfg.RateLimitedMaxAttempts = cfg.MaxAttempts
	}
	if rec == nil {
		rec = metrics.NopRecorder{}
	}
	return &RetryPolicy{cfg: cfg, metrics: rec}
}

// MaxAttempts returns the attempt limit for site and kind.
func (p *RetryPolicy) MaxAttempts(site string, kind domain.ErrorKind) int {
	switch kind {
	case domain.ErrorKindPermanent:
		return 1
	case domain.ErrorKindRateLimited:
		return p.cfg.RateLimitedMaxAttempts
	}
	if n, ok := p.cfg.CallSites[site]; ok && n > 0 {
		return n
	}
	return p.cfg.MaxAttempts
}

// ShouldRetry reports whether a call that failed on attempt (1-based) may be tried again.
func (p *RetryPolicy) ShouldRetry(site string, attempt int, kind domain.ErrorKind) bool {
	if kind == domain.ErrorKindPermanent {
		return false
	}
	return attempt < p.MaxAttempts(site, kind)
}

// DelayBeforeNextAttempt returns the exponential backoff delay after the given failed attempt.
func (p *RetryPolicy) DelayBeforeNextAttempt(attempt int) time.Duration {
	b := p.newBackOff()
	d := b.InitialInterval
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

func (p *RetryPolicy) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.cfg.InitialInterval > 0 {
		b.InitialInterval = p.cfg.InitialInterval
	}
	if p.cfg.MaxInterval > 0 {
		b.MaxInterval = p.cfg.MaxInterval
	}
	if p.cfg.Multiplier > 0 {
		b.Multiplier = p.cfg.Multiplier
	}
	b.RandomizationFactor = p.cfg.RandomizationFactor
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (p *RetryPolicy) delayFor(err error, attempt int) time.Duration {
	if domain.KindOf(err) == domain.ErrorKindRateLimited {
		if d := domain.RetryAfterOf(err); d > 0 {
			return p.capRetryAfter(d)
		}
		return p.cfg.RateLimitCooldown
	}
	return p.DelayBeforeNextAttempt(attempt)
}

func (p *RetryPolicy) capRetryAfter(d time.Duration) time.Duration {
	limit := p.cfg.MaxRetryAfter
	if limit <= 0 {
		limit = p.cfg.MaxInterval
	}
	if limit > 0 && d > limit {
		return limit
	}
	return d
}

// Run calls op until it succeeds, fails permanently, runs out of attempts or ctx ends.
// The returned error wraps the last failure, or the cancellation cause of ctx.
func (p *RetryPolicy) Run(ctx context.Context, site string, op func(ctx context.Context) error) error {
	for attempt := 1; ; attempt++ {
		err := p.attempt(ctx, op)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}

		kind := domain.KindOf(err)
		if !p.ShouldRetry(site, attempt, kind) {
			if kind == domain.ErrorKindPermanent {
				return err
			}
			return fmt.Errorf("%s: gave up after %d attempts: %w", site, attempt, err)
		}

		delay := p.delayFor(err, attempt)
		p.metrics.Retry(site, kind)
		logger.With(logger.Fields{
			logger.FieldCallSite: site,
			logger.FieldAttempt:  attempt,
			"kind":               string(kind),
			"delay_ms":           delay.Milliseconds(),
		}).Warn(ctx, "Remote call failed, retrying: %v", err)

		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (p *RetryPolicy) attempt(ctx context.Context, op func(ctx context.Context) error) error {
	if p.cfg.CallTimeout <= 0 {
		return op(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	defer cancel()
	return op(callCtx)
}

// sleep waits for d or until ctx ends, returning the cancellation cause in the latter case.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}
