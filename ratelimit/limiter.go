// Package ratelimit implements the per-provider fixed-window limiter the
// manager consults before each call.
package ratelimit

import (
	"context"
	"time"

	"github.com/aschepis/backscratcher/unillm/config"
	"github.com/aschepis/backscratcher/unillm/llm"
	"github.com/aschepis/backscratcher/unillm/metrics"
	"github.com/rs/zerolog"
)

// Limiter counts calls per provider within a fixed window. A disabled
// limiter allows everything and touches no store.
type Limiter struct {
	cfg    config.RateLimitConfig
	store  Store
	logger zerolog.Logger
	now    func() time.Time
}

// New creates a limiter. A nil store keeps windows in memory.
func New(cfg config.RateLimitConfig, store Store, logger zerolog.Logger) *Limiter {
	if store == nil {
		store = NewMemoryStore()
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "ai_rate_limit"
	}
	return &Limiter{
		cfg:    cfg,
		store:  store,
		logger: logger.With().Str("component", "ratelimit").Logger(),
		now:    time.Now,
	}
}

// Enabled reports whether the limiter enforces anything.
func (l *Limiter) Enabled() bool {
	return l.cfg.Enabled
}

// Check counts one call for provider and returns a
// *llm.RateLimitExceededError once the window's limit is used up.
// Rejected calls are counted too; the window still resets on schedule.
func (l *Limiter) Check(ctx context.Context, provider string) error {
	if !l.cfg.Enabled {
		return nil
	}

	limit, window := l.limitFor(provider)
	now := l.now()
	count, expiresAt, err := l.store.Increment(ctx, l.key(provider), now, window)
	if err != nil {
		return err
	}
	if count > limit {
		metrics.RateLimitRejectedTotal.WithLabelValues(provider).Inc()
		l.logger.Warn().
			Str("provider", provider).
			Int("limit", limit).
			Dur("window", window).
			Msg("Rate limit exceeded")
		return &llm.RateLimitExceededError{
			Provider: provider,
			Limit:    limit,
			Window:   window,
			ResetIn:  expiresAt.Sub(now),
		}
	}
	return nil
}

// Remaining returns how many calls provider may still make in the
// current window.
func (l *Limiter) Remaining(ctx context.Context, provider string) (int, error) {
	limit, _ := l.limitFor(provider)
	count, _, err := l.store.Get(ctx, l.key(provider), l.now())
	if err != nil {
		return 0, err
	}
	return max(0, limit-count), nil
}

// Reset clears the current window for provider.
func (l *Limiter) Reset(ctx context.Context, provider string) error {
	return l.store.Delete(ctx, l.key(provider))
}

// PurgeExpired drops expired windows from the store.
func (l *Limiter) PurgeExpired(ctx context.Context) (int64, error) {
	return l.store.Purge(ctx, l.now())
}

func (l *Limiter) limitFor(provider string) (int, time.Duration) {
	limit, window := l.cfg.LimitFor(provider)
	if limit <= 0 {
		limit = 60
	}
	if window <= 0 {
		window = time.Minute
	}
	return limit, window
}

func (l *Limiter) key(provider string) string {
	return l.cfg.KeyPrefix + ":" + provider
}
