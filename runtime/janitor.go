// Package runtime runs the background maintenance for the persistent
// rate limit windows and the cost ledger.
package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/aschepis/backscratcher/unillm/config"
	"github.com/rs/zerolog"
)

// WindowPurger drops rate limit windows that have expired.
type WindowPurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// LedgerPurger drops ledger rows created before a cutoff.
type LedgerPurger interface {
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Janitor periodically purges expired rate windows and old ledger rows.
// Either purger may be nil.
type Janitor struct {
	schedule  Schedule
	windows   WindowPurger
	ledger    LedgerPurger
	retention time.Duration
	logger    zerolog.Logger
	now       func() time.Time
}

// NewJanitor creates a janitor from the maintenance config. A zero
// retention keeps the ledger forever.
func NewJanitor(cfg config.MaintenanceConfig, windows WindowPurger, ledger LedgerPurger, logger zerolog.Logger) (*Janitor, error) {
	schedule, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid maintenance schedule %q: %w", cfg.Schedule, err)
	}
	if cfg.LedgerRetentionDays < 0 {
		return nil, fmt.Errorf("ledger retention must not be negative")
	}
	return &Janitor{
		schedule:  schedule,
		windows:   windows,
		ledger:    ledger,
		retention: time.Duration(cfg.LedgerRetentionDays) * 24 * time.Hour,
		logger:    logger.With().Str("component", "janitor").Logger(),
		now:       time.Now,
	}, nil
}

// Start runs a pass immediately and then on every scheduled tick until ctx
// is cancelled.
func (j *Janitor) Start(ctx context.Context) {
	j.logger.Info().Msg("Starting janitor")
	j.RunOnce(ctx)

	for {
		wait := j.schedule.Next(j.now()).Sub(j.now())
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			j.logger.Info().Msg("Janitor stopped: context cancelled")
			return
		case <-timer.C:
			j.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single purge pass. Failures are logged.
func (j *Janitor) RunOnce(ctx context.Context) {
	if j.windows != nil {
		n, err := j.windows.PurgeExpired(ctx)
		if err != nil {
			j.logger.Error().Err(err).Msg("Failed to purge expired rate windows")
		} else if n > 0 {
			j.logger.Debug().Int64("purged", n).Msg("Purged expired rate windows")
		}
	}

	if j.ledger != nil && j.retention > 0 {
		cutoff := j.now().Add(-j.retention)
		n, err := j.ledger.PurgeBefore(ctx, cutoff)
		if err != nil {
			j.logger.Error().Err(err).Msg("Failed to purge cost ledger")
		} else if n > 0 {
			j.logger.Info().Int64("purged", n).Time("cutoff", cutoff).Msg("Purged old cost ledger entries")
		}
	}
}
