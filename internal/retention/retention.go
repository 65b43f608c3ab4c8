// Package retention prunes old deployment runs so the history tables do
// not grow without bound.
package retention

import (
	"context"
	"log/slog"
	"time"

	"jdeploy/internal/metrics"
)

// Deleter removes runs started before a cutoff. *store.Store implements it.
type Deleter interface {
	DeleteRunsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Cleanup deletes runs older than days and returns how many went.
// days <= 0 disables cleanup.
func Cleanup(ctx context.Context, st Deleter, days int, now time.Time) (int64, error) {
	if days <= 0 {
		return 0, nil
	}
	cutoff := now.UTC().AddDate(0, 0, -days)
	n, err := st.DeleteRunsBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.RecordRetentionRuns(n)
	}
	return n, nil
}

// Sweeper runs Cleanup on a fixed interval until its context is done.
type Sweeper struct {
	store    Deleter
	days     int
	interval time.Duration
	logger   *slog.Logger
}

func NewSweeper(st Deleter, days int, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{store: st, days: days, interval: interval, logger: logger}
}

// Start sweeps once immediately and then every interval. It blocks;
// callers run it in its own goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	if s.days <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.sweep(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	n, err := Cleanup(ctx, s.store, s.days, time.Now())
	if s.logger == nil {
		return
	}
	if err != nil {
		s.logger.Warn("retention_sweep_failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("retention_sweep", "runs_deleted", n, "days", s.days)
	}
}
