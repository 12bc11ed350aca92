// Package reclaim runs the periodic idle-capacity and abandoned-execution
// sweep. The sweep is decoupled from request handling: a slow or failing
// sweep never delays dispatch, and a sweep failure is logged and retried on
// the next tick.
package reclaim

import (
	"context"
	"log/slog"
	"time"

	"github.com/tannerhall/conduit/internal/runtime"
)

// Reaper finishes executions whose callback window has expired.
type Reaper interface {
	TimeoutAbandoned(ctx context.Context) (int, error)
}

// Sweeper periodically asks the runtime backend to tear down unused
// capacity and the reaper to time out abandoned executions.
type Sweeper struct {
	backend  runtime.Runtime
	reaper   Reaper
	interval time.Duration
	logger   *slog.Logger
}

func NewSweeper(backend runtime.Runtime, reaper Reaper, interval time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{backend: backend, reaper: reaper, interval: interval, logger: logger}
}

// Run sweeps on every tick until the context is cancelled. It blocks;
// callers run it in its own goroutine.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("reclaim sweep started", "interval", s.interval.String())
	for {
		select {
		case <-ticker.C:
			s.sweep(ctx)
		case <-ctx.Done():
			s.logger.Info("reclaim sweep stopped")
			return
		}
	}
}

// sweep runs both passes. Each is isolated: a failing teardown never blocks
// the execution watchdog and vice versa.
func (s *Sweeper) sweep(ctx context.Context) {
	if err := s.backend.TeardownUnusedRuntimes(ctx); err != nil {
		s.logger.Error("reclaim sweep failed", "error", err)
	}

	n, err := s.reaper.TimeoutAbandoned(ctx)
	if err != nil {
		s.logger.Error("execution timeout sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("timed out abandoned executions", "count", n)
	}
}
