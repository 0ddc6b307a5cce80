// Package scheduler runs the gateway's periodic background jobs.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/wardenhub/warden-gateway/internal/policy"
)

// Scheduler manages cron jobs for gateway maintenance.
type Scheduler struct {
	cron   *cron.Cron
	gate   *policy.Engine
	maxAge time.Duration
	logger *slog.Logger
}

// New creates a scheduler with the pending-action expiry sweep registered.
func New(gate *policy.Engine, maxAge time.Duration, logger *slog.Logger) *Scheduler {
	s := &Scheduler{
		cron:   cron.New(),
		gate:   gate,
		maxAge: maxAge,
		logger: logger,
	}
	s.scheduleExpirySweep()
	return s
}

// Start starts the scheduler.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// scheduleExpirySweep expires stale pending actions every minute. A sweep
// never wakes in-flight approval waiters; those time out on their own
// budget.
func (s *Scheduler) scheduleExpirySweep() {
	_, err := s.cron.AddFunc("@every 1m", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if _, err := s.gate.ExpirePending(ctx, s.maxAge); err != nil {
			s.logger.Error("expiry sweep failed", "error", err)
		}
	})
	if err != nil {
		s.logger.Error("failed to schedule expiry sweep", "error", err)
	}
}
