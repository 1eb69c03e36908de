// Package scheduler triggers periodic graceful proxy reloads so rotated
// certificates take effect within a bounded window, without restarting the
// process or disturbing established connections.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// Reloader is satisfied by the proxy server.
type Reloader interface {
	Reload() error
}

// Scheduler fires a reload on a fixed interval. Reloads are fire-and-forget:
// a failure is logged and the next cycle retries implicitly.
type Scheduler struct {
	interval time.Duration
	target   Reloader
	log      *slog.Logger
}

// New creates a reload scheduler.
func New(interval time.Duration, target Reloader, log *slog.Logger) (*Scheduler, error) {
	if interval <= 0 {
		return nil, errors.New("reload interval must be positive")
	}
	if target == nil {
		return nil, errors.New("reload target is required")
	}
	return &Scheduler{interval: interval, target: target, log: log}, nil
}

// Run returns an errgroup-compatible closure that runs the reload timer
// until the context is canceled. It never blocks shutdown: cancellation
// stops the scheduler promptly regardless of cycle position.
func (s *Scheduler) Run(ctx context.Context) func() error {
	return func() error {
		sched, err := gocron.NewScheduler()
		if err != nil {
			return fmt.Errorf("create reload scheduler: %w", err)
		}

		_, err = sched.NewJob(
			gocron.DurationJob(s.interval),
			gocron.NewTask(s.tick),
		)
		if err != nil {
			return fmt.Errorf("schedule reload job: %w", err)
		}

		s.log.Info("starting reload scheduler", "interval", s.interval)
		sched.Start()

		<-ctx.Done()
		if err := sched.Shutdown(); err != nil {
			s.log.Error("reload scheduler shutdown", "error", err)
		}
		return nil
	}
}

func (s *Scheduler) tick() {
	if err := s.target.Reload(); err != nil {
		s.log.Error("reload failed, proxy keeps serving current material", "error", err)
		return
	}
	s.log.Debug("proxy reloaded certificate material")
}
