// Package scheduler drives periodic sync cycles, either on a fixed
// interval or a cron expression.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Runner is the unit of work the scheduler fires. *engine.Engine is the
// production implementation.
type Runner interface {
	RunCycle(ctx context.Context) error
}

// Config selects the schedule. Spec takes precedence over Interval when
// both are set.
type Config struct {
	// Interval between cycles, used when Spec is empty.
	Interval time.Duration
	// Spec is a cron expression (standard five-field format).
	Spec string
}

// Scheduler fires sync cycles on a schedule.
type Scheduler struct {
	runner Runner
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc
	started bool
}

// New creates a scheduler. It does not start ticking until Start.
func New(runner Runner, cfg Config, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		runner: runner,
		cfg:    cfg,
		logger: logger.With("component", "scheduler"),
	}
}

// Start begins firing cycles. Overlapping fires are harmless: the runner
// coalesces concurrent cycles itself.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("scheduler: already started")
	}

	spec := s.cfg.Spec
	if spec == "" {
		if s.cfg.Interval <= 0 {
			return fmt.Errorf("scheduler: interval or cron spec required")
		}
		spec = fmt.Sprintf("@every %s", s.cfg.Interval)
	}

	runCtx, cancel := context.WithCancel(ctx)

	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		if err := s.runner.RunCycle(runCtx); err != nil {
			s.logger.Warn("scheduled sync cycle failed", "error", err)
		}
	})
	if err != nil {
		cancel()
		return fmt.Errorf("scheduler: invalid schedule %q: %w", spec, err)
	}

	s.cron = c
	s.cancel = cancel
	s.started = true
	c.Start()

	s.logger.Info("scheduler started", "schedule", spec)
	return nil
}

// RunNow fires one cycle immediately, outside the schedule.
func (s *Scheduler) RunNow(ctx context.Context) error {
	return s.runner.RunCycle(ctx)
}

// Stop halts the schedule and waits for any in-flight fire to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}
	s.started = false
	s.cancel()

	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}
