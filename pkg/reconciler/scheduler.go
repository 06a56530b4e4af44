// Package reconciler runs the engine's reconciliation sweep on a cron schedule.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Reconciler re-sends requests of executions stuck waiting for a response.
type Reconciler interface {
	Reconcile(ctx context.Context, olderThan time.Duration, limit int) (int, error)
}

type Config struct {
	// Schedule is a standard five-field cron expression or a descriptor such as "@every 1m".
	Schedule  string
	OlderThan time.Duration
	Limit     int
}

// Validate checks the schedule expression and sweep bounds.
func (c Config) Validate() error {
	if c.Schedule == "" {
		return errors.New("reconcile schedule is required")
	}

	if _, err := cron.ParseStandard(c.Schedule); err != nil {
		return fmt.Errorf("invalid cron expression '%s': %w", c.Schedule, err)
	}

	if c.OlderThan <= 0 {
		return errors.New("reconcile age must be positive")
	}

	if c.Limit <= 0 {
		return errors.New("reconcile limit must be positive")
	}

	return nil
}

type Scheduler struct {
	reconciler Reconciler
	config     Config
	logger     *slog.Logger

	mu     sync.Mutex
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

func NewScheduler(reconciler Reconciler, config Config, logger *slog.Logger) (*Scheduler, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &Scheduler{
		reconciler: reconciler,
		config:     config,
		logger:     logger.With("module", "reconciler"),
	}, nil
}

// Start schedules the sweep. Runs never overlap: a run still in progress when the next one
// is due causes that one to be skipped.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return errors.New("scheduler already started")
	}

	s.ctx, s.cancel = context.WithCancel(ctx)

	s.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))

	entryID, err := s.cron.AddFunc(s.config.Schedule, s.run)
	if err != nil {
		s.cancel()
		s.cron = nil

		return fmt.Errorf("failed to add reconcile job: %w", err)
	}

	s.cron.Start()

	s.logger.Info("Reconciliation scheduled",
		"schedule", s.config.Schedule,
		"older_than", s.config.OlderThan,
		"limit", s.config.Limit,
		"entry_id", entryID,
	)

	return nil
}

// RunOnce performs a single sweep immediately.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	return s.reconciler.Reconcile(ctx, s.config.OlderThan, s.config.Limit)
}

func (s *Scheduler) run() {
	redispatched, err := s.RunOnce(s.ctx)
	if err != nil {
		s.logger.ErrorContext(s.ctx, "Reconciliation failed", "error", err)

		return
	}

	s.logger.DebugContext(s.ctx, "Reconciliation run finished", "redispatched", redispatched)
}

// Stop cancels the schedule and waits for a running sweep to finish, or for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}

	if s.cron == nil {
		return nil
	}

	stopped := s.cron.Stop()
	s.cron = nil

	select {
	case <-stopped.Done():
		s.logger.Info("Stopped reconciliation scheduler")

		return nil
	case <-ctx.Done():
		return fmt.Errorf("reconciliation still running at shutdown: %w", ctx.Err())
	}
}
