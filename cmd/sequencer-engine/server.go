package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/dukex/sequencer/pkg/correlator"
	"github.com/dukex/sequencer/pkg/eventbus"
	"github.com/dukex/sequencer/pkg/events"
	"github.com/dukex/sequencer/pkg/reconciler"
	"github.com/dukex/sequencer/pkg/worker"
)

const shutdownTimeout = 10 * time.Second

// Server runs the engine's consumers: the correlator on the response and start topics, the
// reconciliation schedule, the optional in-process workers and the HTTP API.
type Server struct {
	logger        *slog.Logger
	eventBus      eventbus.EventBus
	correlator    *correlator.Correlator
	responseTopic string

	scheduler *reconciler.Scheduler // nil when reconciliation is disabled
	worker    *worker.Worker        // nil unless local workers are enabled
	api       *API                  // nil when the API is disabled
	apiPort   int
}

// Subscribe wires the correlator and local workers to the event bus.
func (s *Server) Subscribe(ctx context.Context) error {
	err := s.correlator.Register(s.eventBus)
	if err != nil {
		return fmt.Errorf("failed to register correlator: %w", err)
	}

	if s.worker != nil {
		err = s.worker.Start(ctx)
		if err != nil {
			return fmt.Errorf("failed to start local workers: %w", err)
		}
	}

	for _, topic := range []string{s.responseTopic, events.StartTopic} {
		err = s.eventBus.Subscribe(ctx, topic)
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
	}

	return nil
}

// Run subscribes, starts the schedule and the API, and blocks until ctx is done or the
// process receives SIGINT or SIGTERM.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := s.Subscribe(ctx)
	if err != nil {
		return err
	}

	if s.scheduler != nil {
		err = s.scheduler.Start(ctx)
		if err != nil {
			return err
		}
	}

	apiErr := make(chan error, 1)

	if s.api != nil {
		go func() {
			apiErr <- s.api.Start(s.apiPort)
		}()
	}

	s.logger.InfoContext(ctx, "Sequencer engine started", "response_topic", s.responseTopic)

	select {
	case <-ctx.Done():
		s.logger.Info("Shutting down sequencer engine")
	case err = <-apiErr:
		s.logger.Error("API server stopped", "error", err)
	}

	return errors.Join(err, s.shutdown())
}

func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error

	if s.scheduler != nil {
		errs = append(errs, s.scheduler.Stop(ctx))
	}

	if s.api != nil {
		errs = append(errs, s.api.Shutdown(ctx))
	}

	return errors.Join(errs...)
}
