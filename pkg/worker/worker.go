// Package worker serves task handlers: it consumes step requests from the handlers' route
// addresses and replies with step responses.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dukex/sequencer/pkg/eventbus"
	"github.com/dukex/sequencer/pkg/events"
)

// TaskHandler turns a step request payload into a response payload.
type TaskHandler interface {
	Handle(ctx context.Context, payload map[string]any) (map[string]any, error)
}

// HandlerFunc adapts a function to TaskHandler.
type HandlerFunc func(ctx context.Context, payload map[string]any) (map[string]any, error)

func (f HandlerFunc) Handle(ctx context.Context, payload map[string]any) (map[string]any, error) {
	return f(ctx, payload)
}

type Worker struct {
	bus            eventbus.EventBus
	defaultReplyTo string
	logger         *slog.Logger

	mu       sync.RWMutex
	handlers map[string]TaskHandler
}

// New creates a worker. Responses go to the reply address carried by each request, or to
// defaultReplyTo when a request has none.
func New(bus eventbus.EventBus, defaultReplyTo string, logger *slog.Logger) *Worker {
	return &Worker{
		bus:            bus,
		defaultReplyTo: defaultReplyTo,
		logger:         logger.With("module", "worker"),
		handlers:       make(map[string]TaskHandler),
	}
}

// Register serves handler on address. Register all handlers before Start.
func (w *Worker) Register(address string, handler TaskHandler) error {
	if address == "" {
		return errors.New("handler address is required")
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, exists := w.handlers[address]; exists {
		return fmt.Errorf("a handler is already registered on %s", address)
	}

	w.handlers[address] = handler

	return nil
}

// Start subscribes to every registered address. It returns once the subscriptions are in
// place; requests are served until ctx is done.
func (w *Worker) Start(ctx context.Context) error {
	err := w.bus.Handle(events.StepRequestedEvent, w.handleRequest)
	if err != nil {
		return err
	}

	w.mu.RLock()
	defer w.mu.RUnlock()

	for address := range w.handlers {
		err := w.bus.Subscribe(ctx, address)
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", address, err)
		}

		w.logger.InfoContext(ctx, "serving task handler", "address", address)
	}

	return nil
}

func (w *Worker) handleRequest(ctx context.Context, event any, metadata eventbus.Metadata) error {
	request, ok := event.(*events.StepRequest)
	if !ok {
		w.logger.ErrorContext(ctx, "Invalid event type for StepRequest")

		return nil
	}

	address := metadata[events.TopicMetadataKey]
	logger := w.logger.With("execution_id", request.ExecutionID, "step_id", request.StepID, "address", address)

	w.mu.RLock()
	handler, exists := w.handlers[address]
	w.mu.RUnlock()

	if !exists {
		logger.WarnContext(ctx, "no task handler for address")

		return nil
	}

	response := events.StepResponse{
		ExecutionID: request.ExecutionID,
		StepID:      request.StepID,
	}

	payload, err := handler.Handle(ctx, request.Payload)
	if err != nil {
		logger.WarnContext(ctx, "task handler failed", "error", err)

		response.Error = &events.StepError{Message: err.Error()}
	} else {
		if payload == nil {
			payload = map[string]any{}
		}

		response.Payload = payload
	}

	replyTo := metadata[events.ReplyToMetadataKey]
	if replyTo == "" {
		replyTo = w.defaultReplyTo
	}

	err = w.bus.Publish(ctx, replyTo, request.ExecutionID, response, nil)
	if err != nil {
		logger.ErrorContext(ctx, "failed to publish step response", "reply_to", replyTo, "error", err)

		return err
	}

	logger.DebugContext(ctx, "step response published", "reply_to", replyTo)

	return nil
}
