// Package dispatcher publishes step requests to the transport address serving each step.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/sequencer/pkg/eventbus"
	"github.com/dukex/sequencer/pkg/events"
	"github.com/dukex/sequencer/pkg/models"
	"github.com/dukex/sequencer/pkg/orchestration"
)

// ErrNoRoute indicates the routing table has no address for a step's handler.
var ErrNoRoute = errors.New("no route for handler")

// TransportError reports a step request that could not be handed to the transport.
type TransportError struct {
	ExecutionID string
	StepID      string
	Address     string
	Err         error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("failed to dispatch step %s of execution %s to %q: %v", e.StepID, e.ExecutionID, e.Address, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransportError checks if an error is a TransportError.
func IsTransportError(err error) bool {
	var target *TransportError

	return errors.As(err, &target)
}

type Dispatcher struct {
	publisher eventbus.EventPublisher
	routes    orchestration.Routes
	replyTo   string
	logger    *slog.Logger
}

// New creates a dispatcher. Responses to every request are expected on replyTo.
func New(publisher eventbus.EventPublisher, routes orchestration.Routes, replyTo string, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		publisher: publisher,
		routes:    routes,
		replyTo:   replyTo,
		logger:    logger.With("module", "dispatcher"),
	}
}

// Publish sends the request for step. Failures are returned, never retried here.
func (d *Dispatcher) Publish(ctx context.Context, step orchestration.StepSpec, correlation models.Correlation, payload orchestration.Payload) error {
	address, ok := d.routes.Address(step.Handler)
	if !ok {
		return &TransportError{
			ExecutionID: correlation.ExecutionID,
			StepID:      correlation.StepID,
			Err:         fmt.Errorf("%w %q", ErrNoRoute, step.Handler),
		}
	}

	request := events.StepRequest{
		ExecutionID: correlation.ExecutionID,
		StepID:      correlation.StepID,
		Payload:     payload,
	}

	err := d.publisher.Publish(ctx, address, correlation.ExecutionID, request, eventbus.Metadata{
		events.ReplyToMetadataKey: d.replyTo,
	})
	if err != nil {
		return &TransportError{
			ExecutionID: correlation.ExecutionID,
			StepID:      correlation.StepID,
			Address:     address,
			Err:         err,
		}
	}

	d.logger.DebugContext(ctx, "step request dispatched",
		"execution_id", correlation.ExecutionID,
		"step_id", correlation.StepID,
		"address", address,
	)

	return nil
}
