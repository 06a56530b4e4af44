// Package correlator matches inbound step responses and start requests to the engine.
package correlator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/dukex/sequencer/pkg/engine"
	"github.com/dukex/sequencer/pkg/eventbus"
	"github.com/dukex/sequencer/pkg/events"
	"github.com/dukex/sequencer/pkg/models"
	"github.com/go-playground/validator/v10"
)

// Engine is the part of the engine the correlator drives.
type Engine interface {
	Start(ctx context.Context, request events.StartRequest) (*models.Execution, error)
	Resume(ctx context.Context, executionID, stepID string, payload map[string]any) (*engine.Result, error)
	Fail(ctx context.Context, executionID, stepID string, stepError events.StepError) (*engine.Result, error)
}

type Correlator struct {
	engine   Engine
	validate *validator.Validate
	logger   *slog.Logger
}

func New(e Engine, validate *validator.Validate, logger *slog.Logger) *Correlator {
	return &Correlator{
		engine:   e,
		validate: validate,
		logger:   logger.With("module", "correlator"),
	}
}

// Register subscribes the correlator to start requests and step responses on bus.
func (c *Correlator) Register(bus eventbus.EventSubscriber) error {
	err := bus.Handle(events.StepRespondedEvent, c.handleResponse)
	if err != nil {
		return err
	}

	return bus.Handle(events.StartRequestedEvent, c.handleStart)
}

// Decode parses a raw step response, rejecting malformed messages with a ProtocolError.
func (c *Correlator) Decode(raw []byte) (*events.StepResponse, error) {
	var response events.StepResponse

	err := json.Unmarshal(raw, &response)
	if err != nil {
		return nil, &engine.ProtocolError{Message: "malformed step response", Err: err}
	}

	err = c.Validate(&response)
	if err != nil {
		return nil, err
	}

	return &response, nil
}

// Validate checks the correlation fields of a response and that it carries a payload or an
// error.
func (c *Correlator) Validate(response *events.StepResponse) error {
	if response == nil {
		return &engine.ProtocolError{Message: "empty step response"}
	}

	err := c.validate.Struct(response)
	if err != nil {
		return &engine.ProtocolError{Message: "invalid correlation", Err: err}
	}

	if response.Payload == nil && response.Error == nil {
		return &engine.ProtocolError{Message: "step response carries neither payload nor error"}
	}

	return nil
}

// Deliver validates response and routes it to the engine: an explicit error fails the
// execution, a payload resumes it. Every error is returned to the caller.
func (c *Correlator) Deliver(ctx context.Context, response *events.StepResponse) (*engine.Result, error) {
	err := c.Validate(response)
	if err != nil {
		return nil, err
	}

	if response.Error != nil {
		return c.engine.Fail(ctx, response.ExecutionID, response.StepID, *response.Error)
	}

	return c.engine.Resume(ctx, response.ExecutionID, response.StepID, response.Payload)
}

// OnResponse handles a response taken from the transport. It returns an error only for
// infrastructure failures, where redelivering the message can succeed; everything else is
// logged and acknowledged.
func (c *Correlator) OnResponse(ctx context.Context, response *events.StepResponse) error {
	result, err := c.Deliver(ctx, response)

	logger := c.logger
	if response != nil {
		logger = logger.With("execution_id", response.ExecutionID, "step_id", response.StepID)
	}

	switch {
	case err == nil:
		logger.DebugContext(ctx, "response handled", "outcome", result.Outcome)

		return nil
	case engine.IsProtocolError(err):
		logger.WarnContext(ctx, "dropping malformed step response", "error", err)

		return nil
	case engine.IsNotFound(err), errors.Is(err, engine.ErrDefinitionNotFound):
		logger.ErrorContext(ctx, "response for unknown execution", "error", err)

		return nil
	case engine.IsTransportError(err):
		// the state advanced; the next request is re-sent by reconciliation
		logger.ErrorContext(ctx, "next step request not dispatched", "error", err)

		return nil
	default:
		return err
	}
}

// OnStart handles a start request taken from the transport, with the same acknowledgement
// rules as OnResponse. A duplicate start for an existing execution id is acknowledged.
func (c *Correlator) OnStart(ctx context.Context, request *events.StartRequest) error {
	if request == nil {
		c.logger.WarnContext(ctx, "dropping empty start request")

		return nil
	}

	logger := c.logger.With("execution_id", request.ExecutionID, "definition_id", request.DefinitionID)

	err := c.validate.Struct(request)
	if err != nil {
		logger.WarnContext(ctx, "dropping malformed start request", "error", &engine.ProtocolError{Message: "invalid start request", Err: err})

		return nil
	}

	execution, err := c.engine.Start(ctx, *request)

	switch {
	case err == nil:
		logger.DebugContext(ctx, "execution started from transport", "execution_id", execution.ID)

		return nil
	case errors.Is(err, engine.ErrExecutionAlreadyExists):
		logger.InfoContext(ctx, "duplicate start request ignored")

		return nil
	case engine.IsValidationError(err), errors.Is(err, engine.ErrDefinitionNotFound):
		logger.ErrorContext(ctx, "rejecting start request", "error", err)

		return nil
	case engine.IsTransportError(err):
		logger.ErrorContext(ctx, "first step request not dispatched", "error", err)

		return nil
	default:
		return err
	}
}

func (c *Correlator) handleResponse(ctx context.Context, event any, _ eventbus.Metadata) error {
	response, ok := event.(*events.StepResponse)
	if !ok {
		c.logger.ErrorContext(ctx, "Invalid event type for StepResponse")

		return nil
	}

	return c.OnResponse(ctx, response)
}

func (c *Correlator) handleStart(ctx context.Context, event any, _ eventbus.Metadata) error {
	request, ok := event.(*events.StartRequest)
	if !ok {
		c.logger.ErrorContext(ctx, "Invalid event type for StartRequest")

		return nil
	}

	return c.OnStart(ctx, request)
}
