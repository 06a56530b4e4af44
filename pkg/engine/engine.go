// Package engine drives executions through the steps of their definition. It holds no
// per-execution state in memory: every transition is a compare-and-advance on the execution
// store keyed on the step index, so any number of engine instances may handle the messages of
// the same execution.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/sequencer/pkg/eventbus"
	"github.com/dukex/sequencer/pkg/events"
	"github.com/dukex/sequencer/pkg/models"
	"github.com/dukex/sequencer/pkg/orchestration"
	"github.com/dukex/sequencer/pkg/otelhelper"
	"github.com/dukex/sequencer/pkg/persistence"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Dispatcher publishes the request for a step.
type Dispatcher interface {
	Publish(ctx context.Context, step orchestration.StepSpec, correlation models.Correlation, payload orchestration.Payload) error
}

// Outcome is what handling a response did to the execution.
type Outcome string

const (
	OutcomeAdvanced  Outcome = "advanced"
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeDiscarded Outcome = "discarded"
)

// Result describes the effect of Resume or Fail. Discard is set for discarded outcomes and
// matches ErrStaleResponse, ErrVersionConflict or ErrExecutionTerminal. Cause is set for
// failed outcomes.
type Result struct {
	Execution *models.Execution
	Outcome   Outcome
	Discard   error
	Cause     error
}

type Engine struct {
	registry   *orchestration.Registry
	repository persistence.ExecutionRepository
	dispatcher Dispatcher
	notifier   eventbus.EventPublisher
	tracer     trace.Tracer
	logger     *slog.Logger
	now        func() time.Time
	newID      func() string
}

type Option func(*Engine)

// WithNotifier publishes lifecycle events to events.ExecutionTopic.
func WithNotifier(notifier eventbus.EventPublisher) Option {
	return func(e *Engine) {
		e.notifier = notifier
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) {
		e.tracer = tracer
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

func WithIDGenerator(newID func() string) Option {
	return func(e *Engine) {
		e.newID = newID
	}
}

// New creates an engine. Every handler used by a registered definition must have a route.
func New(
	registry *orchestration.Registry,
	routes orchestration.Routes,
	repository persistence.ExecutionRepository,
	dispatcher Dispatcher,
	logger *slog.Logger,
	opts ...Option,
) (*Engine, error) {
	err := routes.Validate(registry)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		registry:   registry,
		repository: repository,
		dispatcher: dispatcher,
		tracer:     otelhelper.NoopTracer(),
		logger:     logger.With("module", "engine"),
		now:        func() time.Time { return time.Now().UTC() },
		newID:      newExecutionID,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e, nil
}

// Registry returns the definitions the engine serves.
func (e *Engine) Registry() *orchestration.Registry {
	return e.registry
}

// Get returns an execution by id.
func (e *Engine) Get(ctx context.Context, executionID string) (*models.Execution, error) {
	execution, err := e.repository.Get(ctx, executionID)
	if err != nil {
		return nil, storeError("Get", executionID, 0, err)
	}

	return execution, nil
}

// Start creates an execution waiting on its first step and dispatches the first request.
// When the store write fails no execution exists. When only the dispatch fails the execution
// is returned along with a TransportError; it stays waiting until Reconcile re-sends the
// request.
func (e *Engine) Start(ctx context.Context, request events.StartRequest) (*models.Execution, error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "engine.start",
		attribute.String(otelhelper.DefinitionIDKey, request.DefinitionID),
	)
	defer span.End()

	execution, step, payload, err := e.prepare(request)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	span.SetAttributes(attribute.String(otelhelper.ExecutionIDKey, execution.ID))

	logger := e.logger.With("execution_id", execution.ID, "definition_id", execution.DefinitionID)

	err = e.repository.Create(ctx, execution)
	if err != nil {
		otelhelper.SetError(span, err)

		if persistence.IsExecutionAlreadyExists(err) {
			return nil, fmt.Errorf("execution %s: %w", execution.ID, ErrExecutionAlreadyExists)
		}

		return nil, &StoreError{Op: "Create", ExecutionID: execution.ID, Err: err}
	}

	logger.InfoContext(ctx, "execution started", "step_id", step.ID)

	e.notify(ctx, execution.ID, events.ExecutionStarted{
		BaseEvent: events.NewBaseEvent(events.ExecutionStartedEvent, execution.ID, execution.DefinitionID),
		StepID:    step.ID,
	})

	execution, err = e.dispatch(ctx, execution, step, payload)
	if err != nil {
		otelhelper.SetError(span, err)

		return execution, err
	}

	return execution, nil
}

func (e *Engine) prepare(request events.StartRequest) (*models.Execution, orchestration.StepSpec, orchestration.Payload, error) {
	definition, err := e.registry.Get(request.DefinitionID)
	if err != nil {
		return nil, orchestration.StepSpec{}, nil, err
	}

	err = definition.ValidateInput(request.Input)
	if err != nil {
		return nil, orchestration.StepSpec{}, nil, err
	}

	data, err := definition.InitialData(request.Input)
	if err != nil {
		return nil, orchestration.StepSpec{}, nil, orchestration.NewValidationError(definition.ID(), "initial data: "+err.Error())
	}

	payload, err := definition.BuildRequest(0, data)
	if err != nil {
		return nil, orchestration.StepSpec{}, nil, orchestration.NewValidationError(definition.ID(), "first request: "+err.Error())
	}

	executionID := request.ExecutionID
	if executionID == "" {
		executionID = e.newID()
	}

	now := e.now()
	step, _ := definition.Step(0)

	execution := &models.Execution{
		ID:           executionID,
		DefinitionID: definition.ID(),
		Data:         data,
		StepIndex:    0,
		Status:       models.ExecutionStatusWaitingForResponse,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	return execution, step, payload, nil
}

// Resume applies the response of stepID to the execution. Stale, duplicate and racing
// responses are discarded: the returned Result carries the reason and the error is nil.
func (e *Engine) Resume(ctx context.Context, executionID, stepID string, payload map[string]any) (*Result, error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "engine.resume",
		attribute.String(otelhelper.ExecutionIDKey, executionID),
		attribute.String(otelhelper.StepIDKey, stepID),
	)
	defer span.End()

	result, err := e.resume(ctx, executionID, stepID, payload)
	finishSpan(span, result, err)

	return result, err
}

func (e *Engine) resume(ctx context.Context, executionID, stepID string, payload map[string]any) (*Result, error) {
	execution, definition, result, err := e.awaiting(ctx, executionID, stepID)
	if result != nil || err != nil {
		return result, err
	}

	index := execution.StepIndex
	step, _ := definition.Step(index)

	data, err := definition.ApplyResponse(index, execution.Data, payload)
	if err != nil {
		return e.fail(ctx, execution, step.ID, models.ErrorKindApply, err)
	}

	next := index + 1

	if next < definition.Len() {
		nextStep, _ := definition.Step(next)

		request, err := definition.BuildRequest(next, data)
		if err != nil {
			return e.fail(ctx, execution, nextStep.ID, models.ErrorKindBuild, err)
		}

		advanced, err := e.repository.CompareAndAdvance(ctx, executionID, index, &models.Execution{
			Data:      data,
			StepIndex: next,
			Status:    models.ExecutionStatusWaitingForResponse,
			UpdatedAt: e.now(),
		})
		if err != nil {
			return e.lost(ctx, execution, stepID, storeError("CompareAndAdvance", executionID, index, err))
		}

		e.logger.InfoContext(ctx, "execution advanced",
			"execution_id", executionID,
			"definition_id", advanced.DefinitionID,
			"step_id", nextStep.ID,
			"step_index", next,
		)

		e.notify(ctx, executionID, events.ExecutionAdvanced{
			BaseEvent: events.NewBaseEvent(events.ExecutionAdvancedEvent, executionID, advanced.DefinitionID),
			StepIndex: next,
			StepID:    nextStep.ID,
		})

		advanced, err = e.dispatch(ctx, advanced, nextStep, request)

		return &Result{Execution: advanced, Outcome: OutcomeAdvanced}, err
	}

	output, err := definition.ProjectOutput(data)
	if err != nil {
		return e.fail(ctx, execution, step.ID, models.ErrorKindProjection, err)
	}

	completed, err := e.repository.CompareAndAdvance(ctx, executionID, index, &models.Execution{
		Data:      data,
		StepIndex: next,
		Status:    models.ExecutionStatusCompleted,
		Output:    output,
		UpdatedAt: e.now(),
	})
	if err != nil {
		return e.lost(ctx, execution, stepID, storeError("CompareAndAdvance", executionID, index, err))
	}

	e.logger.InfoContext(ctx, "execution completed",
		"execution_id", executionID,
		"definition_id", completed.DefinitionID,
	)

	e.notify(ctx, executionID, events.ExecutionCompleted{
		BaseEvent:  events.NewBaseEvent(events.ExecutionCompletedEvent, executionID, completed.DefinitionID),
		Output:     completed.Output,
		DurationMs: completed.UpdatedAt.Sub(completed.CreatedAt).Milliseconds(),
	})

	return &Result{Execution: completed, Outcome: OutcomeCompleted}, nil
}

// Fail records the error a task handler reported for stepID and moves the execution to
// failed. The same discard rules as Resume apply.
func (e *Engine) Fail(ctx context.Context, executionID, stepID string, stepError events.StepError) (*Result, error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "engine.fail",
		attribute.String(otelhelper.ExecutionIDKey, executionID),
		attribute.String(otelhelper.StepIDKey, stepID),
	)
	defer span.End()

	execution, _, result, err := e.awaiting(ctx, executionID, stepID)
	if result == nil && err == nil {
		result, err = e.fail(ctx, execution, stepID, models.ErrorKindHandler, &HandlerError{
			ExecutionID: executionID,
			StepID:      stepID,
			Message:     stepError.Message,
		})
	}

	finishSpan(span, result, err)

	return result, err
}

// awaiting loads the execution and checks that it is waiting for stepID. A non-nil Result
// means the response is discarded.
func (e *Engine) awaiting(ctx context.Context, executionID, stepID string) (*models.Execution, *orchestration.Definition, *Result, error) {
	execution, err := e.repository.Get(ctx, executionID)
	if err != nil {
		return nil, nil, nil, storeError("Get", executionID, 0, err)
	}

	if execution.Status.Terminal() {
		return nil, nil, e.discard(ctx, execution, stepID, &TerminalError{ExecutionID: executionID, Status: execution.Status}), nil
	}

	definition, err := e.registry.Get(execution.DefinitionID)
	if err != nil {
		return nil, nil, nil, err
	}

	step, ok := definition.Step(execution.StepIndex)
	if !ok {
		return nil, nil, nil, &StoreError{
			Op:          "Get",
			ExecutionID: executionID,
			Err:         fmt.Errorf("step index %d out of range for definition %s", execution.StepIndex, definition.ID()),
		}
	}

	if step.ID != stepID {
		return nil, nil, e.discard(ctx, execution, stepID, &StaleResponseError{
			ExecutionID:    executionID,
			StepID:         stepID,
			ExpectedStepID: step.ID,
		}), nil
	}

	return execution, definition, nil, nil
}

// fail moves the execution to failed at its current step index, recording the cause.
func (e *Engine) fail(ctx context.Context, execution *models.Execution, stepID string, kind models.ErrorKind, cause error) (*Result, error) {
	message := cause.Error()

	var handlerErr *HandlerError
	if errors.As(cause, &handlerErr) {
		message = handlerErr.Message
	}

	failed, err := e.repository.CompareAndAdvance(ctx, execution.ID, execution.StepIndex, &models.Execution{
		Data:      execution.Data,
		StepIndex: execution.StepIndex,
		Status:    models.ExecutionStatusFailed,
		Error:     &models.ExecutionError{StepID: stepID, Kind: kind, Message: message},
		UpdatedAt: e.now(),
	})
	if err != nil {
		return e.lost(ctx, execution, stepID, storeError("CompareAndAdvance", execution.ID, execution.StepIndex, err))
	}

	e.logger.WarnContext(ctx, "execution failed",
		"execution_id", execution.ID,
		"definition_id", execution.DefinitionID,
		"step_id", stepID,
		"kind", kind,
		"error", message,
	)

	e.notify(ctx, execution.ID, events.ExecutionFailed{
		BaseEvent:  events.NewBaseEvent(events.ExecutionFailedEvent, execution.ID, execution.DefinitionID),
		StepID:     stepID,
		Kind:       string(kind),
		Error:      message,
		DurationMs: failed.UpdatedAt.Sub(failed.CreatedAt).Milliseconds(),
	})

	return &Result{Execution: failed, Outcome: OutcomeFailed, Cause: cause}, nil
}

// lost turns a lost compare-and-advance into a discard and passes other errors through.
func (e *Engine) lost(ctx context.Context, execution *models.Execution, stepID string, err error) (*Result, error) {
	if IsConflict(err) {
		return e.discard(ctx, execution, stepID, err), nil
	}

	return nil, err
}

func (e *Engine) discard(ctx context.Context, execution *models.Execution, stepID string, reason error) *Result {
	e.logger.InfoContext(ctx, "response discarded",
		"execution_id", execution.ID,
		"definition_id", execution.DefinitionID,
		"step_id", stepID,
		"reason", reason.Error(),
	)

	e.notify(ctx, execution.ID, events.ResponseDiscarded{
		BaseEvent: events.NewBaseEvent(events.ResponseDiscardedEvent, execution.ID, execution.DefinitionID),
		StepID:    stepID,
		Reason:    reason.Error(),
	})

	return &Result{Execution: execution, Outcome: OutcomeDiscarded, Discard: reason}
}

// dispatch sends the request of the step execution waits on and records that it was sent.
// The returned execution is the one to report; on failure it is the unchanged input.
func (e *Engine) dispatch(ctx context.Context, execution *models.Execution, step orchestration.StepSpec, payload orchestration.Payload) (*models.Execution, error) {
	logger := e.logger.With(
		"execution_id", execution.ID,
		"definition_id", execution.DefinitionID,
		"step_id", step.ID,
	)

	err := e.dispatcher.Publish(ctx, step, models.Correlation{ExecutionID: execution.ID, StepID: step.ID}, payload)
	if err != nil {
		logger.ErrorContext(ctx, "failed to dispatch step request, execution awaits reconciliation", "error", err)

		return execution, err
	}

	dispatchedAt := e.now()

	marked, err := e.repository.CompareAndAdvance(ctx, execution.ID, execution.StepIndex, &models.Execution{
		Data:         execution.Data,
		StepIndex:    execution.StepIndex,
		Status:       models.ExecutionStatusWaitingForResponse,
		DispatchedAt: &dispatchedAt,
		UpdatedAt:    execution.UpdatedAt,
	})
	if err != nil {
		// a conflict means the response already moved the execution on
		if !persistence.IsVersionConflict(err) {
			logger.WarnContext(ctx, "failed to record dispatch, request may be re-sent", "error", err)
		}

		return execution, nil
	}

	return marked, nil
}

func (e *Engine) notify(ctx context.Context, executionID string, event eventbus.Event) {
	if e.notifier == nil {
		return
	}

	err := e.notifier.Publish(ctx, events.ExecutionTopic, executionID, event, nil)
	if err != nil {
		e.logger.WarnContext(ctx, "failed to publish lifecycle event", "event_type", event.GetType(), "error", err)
	}
}

func finishSpan(span trace.Span, result *Result, err error) {
	if err != nil {
		otelhelper.SetError(span, err)

		return
	}

	if result != nil {
		span.SetAttributes(
			attribute.String(otelhelper.OutcomeKey, string(result.Outcome)),
			attribute.Int(otelhelper.StepIndexKey, result.Execution.StepIndex),
		)
	}
}

func newExecutionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}

	return id.String()
}
