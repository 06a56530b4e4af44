package engine_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/dukex/sequencer/pkg/definitions/adder"
	"github.com/dukex/sequencer/pkg/engine"
	"github.com/dukex/sequencer/pkg/events"
	"github.com/dukex/sequencer/pkg/mocks"
	"github.com/dukex/sequencer/pkg/models"
	"github.com/dukex/sequencer/pkg/orchestration"
	"github.com/dukex/sequencer/pkg/persistence"
	"github.com/dukex/sequencer/pkg/persistence/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

type dispatched struct {
	step        orchestration.StepSpec
	correlation models.Correlation
	payload     orchestration.Payload
}

type recordingDispatcher struct {
	mu       sync.Mutex
	requests []dispatched
	err      error
}

func (d *recordingDispatcher) Publish(_ context.Context, step orchestration.StepSpec, correlation models.Correlation, payload orchestration.Payload) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.err != nil {
		return &engine.TransportError{ExecutionID: correlation.ExecutionID, StepID: correlation.StepID, Err: d.err}
	}

	d.requests = append(d.requests, dispatched{step: step, correlation: correlation, payload: payload})

	return nil
}

func (d *recordingDispatcher) failWith(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.err = err
}

func (d *recordingDispatcher) all() []dispatched {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]dispatched(nil), d.requests...)
}

func (d *recordingDispatcher) last(t *testing.T) dispatched {
	t.Helper()

	requests := d.all()
	require.NotEmpty(t, requests)

	return requests[len(requests)-1]
}

// clock ticks one second on every read.
type clock struct {
	mu      sync.Mutex
	current time.Time
}

func newClock() *clock {
	return &clock{current: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.current = c.current.Add(time.Second)

	return c.current
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.current = c.current.Add(d)
}

type fixture struct {
	engine     *engine.Engine
	repository persistence.ExecutionRepository
	dispatcher *recordingDispatcher
	clock      *clock
}

func newFixture(t *testing.T, definitions ...*orchestration.Definition) *fixture {
	t.Helper()

	if len(definitions) == 0 {
		definition, err := adder.Definition()
		require.NoError(t, err)

		definitions = append(definitions, definition)
	}

	registry, err := orchestration.NewRegistry(definitions...)
	require.NoError(t, err)

	routes := orchestration.Routes{}
	for _, definition := range definitions {
		for _, handler := range definition.Handlers() {
			routes[handler] = "sequencer.tasks." + handler
		}
	}

	f := &fixture{
		repository: memory.NewPersistence().ExecutionRepository(),
		dispatcher: &recordingDispatcher{},
		clock:      newClock(),
	}

	f.engine, err = engine.New(registry, routes, f.repository, f.dispatcher, testLogger, engine.WithClock(f.clock.Now))
	require.NoError(t, err)

	return f
}

func startAdder(t *testing.T, f *fixture) *models.Execution {
	t.Helper()

	execution, err := f.engine.Start(context.Background(), events.StartRequest{
		DefinitionID: adder.DefinitionID,
		Input:        map[string]any{"x": 1, "y": 2, "z": 3},
	})
	require.NoError(t, err)

	return execution
}

// counterDefinition increments data.count once per step and projects {count}.
func counterDefinition(t *testing.T, id string, steps int) *orchestration.Definition {
	t.Helper()

	specs := make([]orchestration.StepSpec, steps)
	for i := range specs {
		specs[i] = orchestration.StepSpec{
			ID:      fmt.Sprintf("step-%d", i),
			Handler: "increment",
			BuildRequest: func(data orchestration.Data) (orchestration.Payload, error) {
				return orchestration.Payload{"count": data["count"]}, nil
			},
			ApplyResponse: func(data orchestration.Data, response orchestration.Payload) (orchestration.Data, error) {
				data["count"] = response["count"]

				return data, nil
			},
		}
	}

	definition, err := orchestration.Build(id, specs,
		func(map[string]any) (orchestration.Data, error) {
			return orchestration.Data{"count": 0}, nil
		},
		func(data orchestration.Data) (map[string]any, error) {
			return map[string]any{"count": data["count"]}, nil
		},
	)
	require.NoError(t, err)

	return definition
}

func TestNew_MissingRoute(t *testing.T) {
	definition, err := adder.Definition()
	require.NoError(t, err)

	registry, err := orchestration.NewRegistry(definition)
	require.NoError(t, err)

	_, err = engine.New(registry, orchestration.Routes{}, memory.NewPersistence(), &recordingDispatcher{}, testLogger)
	require.Error(t, err)
	assert.True(t, engine.IsValidationError(err))
}

func TestStart_DispatchesFirstRequest(t *testing.T) {
	f := newFixture(t)

	execution := startAdder(t, f)

	assert.NotEmpty(t, execution.ID)
	assert.Equal(t, 0, execution.StepIndex)
	assert.Equal(t, models.ExecutionStatusWaitingForResponse, execution.Status)

	stored, err := f.repository.Get(context.Background(), execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusWaitingForResponse, stored.Status)

	requests := f.dispatcher.all()
	require.Len(t, requests, 1)
	assert.Equal(t, adder.StepAddXY, requests[0].step.ID)
	assert.Equal(t, models.Correlation{ExecutionID: execution.ID, StepID: adder.StepAddXY}, requests[0].correlation)
	assert.Equal(t, orchestration.Payload{"value1": 1.0, "value2": 2.0}, requests[0].payload)
}

func TestStart_UsesProvidedExecutionID(t *testing.T) {
	f := newFixture(t)

	execution, err := f.engine.Start(context.Background(), events.StartRequest{
		ExecutionID:  "exec-1",
		DefinitionID: adder.DefinitionID,
		Input:        map[string]any{"x": 1, "y": 2, "z": 3},
	})
	require.NoError(t, err)
	assert.Equal(t, "exec-1", execution.ID)

	_, err = f.engine.Start(context.Background(), events.StartRequest{
		ExecutionID:  "exec-1",
		DefinitionID: adder.DefinitionID,
		Input:        map[string]any{"x": 1, "y": 2, "z": 3},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrExecutionAlreadyExists)
	assert.Len(t, f.dispatcher.all(), 1)
}

func TestStart_UnknownDefinition(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Start(context.Background(), events.StartRequest{DefinitionID: "nope"})
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrDefinitionNotFound)
	assert.Empty(t, f.dispatcher.all())
}

func TestStart_InvalidInput(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Start(context.Background(), events.StartRequest{
		ExecutionID:  "exec-1",
		DefinitionID: adder.DefinitionID,
		Input:        map[string]any{"x": "one"},
	})
	require.Error(t, err)
	assert.True(t, engine.IsValidationError(err))

	_, err = f.repository.Get(context.Background(), "exec-1")
	assert.True(t, persistence.IsExecutionNotFound(err))
	assert.Empty(t, f.dispatcher.all())
}

func TestStart_StoreFailure(t *testing.T) {
	definition, err := adder.Definition()
	require.NoError(t, err)

	registry, err := orchestration.NewRegistry(definition)
	require.NoError(t, err)

	repository := &mocks.MockExecutionRepository{}
	repository.On("Create", mock.Anything, mock.Anything).Return(errors.New("disk full")).Once()

	d := &recordingDispatcher{}

	e, err := engine.New(registry, orchestration.Routes{adder.Capability: "sequencer.tasks.add"}, repository, d, testLogger)
	require.NoError(t, err)

	execution, err := e.Start(context.Background(), events.StartRequest{
		DefinitionID: adder.DefinitionID,
		Input:        map[string]any{"x": 1, "y": 2, "z": 3},
	})
	require.Error(t, err)
	assert.Nil(t, execution)
	assert.True(t, engine.IsStoreError(err))
	assert.Empty(t, d.all())
	repository.AssertExpectations(t)
}

func TestStart_DispatchFailureKeepsExecution(t *testing.T) {
	f := newFixture(t)
	f.dispatcher.failWith(errors.New("broker down"))

	execution, err := f.engine.Start(context.Background(), events.StartRequest{
		DefinitionID: adder.DefinitionID,
		Input:        map[string]any{"x": 1, "y": 2, "z": 3},
	})
	require.Error(t, err)
	assert.True(t, engine.IsTransportError(err))
	require.NotNil(t, execution)

	stored, err := f.repository.Get(context.Background(), execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusWaitingForResponse, stored.Status)
	assert.Equal(t, 0, stored.StepIndex)
}

func TestAdderScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	execution := startAdder(t, f)

	first := f.dispatcher.last(t)
	assert.Equal(t, adder.StepAddXY, first.correlation.StepID)
	assert.Equal(t, orchestration.Payload{"value1": 1.0, "value2": 2.0}, first.payload)

	result, err := f.engine.Resume(ctx, execution.ID, adder.StepAddXY, map[string]any{"total": 3})
	require.NoError(t, err)
	assert.Equal(t, engine.OutcomeAdvanced, result.Outcome)
	assert.Equal(t, 1, result.Execution.StepIndex)
	assert.InDelta(t, 3.0, result.Execution.Data["total"], 0)

	second := f.dispatcher.last(t)
	assert.Equal(t, adder.StepAddZTotal, second.correlation.StepID)
	assert.Equal(t, orchestration.Payload{"value1": 3.0, "value2": 3.0}, second.payload)

	result, err = f.engine.Resume(ctx, execution.ID, adder.StepAddZTotal, map[string]any{"total": 6})
	require.NoError(t, err)
	assert.Equal(t, engine.OutcomeCompleted, result.Outcome)

	stored, err := f.repository.Get(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, stored.Status)
	assert.Equal(t, 2, stored.StepIndex)
	assert.Equal(t, map[string]any{"total": 6.0}, stored.Output)
	assert.Nil(t, stored.Error)
	assert.Len(t, f.dispatcher.all(), 2)
}

func TestResume_StepIndexProgressesWithoutSkips(t *testing.T) {
	ctx := context.Background()

	for _, steps := range []int{1, 3, 7} {
		t.Run(fmt.Sprintf("%d steps", steps), func(t *testing.T) {
			definition := counterDefinition(t, "counter", steps)
			f := newFixture(t, definition)

			execution, err := f.engine.Start(ctx, events.StartRequest{DefinitionID: "counter"})
			require.NoError(t, err)

			for i := range steps {
				request := f.dispatcher.last(t)
				require.Equal(t, fmt.Sprintf("step-%d", i), request.correlation.StepID)

				result, err := f.engine.Resume(ctx, execution.ID, request.correlation.StepID, map[string]any{"count": i + 1})
				require.NoError(t, err)
				assert.Equal(t, i+1, result.Execution.StepIndex)
			}

			stored, err := f.repository.Get(ctx, execution.ID)
			require.NoError(t, err)
			assert.Equal(t, models.ExecutionStatusCompleted, stored.Status)
			assert.Equal(t, steps, stored.StepIndex)
			assert.Equal(t, map[string]any{"count": float64(steps)}, stored.Output)
			assert.Len(t, f.dispatcher.all(), steps)
		})
	}
}

func TestResume_ReplayIsNoop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	execution := startAdder(t, f)

	_, err := f.engine.Resume(ctx, execution.ID, adder.StepAddXY, map[string]any{"total": 3})
	require.NoError(t, err)

	before, err := f.repository.Get(ctx, execution.ID)
	require.NoError(t, err)

	result, err := f.engine.Resume(ctx, execution.ID, adder.StepAddXY, map[string]any{"total": 100})
	require.NoError(t, err)
	assert.Equal(t, engine.OutcomeDiscarded, result.Outcome)
	assert.ErrorIs(t, result.Discard, engine.ErrStaleResponse)

	after, err := f.repository.Get(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Len(t, f.dispatcher.all(), 2)
}

func TestResume_OutOfOrderResponseIsStale(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	execution := startAdder(t, f)

	result, err := f.engine.Resume(ctx, execution.ID, adder.StepAddZTotal, map[string]any{"total": 6})
	require.NoError(t, err)
	assert.Equal(t, engine.OutcomeDiscarded, result.Outcome)

	var stale *engine.StaleResponseError
	require.ErrorAs(t, result.Discard, &stale)
	assert.Equal(t, adder.StepAddXY, stale.ExpectedStepID)

	stored, err := f.repository.Get(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusWaitingForResponse, stored.Status)
	assert.Equal(t, 0, stored.StepIndex)
	assert.True(t, execution.UpdatedAt.Equal(stored.UpdatedAt))
}

func TestResume_UnknownExecution(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	result, err := f.engine.Resume(ctx, "missing", adder.StepAddXY, map[string]any{"total": 3})
	require.Error(t, err)
	assert.Nil(t, result)
	assert.True(t, engine.IsNotFound(err))

	var notFound *engine.NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "missing", notFound.ExecutionID)

	_, err = f.repository.Get(ctx, "missing")
	assert.True(t, persistence.IsExecutionNotFound(err))
}

func TestResume_AfterCompletedIsDiscarded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	execution := startAdder(t, f)

	_, err := f.engine.Resume(ctx, execution.ID, adder.StepAddXY, map[string]any{"total": 3})
	require.NoError(t, err)
	_, err = f.engine.Resume(ctx, execution.ID, adder.StepAddZTotal, map[string]any{"total": 6})
	require.NoError(t, err)

	result, err := f.engine.Resume(ctx, execution.ID, adder.StepAddZTotal, map[string]any{"total": 99})
	require.NoError(t, err)
	assert.Equal(t, engine.OutcomeDiscarded, result.Outcome)
	assert.True(t, engine.IsTerminal(result.Discard))

	result, err = f.engine.Fail(ctx, execution.ID, adder.StepAddZTotal, events.StepError{Message: "late"})
	require.NoError(t, err)
	assert.Equal(t, engine.OutcomeDiscarded, result.Outcome)

	stored, err := f.repository.Get(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, stored.Status)
	assert.Equal(t, map[string]any{"total": 6.0}, stored.Output)
	assert.Nil(t, stored.Error)
}

func TestResume_ConcurrentDuplicatesAdvanceOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	execution := startAdder(t, f)

	const attempts = 10

	results := make([]*engine.Result, attempts)
	errs := make([]error, attempts)

	var wg sync.WaitGroup

	for i := range attempts {
		wg.Add(1)

		go func() {
			defer wg.Done()

			results[i], errs[i] = f.engine.Resume(ctx, execution.ID, adder.StepAddXY, map[string]any{"total": 3})
		}()
	}

	wg.Wait()

	advanced := 0

	for i := range attempts {
		require.NoError(t, errs[i])

		switch results[i].Outcome {
		case engine.OutcomeAdvanced:
			advanced++
		case engine.OutcomeDiscarded:
			assert.True(t, engine.IsBenign(results[i].Discard))
		default:
			t.Fatalf("unexpected outcome %s", results[i].Outcome)
		}
	}

	assert.Equal(t, 1, advanced)
	assert.Len(t, f.dispatcher.all(), 2)

	stored, err := f.repository.Get(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.StepIndex)
}

func TestFail_RecordsHandlerError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	execution := startAdder(t, f)

	result, err := f.engine.Fail(ctx, execution.ID, adder.StepAddXY, events.StepError{Message: "adder offline"})
	require.NoError(t, err)
	assert.Equal(t, engine.OutcomeFailed, result.Outcome)
	assert.True(t, engine.IsHandlerError(result.Cause))

	stored, err := f.repository.Get(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, stored.Status)
	assert.Equal(t, 0, stored.StepIndex)
	require.NotNil(t, stored.Error)
	assert.Equal(t, models.ExecutionError{StepID: adder.StepAddXY, Kind: models.ErrorKindHandler, Message: "adder offline"}, *stored.Error)

	result, err = f.engine.Resume(ctx, execution.ID, adder.StepAddXY, map[string]any{"total": 3})
	require.NoError(t, err)
	assert.Equal(t, engine.OutcomeDiscarded, result.Outcome)
	assert.Len(t, f.dispatcher.all(), 1)
}

func TestFail_StaleStepIsDiscarded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	execution := startAdder(t, f)

	result, err := f.engine.Fail(ctx, execution.ID, adder.StepAddZTotal, events.StepError{Message: "boom"})
	require.NoError(t, err)
	assert.Equal(t, engine.OutcomeDiscarded, result.Outcome)
	assert.True(t, engine.IsStaleResponse(result.Discard))

	stored, err := f.repository.Get(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusWaitingForResponse, stored.Status)
}

func TestResume_ApplyFaultFailsExecution(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	execution := startAdder(t, f)

	result, err := f.engine.Resume(ctx, execution.ID, adder.StepAddXY, map[string]any{"total": "three"})
	require.NoError(t, err)
	assert.Equal(t, engine.OutcomeFailed, result.Outcome)

	stored, err := f.repository.Get(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, stored.Status)
	require.NotNil(t, stored.Error)
	assert.Equal(t, models.ErrorKindApply, stored.Error.Kind)
	assert.Equal(t, adder.StepAddXY, stored.Error.StepID)
	assert.Len(t, f.dispatcher.all(), 1)
}

func TestResume_BuildFaultFailsExecution(t *testing.T) {
	ctx := context.Background()

	definition, err := orchestration.Build("broken-build",
		[]orchestration.StepSpec{
			{
				ID:      "first",
				Handler: "h",
				BuildRequest: func(orchestration.Data) (orchestration.Payload, error) {
					return orchestration.Payload{}, nil
				},
				ApplyResponse: func(data orchestration.Data, _ orchestration.Payload) (orchestration.Data, error) {
					return data, nil
				},
			},
			{
				ID:      "second",
				Handler: "h",
				BuildRequest: func(orchestration.Data) (orchestration.Payload, error) {
					return nil, errors.New("cannot build")
				},
				ApplyResponse: func(data orchestration.Data, _ orchestration.Payload) (orchestration.Data, error) {
					return data, nil
				},
			},
		},
		func(map[string]any) (orchestration.Data, error) { return orchestration.Data{}, nil },
		func(orchestration.Data) (map[string]any, error) { return map[string]any{}, nil },
	)
	require.NoError(t, err)

	f := newFixture(t, definition)

	execution, err := f.engine.Start(ctx, events.StartRequest{DefinitionID: "broken-build"})
	require.NoError(t, err)

	result, err := f.engine.Resume(ctx, execution.ID, "first", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, engine.OutcomeFailed, result.Outcome)
	assert.Equal(t, 0, result.Execution.StepIndex)
	assert.Equal(t, models.ErrorKindBuild, result.Execution.Error.Kind)
	assert.Equal(t, "second", result.Execution.Error.StepID)
	assert.Len(t, f.dispatcher.all(), 1)
}

func TestResume_ProjectionFaultFailsExecution(t *testing.T) {
	ctx := context.Background()

	definition, err := orchestration.Build("broken-output",
		[]orchestration.StepSpec{{
			ID:      "only",
			Handler: "h",
			BuildRequest: func(orchestration.Data) (orchestration.Payload, error) {
				return orchestration.Payload{}, nil
			},
			ApplyResponse: func(data orchestration.Data, _ orchestration.Payload) (orchestration.Data, error) {
				return data, nil
			},
		}},
		func(map[string]any) (orchestration.Data, error) { return orchestration.Data{}, nil },
		func(orchestration.Data) (map[string]any, error) { return nil, errors.New("no output") },
	)
	require.NoError(t, err)

	f := newFixture(t, definition)

	started, err := f.engine.Start(ctx, events.StartRequest{DefinitionID: "broken-output"})
	require.NoError(t, err)

	result, err := f.engine.Resume(ctx, started.ID, "only", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, engine.OutcomeFailed, result.Outcome)
	assert.Equal(t, models.ErrorKindProjection, result.Execution.Error.Kind)
	assert.Nil(t, result.Execution.Output)
}

func TestResume_UnknownDefinitionLeavesExecution(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	orphan := &models.Execution{
		ID:           "orphan",
		DefinitionID: "retired",
		Data:         map[string]any{},
		Status:       models.ExecutionStatusWaitingForResponse,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
	require.NoError(t, f.repository.Create(ctx, orphan))

	_, err := f.engine.Resume(ctx, "orphan", "any", map[string]any{})
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrDefinitionNotFound)

	stored, err := f.repository.Get(ctx, "orphan")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusWaitingForResponse, stored.Status)
}

func TestResume_DispatchFailureAfterAdvance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	execution := startAdder(t, f)

	f.dispatcher.failWith(errors.New("broker down"))

	result, err := f.engine.Resume(ctx, execution.ID, adder.StepAddXY, map[string]any{"total": 3})
	require.Error(t, err)
	assert.True(t, engine.IsTransportError(err))
	require.NotNil(t, result)
	assert.Equal(t, engine.OutcomeAdvanced, result.Outcome)

	stored, err := f.repository.Get(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.StepIndex)
	assert.Equal(t, models.ExecutionStatusWaitingForResponse, stored.Status)
}

func TestResume_StoreFailureIsReturned(t *testing.T) {
	definition, err := adder.Definition()
	require.NoError(t, err)

	registry, err := orchestration.NewRegistry(definition)
	require.NoError(t, err)

	repository := &mocks.MockExecutionRepository{}
	repository.On("Get", mock.Anything, "exec-1").Return(nil, errors.New("connection reset")).Once()

	e, err := engine.New(registry, orchestration.Routes{adder.Capability: "sequencer.tasks.add"}, repository, &recordingDispatcher{}, testLogger)
	require.NoError(t, err)

	_, err = e.Resume(context.Background(), "exec-1", adder.StepAddXY, map[string]any{"total": 3})
	require.Error(t, err)
	assert.True(t, engine.IsStoreError(err))
	assert.False(t, engine.IsBenign(err))
	repository.AssertExpectations(t)
}

func TestEngine_PublishesLifecycleEvents(t *testing.T) {
	ctx := context.Background()

	definition, err := adder.Definition()
	require.NoError(t, err)

	registry, err := orchestration.NewRegistry(definition)
	require.NoError(t, err)

	notifier := &mocks.MockEventBus{}

	var (
		mu        sync.Mutex
		published []events.EventType
	)

	notifier.On("Publish", mock.Anything, events.ExecutionTopic, mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			mu.Lock()
			defer mu.Unlock()

			published = append(published, args.Get(3).(interface{ GetType() events.EventType }).GetType())
		}).
		Return(nil)

	e, err := engine.New(registry, orchestration.Routes{adder.Capability: "sequencer.tasks.add"},
		memory.NewPersistence(), &recordingDispatcher{}, testLogger, engine.WithNotifier(notifier))
	require.NoError(t, err)

	execution, err := e.Start(ctx, events.StartRequest{
		DefinitionID: adder.DefinitionID,
		Input:        map[string]any{"x": 1, "y": 2, "z": 3},
	})
	require.NoError(t, err)

	_, err = e.Resume(ctx, execution.ID, adder.StepAddXY, map[string]any{"total": 3})
	require.NoError(t, err)
	_, err = e.Resume(ctx, execution.ID, adder.StepAddXY, map[string]any{"total": 3})
	require.NoError(t, err)
	_, err = e.Resume(ctx, execution.ID, adder.StepAddZTotal, map[string]any{"total": 6})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()

	assert.Equal(t, []events.EventType{
		events.ExecutionStartedEvent,
		events.ExecutionAdvancedEvent,
		events.ResponseDiscardedEvent,
		events.ExecutionCompletedEvent,
	}, published)
}

func TestEngine_NotifierFailureIsNotFatal(t *testing.T) {
	definition, err := adder.Definition()
	require.NoError(t, err)

	registry, err := orchestration.NewRegistry(definition)
	require.NoError(t, err)

	notifier := &mocks.MockEventBus{}
	notifier.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(errors.New("down"))

	e, err := engine.New(registry, orchestration.Routes{adder.Capability: "sequencer.tasks.add"},
		memory.NewPersistence(), &recordingDispatcher{}, testLogger, engine.WithNotifier(notifier))
	require.NoError(t, err)

	_, err = e.Start(context.Background(), events.StartRequest{
		DefinitionID: adder.DefinitionID,
		Input:        map[string]any{"x": 1, "y": 2, "z": 3},
	})
	assert.NoError(t, err)
}
