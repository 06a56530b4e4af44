package orchestration

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func passthroughStep(id, handler string) StepSpec {
	return StepSpec{
		ID:      id,
		Handler: handler,
		BuildRequest: func(data Data) (Payload, error) {
			return Payload{"value": data["value"]}, nil
		},
		ApplyResponse: func(data Data, response Payload) (Data, error) {
			data["value"] = response["value"]

			return data, nil
		},
	}
}

func identityInput(input map[string]any) (Data, error) {
	return input, nil
}

func identityOutput(data Data) (map[string]any, error) {
	return data, nil
}

func TestBuild_Valid(t *testing.T) {
	definition, err := Build("double",
		[]StepSpec{passthroughStep("one", "echo"), passthroughStep("two", "echo")},
		identityInput, identityOutput)
	require.NoError(t, err)

	assert.Equal(t, "double", definition.ID())
	assert.Equal(t, 2, definition.Len())
	assert.Equal(t, []string{"one", "two"}, definition.StepIDs())
	assert.Equal(t, []string{"echo"}, definition.Handlers())

	i, ok := definition.StepIndex("two")
	assert.True(t, ok)
	assert.Equal(t, 1, i)

	_, ok = definition.Step(2)
	assert.False(t, ok)
}

func TestBuild_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		steps   []StepSpec
		initial InitialDataFunc
		project OutputProjector
		message string
	}{
		{
			name:    "empty_id",
			id:      "",
			steps:   []StepSpec{passthroughStep("one", "echo")},
			initial: identityInput,
			project: identityOutput,
			message: "definition id is required",
		},
		{
			name:    "no_steps",
			id:      "empty",
			steps:   nil,
			initial: identityInput,
			project: identityOutput,
			message: "at least one step",
		},
		{
			name:    "duplicate_step_ids",
			id:      "dup",
			steps:   []StepSpec{passthroughStep("one", "echo"), passthroughStep("one", "echo")},
			initial: identityInput,
			project: identityOutput,
			message: "duplicate step id one",
		},
		{
			name:    "missing_handler",
			id:      "nohandler",
			steps:   []StepSpec{passthroughStep("one", "")},
			initial: identityInput,
			project: identityOutput,
			message: "has no handler",
		},
		{
			name:    "missing_initial_data",
			id:      "noinit",
			steps:   []StepSpec{passthroughStep("one", "echo")},
			project: identityOutput,
			message: "initial data function is required",
		},
		{
			name:    "missing_projection",
			id:      "noproject",
			steps:   []StepSpec{passthroughStep("one", "echo")},
			initial: identityInput,
			message: "output projection function is required",
		},
		{
			name:    "missing_step_functions",
			id:      "nofuncs",
			steps:   []StepSpec{{ID: "one", Handler: "echo"}},
			initial: identityInput,
			project: identityOutput,
			message: "must define request and response functions",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			definition, err := Build(tt.id, tt.steps, tt.initial, tt.project)
			require.Error(t, err)
			assert.Nil(t, definition)
			assert.True(t, IsValidationError(err))
			assert.ErrorIs(t, err, ErrInvalidDefinition)
			assert.Contains(t, err.Error(), tt.message)
		})
	}
}

func TestBuild_CopiesSteps(t *testing.T) {
	steps := []StepSpec{passthroughStep("one", "echo")}

	definition, err := Build("copy", steps, identityInput, identityOutput)
	require.NoError(t, err)

	steps[0].ID = "mutated"

	step, ok := definition.Step(0)
	require.True(t, ok)
	assert.Equal(t, "one", step.ID)

	returned := definition.Steps()
	returned[0].ID = "mutated"
	assert.Equal(t, []string{"one"}, definition.StepIDs())
}

func TestDefinition_FunctionsReceiveCopies(t *testing.T) {
	definition, err := Build("copies",
		[]StepSpec{{
			ID:      "one",
			Handler: "echo",
			BuildRequest: func(data Data) (Payload, error) {
				data["leak"] = true

				return Payload{}, nil
			},
			ApplyResponse: func(data Data, response Payload) (Data, error) {
				response["leak"] = true
				data["seen"] = true

				return data, nil
			},
		}},
		identityInput, identityOutput)
	require.NoError(t, err)

	data := Data{"value": 1}

	_, err = definition.BuildRequest(0, data)
	require.NoError(t, err)
	assert.NotContains(t, data, "leak")

	response := Payload{"value": 2}

	next, err := definition.ApplyResponse(0, data, response)
	require.NoError(t, err)
	assert.NotContains(t, response, "leak")
	assert.NotContains(t, data, "seen")
	assert.Equal(t, true, next["seen"])
}

func TestDefinition_ConcurrentUse(t *testing.T) {
	definition, err := Build("concurrent",
		[]StepSpec{passthroughStep("one", "echo")},
		identityInput, identityOutput)
	require.NoError(t, err)

	var wg sync.WaitGroup

	for i := range 50 {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			data, err := definition.InitialData(map[string]any{"value": i})
			assert.NoError(t, err)

			next, err := definition.ApplyResponse(0, data, Payload{"value": i + 1})
			assert.NoError(t, err)
			assert.InDelta(t, float64(i+1), next["value"], 0)
		}(i)
	}

	wg.Wait()
}

func TestDefinition_InputSchema(t *testing.T) {
	definition, err := Build("schema",
		[]StepSpec{passthroughStep("one", "echo")},
		identityInput, identityOutput,
		WithInputSchema(`{"type":"object","required":["value"],"properties":{"value":{"type":"number"}}}`))
	require.NoError(t, err)

	require.NoError(t, definition.ValidateInput(map[string]any{"value": 1}))

	err = definition.ValidateInput(map[string]any{"value": "nope"})
	require.Error(t, err)
	assert.True(t, IsValidationError(err))

	err = definition.ValidateInput(map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "value")
}

func TestBuild_InvalidInputSchema(t *testing.T) {
	_, err := Build("schema",
		[]StepSpec{passthroughStep("one", "echo")},
		identityInput, identityOutput,
		WithInputSchema(`{"type": 12}`))
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
}
