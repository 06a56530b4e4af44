package declarative

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dukex/sequencer/pkg/orchestration"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const adderDocument = `
definitions:
  - id: templated-adder
    input_schema: |
      {"type": "object", "required": ["x", "y", "z"]}
    steps:
      - id: AddXY
        handler: add
        request: '{"value1": {{ .data.x }}, "value2": {{ .data.y }}}'
        response: '{"total": {{ .response.total }}}'
      - id: AddZTotal
        handler: add
        request: '{"value1": {{ .data.z }}, "value2": {{ .data.total }}}'
    output: '{"total": {{ .data.total }}}'
`

func TestParse_RunsAdderProjections(t *testing.T) {
	definitions, err := Parse([]byte(adderDocument))
	require.NoError(t, err)
	require.Len(t, definitions, 1)

	definition := definitions[0]
	assert.Equal(t, "templated-adder", definition.ID())
	assert.Equal(t, []string{"AddXY", "AddZTotal"}, definition.StepIDs())
	assert.Equal(t, []string{"add"}, definition.Handlers())

	require.Error(t, definition.ValidateInput(map[string]any{"x": 1}))

	data, err := definition.InitialData(map[string]any{"x": 1, "y": 2, "z": 3})
	require.NoError(t, err)

	request, err := definition.BuildRequest(0, data)
	require.NoError(t, err)
	assert.Equal(t, orchestration.Payload{"value1": 1.0, "value2": 2.0}, request)

	data, err = definition.ApplyResponse(0, data, orchestration.Payload{"total": 3})
	require.NoError(t, err)

	request, err = definition.BuildRequest(1, data)
	require.NoError(t, err)
	assert.Equal(t, orchestration.Payload{"value1": 3.0, "value2": 3.0}, request)

	// no response template: the whole response is merged
	data, err = definition.ApplyResponse(1, data, orchestration.Payload{"total": 6})
	require.NoError(t, err)

	output, err := definition.ProjectOutput(data)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"total": 6.0}, output)
}

func TestParse_InitialDataTemplate(t *testing.T) {
	definitions, err := Parse([]byte(`
definitions:
  - id: greeter
    initial_data: '{"name": {{ json .input.who }}}'
    steps:
      - id: Greet
        handler: greet
        request: '{"name": {{ json .data.name }}}'
    output: '{"greeting": {{ json .data.greeting }}}'
`))
	require.NoError(t, err)

	definition := definitions[0]

	data, err := definition.InitialData(map[string]any{"who": "Ann", "ignored": true})
	require.NoError(t, err)
	assert.Equal(t, orchestration.Data{"name": "Ann"}, data)

	data, err = definition.ApplyResponse(0, data, orchestration.Payload{"greeting": "hi Ann"})
	require.NoError(t, err)

	output, err := definition.ProjectOutput(data)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"greeting": "hi Ann"}, output)
}

func TestParse_ProjectionFaults(t *testing.T) {
	definitions, err := Parse([]byte(adderDocument))
	require.NoError(t, err)

	definition := definitions[0]

	_, err = definition.BuildRequest(1, orchestration.Data{"z": 3})
	require.Error(t, err)

	_, err = definition.ApplyResponse(0, orchestration.Data{}, orchestration.Payload{"sum": 3})
	require.Error(t, err)

	_, err = definition.ProjectOutput(orchestration.Data{})
	require.Error(t, err)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		document string
	}{
		{"malformed yaml", "definitions: ["},
		{"missing output", "definitions:\n  - id: d\n    steps:\n      - {id: a, handler: h, request: '{}'}\n"},
		{"missing request", "definitions:\n  - id: d\n    output: '{}'\n    steps:\n      - {id: a, handler: h}\n"},
		{"bad template", "definitions:\n  - id: d\n    output: '{{ .data'\n    steps:\n      - {id: a, handler: h, request: '{}'}\n"},
		{"no steps", "definitions:\n  - id: d\n    output: '{}'\n"},
		{"bad schema", "definitions:\n  - id: d\n    output: '{}'\n    input_schema: 'nope'\n    steps:\n      - {id: a, handler: h, request: '{}'}\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.document))
			require.Error(t, err)

			if tt.name != "malformed yaml" {
				assert.True(t, orchestration.IsValidationError(err), err.Error())
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "definitions.yaml")
	require.NoError(t, os.WriteFile(path, []byte(adderDocument), 0o600))

	definitions, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, definitions, 1)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
