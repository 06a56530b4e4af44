// Package declarative builds orchestration definitions from YAML documents whose projections
// are templates rendering JSON objects.
//
// Request templates see {{ .data }}; response templates see {{ .data }} and {{ .response }} and
// their result is merged into the data; the output template sees {{ .data }}. The initial data
// template sees {{ .input }} and defaults to the input itself.
package declarative

import (
	"fmt"
	"maps"
	"os"

	"github.com/dukex/sequencer/pkg/orchestration"
	"github.com/dukex/sequencer/pkg/template"
	"gopkg.in/yaml.v3"
)

// File is the YAML document.
type File struct {
	Definitions []DefinitionConfig `yaml:"definitions"`
}

type DefinitionConfig struct {
	ID          string       `yaml:"id"`
	InputSchema string       `yaml:"input_schema"`
	InitialData string       `yaml:"initial_data"`
	Steps       []StepConfig `yaml:"steps"`
	Output      string       `yaml:"output"`
}

type StepConfig struct {
	ID       string `yaml:"id"`
	Handler  string `yaml:"handler"`
	Request  string `yaml:"request"`
	Response string `yaml:"response"`
}

// Load reads and builds every definition in the file at path.
func Load(path string) ([]*orchestration.Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definitions file %s: %w", path, err)
	}

	return Parse(data)
}

// Parse builds every definition in a YAML document.
func Parse(data []byte) ([]*orchestration.Definition, error) {
	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse YAML definitions: %w", err)
	}

	definitions := make([]*orchestration.Definition, 0, len(file.Definitions))

	for _, config := range file.Definitions {
		definition, err := Build(config)
		if err != nil {
			return nil, err
		}

		definitions = append(definitions, definition)
	}

	return definitions, nil
}

// Build compiles the templates of config and builds the definition.
func Build(config DefinitionConfig) (*orchestration.Definition, error) {
	if config.Output == "" {
		return nil, orchestration.NewValidationError(config.ID, "output template is required")
	}

	output, err := compile(config.ID, "output", config.Output)
	if err != nil {
		return nil, err
	}

	initialData := func(input map[string]any) (orchestration.Data, error) {
		return input, nil
	}

	if config.InitialData != "" {
		tmpl, err := compile(config.ID, "initial data", config.InitialData)
		if err != nil {
			return nil, err
		}

		initialData = func(input map[string]any) (orchestration.Data, error) {
			return tmpl.RenderObject(map[string]any{"input": input})
		}
	}

	steps := make([]orchestration.StepSpec, 0, len(config.Steps))

	for _, stepConfig := range config.Steps {
		step, err := buildStep(config.ID, stepConfig)
		if err != nil {
			return nil, err
		}

		steps = append(steps, step)
	}

	var opts []orchestration.Option
	if config.InputSchema != "" {
		opts = append(opts, orchestration.WithInputSchema(config.InputSchema))
	}

	return orchestration.Build(config.ID, steps, initialData,
		func(data orchestration.Data) (map[string]any, error) {
			return output.RenderObject(map[string]any{"data": data})
		},
		opts...,
	)
}

func buildStep(definitionID string, config StepConfig) (orchestration.StepSpec, error) {
	if config.Request == "" {
		return orchestration.StepSpec{}, orchestration.NewValidationError(definitionID, "step "+config.ID+" has no request template")
	}

	request, err := compile(definitionID, "request of step "+config.ID, config.Request)
	if err != nil {
		return orchestration.StepSpec{}, err
	}

	var response *template.Template

	if config.Response != "" {
		response, err = compile(definitionID, "response of step "+config.ID, config.Response)
		if err != nil {
			return orchestration.StepSpec{}, err
		}
	}

	return orchestration.StepSpec{
		ID:      config.ID,
		Handler: config.Handler,
		BuildRequest: func(data orchestration.Data) (orchestration.Payload, error) {
			return request.RenderObject(map[string]any{"data": data})
		},
		ApplyResponse: func(data orchestration.Data, payload orchestration.Payload) (orchestration.Data, error) {
			if response == nil {
				maps.Copy(data, payload)

				return data, nil
			}

			update, err := response.RenderObject(map[string]any{"data": data, "response": payload})
			if err != nil {
				return nil, err
			}

			maps.Copy(data, update)

			return data, nil
		},
	}, nil
}

func compile(definitionID, what, source string) (*template.Template, error) {
	tmpl, err := template.Parse(source)
	if err != nil {
		return nil, orchestration.NewValidationError(definitionID, "invalid "+what+" template: "+err.Error())
	}

	return tmpl, nil
}
