// Package orchestration describes what an execution runs: an immutable, ordered list of steps
// with the projections between the caller's input, the execution data and the step payloads.
package orchestration

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Data is the domain payload carried by an execution between steps.
type Data = map[string]any

// Payload is the body of a step request or response.
type Payload = map[string]any

// RequestBuilder turns the current data into the request payload for a step.
type RequestBuilder func(data Data) (Payload, error)

// ResponseApplier folds a step response into the data, returning the new data.
type ResponseApplier func(data Data, response Payload) (Data, error)

// InitialDataFunc computes the execution data from the start input.
type InitialDataFunc func(input map[string]any) (Data, error)

// OutputProjector computes the execution output from the final data.
type OutputProjector func(data Data) (map[string]any, error)

// StepSpec describes one step. Handler names the task-handler capability that serves the
// step; the transport address is resolved through Routes.
type StepSpec struct {
	ID            string
	Handler       string
	BuildRequest  RequestBuilder
	ApplyResponse ResponseApplier
}

// Definition is an immutable orchestration definition. All accessors return copies, so a
// Definition can be shared by any number of concurrent executions.
type Definition struct {
	id            string
	steps         []StepSpec
	index         map[string]int
	initialData   InitialDataFunc
	projectOutput OutputProjector
	inputSchema   *gojsonschema.Schema
}

// Option configures optional parts of a definition.
type Option func(*buildOptions)

type buildOptions struct {
	inputSchema string
}

// WithInputSchema attaches a JSON Schema that start inputs must satisfy.
func WithInputSchema(schema string) Option {
	return func(o *buildOptions) {
		o.inputSchema = schema
	}
}

// Build validates and assembles a definition.
func Build(id string, steps []StepSpec, initialData InitialDataFunc, projectOutput OutputProjector, opts ...Option) (*Definition, error) {
	options := &buildOptions{}
	for _, opt := range opts {
		opt(options)
	}

	if strings.TrimSpace(id) == "" {
		return nil, NewValidationError(id, "definition id is required")
	}

	if len(steps) == 0 {
		return nil, NewValidationError(id, "definition must have at least one step")
	}

	if initialData == nil {
		return nil, NewValidationError(id, "initial data function is required")
	}

	if projectOutput == nil {
		return nil, NewValidationError(id, "output projection function is required")
	}

	index := make(map[string]int, len(steps))

	for i, step := range steps {
		if strings.TrimSpace(step.ID) == "" {
			return nil, NewValidationError(id, fmt.Sprintf("step %d has no id", i))
		}

		if _, exists := index[step.ID]; exists {
			return nil, NewValidationError(id, "duplicate step id "+step.ID)
		}

		if strings.TrimSpace(step.Handler) == "" {
			return nil, NewValidationError(id, "step "+step.ID+" has no handler")
		}

		if step.BuildRequest == nil || step.ApplyResponse == nil {
			return nil, NewValidationError(id, "step "+step.ID+" must define request and response functions")
		}

		index[step.ID] = i
	}

	definition := &Definition{
		id:            id,
		steps:         append([]StepSpec(nil), steps...),
		index:         index,
		initialData:   initialData,
		projectOutput: projectOutput,
	}

	if options.inputSchema != "" {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(options.inputSchema))
		if err != nil {
			return nil, NewValidationError(id, "invalid input schema: "+err.Error())
		}

		definition.inputSchema = schema
	}

	return definition, nil
}

func (d *Definition) ID() string {
	return d.id
}

// Len returns the number of steps.
func (d *Definition) Len() int {
	return len(d.steps)
}

// Step returns the step at index i.
func (d *Definition) Step(i int) (StepSpec, bool) {
	if i < 0 || i >= len(d.steps) {
		return StepSpec{}, false
	}

	return d.steps[i], true
}

// StepIndex returns the position of the step with the given id.
func (d *Definition) StepIndex(stepID string) (int, bool) {
	i, ok := d.index[stepID]

	return i, ok
}

// Steps returns a copy of the ordered step list.
func (d *Definition) Steps() []StepSpec {
	return append([]StepSpec(nil), d.steps...)
}

// StepIDs returns the step ids in order.
func (d *Definition) StepIDs() []string {
	ids := make([]string, len(d.steps))
	for i, step := range d.steps {
		ids[i] = step.ID
	}

	return ids
}

// Handlers returns the distinct handler capabilities used by the definition.
func (d *Definition) Handlers() []string {
	seen := make(map[string]bool)

	var handlers []string

	for _, step := range d.steps {
		if !seen[step.Handler] {
			seen[step.Handler] = true
			handlers = append(handlers, step.Handler)
		}
	}

	return handlers
}

// ValidateInput checks input against the definition's input schema, if any.
func (d *Definition) ValidateInput(input map[string]any) error {
	if d.inputSchema == nil {
		return nil
	}

	result, err := d.inputSchema.Validate(gojsonschema.NewGoLoader(input))
	if err != nil {
		return NewValidationError(d.id, "failed to validate input: "+err.Error())
	}

	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}

		return NewValidationError(d.id, "invalid input: "+strings.Join(details, "; "))
	}

	return nil
}

// InitialData computes the data for a new execution.
func (d *Definition) InitialData(input map[string]any) (Data, error) {
	in, err := deepCopy(input)
	if err != nil {
		return nil, err
	}

	return d.initialData(in)
}

// BuildRequest computes the request payload of step i from data.
func (d *Definition) BuildRequest(i int, data Data) (Payload, error) {
	step, ok := d.Step(i)
	if !ok {
		return nil, fmt.Errorf("definition %s has no step %d", d.id, i)
	}

	in, err := deepCopy(data)
	if err != nil {
		return nil, err
	}

	return step.BuildRequest(in)
}

// ApplyResponse folds the response of step i into data.
func (d *Definition) ApplyResponse(i int, data Data, response Payload) (Data, error) {
	step, ok := d.Step(i)
	if !ok {
		return nil, fmt.Errorf("definition %s has no step %d", d.id, i)
	}

	in, err := deepCopy(data)
	if err != nil {
		return nil, err
	}

	resp, err := deepCopy(response)
	if err != nil {
		return nil, err
	}

	return step.ApplyResponse(in, resp)
}

// ProjectOutput computes the execution output from the final data.
func (d *Definition) ProjectOutput(data Data) (map[string]any, error) {
	in, err := deepCopy(data)
	if err != nil {
		return nil, err
	}

	return d.projectOutput(in)
}

// deepCopy round-trips m through JSON, which is also the shape the data has once persisted.
func deepCopy(m map[string]any) (map[string]any, error) {
	if m == nil {
		return map[string]any{}, nil
	}

	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to copy data: %w", err)
	}

	out := make(map[string]any)

	err = json.Unmarshal(raw, &out)
	if err != nil {
		return nil, fmt.Errorf("failed to copy data: %w", err)
	}

	return out, nil
}
