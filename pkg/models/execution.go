// Package models defines the persisted domain records of the sequencer.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// ExecutionStatus represents the lifecycle state of an execution.
type ExecutionStatus string

const (
	ExecutionStatusRunning            ExecutionStatus = "running"
	ExecutionStatusWaitingForResponse ExecutionStatus = "waiting_for_response"
	ExecutionStatusCompleted          ExecutionStatus = "completed"
	ExecutionStatusFailed             ExecutionStatus = "failed"
)

// Terminal reports whether no further transition is allowed from the status.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed
}

// Valid reports whether s is a known status.
func (s ExecutionStatus) Valid() bool {
	switch s {
	case ExecutionStatusRunning, ExecutionStatusWaitingForResponse, ExecutionStatusCompleted, ExecutionStatusFailed:
		return true
	default:
		return false
	}
}

// ErrorKind classifies the cause recorded on a failed execution.
type ErrorKind string

const (
	ErrorKindHandler    ErrorKind = "handler"    // the task handler reported an error
	ErrorKindApply      ErrorKind = "apply"      // applying the response to the data failed
	ErrorKindBuild      ErrorKind = "build"      // building the next request failed
	ErrorKindProjection ErrorKind = "projection" // projecting the output failed
)

// ExecutionError is the failure cause recorded on a failed execution.
type ExecutionError struct {
	StepID  string    `json:"step_id"`
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("step %s failed (%s): %s", e.StepID, e.Kind, e.Message)
}

// Execution is one instance of an orchestration definition. StepIndex points at the step
// whose response is awaited and doubles as the optimistic concurrency version. DispatchedAt
// is set once the request for the current step has been handed to the transport and is
// cleared whenever the step index moves.
type Execution struct {
	ID           string          `json:"id"`
	DefinitionID string          `json:"definition_id"`
	Data         map[string]any  `json:"data"`
	StepIndex    int             `json:"step_index"`
	Status       ExecutionStatus `json:"status"`
	Output       map[string]any  `json:"output,omitempty"`
	Error        *ExecutionError `json:"error,omitempty"`
	DispatchedAt *time.Time      `json:"dispatched_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// AwaitsDispatch reports whether the execution waits on a step whose request was never
// confirmed sent.
func (e *Execution) AwaitsDispatch() bool {
	return e.Status == ExecutionStatusWaitingForResponse && e.DispatchedAt == nil
}

// Clone returns a deep copy of the execution. Data and Output are copied through JSON so
// the copy never shares nested maps or slices with the original.
func (e *Execution) Clone() (*Execution, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal execution %s: %w", e.ID, err)
	}

	var clone Execution

	err = json.Unmarshal(raw, &clone)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution %s: %w", e.ID, err)
	}

	return &clone, nil
}

// Correlation identifies the execution and step a request was produced for.
type Correlation struct {
	ExecutionID string `json:"executionId" validate:"required"`
	StepID      string `json:"stepId"      validate:"required"`
}
