// Package web provides HTTP request and response types for the sequencer API.
package web

import (
	"github.com/dukex/sequencer/pkg/events"
	"github.com/dukex/sequencer/pkg/models"
)

// StartExecutionRequest represents the request body for starting an execution.
type StartExecutionRequest struct {
	ExecutionID  string         `json:"executionId,omitempty"`
	DefinitionID string         `json:"definitionId"          validate:"required"`
	Input        map[string]any `json:"input"`
}

// StepResponseRequest is a task handler's response delivered over HTTP instead of the
// message transport. The execution id comes from the path.
type StepResponseRequest struct {
	StepID  string            `json:"stepId"            validate:"required"`
	Payload map[string]any    `json:"payload,omitempty"`
	Error   *events.StepError `json:"error,omitempty"`
}

// ResultResponse describes what a delivered response did to the execution.
type ResultResponse struct {
	Outcome   string            `json:"outcome"`
	Discard   string            `json:"discard,omitempty"`
	Execution *models.Execution `json:"execution"`
}

// StepSummary describes one step of a definition.
type StepSummary struct {
	ID      string `json:"id"`
	Handler string `json:"handler"`
}

// DefinitionSummary describes a registered definition.
type DefinitionSummary struct {
	ID    string        `json:"id"`
	Steps []StepSummary `json:"steps"`
}

// ReconcileResponse reports a reconciliation sweep.
type ReconcileResponse struct {
	Redispatched int `json:"redispatched"`
}
