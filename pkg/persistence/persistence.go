// Package persistence provides the execution state store: the single source of truth for
// in-flight and finished executions.
package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/dukex/sequencer/pkg/models"
)

// ExecutionRepository stores executions. CompareAndAdvance is the only mutation path for an
// existing execution.
type ExecutionRepository interface {
	// Create atomically inserts a new execution. It returns ErrExecutionAlreadyExists when the
	// id is taken.
	Create(ctx context.Context, execution *models.Execution) error

	// Get returns the execution or ErrExecutionNotFound.
	Get(ctx context.Context, executionID string) (*models.Execution, error)

	// CompareAndAdvance replaces the mutable state (data, step index, status, output, error,
	// dispatched_at, updated_at) of the execution with next, but only while the stored step index equals
	// expectedStepIndex and the stored status is not terminal. Otherwise it returns
	// ErrVersionConflict and leaves the record untouched.
	CompareAndAdvance(ctx context.Context, executionID string, expectedStepIndex int, next *models.Execution) (*models.Execution, error)

	// ListByStatus returns up to limit executions in status whose updated_at is before
	// updatedBefore, oldest first.
	ListByStatus(ctx context.Context, status models.ExecutionStatus, updatedBefore time.Time, limit int) ([]*models.Execution, error)

	// ListUndispatched returns up to limit executions waiting for a response whose current
	// request was never confirmed sent and whose updated_at is before updatedBefore, oldest
	// first.
	ListUndispatched(ctx context.Context, updatedBefore time.Time, limit int) ([]*models.Execution, error)
}

type Persistence interface {
	ExecutionRepository() ExecutionRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// CheckAdvance validates the state passed to CompareAndAdvance.
func CheckAdvance(executionID string, expectedStepIndex int, next *models.Execution) error {
	switch {
	case next == nil:
		return NewExecutionError("CompareAndAdvance", executionID, fmt.Errorf("%w: next state is nil", ErrInvalidExecution))
	case !next.Status.Valid():
		return NewExecutionError("CompareAndAdvance", executionID, fmt.Errorf("%w: unknown status %q", ErrInvalidExecution, next.Status))
	case next.StepIndex < expectedStepIndex:
		return NewExecutionError("CompareAndAdvance", executionID, fmt.Errorf("%w: step index cannot move backwards", ErrInvalidExecution))
	}

	return nil
}

// CheckCreate validates an execution passed to Create.
func CheckCreate(execution *models.Execution) error {
	switch {
	case execution == nil:
		return NewExecutionError("Create", "", fmt.Errorf("%w: execution is nil", ErrInvalidExecution))
	case execution.ID == "":
		return NewExecutionError("Create", "", fmt.Errorf("%w: execution id is required", ErrInvalidExecution))
	case !execution.Status.Valid():
		return NewExecutionError("Create", execution.ID, fmt.Errorf("%w: unknown status %q", ErrInvalidExecution, execution.Status))
	}

	return nil
}

// Advanced merges the mutable fields of next into current, keeping identity and creation time.
func Advanced(current, next *models.Execution) *models.Execution {
	merged := *current
	merged.Data = next.Data
	merged.StepIndex = next.StepIndex
	merged.Status = next.Status
	merged.Output = next.Output
	merged.Error = next.Error
	merged.DispatchedAt = next.DispatchedAt
	merged.UpdatedAt = next.UpdatedAt

	return &merged
}
