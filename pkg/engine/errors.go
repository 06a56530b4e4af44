package engine

import (
	"errors"
	"fmt"

	"github.com/dukex/sequencer/pkg/dispatcher"
	"github.com/dukex/sequencer/pkg/models"
	"github.com/dukex/sequencer/pkg/orchestration"
	"github.com/dukex/sequencer/pkg/persistence"
)

var (
	// ErrStaleResponse indicates a response for a step other than the awaited one.
	ErrStaleResponse = errors.New("stale response")

	// ErrExecutionTerminal indicates a response for a completed or failed execution.
	ErrExecutionTerminal = errors.New("execution is terminal")

	// ErrProtocol is matched by every ProtocolError.
	ErrProtocol = errors.New("protocol error")

	ErrVersionConflict        = persistence.ErrVersionConflict
	ErrExecutionNotFound      = persistence.ErrExecutionNotFound
	ErrExecutionAlreadyExists = persistence.ErrExecutionAlreadyExists
	ErrDefinitionNotFound     = orchestration.ErrDefinitionNotFound
)

// ValidationError reports an unusable definition, routing table or start input.
type ValidationError = orchestration.ValidationError

// TransportError reports a step request the transport did not accept.
type TransportError = dispatcher.TransportError

// ProtocolError reports a malformed message at the transport boundary.
type ProtocolError struct {
	Message string
	Err     error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Message, e.Err)
	}

	return "protocol error: " + e.Message
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

func (e *ProtocolError) Is(target error) bool {
	return target == ErrProtocol
}

// StaleResponseError reports a duplicate or out-of-order response.
type StaleResponseError struct {
	ExecutionID    string
	StepID         string
	ExpectedStepID string
}

func (e *StaleResponseError) Error() string {
	return fmt.Sprintf("stale response for execution %s: got step %s, awaiting %s", e.ExecutionID, e.StepID, e.ExpectedStepID)
}

func (e *StaleResponseError) Unwrap() error {
	return ErrStaleResponse
}

// ConflictError reports a compare-and-advance lost against a concurrent writer.
type ConflictError struct {
	ExecutionID string
	StepIndex   int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("execution %s already moved past step index %d", e.ExecutionID, e.StepIndex)
}

func (e *ConflictError) Unwrap() error {
	return ErrVersionConflict
}

// TerminalError reports a response for an execution that already finished.
type TerminalError struct {
	ExecutionID string
	Status      models.ExecutionStatus
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("execution %s is %s", e.ExecutionID, e.Status)
}

func (e *TerminalError) Unwrap() error {
	return ErrExecutionTerminal
}

// NotFoundError reports a response for an unknown execution.
type NotFoundError struct {
	ExecutionID string
}

func (e *NotFoundError) Error() string {
	return "execution not found: " + e.ExecutionID
}

func (e *NotFoundError) Unwrap() error {
	return ErrExecutionNotFound
}

// HandlerError is the explicit error a task handler reported for a step.
type HandlerError struct {
	ExecutionID string
	StepID      string
	Message     string
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler for step %s of execution %s failed: %s", e.StepID, e.ExecutionID, e.Message)
}

// StoreError reports an execution store failure.
type StoreError struct {
	Op          string
	ExecutionID string
	Err         error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s failed for execution %s: %v", e.Op, e.ExecutionID, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// IsValidationError checks if an error is a ValidationError.
func IsValidationError(err error) bool {
	return orchestration.IsValidationError(err)
}

// IsProtocolError checks if an error is a ProtocolError.
func IsProtocolError(err error) bool {
	return errors.Is(err, ErrProtocol)
}

// IsStaleResponse checks if an error indicates a stale or duplicate response.
func IsStaleResponse(err error) bool {
	return errors.Is(err, ErrStaleResponse)
}

// IsConflict checks if an error indicates a lost compare-and-advance race.
func IsConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}

// IsTerminal checks if an error indicates the execution already finished.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrExecutionTerminal)
}

// IsNotFound checks if an error indicates an unknown execution.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrExecutionNotFound)
}

// IsHandlerError checks if an error is a HandlerError.
func IsHandlerError(err error) bool {
	var target *HandlerError

	return errors.As(err, &target)
}

// IsStoreError checks if an error is a StoreError.
func IsStoreError(err error) bool {
	var target *StoreError

	return errors.As(err, &target)
}

// IsTransportError checks if an error is a TransportError.
func IsTransportError(err error) bool {
	return dispatcher.IsTransportError(err)
}

// IsBenign reports errors that are absorbed as discards: the message carrying them is
// acknowledged and nothing changes.
func IsBenign(err error) bool {
	return IsStaleResponse(err) || IsConflict(err) || IsTerminal(err)
}

// storeError classifies an error returned by the execution repository.
func storeError(op, executionID string, stepIndex int, err error) error {
	switch {
	case persistence.IsExecutionNotFound(err):
		return &NotFoundError{ExecutionID: executionID}
	case persistence.IsVersionConflict(err):
		return &ConflictError{ExecutionID: executionID, StepIndex: stepIndex}
	default:
		return &StoreError{Op: op, ExecutionID: executionID, Err: err}
	}
}
