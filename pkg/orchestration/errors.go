package orchestration

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidDefinition is wrapped by every ValidationError.
	ErrInvalidDefinition = errors.New("invalid definition")

	// ErrDefinitionNotFound indicates no definition is registered under the given id.
	ErrDefinitionNotFound = errors.New("definition not found")
)

// ValidationError reports a definition, routing table or input that cannot be used.
type ValidationError struct {
	DefinitionID string
	Message      string
}

func (e *ValidationError) Error() string {
	if e.DefinitionID == "" {
		return "validation failed: " + e.Message
	}

	return fmt.Sprintf("validation failed for definition %s: %s", e.DefinitionID, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidDefinition
}

func NewValidationError(definitionID, message string) *ValidationError {
	return &ValidationError{DefinitionID: definitionID, Message: message}
}

// IsValidationError checks if an error is a ValidationError.
func IsValidationError(err error) bool {
	var target *ValidationError

	return errors.As(err, &target)
}

// IsDefinitionNotFound checks if an error indicates an unknown definition.
func IsDefinitionNotFound(err error) bool {
	return errors.Is(err, ErrDefinitionNotFound)
}
