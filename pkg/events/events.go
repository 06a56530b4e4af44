// Package events defines the messages exchanged over the transport: start requests, step
// requests and responses, and execution lifecycle notifications.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type EventType string

// Topics.
const (
	StartTopic     = "sequencer.starts"     // Start requests addressed to the engine
	ResponseTopic  = "sequencer.responses"  // Step responses addressed to the engine
	ExecutionTopic = "sequencer.executions" // Execution lifecycle notifications
)

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"
const ReplyToMetadataKey = "reply_to"

// TopicMetadataKey is set on delivery to the topic the message was consumed from.
const TopicMetadataKey = "topic"

const (
	// Protocol messages.
	StartRequestedEvent EventType = "execution.start_requested"
	StepRequestedEvent  EventType = "step.requested"
	StepRespondedEvent  EventType = "step.responded"

	// Execution lifecycle events.
	ExecutionStartedEvent   EventType = "execution.started"
	ExecutionAdvancedEvent  EventType = "execution.advanced"
	ExecutionCompletedEvent EventType = "execution.completed"
	ExecutionFailedEvent    EventType = "execution.failed"
	ResponseDiscardedEvent  EventType = "response.discarded"
)

// ErrUnknownEventType is returned by Decode for event types it cannot materialize.
var ErrUnknownEventType = errors.New("unknown event type")

// StartRequest asks the engine to start a new execution. ExecutionID is optional.
type StartRequest struct {
	ExecutionID  string         `json:"executionId,omitempty"`
	DefinitionID string         `json:"definitionId"          validate:"required"`
	Input        map[string]any `json:"input"`
}

func (s StartRequest) GetType() EventType {
	return StartRequestedEvent
}

// StepRequest is sent from the engine to a task handler.
type StepRequest struct {
	ExecutionID string         `json:"executionId"`
	StepID      string         `json:"stepId"`
	Payload     map[string]any `json:"payload"`
}

func (s StepRequest) GetType() EventType {
	return StepRequestedEvent
}

// StepError is the explicit error a task handler reports instead of a payload.
type StepError struct {
	Message string `json:"message"`
}

// StepResponse is sent from a task handler back to the engine. Exactly one of Payload or
// Error is meaningful; a non-nil Error wins. Payload is always written, so an empty object
// stays distinguishable from a missing one.
type StepResponse struct {
	ExecutionID string         `json:"executionId"     validate:"required"`
	StepID      string         `json:"stepId"          validate:"required"`
	Payload     map[string]any `json:"payload"`
	Error       *StepError     `json:"error,omitempty"`
}

func (s StepResponse) GetType() EventType {
	return StepRespondedEvent
}

type BaseEvent struct {
	ID           string    `json:"id"`
	Type         EventType `json:"type"`
	Timestamp    time.Time `json:"timestamp"`
	ExecutionID  string    `json:"execution_id"`
	DefinitionID string    `json:"definition_id"`
}

type ExecutionStarted struct {
	BaseEvent

	StepID string `json:"step_id"`
}

func (e ExecutionStarted) GetType() EventType {
	return ExecutionStartedEvent
}

type ExecutionAdvanced struct {
	BaseEvent

	StepIndex int    `json:"step_index"`
	StepID    string `json:"step_id"`
}

func (e ExecutionAdvanced) GetType() EventType {
	return ExecutionAdvancedEvent
}

type ExecutionCompleted struct {
	BaseEvent

	Output     map[string]any `json:"output"`
	DurationMs int64          `json:"duration_ms"`
}

func (e ExecutionCompleted) GetType() EventType {
	return ExecutionCompletedEvent
}

type ExecutionFailed struct {
	BaseEvent

	StepID     string `json:"step_id"`
	Kind       string `json:"kind"`
	Error      string `json:"error"`
	DurationMs int64  `json:"duration_ms"`
}

func (e ExecutionFailed) GetType() EventType {
	return ExecutionFailedEvent
}

// ResponseDiscarded reports a response that was acknowledged without effect.
type ResponseDiscarded struct {
	BaseEvent

	StepID string `json:"step_id"`
	Reason string `json:"reason"`
}

func (e ResponseDiscarded) GetType() EventType {
	return ResponseDiscardedEvent
}

func NewBaseEvent(eventType EventType, executionID, definitionID string) BaseEvent {
	return BaseEvent{
		ID:           uuid.New().String(),
		Type:         eventType,
		Timestamp:    time.Now().UTC(),
		ExecutionID:  executionID,
		DefinitionID: definitionID,
	}
}

// Decode unmarshals payload into the concrete type registered for eventType.
func Decode(eventType EventType, payload []byte) (any, error) {
	var event any

	switch eventType {
	case StartRequestedEvent:
		event = &StartRequest{}
	case StepRequestedEvent:
		event = &StepRequest{}
	case StepRespondedEvent:
		event = &StepResponse{}
	case ExecutionStartedEvent:
		event = &ExecutionStarted{}
	case ExecutionAdvancedEvent:
		event = &ExecutionAdvanced{}
	case ExecutionCompletedEvent:
		event = &ExecutionCompleted{}
	case ExecutionFailedEvent:
		event = &ExecutionFailed{}
	case ResponseDiscardedEvent:
		event = &ResponseDiscarded{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, eventType)
	}

	err := json.Unmarshal(payload, event)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s event: %w", eventType, err)
	}

	return event, nil
}
