// Package eventbus provides the message transport between the engine and task handlers.
package eventbus

import (
	"context"

	"github.com/dukex/sequencer/pkg/events"
)

type Event interface {
	GetType() events.EventType
}

// Metadata carries transport headers alongside an event, such as the reply address of a step
// request.
type Metadata map[string]string

type EventPublisher interface {
	Publish(ctx context.Context, topic string, key string, event Event, metadata Metadata) error
}

type EventSubscriber interface {
	Handle(eventType events.EventType, handler EventHandler) error
	Subscribe(ctx context.Context, topic string) error
}

// EventHandler processes a decoded event. Returning an error nacks the message so the
// transport redelivers it.
type EventHandler func(ctx context.Context, event any, metadata Metadata) error

type EventBus interface {
	EventPublisher
	EventSubscriber
	Close() error
	GenerateID() string
}
