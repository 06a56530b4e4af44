package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/dukex/sequencer/pkg/events"
)

// ErrNoTopic is returned when publishing or subscribing without a topic.
var ErrNoTopic = errors.New("topic is required")

type WatermillEventBus struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	logger     *slog.Logger

	mu            sync.RWMutex
	subscriptions map[events.EventType]EventHandler
}

func NewWatermillEventBus(pub message.Publisher, sub message.Subscriber, logger *slog.Logger) *WatermillEventBus {
	return &WatermillEventBus{
		publisher:     pub,
		subscriber:    sub,
		logger:        logger.With("module", "event_bus"),
		subscriptions: make(map[events.EventType]EventHandler),
	}
}

func (eb *WatermillEventBus) GenerateID() string {
	return watermill.NewULID()
}

func (eb *WatermillEventBus) Publish(ctx context.Context, topic string, key string, event Event, metadata Metadata) error {
	if topic == "" {
		return ErrNoTopic
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", event.GetType(), err)
	}

	msg := message.NewMessage("msg-"+eb.GenerateID(), payload)
	msg.SetContext(ctx)

	for k, v := range metadata {
		msg.Metadata.Set(k, v)
	}

	msg.Metadata.Set(events.EventMetadataKey, key)
	msg.Metadata.Set(events.EventTypeMetadataKey, string(event.GetType()))

	err = eb.publisher.Publish(topic, msg)
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}

	return nil
}

// Subscribe starts consuming topic in the background until ctx is done. Messages without a
// handler, with an unknown type or an undecodable payload are acked and logged: redelivering
// them can never succeed. Handler errors nack.
func (eb *WatermillEventBus) Subscribe(ctx context.Context, topic string) error {
	if topic == "" {
		return ErrNoTopic
	}

	messages, err := eb.subscriber.Subscribe(ctx, topic)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	go func() {
		for msg := range messages {
			eb.process(ctx, topic, msg)
		}
	}()

	return nil
}

func (eb *WatermillEventBus) process(ctx context.Context, topic string, msg *message.Message) {
	eventType := events.EventType(msg.Metadata.Get(events.EventTypeMetadataKey))
	logger := eb.logger.With("topic", topic, "message_id", msg.UUID, "event_type", eventType)

	eb.mu.RLock()
	handler, exists := eb.subscriptions[eventType]
	eb.mu.RUnlock()

	if !exists {
		logger.DebugContext(ctx, "no handler for event type, skipping")
		msg.Ack()

		return
	}

	event, err := events.Decode(eventType, msg.Payload)
	if err != nil {
		logger.ErrorContext(ctx, "dropping undecodable message", "error", err)
		msg.Ack()

		return
	}

	metadata := make(Metadata, len(msg.Metadata))
	for k, v := range msg.Metadata {
		metadata[k] = v
	}

	metadata[events.TopicMetadataKey] = topic

	err = handler(ctx, event, metadata)
	if err != nil {
		logger.WarnContext(ctx, "handler failed, message will be redelivered", "error", err)
		msg.Nack()

		return
	}

	msg.Ack()
}

func (eb *WatermillEventBus) Handle(eventType events.EventType, handler EventHandler) error {
	if handler == nil {
		return fmt.Errorf("nil handler for %s", eventType)
	}

	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscriptions[eventType] = handler

	return nil
}

func (eb *WatermillEventBus) Close() error {
	err := eb.publisher.Close()
	if err != nil {
		return err
	}

	return eb.subscriber.Close()
}
