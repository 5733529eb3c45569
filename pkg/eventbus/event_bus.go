// Package eventbus provides event-driven communication infrastructure for
// execution progress broadcast. The engine publishes without knowledge of
// subscribers; transports are pluggable (in-process channel or Kafka).
package eventbus

import (
	"context"

	"github.com/loomhq/loom/pkg/events"
)

type Event interface {
	GetType() events.EventType
}

type EventPublisher interface {
	Publish(ctx context.Context, key string, event Event) error
}

type EventHandler func(ctx context.Context, event any) error

type EventSubscriber interface {
	Handle(eventType events.EventType, handler EventHandler)
	Subscribe(ctx context.Context) error
}

type EventBus interface {
	EventPublisher
	EventSubscriber
	Close() error
	GenerateID() string
}
