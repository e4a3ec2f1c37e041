// Package eventbus carries flowrun's domain events between the api, workers and
// external agents: container run/delete requests, notification requests and
// execution lifecycle events.
package eventbus

import (
	"context"

	"github.com/dukex/flowrun/pkg/events"
)

// Event is any value of the events package; its type selects the handler.
type Event interface {
	GetType() events.EventType
}

// EventPublisher publishes on events.Topic. Key groups related events, usually the
// execution id, so a partitioned transport keeps them in order.
type EventPublisher interface {
	Publish(ctx context.Context, key string, event Event) error
}

// EventSubscriber routes decoded events to one handler per type. Handlers are
// registered before Subscribe.
type EventSubscriber interface {
	Handle(eventType events.EventType, handler EventHandler) error
	Subscribe(ctx context.Context) error
}

// EventHandler receives a pointer to the decoded event, e.g. *events.NotificationRequested.
// A returned error nacks the message.
type EventHandler func(ctx context.Context, event any) error

type EventBus interface {
	EventPublisher
	EventSubscriber
	Close() error
	GenerateID() string
}
