package container

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/dukex/flowrun/pkg/events"
	"github.com/dukex/flowrun/pkg/protocol"
)

var ErrSubscriptionClosed = errors.New("resource subscription closed")

// EventSource implements protocol.ResourceEventSource over the resource topic. Every
// report is recorded in the StateStore before the handler sees it.
type EventSource struct {
	logger     *slog.Logger
	subscriber message.Subscriber
	store      StateStore
}

func NewEventSource(logger *slog.Logger, subscriber message.Subscriber, store StateStore) *EventSource {
	return &EventSource{
		logger:     logger.With("module", "container_events"),
		subscriber: subscriber,
		store:      store,
	}
}

func (s *EventSource) Subscribe(ctx context.Context, kind string, handler protocol.ResourceEventHandler) error {
	messages, err := s.subscriber.Subscribe(ctx, events.ResourceTopic(kind))
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}

				return ErrSubscriptionClosed
			}

			s.process(ctx, msg, handler)
		}
	}
}

func (s *EventSource) process(ctx context.Context, msg *message.Message, handler protocol.ResourceEventHandler) {
	var changed events.ContainerStateChanged

	err := json.Unmarshal(msg.Payload, &changed)
	if err != nil || changed.ContainerRef == "" {
		s.logger.WarnContext(ctx, "Dropping malformed resource event", "message_id", msg.UUID, "error", err)
		msg.Ack()

		return
	}

	err = s.store.Put(ctx, changed.ContainerRef, State{
		State:     changed.State,
		ExitCode:  changed.ExitCode,
		Output:    changed.Output,
		UpdatedAt: changed.Timestamp,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to record container state", "container_ref", changed.ContainerRef, "error", err)
		msg.Nack()

		return
	}

	metadata := map[string]any{RunnerContextContainerRef: changed.ContainerRef}
	if changed.ExitCode != nil {
		metadata["exit_code"] = *changed.ExitCode
	}

	handler(ctx, protocol.ResourceEvent{
		Type:          changed.State,
		CorrelationID: changed.CorrelationID,
		Metadata:      metadata,
	})

	msg.Ack()
}

// ReportState publishes a state change on the resource topic. Container agents use it
// to report back to the workers.
func ReportState(publisher message.Publisher, changed events.ContainerStateChanged) error {
	if changed.ID == "" {
		changed.BaseEvent = events.NewBaseEvent(events.ContainerStateChangedEvent, "")
	}

	payload, err := json.Marshal(changed)
	if err != nil {
		return err
	}

	msg := message.NewMessage(changed.ID, payload)
	msg.Metadata.Set(events.EventMetadataKey, changed.ContainerRef)
	msg.Metadata.Set(events.EventTypeMetadataKey, string(events.ContainerStateChangedEvent))

	return publisher.Publish(events.ResourceTopic(Kind), msg)
}
