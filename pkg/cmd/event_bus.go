package cmd

import (
	"log/slog"

	"github.com/dukex/flowrun/pkg/eventbus"
)

// NewEventBus creates the lifecycle event bus. Processes subscribing with the same
// group share the events between them.
func NewEventBus(transport *Transport, group string, logger *slog.Logger) (*eventbus.WatermillEventBus, error) {
	subscriber, err := transport.Subscriber(group)
	if err != nil {
		return nil, err
	}

	return eventbus.NewWatermillEventBus(logger, transport.Publisher, subscriber), nil
}
