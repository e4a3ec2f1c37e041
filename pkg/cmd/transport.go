// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	gochannelchannel "github.com/dukex/flowrun/pkg/channels/gochannel"
	kafkachannel "github.com/dukex/flowrun/pkg/channels/kafka"
)

const (
	TransportKafka  = "kafka"
	TransportMemory = "memory"
)

var ErrUnsupportedProvider = errors.New("unsupported provider")

// Transport owns the process publisher and opens one subscriber per consumer group.
// The memory transport only connects components of the same process.
type Transport struct {
	provider string
	logger   watermill.LoggerAdapter
	brokers  []string
	memory   *gochannel.GoChannel

	Publisher message.Publisher
}

func NewTransport(provider, brokers string, logger *slog.Logger) (*Transport, error) {
	transport := &Transport{
		provider: provider,
		logger:   watermill.NewSlogLogger(logger),
		brokers:  kafkachannel.ParseBrokers(brokers),
	}

	switch provider {
	case TransportKafka:
		publisher, err := kafkachannel.NewPublisher(transport.logger, transport.brokers)
		if err != nil {
			return nil, fmt.Errorf("failed to create Kafka publisher: %w", err)
		}

		transport.Publisher = publisher
	case TransportMemory:
		pubSub, _, err := gochannelchannel.CreateChannel(transport.logger)
		if err != nil {
			return nil, err
		}

		transport.memory = pubSub
		transport.Publisher = pubSub
	default:
		return nil, fmt.Errorf("%w: event bus %q", ErrUnsupportedProvider, provider)
	}

	return transport, nil
}

// Subscriber returns a subscriber in consumer group group. Every group receives every
// message once; subscribers sharing a group split the messages.
func (t *Transport) Subscriber(group string) (message.Subscriber, error) {
	if t.memory != nil {
		return t.memory, nil
	}

	subscriber, err := kafkachannel.NewSubscriber(t.logger, t.brokers, group)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka subscriber %s: %w", group, err)
	}

	return subscriber, nil
}

func (t *Transport) Close() error {
	return t.Publisher.Close()
}
