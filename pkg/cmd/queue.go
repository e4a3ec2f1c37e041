package cmd

import (
	"fmt"
	"log/slog"

	"github.com/dukex/flowrun/pkg/runners/container"
	"github.com/dukex/flowrun/pkg/scheduler"
	"github.com/redis/go-redis/v9"
)

const (
	QueueRedis     = "redis"
	QueueWatermill = "watermill"

	StateStoreRedis  = "redis"
	StateStoreMemory = "memory"

	schedulerConsumerGroup = "flowrun-scheduler"
)

// NewRedisClient parses a redis:// URL.
func NewRedisClient(redisURL string) (*redis.Client, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	return redis.NewClient(options), nil
}

// NewQueue creates the task scheduler queue. The watermill queue rides on the transport,
// the redis queue on its own client.
func NewQueue(provider string, transport *Transport, redisClient redis.UniversalClient, logger *slog.Logger) (scheduler.Queue, error) {
	switch provider {
	case QueueRedis:
		if redisClient == nil {
			return nil, fmt.Errorf("%w: redis queue needs a redis url", ErrUnsupportedProvider)
		}

		return scheduler.NewRedisQueue(logger, redisClient), nil
	case QueueWatermill:
		subscriber, err := transport.Subscriber(schedulerConsumerGroup)
		if err != nil {
			return nil, err
		}

		return scheduler.NewWatermillQueue(logger, transport.Publisher, subscriber), nil
	default:
		return nil, fmt.Errorf("%w: queue %q", ErrUnsupportedProvider, provider)
	}
}

// NewStateStore creates the store of reported container states.
func NewStateStore(provider string, redisClient redis.UniversalClient) (container.StateStore, error) {
	switch provider {
	case StateStoreRedis:
		if redisClient == nil {
			return nil, fmt.Errorf("%w: redis state store needs a redis url", ErrUnsupportedProvider)
		}

		return container.NewRedisStateStore(redisClient), nil
	case StateStoreMemory, "":
		return container.NewMemoryStateStore(), nil
	default:
		return nil, fmt.Errorf("%w: state store %q", ErrUnsupportedProvider, provider)
	}
}
