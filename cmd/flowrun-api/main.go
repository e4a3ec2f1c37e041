// Package main provides the flowrun API server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/dukex/flowrun/pkg/cmd"
	"github.com/dukex/flowrun/pkg/correlator"
	"github.com/dukex/flowrun/pkg/credentials"
	"github.com/dukex/flowrun/pkg/log"
	"github.com/dukex/flowrun/pkg/registry"
	"github.com/dukex/flowrun/pkg/secrets"
	"github.com/dukex/flowrun/pkg/services"
	"github.com/dukex/flowrun/pkg/statemachine"
	"github.com/dukex/flowrun/pkg/workflow"
	"github.com/redis/go-redis/v9"
	cli "github.com/urfave/cli/v3"
)

const defaultPort = 9091

func main() {
	logger := log.WithModule("flowrun-api")

	command := &cli.Command{
		Name:                  "flowrun-api",
		Usage:                 "Create workflow definitions and start executions",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence (postgres:// or a file path)",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (kafka, memory)",
				Value:   cmd.TransportKafka,
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "kafka-brokers",
				Usage:   "Comma separated Kafka brokers",
				Value:   "localhost:9092",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
			&cli.StringFlag{
				Name:    "queue",
				Usage:   "Scheduler queue type (watermill, redis)",
				Value:   cmd.QueueWatermill,
				Sources: cli.EnvVars("QUEUE_TYPE"),
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Redis URL for the redis queue",
				Sources: cli.EnvVars("REDIS_URL"),
			},
			&cli.StringFlag{
				Name:     "encryption-key",
				Usage:    "Base64 secretbox key for credentials",
				Required: true,
				Sources:  cli.EnvVars("ENCRYPTION_KEY"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "Log format (text, json)",
				Value:   "text",
				Sources: cli.EnvVars("LOG_FORMAT"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"), command.String("log-format"))

			logger.InfoContext(ctx, "Initializing flowrun API")

			closers, api, err := build(ctx, logger, command)

			defer func() {
				for i := len(closers) - 1; i >= 0; i-- {
					err := closers[i]()
					if err != nil {
						logger.ErrorContext(ctx, "Failed to close component", "error", err)
					}
				}
			}()

			if err != nil {
				return err
			}

			return api.Start(command.Int("port"))
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}

// build wires the API. The returned closers are valid even when err is not nil.
func build(ctx context.Context, logger *slog.Logger, command *cli.Command) ([]func() error, *API, error) {
	var closers []func() error

	box, err := secrets.NewBoxFromBase64(command.String("encryption-key"))
	if err != nil {
		return closers, nil, fmt.Errorf("invalid encryption key: %w", err)
	}

	store, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
	if err != nil {
		return closers, nil, err
	}

	closers = append(closers, func() error { return store.Close(ctx) })

	var redisClient *redis.Client

	if url := command.String("redis-url"); url != "" {
		redisClient, err = cmd.NewRedisClient(url)
		if err != nil {
			return closers, nil, err
		}

		closers = append(closers, redisClient.Close)
	}

	transport, err := cmd.NewTransport(command.String("event-bus"), command.String("kafka-brokers"), logger)
	if err != nil {
		return closers, nil, err
	}

	closers = append(closers, transport.Close)

	queue, err := cmd.NewQueue(command.String("queue"), transport, redisClient, logger)
	if err != nil {
		return closers, nil, err
	}

	closers = append(closers, queue.Close)

	// The API only creates executions; stepping them is the workers' job.
	runners := registry.NewRegistry(logger)
	interpreters := statemachine.NewFactory(runners)
	resolver := credentials.NewResolver(credentials.NewAuthenticationStore(store.AuthenticationRepository(), box), box, logger)
	executor := workflow.NewExecutor(logger, store.ExecutionRepository(), store.TaskRepository(), interpreters, resolver, correlator.NewRegistry(), queue)

	eventBus, err := cmd.NewEventBus(transport, "flowrun-api", logger)
	if err != nil {
		return closers, nil, err
	}

	closers = append(closers, eventBus.Close)

	service := services.NewWorkflow(logger, store, interpreters, executor, box, services.WithEventPublisher(eventBus))

	return closers, NewAPI(logger, service, runners), nil
}
