// Package main provides the flowrun worker, which steps workflow executions.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/dukex/flowrun/pkg/cmd"
	"github.com/dukex/flowrun/pkg/log"
	"github.com/dukex/flowrun/pkg/scheduler"
	"github.com/dukex/flowrun/pkg/workflow"
	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"
)

func main() {
	command := &cli.Command{
		Name:                  "flowrun-worker",
		EnableShellCompletion: true,
		Usage:                 "Start a worker to step workflow executions",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "worker-id",
				Aliases: []string{"id"},
				Usage:   "Custom worker ID (auto-generated if not provided)",
				Sources: cli.EnvVars("WORKER_ID"),
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
				Usage:   "Redis URL for the redis queue and container state store",
				Sources: cli.EnvVars("REDIS_URL"),
			},
			&cli.StringFlag{
				Name:    "container-state-store",
				Usage:   "Container state store (memory, redis)",
				Value:   cmd.StateStoreMemory,
				Sources: cli.EnvVars("CONTAINER_STATE_STORE"),
			},
			&cli.StringFlag{
				Name:    "queue-name",
				Usage:   "Shared queue served by this worker",
				Value:   scheduler.DefaultQueueName,
				Sources: cli.EnvVars("QUEUE_NAME"),
			},
			&cli.StringFlag{
				Name:    "zone",
				Usage:   "Zone served by this worker",
				Sources: cli.EnvVars("ZONE"),
			},
			&cli.StringFlag{
				Name:    "role",
				Usage:   "Role served by this worker",
				Sources: cli.EnvVars("ROLE"),
			},
			&cli.StringFlag{
				Name:     "encryption-key",
				Usage:    "Base64 secretbox key for credentials",
				Required: true,
				Sources:  cli.EnvVars("ENCRYPTION_KEY"),
			},
			&cli.DurationFlag{
				Name:    "poll-interval",
				Usage:   "Fallback continuation delay for asynchronous tasks",
				Value:   workflow.DefaultPollInterval,
				Sources: cli.EnvVars("POLL_INTERVAL"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Export step spans over OTLP/HTTP",
				Sources: cli.EnvVars("TRACING_ENABLED"),
			},
			&cli.FloatFlag{
				Name:    "trace-sample-ratio",
				Usage:   "Fraction of root step spans to sample",
				Value:   1,
				Sources: cli.EnvVars("TRACE_SAMPLE_RATIO"),
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

			workerID := command.String("worker-id")
			if workerID == "" {
				workerID = "worker-" + uuid.New().String()[:8]
			}

			logger := log.WithModule("flowrun-worker").With("worker_id", workerID)
			logger.InfoContext(ctx, "Initializing flowrun worker")

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			worker, err := NewWorkerManager(ctx, Config{
				WorkerID:      workerID,
				DatabaseURL:   command.String("database-url"),
				EventBus:      command.String("event-bus"),
				KafkaBrokers:  command.String("kafka-brokers"),
				Queue:         command.String("queue"),
				RedisURL:      command.String("redis-url"),
				StateStore:    command.String("container-state-store"),
				QueueName:     command.String("queue-name"),
				Zone:          command.String("zone"),
				Role:          command.String("role"),
				EncryptionKey: command.String("encryption-key"),
				PollInterval:  command.Duration("poll-interval"),
				Tracing:       command.Bool("tracing"),
				SampleRatio:   command.Float("trace-sample-ratio"),
			}, logger)
			if err != nil {
				return err
			}

			defer func() {
				err := worker.Close(context.WithoutCancel(ctx))
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close worker", "error", err)
				}
			}()

			return worker.Start(ctx)
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
