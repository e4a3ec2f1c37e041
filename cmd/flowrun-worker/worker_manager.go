package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/flowrun/pkg/builtin"
	"github.com/dukex/flowrun/pkg/cmd"
	"github.com/dukex/flowrun/pkg/correlator"
	"github.com/dukex/flowrun/pkg/credentials"
	"github.com/dukex/flowrun/pkg/eventbus"
	"github.com/dukex/flowrun/pkg/notify"
	"github.com/dukex/flowrun/pkg/otelhelper"
	"github.com/dukex/flowrun/pkg/persistence"
	"github.com/dukex/flowrun/pkg/runners/container"
	"github.com/dukex/flowrun/pkg/scheduler"
	"github.com/dukex/flowrun/pkg/secrets"
	"github.com/dukex/flowrun/pkg/services"
	"github.com/dukex/flowrun/pkg/statemachine"
	"github.com/dukex/flowrun/pkg/workflow"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

const (
	// Every worker sees every container event: correlations live in worker memory.
	containerGroupPrefix = "flowrun-containers-"
	// Notifications are shared between workers, each one delivered once.
	notificationGroup = "flowrun-notifications"
)

// Config is the worker configuration, filled from flags and environment.
type Config struct {
	WorkerID      string
	DatabaseURL   string
	EventBus      string
	KafkaBrokers  string
	Queue         string
	RedisURL      string
	StateStore    string
	QueueName     string
	Zone          string
	Role          string
	EncryptionKey string
	PollInterval  time.Duration
	Tracing       bool
	SampleRatio   float64
}

// Queues lists the scheduler queues the worker consumes: its affinity queue and the
// shared queue of its zone and role.
func (c Config) Queues() []string {
	return []string{
		scheduler.AffinityQueue(c.WorkerID),
		scheduler.QueueFor(c.QueueName, c.Zone, c.Role),
	}
}

type WorkerManager struct {
	id     string
	logger *slog.Logger
	queues []string

	persistence persistence.Persistence
	transport   *cmd.Transport
	redis       *redis.Client
	eventBus    *eventbus.WatermillEventBus
	queue       scheduler.Queue
	dispatcher  *scheduler.Dispatcher
	registry    *correlator.Registry
	watcher     *correlator.Watcher

	Service  *services.Workflow
	Executor *workflow.Executor

	closers []func(ctx context.Context) error
}

// NewWorkerManager builds every component of a worker process. Close releases what was
// built even when construction fails half way.
func NewWorkerManager(ctx context.Context, config Config, logger *slog.Logger) (_ *WorkerManager, err error) {
	w := &WorkerManager{
		id:     config.WorkerID,
		logger: logger.With("module", "flowrun-worker", "worker_id", config.WorkerID),
		queues: config.Queues(),
	}

	defer func() {
		if err != nil {
			_ = w.Close(ctx)
		}
	}()

	box, err := secrets.NewBoxFromBase64(config.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: %w", err)
	}

	w.persistence, err = cmd.NewPersistence(ctx, logger, config.DatabaseURL)
	if err != nil {
		return nil, err
	}

	w.closers = append(w.closers, w.persistence.Close)

	if config.RedisURL != "" {
		w.redis, err = cmd.NewRedisClient(config.RedisURL)
		if err != nil {
			return nil, err
		}

		w.closers = append(w.closers, func(context.Context) error { return w.redis.Close() })
	}

	w.transport, err = cmd.NewTransport(config.EventBus, config.KafkaBrokers, logger)
	if err != nil {
		return nil, err
	}

	w.closers = append(w.closers, func(context.Context) error { return w.transport.Close() })

	w.eventBus, err = cmd.NewEventBus(w.transport, notificationGroup, logger)
	if err != nil {
		return nil, err
	}

	w.closers = append(w.closers, func(context.Context) error { return w.eventBus.Close() })

	w.queue, err = cmd.NewQueue(config.Queue, w.transport, w.redis, logger)
	if err != nil {
		return nil, err
	}

	w.closers = append(w.closers, func(context.Context) error { return w.queue.Close() })

	stateStore, err := cmd.NewStateStore(config.StateStore, w.redis)
	if err != nil {
		return nil, err
	}

	containerEvents, err := w.transport.Subscriber(containerGroupPrefix + config.WorkerID)
	if err != nil {
		return nil, err
	}

	w.closers = append(w.closers, func(context.Context) error { return containerEvents.Close() })

	tasks := w.persistence.TaskRepository()
	builtins := builtin.NewDispatcher(logger)
	runners := cmd.NewRegistry(logger, builtins, container.NewRunner(logger, w.eventBus, stateStore, box))
	interpreters := statemachine.NewFactory(runners)
	w.registry = correlator.NewRegistry()

	options := []workflow.Option{
		workflow.WithEventPublisher(w.eventBus),
		workflow.WithPollInterval(config.PollInterval),
	}

	if config.Tracing {
		tracer, shutdown, err := otelhelper.NewTracer(ctx, otelhelper.TracerConfig{
			ServiceName: "flowrun-worker",
			InstanceID:  config.WorkerID,
			SampleRatio: config.SampleRatio,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to start tracer: %w", err)
		}

		w.closers = append(w.closers, shutdown)
		options = append(options, workflow.WithObserver(
			otelhelper.NewStepObserver(tracer, attribute.String(otelhelper.WorkerIDKey, config.WorkerID)),
		))
	}

	resolver := credentials.NewResolver(credentials.NewAuthenticationStore(w.persistence.AuthenticationRepository(), box), box, logger)
	w.Executor = workflow.NewExecutor(logger, w.persistence.ExecutionRepository(), tasks, interpreters, resolver, w.registry, w.queue, options...)
	w.Service = services.NewWorkflow(logger, w.persistence, interpreters, w.Executor, box, services.WithEventPublisher(w.eventBus))

	cmd.RegisterBuiltins(builtins, notify.NewEventBusNotifier(logger, w.eventBus, tasks), w.Service, tasks)

	w.dispatcher = scheduler.NewDispatcher(logger)
	w.Executor.RegisterHandlers(w.dispatcher)

	w.watcher = correlator.NewWatcher(logger, container.NewEventSource(logger, containerEvents, stateStore), container.Kind, w.registry, w.Executor.Continue)

	deliverer := notify.NewDeliverer(logger, notify.LogSender{Logger: logger}, tasks)

	err = deliverer.Register(w.eventBus)
	if err != nil {
		return nil, err
	}

	return w, nil
}

// Start runs the worker until ctx is cancelled.
func (w *WorkerManager) Start(ctx context.Context) error {
	w.logger.InfoContext(ctx, "Starting worker manager", "queues", w.queues)

	err := w.eventBus.Subscribe(ctx)
	if err != nil {
		w.logger.ErrorContext(ctx, "Failed to subscribe to event bus", "error", err)

		return err
	}

	w.watcher.Start(ctx)
	defer w.watcher.Stop()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return w.queue.Consume(ctx, w.queues, w.dispatcher.Handle)
	})

	w.logger.InfoContext(ctx, "Worker started successfully")

	err = group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	w.logger.InfoContext(ctx, "Shutting down worker...")

	return nil
}

// Close releases the components in reverse construction order.
func (w *WorkerManager) Close(ctx context.Context) error {
	var errs []error

	for i := len(w.closers) - 1; i >= 0; i-- {
		errs = append(errs, w.closers[i](ctx))
	}

	w.closers = nil

	return errors.Join(errs...)
}
