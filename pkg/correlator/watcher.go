package correlator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dukex/flowrun/pkg/protocol"
)

// ContinueFunc schedules the next step of a registered execution.
type ContinueFunc func(ctx context.Context, registration Registration) error

// Watcher consumes resource events of one kind and continues the matching executions.
type Watcher struct {
	logger   *slog.Logger
	source   protocol.ResourceEventSource
	kind     string
	registry *Registry
	onEvent  ContinueFunc

	// newBackOff is replaceable in tests.
	newBackOff func() backoff.BackOff

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewWatcher(logger *slog.Logger, source protocol.ResourceEventSource, kind string, registry *Registry, onEvent ContinueFunc) *Watcher {
	return &Watcher{
		logger:   logger.With("module", "correlator", "kind", kind),
		source:   source,
		kind:     kind,
		registry: registry,
		onEvent:  onEvent,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = time.Minute
			b.MaxElapsedTime = 0

			return b
		},
	}
}

// Start launches the watch goroutine. Calling Start on a running watcher is a no-op.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancel != nil {
		return
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})

	go w.run(ctx, w.done)
}

// Stop ends the watch goroutine and drops all registrations. Executions that were
// waiting continue through their fallback poll.
func (w *Watcher) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	<-done

	w.registry.Clear()
}

func (w *Watcher) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	b := w.newBackOff()

	for {
		received := false

		err := w.source.Subscribe(ctx, w.kind, func(ctx context.Context, event protocol.ResourceEvent) {
			received = true

			w.handle(ctx, event)
		})
		if ctx.Err() != nil {
			return
		}

		if received {
			b.Reset()
		}

		wait := b.NextBackOff()
		w.logger.ErrorContext(ctx, "Resource subscription ended, restarting", "error", err, "retry_in", wait)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (w *Watcher) handle(ctx context.Context, event protocol.ResourceEvent) {
	registration, ok := w.registry.Lookup(event.CorrelationID)
	if !ok {
		return
	}

	logger := w.logger.With("correlation_id", event.CorrelationID, "execution_id", registration.ExecutionID, "event", event.Type)

	if event.IsTerminal() {
		w.registry.Unregister(event.CorrelationID)
	}

	err := w.onEvent(ctx, registration)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to continue execution", "error", err)

		return
	}

	logger.DebugContext(ctx, "Continued execution on resource event")
}
