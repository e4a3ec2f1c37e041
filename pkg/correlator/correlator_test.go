package correlator_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dukex/flowrun/pkg/correlator"
	"github.com/dukex/flowrun/pkg/log"
	"github.com/dukex/flowrun/pkg/models"
	"github.com/dukex/flowrun/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	registry := correlator.NewRegistry()

	first := correlator.Registration{ExecutionID: "exec-1", CorrelationID: "corr-1", Routing: models.RoutingHints{Zone: "eu"}}
	second := correlator.Registration{ExecutionID: "exec-2", CorrelationID: "corr-1", Routing: models.RoutingHints{Zone: "us", Role: "gpu"}}

	assert.True(t, registry.Register(first))
	assert.False(t, registry.Register(second))
	assert.Equal(t, 1, registry.Len())

	got, ok := registry.Lookup("corr-1")
	require.True(t, ok)
	assert.Equal(t, "exec-1", got.ExecutionID)
	assert.Equal(t, second.Routing, got.Routing, "routing follows the latest registration")

	assert.True(t, registry.Unregister("corr-1"))
	assert.False(t, registry.Unregister("corr-1"))
	assert.Equal(t, 0, registry.Len())

	_, ok = registry.Lookup("corr-1")
	assert.False(t, ok)
}

func TestRegistry_Concurrent(t *testing.T) {
	registry := correlator.NewRegistry()

	var wg sync.WaitGroup

	for range 50 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			registry.Register(correlator.Registration{CorrelationID: "shared"})
			registry.Lookup("shared")
		}()
	}

	wg.Wait()
	assert.Equal(t, 1, registry.Len())
}

// fakeSource delivers events pushed on a channel and fails the first failures subscriptions.
type fakeSource struct {
	events   chan protocol.ResourceEvent
	mu       sync.Mutex
	failures int
	calls    int
}

func (s *fakeSource) Subscribe(ctx context.Context, _ string, handler protocol.ResourceEventHandler) error {
	s.mu.Lock()
	s.calls++
	fail := s.calls <= s.failures
	s.mu.Unlock()

	if fail {
		return errors.New("broker unavailable")
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event := <-s.events:
			handler(ctx, event)
		}
	}
}

func (s *fakeSource) subscriptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.calls
}

type continuations struct {
	mu    sync.Mutex
	calls []correlator.Registration
}

func (c *continuations) record(_ context.Context, registration correlator.Registration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls = append(c.calls, registration)

	return nil
}

func (c *continuations) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.calls)
}

func TestWatcher_ContinuesMatchingExecutions(t *testing.T) {
	source := &fakeSource{events: make(chan protocol.ResourceEvent)}
	registry := correlator.NewRegistry()
	continued := &continuations{}

	registry.Register(correlator.Registration{ExecutionID: "exec-1", CorrelationID: "corr-1", Routing: models.RoutingHints{Role: "gpu"}})

	watcher := correlator.NewWatcher(log.Discard(), source, "container", registry, continued.record)
	watcher.Start(t.Context())
	defer watcher.Stop()

	source.events <- protocol.ResourceEvent{Type: protocol.ResourceEventRunning, CorrelationID: "corr-1"}
	source.events <- protocol.ResourceEvent{Type: protocol.ResourceEventFinished, CorrelationID: "corr-1"}
	source.events <- protocol.ResourceEvent{Type: protocol.ResourceEventDeleted, CorrelationID: "corr-1"}

	require.Eventually(t, func() bool { return registry.Len() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, continued.count())
	assert.Equal(t, "gpu", continued.calls[0].Routing.Role)
}

func TestWatcher_IgnoresUnknownCorrelationIDs(t *testing.T) {
	source := &fakeSource{events: make(chan protocol.ResourceEvent)}
	registry := correlator.NewRegistry()
	continued := &continuations{}

	registry.Register(correlator.Registration{ExecutionID: "exec-1", CorrelationID: "corr-1"})

	watcher := correlator.NewWatcher(log.Discard(), source, "container", registry, continued.record)
	watcher.Start(t.Context())
	defer watcher.Stop()

	source.events <- protocol.ResourceEvent{Type: protocol.ResourceEventFinished, CorrelationID: "unknown"}
	source.events <- protocol.ResourceEvent{Type: protocol.ResourceEventRunning, CorrelationID: "corr-1"}

	require.Eventually(t, func() bool { return continued.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "exec-1", continued.calls[0].ExecutionID)
	assert.Equal(t, 1, registry.Len())
}

func TestWatcher_RestartsFailedSubscription(t *testing.T) {
	source := &fakeSource{events: make(chan protocol.ResourceEvent), failures: 2}
	registry := correlator.NewRegistry()
	continued := &continuations{}

	registry.Register(correlator.Registration{ExecutionID: "exec-1", CorrelationID: "corr-1"})

	watcher := correlator.NewWatcher(log.Discard(), source, "container", registry, continued.record)
	correlator.SetBackOff(watcher, 5*time.Millisecond)
	watcher.Start(t.Context())
	defer watcher.Stop()

	source.events <- protocol.ResourceEvent{Type: protocol.ResourceEventFinished, CorrelationID: "corr-1"}

	require.Eventually(t, func() bool { return continued.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, source.subscriptions())
}

func TestWatcher_StopDropsRegistrations(t *testing.T) {
	source := &fakeSource{events: make(chan protocol.ResourceEvent)}
	registry := correlator.NewRegistry()

	registry.Register(correlator.Registration{ExecutionID: "exec-1", CorrelationID: "corr-1"})

	watcher := correlator.NewWatcher(log.Discard(), source, "container", registry, (&continuations{}).record)
	watcher.Start(t.Context())
	watcher.Stop()
	watcher.Stop()

	assert.Equal(t, 0, registry.Len())
}
