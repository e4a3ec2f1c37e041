package scheduler_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/flowrun/pkg/channels/gochannel"
	"github.com/dukex/flowrun/pkg/log"
	"github.com/dukex/flowrun/pkg/scheduler"
	"github.com/dukex/flowrun/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmission_Queue(t *testing.T) {
	tests := []struct {
		name       string
		submission scheduler.Submission
		want       string
	}{
		{name: "default", submission: scheduler.Submission{}, want: "generic"},
		{name: "zone", submission: scheduler.Submission{Zone: "eu"}, want: "generic.eu"},
		{name: "zone and role", submission: scheduler.Submission{Zone: "eu", Role: "gpu"}, want: "generic.eu.gpu"},
		{name: "named", submission: scheduler.Submission{QueueName: "batch", Role: "gpu"}, want: "batch.gpu"},
		{name: "affinity wins", submission: scheduler.Submission{Zone: "eu", WorkerAffinity: "w-1"}, want: "worker.w-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.submission.Queue())
		})
	}
}

func TestSubmission_Due(t *testing.T) {
	now := time.Now()
	later := now.Add(time.Minute)

	assert.True(t, scheduler.Submission{}.Due(now))
	assert.True(t, scheduler.Submission{DeliverAt: &now}.Due(now))
	assert.False(t, scheduler.Submission{DeliverAt: &later}.Due(now))
}

type recorder struct {
	mu    sync.Mutex
	calls []map[string]any
}

func (r *recorder) handler(message string, err error) scheduler.HandlerFunc {
	return func(_ context.Context, targetID string, args map[string]any) (string, error) {
		r.mu.Lock()
		defer r.mu.Unlock()

		call := map[string]any{"target_id": targetID}
		for key, value := range args {
			call[key] = value
		}

		r.calls = append(r.calls, call)

		return message, err
	}
}

func TestDispatcher_Handle(t *testing.T) {
	callback := &scheduler.Callback{TargetType: "task", TargetID: "task-1", Method: "done", Args: map[string]any{"extra": 1}}

	tests := []struct {
		name      string
		handler   scheduler.HandlerFunc
		method    string
		wantErr   bool
		wantState string
		wantMsg   string
	}{
		{name: "success", method: "step", wantState: scheduler.DeliveryStateOK, wantMsg: "stepped"},
		{name: "handler error", method: "broken", wantErr: true, wantState: scheduler.DeliveryStateError, wantMsg: "boom"},
		{name: "unknown method", method: "missing", wantErr: true, wantState: scheduler.DeliveryStateError},
		{name: "panic", method: "panics", wantErr: true, wantState: scheduler.DeliveryStateError, wantMsg: "handler panicked: oops"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			targets := &recorder{}
			callbacks := &recorder{}

			dispatcher := scheduler.NewDispatcher(log.Discard())
			dispatcher.Register("execution", "step", targets.handler("stepped", nil))
			dispatcher.Register("execution", "broken", targets.handler("", errors.New("boom")))
			dispatcher.Register("execution", "panics", func(context.Context, string, map[string]any) (string, error) {
				panic("oops")
			})
			dispatcher.Register("task", "done", callbacks.handler("", nil))

			err := dispatcher.Handle(t.Context(), scheduler.Submission{
				TargetType:   "execution",
				TargetID:     "exec-1",
				Method:       tt.method,
				OnCompletion: callback,
			})
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}

			require.Len(t, callbacks.calls, 1)
			assert.Equal(t, "task-1", callbacks.calls[0]["target_id"])
			assert.Equal(t, 1, callbacks.calls[0]["extra"])
			assert.Equal(t, tt.wantState, callbacks.calls[0][scheduler.ArgDeliveryState])

			if tt.wantMsg != "" {
				assert.Equal(t, tt.wantMsg, callbacks.calls[0][scheduler.ArgMessage])
			}
		})
	}

	assert.NotContains(t, callback.Args, scheduler.ArgDeliveryState)
}

func TestDispatcher_SkippedDeliveryRunsNoCallback(t *testing.T) {
	callbacks := &recorder{}

	dispatcher := scheduler.NewDispatcher(log.Discard())
	dispatcher.Register("execution", "step", func(context.Context, string, map[string]any) (string, error) {
		return "", fmt.Errorf("%w: token rotated", scheduler.ErrSkipped)
	})
	dispatcher.Register("task", "done", callbacks.handler("", nil))

	err := dispatcher.Handle(t.Context(), scheduler.Submission{
		TargetType:   "execution",
		TargetID:     "exec-1",
		Method:       "step",
		OnCompletion: &scheduler.Callback{TargetType: "task", TargetID: "task-1", Method: "done"},
	})
	require.NoError(t, err)
	assert.Empty(t, callbacks.calls)
}

func TestDispatcher_UnknownTarget(t *testing.T) {
	dispatcher := scheduler.NewDispatcher(log.Discard())

	err := dispatcher.Handle(t.Context(), scheduler.Submission{TargetType: "nope", Method: "x"})
	require.ErrorIs(t, err, scheduler.ErrUnknownTarget)
}

func consumeInto(t *testing.T, queue scheduler.Queue, queues []string) (<-chan scheduler.Submission, context.CancelFunc) {
	t.Helper()

	ctx, cancel := context.WithCancel(t.Context())
	delivered := make(chan scheduler.Submission, 10)
	done := make(chan struct{})

	go func() {
		defer close(done)

		_ = queue.Consume(ctx, queues, func(_ context.Context, submission scheduler.Submission) error {
			delivered <- submission

			return nil
		})
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})

	return delivered, cancel
}

func TestWatermillQueue_SubmitAndConsume(t *testing.T) {
	pub, sub, err := gochannel.CreateTestChannel(watermill.NopLogger{})
	require.NoError(t, err)

	queue := scheduler.NewWatermillQueue(log.Discard(), pub, sub)
	delivered, _ := consumeInto(t, queue, []string{"generic.eu", "worker.w-1"})

	require.NoError(t, queue.Submit(t.Context(), scheduler.Submission{TargetType: "execution", TargetID: "a", Method: "step", Zone: "eu"}))
	require.NoError(t, queue.Submit(t.Context(), scheduler.Submission{TargetType: "execution", TargetID: "b", Method: "step", WorkerAffinity: "w-1"}))

	got := map[string]bool{}

	for range 2 {
		select {
		case submission := <-delivered:
			assert.NotEmpty(t, submission.ID)
			got[submission.TargetID] = true
		case <-time.After(2 * time.Second):
			t.Fatal("submission not delivered")
		}
	}

	assert.Equal(t, map[string]bool{"a": true, "b": true}, got)
}

func TestWatermillQueue_DeferredDelivery(t *testing.T) {
	pub, sub, err := gochannel.CreateTestChannel(watermill.NopLogger{})
	require.NoError(t, err)

	queue := scheduler.NewWatermillQueue(log.Discard(), pub, sub)
	delivered, _ := consumeInto(t, queue, []string{"generic"})

	deliverAt := time.Now().Add(300 * time.Millisecond)
	require.NoError(t, queue.Submit(t.Context(), scheduler.Submission{TargetType: "execution", TargetID: "later", Method: "step", DeliverAt: &deliverAt}))
	require.NoError(t, queue.Submit(t.Context(), scheduler.Submission{TargetType: "execution", TargetID: "now", Method: "step"}))

	first := <-delivered
	assert.Equal(t, "now", first.TargetID)

	select {
	case second := <-delivered:
		assert.Equal(t, "later", second.TargetID)
		assert.False(t, time.Now().Before(deliverAt))
	case <-time.After(2 * time.Second):
		t.Fatal("deferred submission not delivered")
	}
}

func TestQueue_RejectsInvalidSubmission(t *testing.T) {
	pub, sub, err := gochannel.CreateTestChannel(watermill.NopLogger{})
	require.NoError(t, err)

	queue := scheduler.NewWatermillQueue(log.Discard(), pub, sub)

	err = queue.Submit(t.Context(), scheduler.Submission{TargetID: "x"})
	require.ErrorIs(t, err, scheduler.ErrInvalidSubmission)
}

func TestRedisQueue_SubmitAndConsume(t *testing.T) {
	client := testutil.StartRedis(t)
	queue := scheduler.NewRedisQueue(log.Discard(), client)

	deliverAt := time.Now().Add(500 * time.Millisecond)
	require.NoError(t, queue.Submit(t.Context(), scheduler.Submission{TargetType: "execution", TargetID: "later", Method: "step", DeliverAt: &deliverAt}))
	require.NoError(t, queue.Submit(t.Context(), scheduler.Submission{TargetType: "execution", TargetID: "now", Method: "step", Zone: "eu"}))

	delivered, _ := consumeInto(t, queue, []string{"generic", "generic.eu"})

	select {
	case submission := <-delivered:
		assert.Equal(t, "now", submission.TargetID)
	case <-time.After(5 * time.Second):
		t.Fatal("ready submission not delivered")
	}

	select {
	case submission := <-delivered:
		assert.Equal(t, "later", submission.TargetID)
	case <-time.After(5 * time.Second):
		t.Fatal("deferred submission not promoted")
	}
}
