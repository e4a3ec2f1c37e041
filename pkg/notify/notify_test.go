package notify_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/flowrun/pkg/builtin"
	"github.com/dukex/flowrun/pkg/channels/gochannel"
	"github.com/dukex/flowrun/pkg/eventbus"
	"github.com/dukex/flowrun/pkg/events"
	"github.com/dukex/flowrun/pkg/log"
	"github.com/dukex/flowrun/pkg/mocks"
	"github.com/dukex/flowrun/pkg/models"
	"github.com/dukex/flowrun/pkg/notify"
	"github.com/dukex/flowrun/pkg/persistence/file"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type failingSender struct{}

func (failingSender) Send(context.Context, builtin.Notification) error {
	return errors.New("smtp unavailable")
}

func TestEventBusNotifier_PublishesRequest(t *testing.T) {
	tasks := file.NewTaskRepository(t.TempDir())
	bus := &mocks.MockEventBus{}
	bus.On("Publish", mock.Anything, mock.Anything, mock.MatchedBy(func(event events.NotificationRequested) bool {
		return event.To == "foo@bar.com" && event.Subject == "hi"
	})).Return(nil)

	notifier := notify.NewEventBusNotifier(log.Discard(), bus, tasks)

	taskID, err := notifier.Notify(t.Context(), builtin.Notification{To: "foo@bar.com", Subject: "hi"})
	require.NoError(t, err)

	task, err := tasks.GetByID(t.Context(), taskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateQueued, task.State)
	bus.AssertExpectations(t)
}

func TestEventBusNotifier_NoRecipient(t *testing.T) {
	tasks := file.NewTaskRepository(t.TempDir())
	bus := &mocks.MockEventBus{}

	notifier := notify.NewEventBusNotifier(log.Discard(), bus, tasks)

	taskID, err := notifier.Notify(t.Context(), builtin.Notification{Subject: "hi"})
	require.NoError(t, err)

	task, err := tasks.GetByID(t.Context(), taskID)
	require.NoError(t, err)
	assert.True(t, task.IsFinished())
	assert.Equal(t, models.TaskStatusError, task.Status)
	bus.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
}

func TestEventBusNotifier_PublishFailureFinishesTask(t *testing.T) {
	tasks := file.NewTaskRepository(t.TempDir())
	bus := &mocks.MockEventBus{}
	bus.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("broker down"))

	notifier := notify.NewEventBusNotifier(log.Discard(), bus, tasks)

	taskID, err := notifier.Notify(t.Context(), builtin.Notification{To: "foo@bar.com"})
	require.NoError(t, err)

	task, err := tasks.GetByID(t.Context(), taskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusError, task.Status)
	assert.Contains(t, task.Message, "broker down")
}

func TestDeliverer_EndToEnd(t *testing.T) {
	tests := []struct {
		name       string
		sender     notify.Sender
		wantStatus models.TaskStatus
	}{
		{name: "delivered", sender: notify.LogSender{Logger: log.Discard()}, wantStatus: models.TaskStatusOk},
		{name: "failed", sender: failingSender{}, wantStatus: models.TaskStatusError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(t.Context())
			defer cancel()

			pub, sub, err := gochannel.CreateChannel(watermill.NopLogger{})
			require.NoError(t, err)

			bus := eventbus.NewWatermillEventBus(log.Discard(), pub, sub)
			defer bus.Close()

			tasks := file.NewTaskRepository(t.TempDir())

			deliverer := notify.NewDeliverer(log.Discard(), tt.sender, tasks)
			require.NoError(t, deliverer.Register(bus))
			require.NoError(t, bus.Subscribe(ctx))

			notifier := notify.NewEventBusNotifier(log.Discard(), bus, tasks)
			taskID, err := notifier.Notify(ctx, builtin.Notification{To: "foo@bar.com"})
			require.NoError(t, err)

			require.Eventually(t, func() bool {
				task, err := tasks.GetByID(ctx, taskID)

				return err == nil && task.IsFinished()
			}, 2*time.Second, 10*time.Millisecond)

			task, err := tasks.GetByID(ctx, taskID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, task.Status)
		})
	}
}
