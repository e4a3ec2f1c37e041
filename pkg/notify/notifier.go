// Package notify delivers notifications requested by workflow tasks.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/flowrun/pkg/builtin"
	"github.com/dukex/flowrun/pkg/eventbus"
	"github.com/dukex/flowrun/pkg/events"
	"github.com/dukex/flowrun/pkg/models"
	"github.com/dukex/flowrun/pkg/persistence"
	"github.com/google/uuid"
)

const taskName = "Send notification"

var ErrNoRecipient = errors.New("notification has no recipient")

// EventBusNotifier records a delivery task and hands the notification to the event bus.
// It implements builtin.Notifier.
type EventBusNotifier struct {
	logger    *slog.Logger
	publisher eventbus.EventPublisher
	tasks     persistence.TaskRepository
}

func NewEventBusNotifier(logger *slog.Logger, publisher eventbus.EventPublisher, tasks persistence.TaskRepository) *EventBusNotifier {
	return &EventBusNotifier{
		logger:    logger.With("module", "notify"),
		publisher: publisher,
		tasks:     tasks,
	}
}

func (n *EventBusNotifier) Notify(ctx context.Context, notification builtin.Notification) (string, error) {
	task := models.NewTask(uuid.NewString(), taskName, "")

	if notification.To == "" {
		task.UpdateStatus(models.TaskStateFinished, models.TaskStatusError, ErrNoRecipient.Error())
	} else {
		task.UpdateStatus(models.TaskStateQueued, models.TaskStatusOk, "Notification queued")
	}

	err := n.tasks.Save(ctx, task)
	if err != nil {
		return "", fmt.Errorf("failed to save notification task: %w", err)
	}

	if task.IsFinished() {
		return task.ID, nil
	}

	event := events.NotificationRequested{
		BaseEvent: events.NewBaseEvent(events.NotificationRequestedEvent, ""),
		TaskID:    task.ID,
		To:        notification.To,
		From:      notification.From,
		Subject:   notification.Subject,
		Cc:        notification.Cc,
		Bcc:       notification.Bcc,
		Body:      notification.Body,
	}

	err = n.publisher.Publish(ctx, task.ID, event)
	if err != nil {
		n.logger.ErrorContext(ctx, "Failed to publish notification", "task_id", task.ID, "error", err)

		updateErr := n.tasks.UpdateStatus(ctx, task.ID, models.TaskStateFinished, models.TaskStatusError, "Failed to queue notification: "+err.Error())
		if updateErr != nil {
			return "", errors.Join(err, updateErr)
		}
	}

	return task.ID, nil
}
