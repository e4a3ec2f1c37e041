package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukex/flowrun/pkg/builtin"
	"github.com/dukex/flowrun/pkg/eventbus"
	"github.com/dukex/flowrun/pkg/events"
	"github.com/dukex/flowrun/pkg/models"
	"github.com/dukex/flowrun/pkg/persistence"
)

// Sender performs the actual delivery, e.g. over SMTP.
type Sender interface {
	Send(ctx context.Context, notification builtin.Notification) error
}

// LogSender writes notifications to the log instead of delivering them.
type LogSender struct {
	Logger *slog.Logger
}

func (s LogSender) Send(ctx context.Context, notification builtin.Notification) error {
	s.Logger.InfoContext(ctx, "Notification",
		"to", notification.To,
		"from", notification.From,
		"subject", notification.Subject,
		"cc", notification.Cc,
		"bcc", notification.Bcc,
	)

	return nil
}

// Deliverer consumes NotificationRequested events and finishes their delivery task.
type Deliverer struct {
	logger *slog.Logger
	sender Sender
	tasks  persistence.TaskRepository
}

func NewDeliverer(logger *slog.Logger, sender Sender, tasks persistence.TaskRepository) *Deliverer {
	return &Deliverer{
		logger: logger.With("module", "notify_deliverer"),
		sender: sender,
		tasks:  tasks,
	}
}

// Register attaches the deliverer to the subscriber. Call before Subscribe.
func (d *Deliverer) Register(subscriber eventbus.EventSubscriber) error {
	return subscriber.Handle(events.NotificationRequestedEvent, d.handle)
}

func (d *Deliverer) handle(ctx context.Context, event any) error {
	requested, ok := event.(*events.NotificationRequested)
	if !ok {
		return fmt.Errorf("unexpected event %T", event)
	}

	logger := d.logger.With("task_id", requested.TaskID)

	err := d.tasks.UpdateStatus(ctx, requested.TaskID, models.TaskStateActive, models.TaskStatusOk, "Sending notification")
	if err != nil {
		return err
	}

	err = d.sender.Send(ctx, builtin.Notification{
		To:      requested.To,
		From:    requested.From,
		Subject: requested.Subject,
		Cc:      requested.Cc,
		Bcc:     requested.Bcc,
		Body:    requested.Body,
	})
	if err != nil {
		logger.ErrorContext(ctx, "Notification delivery failed", "error", err)

		return d.tasks.UpdateStatus(ctx, requested.TaskID, models.TaskStateFinished, models.TaskStatusError, err.Error())
	}

	logger.InfoContext(ctx, "Notification delivered")

	return d.tasks.UpdateStatus(ctx, requested.TaskID, models.TaskStateFinished, models.TaskStatusOk, "Notification delivered")
}
