package builtin

import (
	"context"
	"fmt"

	"github.com/dukex/flowrun/pkg/models"
	"github.com/dukex/flowrun/pkg/persistence"
	"github.com/google/uuid"
)

const (
	MethodEmail = "email"

	// RunnerContextTaskID holds the owning task of a notification or sub-task.
	RunnerContextTaskID = "task_id"
)

// Notification is an email to deliver.
type Notification struct {
	To      string `json:"to"`
	From    string `json:"from"`
	Subject string `json:"subject"`
	Cc      string `json:"cc,omitempty"`
	Bcc     string `json:"bcc,omitempty"`
	Body    string `json:"body"`
}

// Notifier queues a notification for delivery and returns the task tracking it.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) (taskID string, err error)
}

// NewEmailHandler sends a notification and polls its delivery task. With a nil notifier
// the delivery task is recorded as failed.
func NewEmailHandler(notifier Notifier, tasks persistence.TaskRepository) Handler {
	return Handler{
		Invoke: func(ctx context.Context, params map[string]any, _ map[string]string, _ map[string]any) (models.RunnerContext, error) {
			notification := Notification{
				To:      stringParam(params, "To"),
				From:    stringParam(params, "From"),
				Subject: stringParam(params, "Subject"),
				Cc:      stringParam(params, "Cc"),
				Bcc:     stringParam(params, "Bcc"),
				Body:    stringParam(params, "Body"),
			}

			var (
				taskID string
				err    error
			)

			if notifier == nil {
				taskID, err = recordUndeliverable(ctx, tasks)
			} else {
				taskID, err = notifier.Notify(ctx, notification)
			}

			if err != nil {
				return nil, err
			}

			return models.RunnerContext{RunnerContextTaskID: taskID}.Pending(), nil
		},
		Poll: func(ctx context.Context, runnerContext models.RunnerContext) (models.RunnerContext, error) {
			return pollTask(ctx, tasks, runnerContext)
		},
	}
}

func recordUndeliverable(ctx context.Context, tasks persistence.TaskRepository) (string, error) {
	task := models.NewTask(uuid.NewString(), "Send notification", "")
	task.UpdateStatus(models.TaskStateFinished, models.TaskStatusError, "No notifier configured")

	err := tasks.Save(ctx, task)
	if err != nil {
		return "", fmt.Errorf("failed to save notification task: %w", err)
	}

	return task.ID, nil
}

// pollTask maps the owning task state onto the runner context.
func pollTask(ctx context.Context, tasks persistence.TaskRepository, runnerContext models.RunnerContext) (models.RunnerContext, error) {
	task, err := tasks.GetByID(ctx, runnerContext.String(RunnerContextTaskID))
	if err != nil {
		return nil, err
	}

	updated := runnerContext.Merge(nil)

	if !task.IsFinished() {
		return updated.Pending(), nil
	}

	if task.Status == models.TaskStatusError {
		return updated.Fail(task.Message), nil
	}

	return updated.Succeed(map[string]any{"TaskId": task.ID, "Message": task.Message}), nil
}

func stringParam(params map[string]any, key string) string {
	value, ok := params[key]
	if !ok || value == nil {
		return ""
	}

	if s, ok := value.(string); ok {
		return s
	}

	return fmt.Sprint(value)
}
