package models

import "time"

// TaskState is the coarse progress of an owning task.
type TaskState string

const (
	TaskStatePending  TaskState = "pending"
	TaskStateQueued   TaskState = "queued"
	TaskStateActive   TaskState = "active"
	TaskStateFinished TaskState = "finished"
)

// TaskStatus is the health of an owning task.
type TaskStatus string

const (
	TaskStatusOk    TaskStatus = "ok"
	TaskStatusWarn  TaskStatus = "warn"
	TaskStatusError TaskStatus = "error"
)

// Task tracks a user-visible unit of work, e.g. a workflow execution or a notification delivery.
type Task struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"                   validate:"required"`
	UserID      string         `json:"user_id,omitempty"`
	State       TaskState      `json:"state"                  validate:"required"`
	Status      TaskStatus     `json:"status"                 validate:"required"`
	Message     string         `json:"message,omitempty"`
	ContextData map[string]any `json:"context_data,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// NewTask returns a pending task with status ok.
func NewTask(id, name, userID string) *Task {
	now := time.Now().UTC()

	return &Task{
		ID:        id,
		Name:      name,
		UserID:    userID,
		State:     TaskStatePending,
		Status:    TaskStatusOk,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// UpdateStatus sets state, status and message together.
func (t *Task) UpdateStatus(state TaskState, status TaskStatus, message string) {
	t.State = state
	t.Status = status
	t.Message = message
	t.UpdatedAt = time.Now().UTC()
}

func (t *Task) IsFinished() bool {
	return t.State == TaskStateFinished
}
