package file

import (
	"context"
	"time"

	"github.com/dukex/flowrun/pkg/models"
	"github.com/dukex/flowrun/pkg/persistence"
)

// TaskRepository stores owning tasks under <root>/tasks.
type TaskRepository struct {
	documents *collection
}

func NewTaskRepository(root string) *TaskRepository {
	return &TaskRepository{documents: newCollection(root, "tasks")}
}

func (tr *TaskRepository) Save(_ context.Context, task *models.Task) error {
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}

	task.UpdatedAt = now

	tr.documents.mu.Lock()
	defer tr.documents.mu.Unlock()

	return tr.documents.write(task.ID, task)
}

func (tr *TaskRepository) GetByID(_ context.Context, id string) (*models.Task, error) {
	tr.documents.mu.Lock()
	defer tr.documents.mu.Unlock()

	return tr.load(id)
}

func (tr *TaskRepository) UpdateStatus(_ context.Context, id string, state models.TaskState, status models.TaskStatus, message string) error {
	tr.documents.mu.Lock()
	defer tr.documents.mu.Unlock()

	task, err := tr.load(id)
	if err != nil {
		return err
	}

	task.UpdateStatus(state, status, message)

	return tr.documents.write(id, task)
}

func (tr *TaskRepository) load(id string) (*models.Task, error) {
	var task models.Task

	found, err := tr.documents.read(id, &task)
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, persistence.ErrTaskNotFound
	}

	return &task, nil
}
