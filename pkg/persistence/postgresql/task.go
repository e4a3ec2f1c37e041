package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dukex/flowrun/pkg/models"
	"github.com/dukex/flowrun/pkg/persistence"
)

// TaskRepository handles owning task database operations.
type TaskRepository struct {
	db *sql.DB
}

func NewTaskRepository(db *sql.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

func (r *TaskRepository) Save(ctx context.Context, task *models.Task) error {
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}

	task.UpdatedAt = now

	contextData, err := json.Marshal(task.ContextData)
	if err != nil {
		return fmt.Errorf("failed to marshal task context data: %w", err)
	}

	query := `
		INSERT INTO tasks (id, name, user_id, state, status, message, context_data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			state = EXCLUDED.state,
			status = EXCLUDED.status,
			message = EXCLUDED.message,
			context_data = EXCLUDED.context_data,
			updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		task.ID,
		task.Name,
		task.UserID,
		task.State,
		task.Status,
		task.Message,
		string(contextData),
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}

	return nil
}

func (r *TaskRepository) GetByID(ctx context.Context, id string) (*models.Task, error) {
	query := `
		SELECT id, name, user_id, state, status, message, context_data, created_at, updated_at
		FROM tasks
		WHERE id = $1
	`

	var (
		task        models.Task
		contextData []byte
	)

	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&task.ID,
		&task.Name,
		&task.UserID,
		&task.State,
		&task.Status,
		&task.Message,
		&contextData,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrTaskNotFound
		}

		return nil, fmt.Errorf("failed to scan task: %w", err)
	}

	if contextData != nil {
		err := json.Unmarshal(contextData, &task.ContextData)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal task context data: %w", err)
		}
	}

	return &task, nil
}

func (r *TaskRepository) UpdateStatus(ctx context.Context, id string, state models.TaskState, status models.TaskStatus, message string) error {
	query := `UPDATE tasks SET state = $2, status = $3, message = $4, updated_at = $5 WHERE id = $1`

	result, err := r.db.ExecContext(ctx, query, id, state, status, message, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return persistence.ErrTaskNotFound
	}

	return nil
}
