package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/flowrun/pkg/models"
	"github.com/dukex/flowrun/pkg/persistence"
)

const executionColumns = `
			id
		  , workflow_id
		  , correlation_id
		  , status
		  , payload
		  , context
		  , output
		  , credentials
		  , COALESCE(task_id, '')
		  , requester
		  , routing
		  , step_token
		  , created_at
		  , updated_at`

// ExecutionRepository handles execution record database operations.
type ExecutionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewExecutionRepository(db *sql.DB, logger *slog.Logger) *ExecutionRepository {
	return &ExecutionRepository{db: db, logger: logger}
}

func (r *ExecutionRepository) Save(ctx context.Context, record *models.ExecutionRecord) error {
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}

	record.UpdatedAt = now

	err := r.upsert(ctx, r.db, record)
	if err != nil {
		return persistence.NewExecutionError("Save", record.ID, err)
	}

	return nil
}

func (r *ExecutionRepository) GetByID(ctx context.Context, id string) (*models.ExecutionRecord, error) {
	query := `SELECT` + executionColumns + ` FROM workflow_executions WHERE id = $1`

	record, err := scanExecution(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewExecutionError("GetByID", id, persistence.ErrExecutionNotFound)
		}

		return nil, persistence.NewExecutionError("GetByID", id, err)
	}

	return record, nil
}

// Update locks the row for the duration of the mutation.
func (r *ExecutionRepository) Update(ctx context.Context, id string, mutate persistence.ExecutionMutation) (*models.ExecutionRecord, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, persistence.NewExecutionError("Update", id, fmt.Errorf("failed to begin transaction: %w", err))
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	query := `SELECT` + executionColumns + ` FROM workflow_executions WHERE id = $1 FOR UPDATE`

	record, err := scanExecution(tx.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = persistence.ErrExecutionNotFound
		}

		return nil, persistence.NewExecutionError("Update", id, err)
	}

	err = mutate(record)
	if err != nil {
		return nil, err
	}

	record.UpdatedAt = time.Now().UTC()

	err = r.upsert(ctx, tx, record)
	if err != nil {
		return nil, persistence.NewExecutionError("Update", id, err)
	}

	err = tx.Commit()
	if err != nil {
		return nil, persistence.NewExecutionError("Update", id, fmt.Errorf("failed to commit transaction: %w", err))
	}

	return record, nil
}

func (r *ExecutionRepository) ListByStatus(ctx context.Context, status models.ExecutionStatus) ([]*models.ExecutionRecord, error) {
	query := `SELECT` + executionColumns + `
		FROM workflow_executions
		WHERE status = $1
		ORDER BY created_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query, status)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	records := make([]*models.ExecutionRecord, 0)

	for rows.Next() {
		record, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}

		records = append(records, record)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}

	return records, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r *ExecutionRepository) upsert(ctx context.Context, db execer, record *models.ExecutionRecord) error {
	credentialsJSON, err := json.Marshal(record.Credentials)
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}

	requesterJSON, err := json.Marshal(record.Requester)
	if err != nil {
		return fmt.Errorf("failed to marshal requester: %w", err)
	}

	routingJSON, err := json.Marshal(record.Routing)
	if err != nil {
		return fmt.Errorf("failed to marshal routing: %w", err)
	}

	var taskID any
	if record.TaskID != "" {
		taskID = record.TaskID
	}

	query := `
		INSERT INTO workflow_executions (id, workflow_id, correlation_id, status, payload, context, output,
			credentials, task_id, requester, routing, step_token, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			context = EXCLUDED.context,
			output = EXCLUDED.output,
			credentials = EXCLUDED.credentials,
			task_id = EXCLUDED.task_id,
			routing = EXCLUDED.routing,
			step_token = EXCLUDED.step_token,
			updated_at = EXCLUDED.updated_at
	`

	_, err = db.ExecContext(ctx, query,
		record.ID,
		record.WorkflowID,
		record.CorrelationID,
		record.Status,
		nullableJSON(record.Payload),
		nullableJSON(record.Context),
		nullableJSON(record.Output),
		nullableJSON(credentialsJSON),
		taskID,
		string(requesterJSON),
		string(routingJSON),
		record.StepToken,
		record.CreatedAt,
		record.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save execution: %w", err)
	}

	return nil
}

func scanExecution(row scanner) (*models.ExecutionRecord, error) {
	var (
		record                                         models.ExecutionRecord
		payload, executionContext, output, credentials []byte
		requester, routing                             []byte
	)

	err := row.Scan(
		&record.ID,
		&record.WorkflowID,
		&record.CorrelationID,
		&record.Status,
		&payload,
		&executionContext,
		&output,
		&credentials,
		&record.TaskID,
		&requester,
		&routing,
		&record.StepToken,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	record.Payload = json.RawMessage(payload)
	record.Context = json.RawMessage(executionContext)
	record.Output = json.RawMessage(output)

	if credentials != nil {
		err := json.Unmarshal(credentials, &record.Credentials)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal credentials: %w", err)
		}
	}

	err = json.Unmarshal(requester, &record.Requester)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal requester: %w", err)
	}

	err = json.Unmarshal(routing, &record.Routing)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal routing: %w", err)
	}

	return &record, nil
}
