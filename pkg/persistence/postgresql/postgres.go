// Package postgresql provides PostgreSQL persistence for workflow definitions, executions, tasks and credentials.
package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/flowrun/pkg/persistence"
	"github.com/dukex/flowrun/pkg/persistence/sqlbase"
	_ "github.com/lib/pq"
)

var ErrSchemaOutdated = errors.New("database schema is outdated")

// Persistence implements the persistence layer for PostgreSQL.
type Persistence struct {
	db                 *sql.DB
	logger             *slog.Logger
	migrator           *sqlbase.Migrator
	workflowRepo       *WorkflowRepository
	executionRepo      *ExecutionRepository
	taskRepo           *TaskRepository
	authenticationRepo *AuthenticationRepository
}

// NewPersistence creates a new PostgreSQL persistence layer.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrator, err := sqlbase.NewMigrator(logger, database, migrations())
	if err != nil {
		_ = database.Close()

		return nil, err
	}

	postgres := &Persistence{
		db:                 database,
		logger:             logger,
		migrator:           migrator,
		workflowRepo:       NewWorkflowRepository(database, logger),
		executionRepo:      NewExecutionRepository(database, logger),
		taskRepo:           NewTaskRepository(database),
		authenticationRepo: NewAuthenticationRepository(database),
	}

	err = migrator.Migrate(ctx)
	if err != nil {
		_ = database.Close()

		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return postgres, nil
}

// Close closes the database connection.
func (p *Persistence) Close(_ context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

// HealthCheck verifies the database is reachable and the schema is up to date.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	version, err := p.migrator.Current(ctx)
	if err != nil {
		return err
	}

	if version != p.migrator.Latest() {
		return fmt.Errorf("%w: schema at version %d, expected %d", ErrSchemaOutdated, version, p.migrator.Latest())
	}

	return nil
}

func (p *Persistence) WorkflowRepository() persistence.WorkflowRepository {
	return p.workflowRepo
}

func (p *Persistence) ExecutionRepository() persistence.ExecutionRepository {
	return p.executionRepo
}

func (p *Persistence) TaskRepository() persistence.TaskRepository {
	return p.taskRepo
}

func (p *Persistence) AuthenticationRepository() persistence.AuthenticationRepository {
	return p.authenticationRepo
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// nullableJSON stores an empty document as SQL NULL. Documents are sent as
// text since lib/pq encodes byte slices as bytea.
func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}

	return string(raw)
}
