// Package persistence provides the storage abstraction for definitions, executions,
// owning tasks and stored credentials.
package persistence

import (
	"context"

	"github.com/dukex/flowrun/pkg/models"
)

// Persistence groups the repositories of one storage backend.
type Persistence interface {
	WorkflowRepository() WorkflowRepository
	ExecutionRepository() ExecutionRepository
	TaskRepository() TaskRepository
	AuthenticationRepository() AuthenticationRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

type WorkflowRepository interface {
	GetAll(ctx context.Context) ([]*models.WorkflowDefinition, error)
	GetByID(ctx context.Context, id string) (*models.WorkflowDefinition, error)
	Save(ctx context.Context, definition *models.WorkflowDefinition) error
	Delete(ctx context.Context, id string) error
}

// ExecutionMutation edits a record inside Update. Returning an error aborts the write.
type ExecutionMutation func(record *models.ExecutionRecord) error

type ExecutionRepository interface {
	Save(ctx context.Context, record *models.ExecutionRecord) error
	GetByID(ctx context.Context, id string) (*models.ExecutionRecord, error)
	// Update performs a single read-modify-write of the record and returns the stored result.
	Update(ctx context.Context, id string, mutate ExecutionMutation) (*models.ExecutionRecord, error)
	ListByStatus(ctx context.Context, status models.ExecutionStatus) ([]*models.ExecutionRecord, error)
}

type TaskRepository interface {
	Save(ctx context.Context, task *models.Task) error
	GetByID(ctx context.Context, id string) (*models.Task, error)
	UpdateStatus(ctx context.Context, id string, state models.TaskState, status models.TaskStatus, message string) error
}

type AuthenticationRepository interface {
	Save(ctx context.Context, authentication *models.Authentication) error
	// GetByCredentialRef finds a credential within a tenant.
	GetByCredentialRef(ctx context.Context, credentialRef, tenantID string) (*models.Authentication, error)
}
