package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/dukex/flowrun/pkg/builtin"
	"github.com/dukex/flowrun/pkg/eventbus"
	"github.com/dukex/flowrun/pkg/events"
	"github.com/dukex/flowrun/pkg/models"
	"github.com/dukex/flowrun/pkg/persistence"
	"github.com/dukex/flowrun/pkg/protocol"
	"github.com/dukex/flowrun/pkg/secrets"
	"github.com/dukex/flowrun/pkg/statemachine"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

const (
	executeTaskName = "Execute Workflow"

	// SubtaskTypeWorkflow is the object type ExecuteSubtask starts.
	SubtaskTypeWorkflow = "workflow"

	subtaskUserParam = "UserId"
	systemUserID     = "system"
)

// Enqueuer schedules the first step of an execution. Implemented by workflow.Executor.
type Enqueuer interface {
	Enqueue(ctx context.Context, executionID string, routing models.RoutingHints) error
}

type Workflow struct {
	logger       *slog.Logger
	persistence  persistence.Persistence
	interpreters protocol.InterpreterFactory
	enqueuer     Enqueuer
	box          *secrets.Box
	publisher    eventbus.EventPublisher
	validate     *validator.Validate
}

type Option func(*Workflow)

// WithEventPublisher announces started executions.
func WithEventPublisher(publisher eventbus.EventPublisher) Option {
	return func(w *Workflow) {
		w.publisher = publisher
	}
}

// NewWorkflow creates a new workflow service.
func NewWorkflow(
	logger *slog.Logger,
	persistence persistence.Persistence,
	interpreters protocol.InterpreterFactory,
	enqueuer Enqueuer,
	box *secrets.Box,
	options ...Option,
) *Workflow {
	service := &Workflow{
		logger:       logger.With("module", "workflow_service"),
		persistence:  persistence,
		interpreters: interpreters,
		enqueuer:     enqueuer,
		box:          box,
		validate:     models.NewValidator(),
	}

	for _, option := range options {
		option(service)
	}

	return service
}

// HealthCheck checks the health of the persistence layer.
func (w *Workflow) HealthCheck(ctx context.Context) (string, bool) {
	err := w.persistence.HealthCheck(ctx)
	if err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	return "Persistence layer is healthy", true
}

type CreateDefinitionRequest struct {
	Name        string               `json:"name"                  validate:"required,min=3"`
	Description string               `json:"description,omitempty"`
	Payload     json.RawMessage      `json:"payload"               validate:"required"`
	Credentials models.CredentialMap `json:"credentials,omitempty"`
}

// CreateDefinition validates the state machine and stores the definition. Plain literal
// credentials are encrypted before they are stored.
func (w *Workflow) CreateDefinition(ctx context.Context, request CreateDefinitionRequest) (*models.WorkflowDefinition, error) {
	const op = "CreateDefinition"

	err := w.validate.Struct(request)
	if err != nil {
		return nil, newError(op, ErrValidation, err.Error(), err)
	}

	_, err = statemachine.ParseDefinition(request.Payload)
	if err != nil {
		return nil, newError(op, ErrValidation, err.Error(), err)
	}

	credentialMap, err := w.sealCredentials(request.Credentials)
	if err != nil {
		return nil, newError(op, ErrValidation, "", err)
	}

	definition := &models.WorkflowDefinition{
		ID:          uuid.NewString(),
		Name:        request.Name,
		Description: request.Description,
		Payload:     request.Payload,
		Credentials: credentialMap,
	}

	err = w.persistence.WorkflowRepository().Save(ctx, definition)
	if err != nil {
		return nil, fmt.Errorf("failed to save definition: %w", err)
	}

	w.logger.InfoContext(ctx, "Created workflow definition", "workflow_id", definition.ID, "name", definition.Name)

	return definition, nil
}

func (w *Workflow) GetDefinition(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	definition, err := w.persistence.WorkflowRepository().GetByID(ctx, id)
	if err != nil {
		return nil, wrapLookup("GetDefinition", err)
	}

	return definition, nil
}

func (w *Workflow) ListDefinitions(ctx context.Context) ([]*models.WorkflowDefinition, error) {
	return w.persistence.WorkflowRepository().GetAll(ctx)
}

func (w *Workflow) GetExecution(ctx context.Context, id string) (*models.ExecutionRecord, error) {
	record, err := w.persistence.ExecutionRepository().GetByID(ctx, id)
	if err != nil {
		return nil, wrapLookup("GetExecution", err)
	}

	return record, nil
}

func (w *Workflow) GetTask(ctx context.Context, id string) (*models.Task, error) {
	task, err := w.persistence.TaskRepository().GetByID(ctx, id)
	if err != nil {
		return nil, wrapLookup("GetTask", err)
	}

	return task, nil
}

// ObjectRef names the object a workflow was requested for. Task states reach it
// through the builtin task_execute method.
type ObjectRef struct {
	Type string `json:"type" validate:"required"`
	ID   string `json:"id"   validate:"required"`
}

type ExecuteRequest struct {
	WorkflowID     string               `json:"workflow_id"               validate:"required"`
	Inputs         json.RawMessage      `json:"inputs,omitempty"`
	Credentials    models.CredentialMap `json:"credentials,omitempty"`
	UserID         string               `json:"user_id"                   validate:"required"`
	GroupID        string               `json:"group_id,omitempty"`
	TenantID       string               `json:"tenant_id,omitempty"`
	Zone           string               `json:"zone,omitempty"`
	Role           string               `json:"role,omitempty"`
	QueueName      string               `json:"queue_name,omitempty"`
	WorkerAffinity string               `json:"worker_affinity,omitempty"`
	Object         *ObjectRef           `json:"object,omitempty"`
	Metadata       map[string]any       `json:"metadata,omitempty"`
}

type ExecuteResponse struct {
	TaskID        string `json:"task_id"`
	ExecutionID   string `json:"execution_id"`
	CorrelationID string `json:"correlation_id"`
}

// Execute creates the owning task and a pending execution of the definition, then
// enqueues its first step. Request credentials override the definition defaults.
func (w *Workflow) Execute(ctx context.Context, request ExecuteRequest) (*ExecuteResponse, error) {
	const op = "Execute"

	err := w.validate.Struct(request)
	if err != nil {
		return nil, newError(op, ErrValidation, err.Error(), err)
	}

	if len(request.Inputs) > 0 && !json.Valid(request.Inputs) {
		return nil, newError(op, ErrValidation, "inputs are not valid JSON", nil)
	}

	definition, err := w.persistence.WorkflowRepository().GetByID(ctx, request.WorkflowID)
	if err != nil {
		return nil, wrapLookup(op, err)
	}

	overrides, err := w.sealCredentials(request.Credentials)
	if err != nil {
		return nil, newError(op, ErrValidation, "", err)
	}

	credentialMap := definition.Credentials.Clone()
	if credentialMap == nil {
		credentialMap = models.CredentialMap{}
	}

	maps.Copy(credentialMap, overrides)

	routing := models.RoutingHints{
		Zone:           request.Zone,
		Role:           request.Role,
		QueueName:      request.QueueName,
		WorkerAffinity: request.WorkerAffinity,
	}

	record := &models.ExecutionRecord{
		ID:            uuid.NewString(),
		WorkflowID:    definition.ID,
		CorrelationID: uuid.NewString(),
		Status:        models.ExecutionStatusPending,
		Payload:       definition.Payload,
		Credentials:   credentialMap,
		Requester:     models.Requester{UserID: request.UserID, GroupID: request.GroupID, TenantID: request.TenantID},
		Routing:       routing,
	}

	record.Context, err = w.interpreters.NewContext(request.Inputs, executionMetadata(record, request))
	if err != nil {
		return nil, newError(op, ErrValidation, "", err)
	}

	task := models.NewTask(uuid.NewString(), executeTaskName, request.UserID)
	task.ContextData = map[string]any{"workflow_id": definition.ID, "execution_id": record.ID}
	// Queued before the first enqueue; a worker may finish the task before Enqueue returns.
	task.UpdateStatus(models.TaskStateQueued, models.TaskStatusOk, "Workflow queued")
	record.TaskID = task.ID

	err = w.persistence.TaskRepository().Save(ctx, task)
	if err != nil {
		return nil, fmt.Errorf("failed to save task: %w", err)
	}

	err = w.persistence.ExecutionRepository().Save(ctx, record)
	if err != nil {
		return nil, fmt.Errorf("failed to save execution: %w", err)
	}

	logger := w.logger.With("workflow_id", definition.ID, "execution_id", record.ID, "task_id", task.ID)

	err = w.enqueuer.Enqueue(ctx, record.ID, routing)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to enqueue execution", "error", err)

		updateErr := w.persistence.TaskRepository().UpdateStatus(ctx, task.ID, models.TaskStateFinished, models.TaskStatusError, "Workflow failed: "+err.Error())

		return nil, errors.Join(fmt.Errorf("failed to enqueue execution: %w", err), updateErr)
	}

	w.publishStarted(ctx, logger, record)
	logger.InfoContext(ctx, "Execution enqueued")

	return &ExecuteResponse{TaskID: task.ID, ExecutionID: record.ID, CorrelationID: record.CorrelationID}, nil
}

// ExecuteSubtask implements builtin.SubtaskExecutor: objectType "workflow" runs the
// definition objectID with params as its input.
func (w *Workflow) ExecuteSubtask(ctx context.Context, objectType, objectID string, params map[string]any) (string, error) {
	if objectType != SubtaskTypeWorkflow {
		return "", newError("ExecuteSubtask", ErrValidation, fmt.Sprintf("unsupported task type %q", objectType), nil)
	}

	inputs, err := json.Marshal(params)
	if err != nil {
		return "", newError("ExecuteSubtask", ErrValidation, "", err)
	}

	userID, _ := params[subtaskUserParam].(string)
	if userID == "" {
		userID = systemUserID
	}

	response, err := w.Execute(ctx, ExecuteRequest{WorkflowID: objectID, Inputs: inputs, UserID: userID})
	if err != nil {
		return "", err
	}

	return response.TaskID, nil
}

// executionMetadata is the Execution block of the interpreter context.
func executionMetadata(record *models.ExecutionRecord, request ExecuteRequest) map[string]any {
	metadata := make(map[string]any, len(request.Metadata)+8)
	maps.Copy(metadata, request.Metadata)

	metadata["Id"] = record.CorrelationID
	metadata["ExecutionId"] = record.ID
	metadata["WorkflowId"] = record.WorkflowID
	metadata["StartTime"] = time.Now().UTC().Format(time.RFC3339)
	metadata["UserId"] = request.UserID

	if request.GroupID != "" {
		metadata["GroupId"] = request.GroupID
	}

	if request.TenantID != "" {
		metadata["TenantId"] = request.TenantID
	}

	if request.Object != nil {
		metadata[builtin.ExecutionObjectType] = request.Object.Type
		metadata[builtin.ExecutionObjectID] = request.Object.ID
	}

	return metadata
}

// sealCredentials encrypts literal values that are not encrypted yet.
func (w *Workflow) sealCredentials(credentialMap models.CredentialMap) (models.CredentialMap, error) {
	if credentialMap == nil {
		return nil, nil
	}

	sealed := make(models.CredentialMap, len(credentialMap))

	for key, value := range credentialMap {
		literal, ok := value.(models.LiteralCredential)
		if !ok || secrets.IsEncrypted(literal.Encrypted) {
			sealed[key] = value

			continue
		}

		encrypted, err := w.box.Encrypt(literal.Encrypted)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt credential %s: %w", key, err)
		}

		sealed[key] = models.LiteralCredential{Encrypted: encrypted}
	}

	return sealed, nil
}

func (w *Workflow) publishStarted(ctx context.Context, logger *slog.Logger, record *models.ExecutionRecord) {
	if w.publisher == nil {
		return
	}

	err := w.publisher.Publish(ctx, record.ID, events.WorkflowExecutionStarted{
		BaseEvent:     events.NewBaseEvent(events.WorkflowExecutionStartedEvent, record.WorkflowID),
		ExecutionID:   record.ID,
		CorrelationID: record.CorrelationID,
		TaskID:        record.TaskID,
		UserID:        record.Requester.UserID,
	})
	if err != nil {
		logger.WarnContext(ctx, "Failed to publish execution started", "error", err)
	}
}

func wrapLookup(op string, err error) error {
	if persistence.IsNotFound(err) {
		return newError(op, ErrNotFound, "", err)
	}

	return err
}
