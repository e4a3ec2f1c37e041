// Package workflow drives execution records forward one state transition per step and
// schedules the step that follows.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/flowrun/pkg/correlator"
	"github.com/dukex/flowrun/pkg/eventbus"
	"github.com/dukex/flowrun/pkg/events"
	"github.com/dukex/flowrun/pkg/models"
	"github.com/dukex/flowrun/pkg/persistence"
	"github.com/dukex/flowrun/pkg/protocol"
	"github.com/dukex/flowrun/pkg/scheduler"
	"github.com/google/uuid"
)

const (
	// DefaultPollInterval is the fallback continuation of a step waiting on an async
	// resource, in case no resource event arrives.
	DefaultPollInterval = 30 * time.Second

	errorRuntime = "States.Runtime"
)

var (
	ErrExecutionFinished = errors.New("execution already finished")
	// ErrStaleStep is returned by Step for a delivery that is no longer the record's
	// outstanding continuation. Nothing was run.
	ErrStaleStep = errors.New("stale step")
)

// CredentialResolver is implemented by credentials.Resolver.
type CredentialResolver interface {
	Resolve(ctx context.Context, scope models.Requester, mapping models.CredentialMap) (map[string]string, error)
	Reconcile(ctx context.Context, scope models.Requester, previous models.CredentialMap, reported map[string]string) (models.CredentialMap, error)
}

// Submitter is the part of scheduler.Queue the executor needs.
type Submitter interface {
	Submit(ctx context.Context, submission scheduler.Submission) error
}

// StepRequest is one delivered continuation.
type StepRequest struct {
	ExecutionID string
	Token       string
	Routing     models.RoutingHints
	// Observer overrides the executor's observer for this step.
	Observer protocol.StepObserver
}

type Executor struct {
	logger       *slog.Logger
	executions   persistence.ExecutionRepository
	tasks        persistence.TaskRepository
	interpreters protocol.InterpreterFactory
	credentials  CredentialResolver
	registry     *correlator.Registry
	queue        Submitter

	publisher    eventbus.EventPublisher
	observer     protocol.StepObserver
	pollInterval time.Duration
	now          func() time.Time
}

type Option func(*Executor)

func WithPollInterval(interval time.Duration) Option {
	return func(e *Executor) {
		if interval > 0 {
			e.pollInterval = interval
		}
	}
}

// WithEventPublisher publishes execution lifecycle events.
func WithEventPublisher(publisher eventbus.EventPublisher) Option {
	return func(e *Executor) {
		e.publisher = publisher
	}
}

// WithObserver sets the observer used when a step request carries none.
func WithObserver(observer protocol.StepObserver) Option {
	return func(e *Executor) {
		e.observer = observer
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		e.now = now
	}
}

func NewExecutor(
	logger *slog.Logger,
	executions persistence.ExecutionRepository,
	tasks persistence.TaskRepository,
	interpreters protocol.InterpreterFactory,
	credentials CredentialResolver,
	registry *correlator.Registry,
	queue Submitter,
	options ...Option,
) *Executor {
	executor := &Executor{
		logger:       logger.With("module", "workflow_executor"),
		executions:   executions,
		tasks:        tasks,
		interpreters: interpreters,
		credentials:  credentials,
		registry:     registry,
		queue:        queue,
		pollInterval: DefaultPollInterval,
		now:          time.Now,
	}

	for _, option := range options {
		option(executor)
	}

	return executor
}

// Step advances the execution by one non-blocking run of its interpreter. A request
// whose token is not the record's outstanding token, or for a finished record, is
// dropped with ErrStaleStep. Credential resolution errors abort the step and are
// returned; interpreter errors end the execution with status failure.
func (e *Executor) Step(ctx context.Context, request StepRequest) error {
	logger := e.logger.With("execution_id", request.ExecutionID)

	record, err := e.claim(ctx, request.ExecutionID, request.Token)
	if errors.Is(err, ErrStaleStep) {
		logger.DebugContext(ctx, "Dropping stale step")

		return err
	}

	if err != nil {
		return err
	}

	logger = logger.With("correlation_id", record.CorrelationID, "workflow_id", record.WorkflowID)

	observer := request.Observer
	if observer == nil {
		observer = e.observer
	}

	stepRecord := protocol.StepRecord{
		ExecutionID:   record.ID,
		CorrelationID: record.CorrelationID,
		WorkflowID:    record.WorkflowID,
	}

	if observer != nil {
		ctx = observer.StepStarted(ctx, stepRecord)
	}

	outcome, err := e.step(ctx, logger, record, request)

	if observer != nil {
		observer.StepFinished(ctx, stepRecord, outcome, err)
	}

	return err
}

// claim takes the outstanding token so no other continuation of the record can run
// until this step schedules the next one.
func (e *Executor) claim(ctx context.Context, executionID, token string) (*models.ExecutionRecord, error) {
	return e.executions.Update(ctx, executionID, func(record *models.ExecutionRecord) error {
		if record.Status.IsTerminal() || token == "" || record.StepToken != token {
			return ErrStaleStep
		}

		record.StepToken = ""

		return nil
	})
}

// release hands the token back after a step aborted without a result.
func (e *Executor) release(ctx context.Context, logger *slog.Logger, executionID, token string) {
	_, err := e.executions.Update(ctx, executionID, func(record *models.ExecutionRecord) error {
		if record.StepToken != "" {
			return ErrStaleStep
		}

		record.StepToken = token

		return nil
	})
	if err != nil && !errors.Is(err, ErrStaleStep) {
		logger.ErrorContext(ctx, "Failed to release step token", "error", err)
	}
}

func (e *Executor) step(ctx context.Context, logger *slog.Logger, record *models.ExecutionRecord, request StepRequest) (protocol.StepOutcome, error) {
	resolved, err := e.credentials.Resolve(ctx, record.Requester, record.Credentials)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to resolve credentials", "error", err)
		e.release(ctx, logger, record.ID, request.Token)

		return protocol.StepOutcomeError, fmt.Errorf("failed to resolve credentials: %w", err)
	}

	interpreter, err := e.interpreters.New(record.Payload, record.Context, resolved)
	if err == nil {
		err = interpreter.RunNonBlocking(ctx)
	}

	if err != nil {
		logger.ErrorContext(ctx, "Interpreter failed", "error", err)

		return protocol.StepOutcomeError, e.abort(ctx, logger, record, err)
	}

	credentialMap, err := e.credentials.Reconcile(ctx, record.Requester, record.Credentials, interpreter.Credentials())
	if err != nil {
		logger.ErrorContext(ctx, "Failed to reconcile credentials", "error", err)
		e.release(ctx, logger, record.ID, request.Token)

		return protocol.StepOutcomeError, fmt.Errorf("failed to reconcile credentials: %w", err)
	}

	status := models.ExecutionStatusRunning
	token := ""

	if interpreter.Ended() {
		status = models.ExecutionStatusSuccess
		if interpreter.Failed() {
			status = models.ExecutionStatusError
		}
	} else {
		token = uuid.NewString()
	}

	updated, err := e.executions.Update(ctx, record.ID, func(stored *models.ExecutionRecord) error {
		stored.Status = status
		stored.Context = interpreter.Context()
		stored.Output = interpreter.Output()
		stored.Credentials = credentialMap
		stored.StepToken = token

		return nil
	})
	if err != nil {
		logger.ErrorContext(ctx, "Failed to persist step", "error", err)
		e.release(ctx, logger, record.ID, request.Token)

		return protocol.StepOutcomeError, err
	}

	logger = logger.With("status", status)

	if status.IsTerminal() {
		e.registry.Unregister(updated.CorrelationID)
		e.publishTerminal(ctx, logger, updated)
		logger.InfoContext(ctx, "Execution finished")

		if status == models.ExecutionStatusSuccess {
			return protocol.StepOutcomeOK, nil
		}

		return protocol.StepOutcomeError, nil
	}

	return protocol.StepOutcomeRetry, e.continueAfter(ctx, logger, updated, request.Routing, interpreter)
}

// continueAfter schedules the one continuation of a running record.
func (e *Executor) continueAfter(ctx context.Context, logger *slog.Logger, record *models.ExecutionRecord, routing models.RoutingHints, interpreter protocol.Interpreter) error {
	var deliverAt *time.Time

	switch {
	case interpreter.WaitUntil() != nil:
		deliverAt = interpreter.WaitUntil()
		logger.DebugContext(ctx, "Waiting until deadline", "deliver_at", deliverAt)
	case interpreter.Waiting():
		e.registry.Register(correlator.Registration{
			ExecutionID:   record.ID,
			CorrelationID: record.CorrelationID,
			Routing:       routing,
		})

		fallback := e.now().Add(e.pollInterval)
		deliverAt = &fallback
		logger.DebugContext(ctx, "Waiting on async resource", "poll_at", fallback)
	}

	return e.submit(ctx, record, routing, deliverAt)
}

// abort ends the execution with status failure after an interpreter error.
func (e *Executor) abort(ctx context.Context, logger *slog.Logger, record *models.ExecutionRecord, cause error) error {
	output, err := json.Marshal(map[string]string{"Error": errorRuntime, "Cause": cause.Error()})
	if err != nil {
		return err
	}

	updated, err := e.executions.Update(ctx, record.ID, func(stored *models.ExecutionRecord) error {
		stored.Status = models.ExecutionStatusFailure
		stored.Output = output
		stored.StepToken = ""

		return nil
	})
	if err != nil {
		return err
	}

	e.registry.Unregister(updated.CorrelationID)
	e.publishTerminal(ctx, logger, updated)

	return nil
}

// Enqueue schedules the next step of a record that has no outstanding continuation,
// e.g. its first step.
func (e *Executor) Enqueue(ctx context.Context, executionID string, routing models.RoutingHints) error {
	token := uuid.NewString()

	record, err := e.executions.Update(ctx, executionID, func(stored *models.ExecutionRecord) error {
		if stored.Status.IsTerminal() {
			return ErrExecutionFinished
		}

		stored.StepToken = token

		return nil
	})
	if err != nil {
		return err
	}

	return e.submit(ctx, record, routing, nil)
}

// Continue schedules an immediate step for a record waiting on an async resource.
// It replaces the outstanding continuation; if a step is in flight it does nothing,
// that step schedules its own continuation.
func (e *Executor) Continue(ctx context.Context, registration correlator.Registration) error {
	token := uuid.NewString()

	record, err := e.executions.Update(ctx, registration.ExecutionID, func(stored *models.ExecutionRecord) error {
		if stored.Status.IsTerminal() || stored.StepToken == "" {
			return ErrStaleStep
		}

		stored.StepToken = token

		return nil
	})
	if errors.Is(err, ErrStaleStep) {
		return nil
	}

	if err != nil {
		return err
	}

	return e.submit(ctx, record, registration.Routing, nil)
}

func (e *Executor) submit(ctx context.Context, record *models.ExecutionRecord, routing models.RoutingHints, deliverAt *time.Time) error {
	submission := scheduler.Submission{
		TargetType:     TargetType,
		TargetID:       record.ID,
		Method:         MethodStep,
		Args:           stepArgs(record.StepToken, routing),
		Zone:           routing.Zone,
		Role:           routing.Role,
		QueueName:      routing.QueueName,
		WorkerAffinity: routing.WorkerAffinity,
		DeliverAt:      deliverAt,
	}

	if record.TaskID != "" {
		submission.OnCompletion = &scheduler.Callback{
			TargetType: TargetType,
			TargetID:   record.ID,
			Method:     MethodQueueCallback,
		}
	}

	err := e.queue.Submit(ctx, submission)
	if err != nil {
		return fmt.Errorf("failed to schedule step of %s: %w", record.ID, err)
	}

	return nil
}

// QueueCallback mirrors a step delivery onto the owning task of the execution. A
// finished task is never moved back to active.
func (e *Executor) QueueCallback(ctx context.Context, executionID, deliveryState, message string) error {
	record, err := e.executions.GetByID(ctx, executionID)
	if err != nil {
		return err
	}

	if record.TaskID == "" {
		return nil
	}

	state, status, text := TaskStatusFor(record.Status, deliveryState, message)

	if state != models.TaskStateFinished {
		task, err := e.tasks.GetByID(ctx, record.TaskID)
		if err != nil {
			return err
		}

		if task.IsFinished() {
			e.logger.DebugContext(ctx, "Owning task already finished", "execution_id", executionID, "task_id", task.ID)

			return nil
		}
	}

	return e.tasks.UpdateStatus(ctx, record.TaskID, state, status, text)
}

// TaskStatusFor maps a delivery outcome and execution status to the owning task.
func TaskStatusFor(executionStatus models.ExecutionStatus, deliveryState, message string) (models.TaskState, models.TaskStatus, string) {
	if deliveryState == scheduler.DeliveryStateError {
		return models.TaskStateFinished, models.TaskStatusError, "Workflow failed: " + message
	}

	switch executionStatus {
	case models.ExecutionStatusSuccess:
		return models.TaskStateFinished, models.TaskStatusOk, "Workflow completed successfully"
	case models.ExecutionStatusError, models.ExecutionStatusFailure:
		return models.TaskStateFinished, models.TaskStatusError, "Workflow completed in failure"
	default:
		return models.TaskStateActive, models.TaskStatusOk, "Workflow running"
	}
}

func (e *Executor) publishTerminal(ctx context.Context, logger *slog.Logger, record *models.ExecutionRecord) {
	if e.publisher == nil {
		return
	}

	var event eventbus.Event

	if record.Status == models.ExecutionStatusSuccess {
		var output any
		_ = json.Unmarshal(record.Output, &output)

		event = events.WorkflowExecutionCompleted{
			BaseEvent:   events.NewBaseEvent(events.WorkflowExecutionCompletedEvent, record.WorkflowID),
			ExecutionID: record.ID,
			Output:      output,
		}
	} else {
		var failure struct {
			Error string `json:"Error"`
			Cause string `json:"Cause"`
		}
		_ = json.Unmarshal(record.Output, &failure)

		event = events.WorkflowExecutionFailed{
			BaseEvent:   events.NewBaseEvent(events.WorkflowExecutionFailedEvent, record.WorkflowID),
			ExecutionID: record.ID,
			Status:      string(record.Status),
			Error:       failure.Error,
			Cause:       failure.Cause,
		}
	}

	err := e.publisher.Publish(ctx, record.ID, event)
	if err != nil {
		logger.WarnContext(ctx, "Failed to publish execution event", "error", err)
	}
}
