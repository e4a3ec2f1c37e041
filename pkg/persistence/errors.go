package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrWorkflowNotFound indicates a workflow definition was not found by the given identifier.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrExecutionNotFound indicates an execution record was not found.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrTaskNotFound indicates an owning task was not found.
	ErrTaskNotFound = errors.New("task not found")

	// ErrAuthenticationNotFound indicates a stored credential was not found in the requested tenant.
	ErrAuthenticationNotFound = errors.New("authentication not found")

	// ErrAuthenticationAlreadyExists indicates the credential reference is taken within the tenant.
	ErrAuthenticationAlreadyExists = errors.New("authentication already exists")

	// ErrInvalidID indicates an identifier that cannot be stored safely.
	ErrInvalidID = errors.New("invalid identifier")
)

// ExecutionError wraps execution-related errors with the operation that failed.
type ExecutionError struct {
	Op          string // Operation being performed (e.g., "GetByID", "Update")
	ExecutionID string
	Err         error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s operation failed for execution %s: %v", e.Op, e.ExecutionID, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// NewExecutionError creates a new execution error with context.
func NewExecutionError(op, executionID string, err error) *ExecutionError {
	return &ExecutionError{
		Op:          op,
		ExecutionID: executionID,
		Err:         err,
	}
}

// IsWorkflowNotFound checks if an error indicates a workflow was not found.
func IsWorkflowNotFound(err error) bool {
	return errors.Is(err, ErrWorkflowNotFound)
}

// IsExecutionNotFound checks if an error indicates an execution was not found.
func IsExecutionNotFound(err error) bool {
	return errors.Is(err, ErrExecutionNotFound)
}

// IsTaskNotFound checks if an error indicates a task was not found.
func IsTaskNotFound(err error) bool {
	return errors.Is(err, ErrTaskNotFound)
}

// IsAuthenticationNotFound checks if an error indicates a stored credential was not found.
func IsAuthenticationNotFound(err error) bool {
	return errors.Is(err, ErrAuthenticationNotFound)
}

// IsNotFound reports any of the not found errors.
func IsNotFound(err error) bool {
	return IsWorkflowNotFound(err) || IsExecutionNotFound(err) || IsTaskNotFound(err) || IsAuthenticationNotFound(err)
}
