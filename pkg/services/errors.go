// Package services implements the operations exposed by the flowrun API.
package services

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks client errors (400 Bad Request).
	ErrValidation = errors.New("validation failed")
	// ErrNotFound marks missing resources (404 Not Found).
	ErrNotFound = errors.New("not found")
	// ErrConflict marks requests clashing with stored state (409 Conflict).
	ErrConflict = errors.New("conflict")
)

// ServiceError wraps service-level errors with additional context.
type ServiceError struct {
	Op      string // Operation name
	Kind    error  // One of ErrValidation, ErrNotFound, ErrConflict
	Message string // Human-readable message
	Err     error  // Underlying error
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

func newError(op string, kind error, message string, err error) *ServiceError {
	return &ServiceError{Op: op, Kind: kind, Message: message, Err: err}
}

// IsValidationError checks if an error should return HTTP 400.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsNotFoundError checks if an error should return HTTP 404.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflictError checks if an error should return HTTP 409.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrConflict)
}
