// Package protocol defines the boundaries between the step driver and its collaborators:
// task runners, resource event sources, the state machine interpreter and step observers.
package protocol

import (
	"context"

	"github.com/dukex/flowrun/pkg/models"
)

// Runner executes the resource of a Task state. A run starts with RunAsync and is
// advanced by Status until Running reports false; Cleanup releases whatever the run
// created.
type Runner interface {
	// RunAsync starts the resource. execution is the interpreter's execution metadata
	// (correlation id under "Id" plus arbitrary request keys).
	RunAsync(ctx context.Context, resource string, params map[string]any, secrets map[string]string, execution map[string]any) (models.RunnerContext, error)

	// Status refreshes the runner context.
	Status(ctx context.Context, runnerContext models.RunnerContext) (models.RunnerContext, error)

	Running(runnerContext models.RunnerContext) bool
	Success(runnerContext models.RunnerContext) bool
	Output(runnerContext models.RunnerContext) any

	Cleanup(ctx context.Context, runnerContext models.RunnerContext) error
}
