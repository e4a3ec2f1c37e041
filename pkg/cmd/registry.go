package cmd

import (
	"log/slog"

	"github.com/dukex/flowrun/pkg/builtin"
	"github.com/dukex/flowrun/pkg/persistence"
	"github.com/dukex/flowrun/pkg/registry"
	"github.com/dukex/flowrun/pkg/runners/container"
)

// RegisterBuiltins adds the builtin methods served by every worker. The sub-task
// executor depends on the registry, so this runs after NewRegistry.
func RegisterBuiltins(dispatcher *builtin.Dispatcher, notifier builtin.Notifier, subtasks builtin.SubtaskExecutor, tasks persistence.TaskRepository) {
	dispatcher.Register(builtin.MethodEmail, builtin.NewEmailHandler(notifier, tasks))
	dispatcher.Register(builtin.MethodTaskExecute, builtin.NewTaskExecuteHandler(subtasks, tasks))
}

// NewRegistry maps the builtin:// and docker:// schemes to their runners.
func NewRegistry(logger *slog.Logger, builtins *builtin.Dispatcher, containers *container.Runner) *registry.Registry {
	reg := registry.NewRegistry(logger)
	reg.Register(builtin.Scheme, builtins)
	reg.Register(container.Scheme, containers)

	return reg
}
