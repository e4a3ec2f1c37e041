package builtin

import (
	"context"
	"fmt"

	"github.com/dukex/flowrun/pkg/models"
	"github.com/dukex/flowrun/pkg/persistence"
)

const (
	MethodTaskExecute = "task_execute"

	ExecutionObjectType = "_object_type"
	ExecutionObjectID   = "_object_id"
)

// SubtaskExecutor starts the object a workflow was requested for and returns the task
// tracking it.
type SubtaskExecutor interface {
	ExecuteSubtask(ctx context.Context, objectType, objectID string, params map[string]any) (taskID string, err error)
}

// NewTaskExecuteHandler starts the request object named by the execution metadata and
// polls its task until it finishes.
func NewTaskExecuteHandler(executor SubtaskExecutor, tasks persistence.TaskRepository) Handler {
	return Handler{
		Invoke: func(ctx context.Context, params map[string]any, _ map[string]string, execution map[string]any) (models.RunnerContext, error) {
			objectType := stringParam(execution, ExecutionObjectType)
			if objectType == "" {
				return models.RunnerContext{}.Fail("Missing request task type"), nil
			}

			objectID := stringParam(execution, ExecutionObjectID)
			if objectID == "" {
				return models.RunnerContext{}.Fail("Missing request task id"), nil
			}

			if executor == nil {
				return nil, fmt.Errorf("no executor for %s", objectType)
			}

			taskID, err := executor.ExecuteSubtask(ctx, objectType, objectID, params)
			if err != nil {
				return nil, err
			}

			return models.RunnerContext{RunnerContextTaskID: taskID}.Pending(), nil
		},
		Poll: func(ctx context.Context, runnerContext models.RunnerContext) (models.RunnerContext, error) {
			return pollTask(ctx, tasks, runnerContext)
		},
	}
}
