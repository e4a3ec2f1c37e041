package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/dukex/flowrun/pkg/models"
	"github.com/dukex/flowrun/pkg/scheduler"
)

// Scheduler targets served by the executor.
const (
	TargetType          = "workflow_execution"
	MethodStep          = "step"
	MethodQueueCallback = "queue_callback"
)

const (
	argToken          = "token"
	argZone           = "zone"
	argRole           = "role"
	argQueueName      = "queue_name"
	argWorkerAffinity = "worker_affinity"
)

// RegisterHandlers binds the executor to its scheduler targets.
func (e *Executor) RegisterHandlers(dispatcher *scheduler.Dispatcher) {
	dispatcher.Register(TargetType, MethodStep, func(ctx context.Context, executionID string, args map[string]any) (string, error) {
		err := e.Step(ctx, StepRequest{
			ExecutionID: executionID,
			Token:       stringArg(args, argToken),
			Routing:     routingFromArgs(args),
		})
		if errors.Is(err, ErrStaleStep) {
			return "", fmt.Errorf("%w: %w", scheduler.ErrSkipped, err)
		}

		if err != nil {
			return "", err
		}

		return "Step completed", nil
	})

	dispatcher.Register(TargetType, MethodQueueCallback, func(ctx context.Context, executionID string, args map[string]any) (string, error) {
		err := e.QueueCallback(ctx, executionID, stringArg(args, scheduler.ArgDeliveryState), stringArg(args, scheduler.ArgMessage))
		if err != nil {
			return "", fmt.Errorf("failed to update owning task: %w", err)
		}

		return "", nil
	})
}

func stepArgs(token string, routing models.RoutingHints) map[string]any {
	args := map[string]any{argToken: token}

	for key, value := range map[string]string{
		argZone:           routing.Zone,
		argRole:           routing.Role,
		argQueueName:      routing.QueueName,
		argWorkerAffinity: routing.WorkerAffinity,
	} {
		if value != "" {
			args[key] = value
		}
	}

	return args
}

func routingFromArgs(args map[string]any) models.RoutingHints {
	return models.RoutingHints{
		Zone:           stringArg(args, argZone),
		Role:           stringArg(args, argRole),
		QueueName:      stringArg(args, argQueueName),
		WorkerAffinity: stringArg(args, argWorkerAffinity),
	}
}

func stringArg(args map[string]any, key string) string {
	value, _ := args[key].(string)

	return value
}
