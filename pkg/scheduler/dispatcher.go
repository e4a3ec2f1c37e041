package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
)

var (
	ErrUnknownTarget = errors.New("no handler registered for target")
	// ErrSkipped marks a delivery the handler chose not to run. Its completion callback
	// is not invoked and Handle reports success.
	ErrSkipped = errors.New("delivery skipped")
)

// HandlerFunc runs a delivered submission. The returned message is passed to the
// completion callback.
type HandlerFunc func(ctx context.Context, targetID string, args map[string]any) (message string, err error)

// Dispatcher maps "<target type>.<method>" to handlers.
type Dispatcher struct {
	logger   *slog.Logger
	handlers map[string]HandlerFunc
}

func NewDispatcher(logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		logger:   logger.With("module", "scheduler_dispatcher"),
		handlers: make(map[string]HandlerFunc),
	}
}

// Register adds a handler. It is meant to be called during startup only.
func (d *Dispatcher) Register(targetType, method string, handler HandlerFunc) {
	d.handlers[handlerKey(targetType, method)] = handler
}

// Handle is a DeliveryHandler. It runs the submission, then its completion callback
// with the delivery state and message.
func (d *Dispatcher) Handle(ctx context.Context, submission Submission) error {
	logger := d.logger.With(
		"submission_id", submission.ID,
		"target", handlerKey(submission.TargetType, submission.Method),
		"target_id", submission.TargetID,
	)

	message, err := d.run(ctx, submission.TargetType, submission.Method, submission.TargetID, submission.Args)
	if errors.Is(err, ErrSkipped) {
		logger.DebugContext(ctx, "Delivery skipped", "reason", err)

		return nil
	}

	if err != nil {
		logger.ErrorContext(ctx, "Delivery failed", "error", err)
	}

	if submission.OnCompletion != nil {
		d.complete(ctx, logger, *submission.OnCompletion, err, message)
	}

	return err
}

func (d *Dispatcher) complete(ctx context.Context, logger *slog.Logger, callback Callback, deliveryErr error, message string) {
	args := make(map[string]any, len(callback.Args)+2)
	maps.Copy(args, callback.Args)

	args[ArgDeliveryState] = DeliveryStateOK
	args[ArgMessage] = message

	if deliveryErr != nil {
		args[ArgDeliveryState] = DeliveryStateError
		args[ArgMessage] = deliveryErr.Error()
	}

	_, err := d.run(ctx, callback.TargetType, callback.Method, callback.TargetID, args)
	if err != nil {
		logger.ErrorContext(ctx, "Completion callback failed", "callback", handlerKey(callback.TargetType, callback.Method), "error", err)
	}
}

func (d *Dispatcher) run(ctx context.Context, targetType, method, targetID string, args map[string]any) (message string, err error) {
	handler, ok := d.handlers[handlerKey(targetType, method)]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTarget, handlerKey(targetType, method))
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()

	return handler(ctx, targetID, args)
}

func handlerKey(targetType, method string) string {
	return targetType + "." + method
}
