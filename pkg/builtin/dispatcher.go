// Package builtin runs task resources implemented inside the worker, addressed as
// builtin://<method>.
package builtin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/flowrun/pkg/models"
)

const (
	Scheme       = "builtin"
	schemePrefix = Scheme + "://"
)

var ErrInvalidResource = errors.New("invalid resource")

type (
	InvokeFunc  func(ctx context.Context, params map[string]any, secrets map[string]string, execution map[string]any) (models.RunnerContext, error)
	PollFunc    func(ctx context.Context, runnerContext models.RunnerContext) (models.RunnerContext, error)
	CleanupFunc func(ctx context.Context, runnerContext models.RunnerContext) error
)

// Handler is one builtin method. Poll and Cleanup are optional: without Poll the
// context returned by Invoke is final, without Cleanup there is nothing to release.
type Handler struct {
	Invoke  InvokeFunc
	Poll    PollFunc
	Cleanup CleanupFunc
}

// Dispatcher implements protocol.Runner for the builtin scheme.
type Dispatcher struct {
	logger   *slog.Logger
	handlers map[string]Handler
}

func NewDispatcher(logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		logger:   logger.With("module", "builtin"),
		handlers: make(map[string]Handler),
	}
}

// Register adds a method. It is meant to be called during startup only.
func (d *Dispatcher) Register(method string, handler Handler) {
	d.handlers[method] = handler
}

// Methods lists the registered method names.
func (d *Dispatcher) Methods() []string {
	methods := make([]string, 0, len(d.handlers))
	for method := range d.handlers {
		methods = append(methods, method)
	}

	return methods
}

// RunAsync invokes the method named by resource. Handler failures are reported in the
// returned context, only a malformed resource is returned as an error. Cleanup is left to
// the caller, which runs it once the context stops running.
func (d *Dispatcher) RunAsync(ctx context.Context, resource string, params map[string]any, secrets map[string]string, execution map[string]any) (models.RunnerContext, error) {
	method, ok := strings.CutPrefix(resource, schemePrefix)
	if !ok || method == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidResource, resource)
	}

	tag := map[string]any{models.RunnerContextMethod: method}

	handler, ok := d.handlers[method]
	if !ok || handler.Invoke == nil {
		return models.RunnerContext{}.Fail(fmt.Sprintf("undefined method [%s]", method)).Merge(tag), nil
	}

	logger := d.logger.With("method", method)

	result, err := safeInvoke(ctx, handler.Invoke, params, secrets, execution)
	if err != nil {
		logger.WarnContext(ctx, "Builtin method failed", "error", err)

		return models.RunnerContext{}.Fail(err.Error()).Merge(tag), nil
	}

	if result == nil {
		result = models.RunnerContext{}
	}

	return result.Merge(tag), nil
}

// Status polls the method; a method without Poll returns the context unchanged.
func (d *Dispatcher) Status(ctx context.Context, runnerContext models.RunnerContext) (models.RunnerContext, error) {
	handler, ok := d.handlers[runnerContext.Method()]
	if !ok || handler.Poll == nil {
		return runnerContext, nil
	}

	updated, err := safePoll(ctx, handler.Poll, runnerContext)
	if err != nil {
		d.logger.WarnContext(ctx, "Builtin method status failed", "method", runnerContext.Method(), "error", err)

		return runnerContext.Merge(nil).Fail(err.Error()), nil
	}

	return updated, nil
}

func (d *Dispatcher) Running(runnerContext models.RunnerContext) bool {
	return runnerContext.Running()
}

func (d *Dispatcher) Success(runnerContext models.RunnerContext) bool {
	return runnerContext.Success()
}

func (d *Dispatcher) Output(runnerContext models.RunnerContext) any {
	return runnerContext.Output()
}

// Cleanup releases what the method holds. Cleanup failures are logged, not returned:
// the task outcome is already decided.
func (d *Dispatcher) Cleanup(ctx context.Context, runnerContext models.RunnerContext) error {
	handler, ok := d.handlers[runnerContext.Method()]
	if !ok || handler.Cleanup == nil {
		return nil
	}

	err := safeCleanup(ctx, handler.Cleanup, runnerContext)
	if err != nil {
		d.logger.WarnContext(ctx, "Builtin method cleanup failed", "method", runnerContext.Method(), "error", err)
	}

	return nil
}

func safeInvoke(ctx context.Context, invoke InvokeFunc, params map[string]any, secrets map[string]string, execution map[string]any) (result models.RunnerContext, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("%v", recovered)
		}
	}()

	return invoke(ctx, params, secrets, execution)
}

func safePoll(ctx context.Context, poll PollFunc, runnerContext models.RunnerContext) (result models.RunnerContext, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("%v", recovered)
		}
	}()

	return poll(ctx, runnerContext)
}

func safeCleanup(ctx context.Context, cleanup CleanupFunc, runnerContext models.RunnerContext) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("%v", recovered)
		}
	}()

	return cleanup(ctx, runnerContext)
}
