// Package container runs task resources as containers, addressed as docker://<image>.
// Containers are started and removed by an agent listening on the event bus; the agent
// reports state changes on the container resource topic.
package container

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/flowrun/pkg/eventbus"
	"github.com/dukex/flowrun/pkg/events"
	"github.com/dukex/flowrun/pkg/models"
	"github.com/dukex/flowrun/pkg/protocol"
	"github.com/dukex/flowrun/pkg/secrets"
	"github.com/google/uuid"
)

const (
	Scheme       = "docker"
	Kind         = "container"
	schemePrefix = Scheme + "://"

	RunnerContextContainerRef  = "container_ref"
	RunnerContextCorrelationID = "correlation_id"
	RunnerContextState         = "state"

	stateRequested = "requested"
)

var (
	ErrInvalidResource  = errors.New("invalid container resource")
	ErrMissingExecution = errors.New("execution has no Id")
)

// Runner implements protocol.Runner for the docker scheme.
type Runner struct {
	logger    *slog.Logger
	publisher eventbus.EventPublisher
	store     StateStore
	box       *secrets.Box
}

func NewRunner(logger *slog.Logger, publisher eventbus.EventPublisher, store StateStore, box *secrets.Box) *Runner {
	return &Runner{
		logger:    logger.With("module", "container_runner"),
		publisher: publisher,
		store:     store,
		box:       box,
	}
}

// ContainerRef names a new container of an execution. Each task gets its own container.
func ContainerRef(correlationID string) string {
	return "flowrun-" + correlationID + "-" + uuid.NewString()[:8]
}

// RunAsync requests the container. Parameters: Command (list of strings) and Env (object).
// Secrets are passed to the agent encrypted.
func (r *Runner) RunAsync(ctx context.Context, resource string, params map[string]any, secretValues map[string]string, execution map[string]any) (models.RunnerContext, error) {
	image, ok := strings.CutPrefix(resource, schemePrefix)
	if !ok || image == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidResource, resource)
	}

	correlationID, _ := execution["Id"].(string)
	if correlationID == "" {
		return nil, ErrMissingExecution
	}

	encrypted, err := r.box.EncryptMap(secretValues)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt container secrets: %w", err)
	}

	containerRef := ContainerRef(correlationID)

	event := events.ContainerRunRequested{
		BaseEvent:     events.NewBaseEvent(events.ContainerRunRequestedEvent, ""),
		ExecutionID:   stringValue(execution["ExecutionId"]),
		CorrelationID: correlationID,
		ContainerRef:  containerRef,
		Image:         image,
		Command:       stringList(params["Command"]),
		Env:           stringMap(params["Env"]),
		Secrets:       encrypted,
	}

	err = r.publisher.Publish(ctx, containerRef, event)
	if err != nil {
		return nil, fmt.Errorf("failed to request container: %w", err)
	}

	r.logger.InfoContext(ctx, "Container requested", "container_ref", containerRef, "image", image)

	return models.RunnerContext{
		RunnerContextContainerRef:  containerRef,
		RunnerContextCorrelationID: correlationID,
		RunnerContextState:         stateRequested,
	}.Pending(), nil
}

// Status maps the last reported container state onto the runner context.
func (r *Runner) Status(ctx context.Context, runnerContext models.RunnerContext) (models.RunnerContext, error) {
	state, found, err := r.store.Get(ctx, runnerContext.String(RunnerContextContainerRef))
	if err != nil {
		return nil, err
	}

	updated := runnerContext.Merge(nil)
	if !found {
		return updated.Pending(), nil
	}

	updated[RunnerContextState] = state.State

	switch state.State {
	case protocol.ResourceEventFinished:
		if state.ExitCode != nil && *state.ExitCode != 0 {
			return updated.Fail(fmt.Sprintf("container exited with code %d", *state.ExitCode)), nil
		}

		output := state.Output
		if output == nil {
			output = map[string]any{"ExitCode": 0}
		}

		return updated.Succeed(output), nil
	case protocol.ResourceEventDeleted:
		return updated.Fail("container was deleted before finishing"), nil
	default:
		return updated.Pending(), nil
	}
}

func (r *Runner) Running(runnerContext models.RunnerContext) bool {
	return runnerContext.Running()
}

func (r *Runner) Success(runnerContext models.RunnerContext) bool {
	return runnerContext.Success()
}

func (r *Runner) Output(runnerContext models.RunnerContext) any {
	return runnerContext.Output()
}

// Cleanup asks the agent to remove the container.
func (r *Runner) Cleanup(ctx context.Context, runnerContext models.RunnerContext) error {
	containerRef := runnerContext.String(RunnerContextContainerRef)
	if containerRef == "" {
		return nil
	}

	return r.publisher.Publish(ctx, containerRef, events.ContainerDeleteRequested{
		BaseEvent:     events.NewBaseEvent(events.ContainerDeleteRequestedEvent, ""),
		CorrelationID: runnerContext.String(RunnerContextCorrelationID),
		ContainerRef:  containerRef,
	})
}

func stringValue(value any) string {
	s, _ := value.(string)

	return s
}

func stringList(value any) []string {
	items, ok := value.([]any)
	if !ok {
		return nil
	}

	list := make([]string, 0, len(items))
	for _, item := range items {
		list = append(list, fmt.Sprint(item))
	}

	return list
}

func stringMap(value any) map[string]string {
	entries, ok := value.(map[string]any)
	if !ok {
		return nil
	}

	result := make(map[string]string, len(entries))
	for key, entry := range entries {
		result[key] = fmt.Sprint(entry)
	}

	return result
}
