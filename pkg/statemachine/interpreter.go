package statemachine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/dukex/flowrun/pkg/models"
	"github.com/dukex/flowrun/pkg/protocol"
)

const (
	// maxTransitions bounds one RunNonBlocking call so a loop of Pass states
	// yields back to the scheduler.
	maxTransitions = 100

	credentialsPath = "$.Credentials"

	errorAll            = "States.ALL"
	errorNoChoice       = "States.NoChoiceMatched"
	errorRuntime        = "States.Runtime"
	errorKey            = "Error"
	causeKey            = "Cause"
	parameterPathSuffix = ".$"
)

// RunnerLookup resolves the runner of a task resource.
type RunnerLookup interface {
	ForResource(resource string) (protocol.Runner, error)
}

// Factory builds interpreters sharing one runner lookup.
type Factory struct {
	runners RunnerLookup
	now     func() time.Time
}

type Option func(*Factory)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(f *Factory) {
		f.now = now
	}
}

func NewFactory(runners RunnerLookup, options ...Option) *Factory {
	factory := &Factory{runners: runners, now: time.Now}

	for _, option := range options {
		option(factory)
	}

	return factory
}

// NewContext builds the context of a run that has not started yet.
func (f *Factory) NewContext(input json.RawMessage, execution map[string]any) (json.RawMessage, error) {
	value, err := decodeValue(input)
	if err != nil {
		return nil, fmt.Errorf("failed to decode input: %w", err)
	}

	if execution == nil {
		execution = map[string]any{}
	}

	return json.Marshal(runContext{Execution: execution, Input: value})
}

func (f *Factory) New(payload, runCtx json.RawMessage, credentials map[string]string) (protocol.Interpreter, error) {
	definition, err := ParseDefinition(payload)
	if err != nil {
		return nil, err
	}

	state, err := decodeContext(runCtx)
	if err != nil {
		return nil, err
	}

	if state.State.Name == "" && !state.Ended {
		state.State = stateContext{Name: definition.StartAt, Input: state.Input}
	}

	if _, ok := definition.States[state.State.Name]; !ok && !state.Ended {
		return nil, fmt.Errorf("%w: context points at unknown state %q", ErrInvalidDefinition, state.State.Name)
	}

	owned := make(map[string]string, len(credentials))
	maps.Copy(owned, credentials)

	return &Interpreter{
		definition:  definition,
		ctx:         state,
		credentials: owned,
		runners:     f.runners,
		now:         f.now,
	}, nil
}

// Interpreter advances one run. It is not safe for concurrent use.
type Interpreter struct {
	definition  *Definition
	ctx         *runContext
	credentials map[string]string
	runners     RunnerLookup
	now         func() time.Time

	waiting bool
}

func (i *Interpreter) RunNonBlocking(ctx context.Context) error {
	i.waiting = false

	for range maxTransitions {
		if i.ctx.Ended {
			return nil
		}

		waiting, err := i.step(ctx)
		if err != nil {
			return err
		}

		if waiting {
			i.waiting = i.current().Type == StateTask

			return nil
		}
	}

	return nil
}

func (i *Interpreter) Context() json.RawMessage {
	data, err := json.Marshal(i.ctx)
	if err != nil {
		// every value in the context came from JSON
		panic(fmt.Sprintf("statemachine: context is not serializable: %v", err))
	}

	return data
}

func (i *Interpreter) Output() json.RawMessage {
	if i.ctx.Output == nil {
		return nil
	}

	data, err := json.Marshal(i.ctx.Output)
	if err != nil {
		return nil
	}

	return data
}

func (i *Interpreter) Ended() bool  { return i.ctx.Ended }
func (i *Interpreter) Failed() bool { return i.ctx.Failed }

func (i *Interpreter) WaitUntil() *time.Time {
	if i.ctx.Ended || i.ctx.State.WaitUntil == nil || !i.ctx.State.WaitUntil.After(i.now()) {
		return nil
	}

	deadline := *i.ctx.State.WaitUntil

	return &deadline
}

func (i *Interpreter) Waiting() bool {
	return !i.ctx.Ended && i.waiting
}

func (i *Interpreter) Credentials() map[string]string {
	return maps.Clone(i.credentials)
}

// CurrentState is the name of the state the run is in.
func (i *Interpreter) CurrentState() string {
	return i.ctx.State.Name
}

func (i *Interpreter) current() *State {
	return i.definition.States[i.ctx.State.Name]
}

// step advances the current state; waiting is true when it cannot finish yet.
func (i *Interpreter) step(ctx context.Context) (waiting bool, err error) {
	state := i.current()
	now := i.now().UTC()

	if i.ctx.State.EnteredTime == nil {
		i.ctx.State.EnteredTime = &now
	}

	input, err := applyPath(i.ctx.State.Input, state.InputPath)
	if err != nil {
		return false, i.fail(errorRuntime, err.Error())
	}

	switch state.Type {
	case StatePass:
		return false, i.finishPass(state, input)
	case StateWait:
		return i.stepWait(state, input)
	case StateSucceed:
		return false, i.finish(state, input, "", true)
	case StateFail:
		i.record(state, nil)
		i.end(map[string]any{errorKey: state.Error, causeKey: state.Cause}, true)

		return false, nil
	case StateChoice:
		next, err := choose(state, input)
		if errors.Is(err, ErrNoChoiceMatched) {
			return false, i.fail(errorNoChoice, fmt.Sprintf("no choice matched in state %s", i.ctx.State.Name))
		}

		if err != nil {
			return false, err
		}

		i.record(state, i.ctx.State.Input)
		i.transition(next, i.ctx.State.Input)

		return false, nil
	case StateTask:
		return i.stepTask(ctx, state, input)
	default:
		return false, fmt.Errorf("%w: unsupported state type %q", ErrInvalidDefinition, state.Type)
	}
}

func (i *Interpreter) finishPass(state *State, input any) error {
	var result any = input

	if state.Result != nil {
		result = state.Result
	} else if state.Parameters != nil {
		parameters, err := i.evaluateParameters(state.Parameters, input)
		if err != nil {
			return i.fail(errorRuntime, err.Error())
		}

		result = parameters
	}

	output, err := i.applyResult(i.ctx.State.Input, result, state.ResultPath)
	if err != nil {
		return i.fail(errorRuntime, err.Error())
	}

	return i.finish(state, output, state.Next, state.End)
}

func (i *Interpreter) stepWait(state *State, input any) (bool, error) {
	if i.ctx.State.WaitUntil == nil {
		deadline, err := i.waitDeadline(state, input)
		if err != nil {
			return false, i.fail(errorRuntime, err.Error())
		}

		i.ctx.State.WaitUntil = &deadline
	}

	if i.ctx.State.WaitUntil.After(i.now()) {
		return true, nil
	}

	return false, i.finish(state, i.ctx.State.Input, state.Next, state.End)
}

func (i *Interpreter) waitDeadline(state *State, input any) (time.Time, error) {
	entered := *i.ctx.State.EnteredTime

	switch {
	case state.Seconds != nil:
		return entered.Add(time.Duration(*state.Seconds * float64(time.Second))), nil
	case state.SecondsPath != "":
		value, err := getPath(input, state.SecondsPath)
		if err != nil {
			return time.Time{}, err
		}

		seconds, ok := value.(float64)
		if !ok {
			return time.Time{}, fmt.Errorf("%s is not a number", state.SecondsPath)
		}

		return entered.Add(time.Duration(seconds * float64(time.Second))), nil
	case state.Timestamp != "":
		return time.Parse(time.RFC3339, state.Timestamp)
	case state.TimestampPath != "":
		value, err := getPath(input, state.TimestampPath)
		if err != nil {
			return time.Time{}, err
		}

		timestamp, ok := value.(string)
		if !ok {
			return time.Time{}, fmt.Errorf("%s is not a timestamp", state.TimestampPath)
		}

		return time.Parse(time.RFC3339, timestamp)
	default:
		return time.Time{}, fmt.Errorf("wait state %s has no duration", i.ctx.State.Name)
	}
}

func (i *Interpreter) stepTask(ctx context.Context, state *State, input any) (bool, error) {
	runner, err := i.runners.ForResource(state.Resource)
	if err != nil {
		return false, err
	}

	runnerContext := i.ctx.State.RunnerContext

	if runnerContext == nil {
		parameters := map[string]any{}

		if state.Parameters != nil {
			parameters, err = i.evaluateParameters(state.Parameters, input)
			if err != nil {
				return false, i.fail(errorRuntime, err.Error())
			}
		} else if object, ok := input.(map[string]any); ok {
			parameters = object
		}

		secrets, err := i.taskSecrets(state)
		if err != nil {
			return false, i.fail(errorRuntime, err.Error())
		}

		runnerContext, err = runner.RunAsync(ctx, state.Resource, parameters, secrets, maps.Clone(i.ctx.Execution))
		if err != nil {
			return false, err
		}
	} else {
		runnerContext, err = runner.Status(ctx, runnerContext)
		if err != nil {
			return false, err
		}
	}

	i.ctx.State.RunnerContext = runnerContext

	if runner.Running(runnerContext) {
		return true, nil
	}

	success := runner.Success(runnerContext)
	result := runner.Output(runnerContext)

	err = runner.Cleanup(ctx, runnerContext)
	if err != nil {
		return false, err
	}

	if success {
		output, err := i.applyResult(i.ctx.State.Input, result, state.ResultPath)
		if err != nil {
			return false, i.fail(errorRuntime, err.Error())
		}

		return false, i.finish(state, output, state.Next, state.End)
	}

	return false, i.catch(state, result)
}

// catch routes a failed task to the first matching catcher or fails the run.
func (i *Interpreter) catch(state *State, result any) error {
	failure, _ := result.(map[string]any)
	if failure == nil {
		failure = map[string]any{errorKey: models.ErrorTaskFailed, causeKey: fmt.Sprint(result)}
	}

	errorName, _ := failure[errorKey].(string)

	for _, catcher := range state.Catch {
		for _, name := range catcher.ErrorEquals {
			if name != errorAll && name != errorName {
				continue
			}

			output, err := i.applyResult(i.ctx.State.Input, failure, catcher.ResultPath)
			if err != nil {
				return i.fail(errorRuntime, err.Error())
			}

			i.record(state, output)
			i.transition(catcher.Next, output)

			return nil
		}
	}

	i.record(state, failure)
	i.end(failure, true)

	return nil
}

// taskSecrets evaluates the task's Credentials block against the run credentials, or
// passes every credential when the block is absent.
func (i *Interpreter) taskSecrets(state *State) (map[string]string, error) {
	if state.Credentials == nil {
		return maps.Clone(i.credentials), nil
	}

	document := make(map[string]any, len(i.credentials))
	for key, value := range i.credentials {
		document[key] = value
	}

	evaluated, err := i.evaluateAgainst(state.Credentials, document)
	if err != nil {
		return nil, err
	}

	secrets := make(map[string]string, len(evaluated))
	for key, value := range evaluated {
		secrets[key] = fmt.Sprint(value)
	}

	return secrets, nil
}

// evaluateParameters resolves "key.$" entries against the input, or against the
// context object for "$$." paths.
func (i *Interpreter) evaluateParameters(parameters map[string]any, input any) (map[string]any, error) {
	return i.evaluateAgainst(parameters, input)
}

func (i *Interpreter) evaluateAgainst(template map[string]any, document any) (map[string]any, error) {
	evaluated := make(map[string]any, len(template))

	for key, value := range template {
		name, isPath := strings.CutSuffix(key, parameterPathSuffix)
		if !isPath {
			if nested, ok := value.(map[string]any); ok {
				resolved, err := i.evaluateAgainst(nested, document)
				if err != nil {
					return nil, err
				}

				value = resolved
			}

			evaluated[key] = value

			continue
		}

		path, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s must be a path", ErrInvalidPath, key)
		}

		var (
			resolved any
			err      error
		)

		if contextPath, isContext := strings.CutPrefix(path, "$$"); isContext {
			resolved, err = getPath(map[string]any{"Execution": i.ctx.Execution}, "$"+contextPath)
		} else {
			resolved, err = getPath(document, path)
		}

		if err != nil {
			return nil, err
		}

		evaluated[name] = resolved
	}

	return evaluated, nil
}

// applyResult places result into the state input according to ResultPath. A result
// path of $.Credentials merges string values into the run credentials instead.
func (i *Interpreter) applyResult(input, result any, resultPath OptionalPath) (any, error) {
	path, ok := resultPath.Path()
	if !ok {
		return input, nil
	}

	if path == credentialsPath {
		values, isObject := result.(map[string]any)
		if !isObject {
			return nil, fmt.Errorf("result for %s must be an object", credentialsPath)
		}

		for key, value := range values {
			i.credentials[key] = fmt.Sprint(value)
		}

		return input, nil
	}

	return setPath(input, path, result)
}

func applyPath(value any, path OptionalPath) (any, error) {
	p, ok := path.Path()
	if !ok {
		return map[string]any{}, nil
	}

	return getPath(value, p)
}

func (i *Interpreter) finish(state *State, output any, next string, end bool) error {
	output, err := applyPath(output, state.OutputPath)
	if err != nil {
		return i.fail(errorRuntime, err.Error())
	}

	i.record(state, output)

	if end || next == "" {
		i.end(output, false)

		return nil
	}

	i.transition(next, output)

	return nil
}

func (i *Interpreter) record(state *State, output any) {
	i.ctx.History = append(i.ctx.History, historyEntry{
		Name:         i.ctx.State.Name,
		Type:         state.Type,
		EnteredTime:  *i.ctx.State.EnteredTime,
		FinishedTime: i.now().UTC(),
		Input:        i.ctx.State.Input,
		Output:       output,
	})
	i.ctx.Output = output
}

func (i *Interpreter) transition(next string, input any) {
	i.ctx.State = stateContext{Name: next, Input: input}
}

func (i *Interpreter) end(output any, failed bool) {
	i.ctx.Output = output
	i.ctx.Ended = true
	i.ctx.Failed = failed
	i.ctx.State.WaitUntil = nil
	i.ctx.State.RunnerContext = nil
}

// fail ends the run with a runtime error raised by the language itself.
func (i *Interpreter) fail(errorName, cause string) error {
	failure := map[string]any{errorKey: errorName, causeKey: cause}

	i.record(i.current(), failure)
	i.end(failure, true)

	return nil
}
