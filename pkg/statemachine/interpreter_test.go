package statemachine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/dukex/flowrun/pkg/builtin"
	"github.com/dukex/flowrun/pkg/log"
	"github.com/dukex/flowrun/pkg/models"
	"github.com/dukex/flowrun/pkg/protocol"
	"github.com/dukex/flowrun/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

// fakeRunner finishes after polls Status calls.
type fakeRunner struct {
	polls    int
	success  bool
	output   any
	cleanups int
	params   map[string]any
	secrets  map[string]string
}

func (r *fakeRunner) ForResource(string) (protocol.Runner, error) { return r, nil }

func (r *fakeRunner) RunAsync(_ context.Context, _ string, params map[string]any, secrets map[string]string, _ map[string]any) (models.RunnerContext, error) {
	r.params = params
	r.secrets = secrets

	return models.RunnerContext{"remaining": float64(r.polls)}.Pending(), nil
}

func (r *fakeRunner) Status(_ context.Context, rc models.RunnerContext) (models.RunnerContext, error) {
	remaining, _ := rc["remaining"].(float64)
	if remaining > 1 {
		return rc.Merge(map[string]any{"remaining": remaining - 1}), nil
	}

	if r.success {
		return rc.Merge(nil).Succeed(r.output), nil
	}

	return rc.Merge(nil).Fail("container exited 1"), nil
}

func (r *fakeRunner) Running(rc models.RunnerContext) bool { return rc.Running() }
func (r *fakeRunner) Success(rc models.RunnerContext) bool { return rc.Success() }
func (r *fakeRunner) Output(rc models.RunnerContext) any   { return rc.Output() }

func (r *fakeRunner) Cleanup(context.Context, models.RunnerContext) error {
	r.cleanups++

	return nil
}

func newInterpreter(t *testing.T, factory *Factory, payload string, runCtx json.RawMessage, credentials map[string]string) *Interpreter {
	t.Helper()

	interpreter, err := factory.New(json.RawMessage(payload), runCtx, credentials)
	require.NoError(t, err)

	return interpreter.(*Interpreter)
}

func initialContext(t *testing.T, factory *Factory, input string) json.RawMessage {
	t.Helper()

	runCtx, err := factory.NewContext(json.RawMessage(input), map[string]any{"Id": "corr-1"})
	require.NoError(t, err)

	return runCtx
}

func TestInterpreter_SingleSucceedState(t *testing.T) {
	factory := NewFactory(&fakeRunner{})
	interpreter := newInterpreter(t, factory, `{"StartAt":"Done","States":{"Done":{"Type":"Succeed"}}}`, initialContext(t, factory, `{"a":1}`), nil)

	require.NoError(t, interpreter.RunNonBlocking(t.Context()))

	assert.True(t, interpreter.Ended())
	assert.False(t, interpreter.Failed())
	assert.Nil(t, interpreter.WaitUntil())
	assert.False(t, interpreter.Waiting())
	assert.JSONEq(t, `{"a":1}`, string(interpreter.Output()))
}

func TestInterpreter_WaitThenSucceed(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	factory := NewFactory(&fakeRunner{}, WithClock(clock.Now))
	payload := `{"StartAt":"Pause","States":{"Pause":{"Type":"Wait","Seconds":10,"Next":"Done"},"Done":{"Type":"Succeed"}}}`

	first := newInterpreter(t, factory, payload, initialContext(t, factory, `{}`), nil)
	require.NoError(t, first.RunNonBlocking(t.Context()))

	assert.False(t, first.Ended())
	assert.False(t, first.Waiting())
	require.NotNil(t, first.WaitUntil())
	assert.Equal(t, clock.now.Add(10*time.Second), *first.WaitUntil())

	// re-running before the deadline does not advance
	early := newInterpreter(t, factory, payload, first.Context(), nil)
	require.NoError(t, early.RunNonBlocking(t.Context()))
	assert.False(t, early.Ended())
	assert.Equal(t, "Pause", early.CurrentState())

	clock.now = clock.now.Add(10 * time.Second)

	second := newInterpreter(t, factory, payload, early.Context(), nil)
	require.NoError(t, second.RunNonBlocking(t.Context()))
	assert.True(t, second.Ended())
	assert.False(t, second.Failed())
	assert.Nil(t, second.WaitUntil())
}

func TestInterpreter_WaitSecondsPath(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	factory := NewFactory(&fakeRunner{}, WithClock(clock.Now))
	payload := `{"StartAt":"Pause","States":{"Pause":{"Type":"Wait","SecondsPath":"$.delay","End":true}}}`

	interpreter := newInterpreter(t, factory, payload, initialContext(t, factory, `{"delay":5}`), nil)
	require.NoError(t, interpreter.RunNonBlocking(t.Context()))

	require.NotNil(t, interpreter.WaitUntil())
	assert.Equal(t, clock.now.Add(5*time.Second), *interpreter.WaitUntil())
}

func TestInterpreter_FailState(t *testing.T) {
	factory := NewFactory(&fakeRunner{})
	payload := `{"StartAt":"Boom","States":{"Boom":{"Type":"Fail","Error":"Bad","Cause":"it broke"}}}`

	interpreter := newInterpreter(t, factory, payload, initialContext(t, factory, `{}`), nil)
	require.NoError(t, interpreter.RunNonBlocking(t.Context()))

	assert.True(t, interpreter.Ended())
	assert.True(t, interpreter.Failed())
	assert.JSONEq(t, `{"Error":"Bad","Cause":"it broke"}`, string(interpreter.Output()))
}

func TestInterpreter_PassStates(t *testing.T) {
	factory := NewFactory(&fakeRunner{})
	payload := `{
		"StartAt": "Set",
		"States": {
			"Set": {"Type": "Pass", "Result": {"size": 3}, "ResultPath": "$.config", "Next": "Select"},
			"Select": {"Type": "Pass", "Parameters": {"size.$": "$.config.size", "id.$": "$$.Execution.Id", "fixed": "x"}, "End": true}
		}
	}`

	interpreter := newInterpreter(t, factory, payload, initialContext(t, factory, `{"name":"vm"}`), nil)
	require.NoError(t, interpreter.RunNonBlocking(t.Context()))

	assert.True(t, interpreter.Ended())
	assert.JSONEq(t, `{"size":3,"id":"corr-1","fixed":"x"}`, string(interpreter.Output()))
}

func TestInterpreter_CredentialsResultPath(t *testing.T) {
	factory := NewFactory(&fakeRunner{})
	payload := `{"StartAt":"Login","States":{"Login":{"Type":"Pass","Result":{"token":"new-token"},"ResultPath":"$.Credentials","End":true}}}`

	interpreter := newInterpreter(t, factory, payload, initialContext(t, factory, `{"a":1}`), map[string]string{"token": "old", "user": "admin"})
	require.NoError(t, interpreter.RunNonBlocking(t.Context()))

	assert.Equal(t, map[string]string{"token": "new-token", "user": "admin"}, interpreter.Credentials())
	assert.JSONEq(t, `{"a":1}`, string(interpreter.Output()))
	assert.NotContains(t, string(interpreter.Context()), "new-token")
	assert.NotContains(t, string(interpreter.Context()), "admin")
}

func TestInterpreter_Choice(t *testing.T) {
	factory := NewFactory(&fakeRunner{})
	payload := `{
		"StartAt": "Route",
		"States": {
			"Route": {"Type": "Choice", "Choices": [
				{"Variable": "$.size", "NumericGreaterThan": 10, "Next": "Big"},
				{"Variable": "$.kind", "StringEquals": "small", "Next": "Small"}
			], "Default": "Other"},
			"Big": {"Type": "Pass", "Result": "big", "End": true},
			"Small": {"Type": "Pass", "Result": "small", "End": true},
			"Other": {"Type": "Fail", "Error": "Unknown"}
		}
	}`

	tests := []struct {
		input  string
		output string
		failed bool
	}{
		{input: `{"size": 20}`, output: `"big"`},
		{input: `{"size": 1, "kind": "small"}`, output: `"small"`},
		{input: `{"kind": "huge"}`, output: `{"Error":"Unknown","Cause":""}`, failed: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			interpreter := newInterpreter(t, factory, payload, initialContext(t, factory, tt.input), nil)
			require.NoError(t, interpreter.RunNonBlocking(t.Context()))

			assert.True(t, interpreter.Ended())
			assert.Equal(t, tt.failed, interpreter.Failed())
			assert.JSONEq(t, tt.output, string(interpreter.Output()))
		})
	}
}

func TestInterpreter_TaskRunsUntilRunnerFinishes(t *testing.T) {
	runner := &fakeRunner{polls: 2, success: true, output: map[string]any{"exit": float64(0)}}
	factory := NewFactory(runner)
	payload := `{"StartAt":"Run","States":{"Run":{"Type":"Task","Resource":"docker://alpine","Parameters":{"cmd.$":"$.cmd"},"Credentials":{"pass.$":"$.db_pass"},"ResultPath":"$.result","End":true}}}`
	credentials := map[string]string{"db_pass": "s3cret", "other": "x"}

	interpreter := newInterpreter(t, factory, payload, initialContext(t, factory, `{"cmd":"ls"}`), credentials)
	require.NoError(t, interpreter.RunNonBlocking(t.Context()))

	assert.False(t, interpreter.Ended())
	assert.True(t, interpreter.Waiting())
	assert.Nil(t, interpreter.WaitUntil())
	assert.Equal(t, map[string]any{"cmd": "ls"}, runner.params)
	assert.Equal(t, map[string]string{"pass": "s3cret"}, runner.secrets)
	assert.NotContains(t, string(interpreter.Context()), "s3cret")

	runCtx := interpreter.Context()

	for range 2 {
		interpreter = newInterpreter(t, factory, payload, runCtx, credentials)
		require.NoError(t, interpreter.RunNonBlocking(t.Context()))
		runCtx = interpreter.Context()
	}

	assert.True(t, interpreter.Ended())
	assert.False(t, interpreter.Failed())
	assert.False(t, interpreter.Waiting())
	assert.JSONEq(t, `{"cmd":"ls","result":{"exit":0}}`, string(interpreter.Output()))
	assert.Equal(t, 1, runner.cleanups)
}

func TestInterpreter_TaskFailure(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		failed  bool
		output  string
	}{
		{
			name:    "uncaught",
			payload: `{"StartAt":"Run","States":{"Run":{"Type":"Task","Resource":"docker://alpine","End":true}}}`,
			failed:  true,
			output:  `{"Error":"TaskFailed","Cause":"container exited 1"}`,
		},
		{
			name: "caught",
			payload: `{"StartAt":"Run","States":{
				"Run":{"Type":"Task","Resource":"docker://alpine","Catch":[{"ErrorEquals":["States.ALL"],"Next":"Recover","ResultPath":"$.error"}],"End":true},
				"Recover":{"Type":"Succeed"}}}`,
			output: `{"error":{"Error":"TaskFailed","Cause":"container exited 1"}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			factory := NewFactory(&fakeRunner{polls: 1})

			interpreter := newInterpreter(t, factory, tt.payload, initialContext(t, factory, `{}`), nil)
			require.NoError(t, interpreter.RunNonBlocking(t.Context()))
			require.True(t, interpreter.Waiting())

			interpreter = newInterpreter(t, factory, tt.payload, interpreter.Context(), nil)
			require.NoError(t, interpreter.RunNonBlocking(t.Context()))

			assert.True(t, interpreter.Ended())
			assert.Equal(t, tt.failed, interpreter.Failed())
			assert.JSONEq(t, tt.output, string(interpreter.Output()))
		})
	}
}

func TestInterpreter_FailedBuiltinCleansUpOnce(t *testing.T) {
	tests := []struct {
		name   string
		invoke builtin.InvokeFunc
	}{
		{
			name: "error",
			invoke: func(context.Context, map[string]any, map[string]string, map[string]any) (models.RunnerContext, error) {
				return nil, errors.New("boom")
			},
		},
		{
			name: "panic",
			invoke: func(context.Context, map[string]any, map[string]string, map[string]any) (models.RunnerContext, error) {
				panic("boom")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cleanups := 0

			dispatcher := builtin.NewDispatcher(log.Discard())
			dispatcher.Register("boom", builtin.Handler{
				Invoke: tt.invoke,
				Cleanup: func(context.Context, models.RunnerContext) error {
					cleanups++

					return nil
				},
			})

			runners := registry.NewRegistry(log.Discard())
			runners.Register(builtin.Scheme, dispatcher)
			factory := NewFactory(runners)

			payload := `{"StartAt":"Run","States":{"Run":{"Type":"Task","Resource":"builtin://boom","End":true}}}`
			interpreter := newInterpreter(t, factory, payload, initialContext(t, factory, `{}`), nil)
			require.NoError(t, interpreter.RunNonBlocking(t.Context()))

			assert.True(t, interpreter.Ended())
			assert.True(t, interpreter.Failed())
			assert.JSONEq(t, `{"Error":"TaskFailed","Cause":"boom"}`, string(interpreter.Output()))
			assert.Equal(t, 1, cleanups)
		})
	}
}

func TestInterpreter_PassLoopYields(t *testing.T) {
	factory := NewFactory(&fakeRunner{})
	payload := `{"StartAt":"A","States":{"A":{"Type":"Pass","Next":"B"},"B":{"Type":"Pass","Next":"A"}}}`

	interpreter := newInterpreter(t, factory, payload, initialContext(t, factory, `{}`), nil)
	require.NoError(t, interpreter.RunNonBlocking(t.Context()))

	assert.False(t, interpreter.Ended())
	assert.False(t, interpreter.Waiting())
	assert.Nil(t, interpreter.WaitUntil())
}

func TestFactory_New_InvalidDefinition(t *testing.T) {
	factory := NewFactory(&fakeRunner{})

	tests := []struct {
		name    string
		payload string
	}{
		{name: "not json", payload: `{`},
		{name: "missing StartAt", payload: `{"States":{"A":{"Type":"Succeed"}}}`},
		{name: "unknown type", payload: `{"StartAt":"A","States":{"A":{"Type":"Parallel"}}}`},
		{name: "task without resource", payload: `{"StartAt":"A","States":{"A":{"Type":"Task","End":true}}}`},
		{name: "StartAt not a state", payload: `{"StartAt":"B","States":{"A":{"Type":"Succeed"}}}`},
		{name: "dangling Next", payload: `{"StartAt":"A","States":{"A":{"Type":"Pass","Next":"B"}}}`},
		{name: "no Next or End", payload: `{"StartAt":"A","States":{"A":{"Type":"Pass"}}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := factory.New(json.RawMessage(tt.payload), nil, nil)
			assert.ErrorIs(t, err, ErrInvalidDefinition)
		})
	}
}
