package workflow_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dukex/flowrun/pkg/builtin"
	"github.com/dukex/flowrun/pkg/correlator"
	"github.com/dukex/flowrun/pkg/credentials"
	"github.com/dukex/flowrun/pkg/log"
	"github.com/dukex/flowrun/pkg/models"
	"github.com/dukex/flowrun/pkg/persistence/file"
	"github.com/dukex/flowrun/pkg/protocol"
	"github.com/dukex/flowrun/pkg/registry"
	"github.com/dukex/flowrun/pkg/scheduler"
	"github.com/dukex/flowrun/pkg/secrets"
	"github.com/dukex/flowrun/pkg/statemachine"
	"github.com/dukex/flowrun/pkg/testutil"
	"github.com/dukex/flowrun/pkg/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingQueue struct {
	mu          sync.Mutex
	submissions []scheduler.Submission
	err         error
}

func (q *recordingQueue) Submit(_ context.Context, submission scheduler.Submission) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.err != nil {
		return q.err
	}

	q.submissions = append(q.submissions, submission)

	return nil
}

func (q *recordingQueue) last(t *testing.T) scheduler.Submission {
	t.Helper()

	q.mu.Lock()
	defer q.mu.Unlock()

	require.NotEmpty(t, q.submissions)

	return q.submissions[len(q.submissions)-1]
}

func (q *recordingQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.submissions)
}

type recordingObserver struct {
	started  int
	outcomes []protocol.StepOutcome
}

func (o *recordingObserver) StepStarted(ctx context.Context, _ protocol.StepRecord) context.Context {
	o.started++

	return ctx
}

func (o *recordingObserver) StepFinished(_ context.Context, _ protocol.StepRecord, outcome protocol.StepOutcome, _ error) {
	o.outcomes = append(o.outcomes, outcome)
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

// asyncTask is a builtin method that stays running until done is set.
type asyncTask struct {
	mu   sync.Mutex
	done bool
}

func (a *asyncTask) finish() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.done = true
}

func (a *asyncTask) handler() builtin.Handler {
	return builtin.Handler{
		Invoke: func(context.Context, map[string]any, map[string]string, map[string]any) (models.RunnerContext, error) {
			return models.RunnerContext{}.Pending(), nil
		},
		Poll: func(_ context.Context, rc models.RunnerContext) (models.RunnerContext, error) {
			a.mu.Lock()
			defer a.mu.Unlock()

			if !a.done {
				return rc.Merge(nil).Pending(), nil
			}

			return rc.Merge(nil).Succeed(map[string]any{"rows": 3}), nil
		},
	}
}

type harness struct {
	executor   *workflow.Executor
	executions *file.ExecutionRepository
	tasks      *file.TaskRepository
	auths      *file.AuthenticationRepository
	factory    *statemachine.Factory
	registry   *correlator.Registry
	queue      *recordingQueue
	observer   *recordingObserver
	box        *secrets.Box
	clock      *fakeClock
	async      *asyncTask
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	root := t.TempDir()
	logger := log.Discard()

	key, err := secrets.GenerateKey()
	require.NoError(t, err)

	box, err := secrets.NewBoxFromBase64(key)
	require.NoError(t, err)

	h := &harness{
		executions: file.NewExecutionRepository(root),
		tasks:      file.NewTaskRepository(root),
		auths:      file.NewAuthenticationRepository(root),
		registry:   correlator.NewRegistry(),
		queue:      &recordingQueue{},
		observer:   &recordingObserver{},
		box:        box,
		clock:      &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)},
		async:      &asyncTask{},
	}

	dispatcher := builtin.NewDispatcher(logger)
	dispatcher.Register("query", h.async.handler())

	runners := registry.NewRegistry(logger)
	runners.Register(builtin.Scheme, dispatcher)

	h.factory = statemachine.NewFactory(runners, statemachine.WithClock(h.clock.Now))
	resolver := credentials.NewResolver(credentials.NewAuthenticationStore(h.auths, box), box, logger)

	h.executor = workflow.NewExecutor(logger, h.executions, h.tasks, h.factory, resolver, h.registry, h.queue,
		workflow.WithClock(h.clock.Now),
		workflow.WithObserver(h.observer),
		workflow.WithPollInterval(time.Minute),
	)

	return h
}

// start saves a pending execution of payload and enqueues its first step.
func (h *harness) start(t *testing.T, payload string, overrides ...func(*models.ExecutionRecord)) *models.ExecutionRecord {
	t.Helper()

	definition := testutil.CreateTestDefinition(testutil.WithPayload(payload))
	record := testutil.CreateTestExecution(definition, overrides...)

	runCtx, err := h.factory.NewContext(json.RawMessage(`{"n":1}`), map[string]any{"Id": record.CorrelationID})
	require.NoError(t, err)

	record.Context = runCtx

	require.NoError(t, h.executions.Save(t.Context(), record))
	require.NoError(t, h.executor.Enqueue(t.Context(), record.ID, record.Routing))

	return record
}

// deliver runs the last submitted step.
func (h *harness) deliver(t *testing.T) error {
	t.Helper()

	submission := h.queue.last(t)
	token, _ := submission.Args["token"].(string)

	return h.executor.Step(t.Context(), workflow.StepRequest{ExecutionID: submission.TargetID, Token: token})
}

func (h *harness) load(t *testing.T, id string) *models.ExecutionRecord {
	t.Helper()

	record, err := h.executions.GetByID(t.Context(), id)
	require.NoError(t, err)

	return record
}

func TestExecutor_SingleSucceedState(t *testing.T) {
	h := newHarness(t)
	record := h.start(t, `{"StartAt":"Done","States":{"Done":{"Type":"Succeed"}}}`)

	require.NoError(t, h.deliver(t))

	stored := h.load(t, record.ID)
	assert.Equal(t, models.ExecutionStatusSuccess, stored.Status)
	assert.JSONEq(t, `{"n":1}`, string(stored.Output))
	assert.Empty(t, stored.StepToken)
	assert.Equal(t, 1, h.queue.count(), "no continuation after the terminal step")
	assert.Equal(t, []protocol.StepOutcome{protocol.StepOutcomeOK}, h.observer.outcomes)
}

func TestExecutor_WaitThenSucceed(t *testing.T) {
	h := newHarness(t)
	record := h.start(t, `{"StartAt":"Pause","States":{"Pause":{"Type":"Wait","Seconds":10,"Next":"Done"},"Done":{"Type":"Succeed"}}}`)

	require.NoError(t, h.deliver(t))

	stored := h.load(t, record.ID)
	assert.Equal(t, models.ExecutionStatusRunning, stored.Status)
	require.Equal(t, 2, h.queue.count())

	continuation := h.queue.last(t)
	require.NotNil(t, continuation.DeliverAt)
	assert.Equal(t, h.clock.now.Add(10*time.Second), *continuation.DeliverAt)
	assert.Equal(t, stored.StepToken, continuation.Args["token"])

	h.clock.now = h.clock.now.Add(10 * time.Second)

	require.NoError(t, h.deliver(t))

	stored = h.load(t, record.ID)
	assert.Equal(t, models.ExecutionStatusSuccess, stored.Status)
	assert.Equal(t, 2, h.queue.count())
	assert.Equal(t, []protocol.StepOutcome{protocol.StepOutcomeRetry, protocol.StepOutcomeOK}, h.observer.outcomes)
}

func TestExecutor_FailStateEndsWithError(t *testing.T) {
	h := newHarness(t)
	record := h.start(t, `{"StartAt":"Boom","States":{"Boom":{"Type":"Fail","Error":"Custom","Cause":"nope"}}}`)

	require.NoError(t, h.deliver(t))

	stored := h.load(t, record.ID)
	assert.Equal(t, models.ExecutionStatusError, stored.Status)
	assert.JSONEq(t, `{"Error":"Custom","Cause":"nope"}`, string(stored.Output))
}

func TestExecutor_InterpreterErrorEndsWithFailure(t *testing.T) {
	h := newHarness(t)
	record := h.start(t, `{"StartAt":"Run","States":{"Run":{"Type":"Task","Resource":"unknown://thing","End":true}}}`)

	require.NoError(t, h.deliver(t))

	stored := h.load(t, record.ID)
	assert.Equal(t, models.ExecutionStatusFailure, stored.Status)
	assert.Contains(t, string(stored.Output), "unknown resource scheme")
	assert.Equal(t, 1, h.queue.count())
	assert.Equal(t, []protocol.StepOutcome{protocol.StepOutcomeError}, h.observer.outcomes)
}

func TestExecutor_MissingCredentialAbortsStep(t *testing.T) {
	h := newHarness(t)
	record := h.start(t, testutil.PassDefinition, func(r *models.ExecutionRecord) {
		r.Credentials = models.CredentialMap{
			"db": models.ReferenceCredential{CredentialRef: "missing", Field: models.AuthenticationFieldPassword},
		}
	})
	token := h.load(t, record.ID).StepToken

	err := h.deliver(t)
	require.ErrorIs(t, err, credentials.ErrCredentialNotFound)

	stored := h.load(t, record.ID)
	assert.Equal(t, models.ExecutionStatusPending, stored.Status)
	assert.Empty(t, stored.Output)
	assert.Equal(t, token, stored.StepToken)
	assert.Equal(t, 1, h.queue.count())
}

func TestExecutor_ReconcilesRewrittenCredentials(t *testing.T) {
	h := newHarness(t)

	password, err := h.box.Encrypt("s3cret")
	require.NoError(t, err)
	require.NoError(t, h.auths.Save(t.Context(), &models.Authentication{
		ID: "auth-1", Name: "db", CredentialRef: "prod-db", TenantID: "tenant-1", Password: password,
	}))

	payload := `{"StartAt":"Rotate","States":{"Rotate":{"Type":"Pass","Result":{"same":"s3cret","changed":"rotated"},"ResultPath":"$.Credentials","End":true}}}`
	record := h.start(t, payload, func(r *models.ExecutionRecord) {
		r.Credentials = models.CredentialMap{
			"same":    models.ReferenceCredential{CredentialRef: "prod-db", Field: models.AuthenticationFieldPassword},
			"changed": models.ReferenceCredential{CredentialRef: "prod-db", Field: models.AuthenticationFieldPassword},
		}
	})

	require.NoError(t, h.deliver(t))

	stored := h.load(t, record.ID)
	assert.Equal(t, models.ExecutionStatusSuccess, stored.Status)
	assert.IsType(t, models.ReferenceCredential{}, stored.Credentials["same"])

	literal, ok := stored.Credentials["changed"].(models.LiteralCredential)
	require.True(t, ok)

	plain, err := h.box.Decrypt(literal.Encrypted)
	require.NoError(t, err)
	assert.Equal(t, "rotated", plain)
	assert.NotContains(t, string(stored.Context), "rotated")
}

func TestExecutor_AsyncTaskRegistersAndFallsBack(t *testing.T) {
	h := newHarness(t)
	record := h.start(t, `{"StartAt":"Query","States":{"Query":{"Type":"Task","Resource":"builtin://query","End":true}}}`)

	require.NoError(t, h.deliver(t))

	stored := h.load(t, record.ID)
	assert.Equal(t, models.ExecutionStatusRunning, stored.Status)

	registration, ok := h.registry.Lookup(record.CorrelationID)
	require.True(t, ok)
	assert.Equal(t, record.ID, registration.ExecutionID)

	fallback := h.queue.last(t)
	require.NotNil(t, fallback.DeliverAt)
	assert.Equal(t, h.clock.now.Add(time.Minute), *fallback.DeliverAt)

	// the correlator continues the execution; the fallback becomes stale
	require.NoError(t, h.executor.Continue(t.Context(), registration))
	require.Equal(t, 3, h.queue.count())

	continued := h.queue.last(t)
	assert.Nil(t, continued.DeliverAt)

	err := h.executor.Step(t.Context(), workflow.StepRequest{ExecutionID: record.ID, Token: fallback.Args["token"].(string)})
	require.ErrorIs(t, err, workflow.ErrStaleStep)
	assert.Equal(t, 3, h.queue.count(), "stale fallback schedules nothing")

	h.async.finish()
	require.NoError(t, h.deliver(t))

	stored = h.load(t, record.ID)
	assert.Equal(t, models.ExecutionStatusSuccess, stored.Status)
	assert.JSONEq(t, `{"rows":3}`, string(stored.Output))
	assert.Equal(t, 0, h.registry.Len())
}

func TestExecutor_OneOutstandingContinuation(t *testing.T) {
	h := newHarness(t)
	record := h.start(t, `{"StartAt":"Query","States":{"Query":{"Type":"Task","Resource":"builtin://query","End":true}}}`)

	require.NoError(t, h.deliver(t))

	var wg sync.WaitGroup

	for range 10 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_ = h.executor.Continue(t.Context(), correlator.Registration{ExecutionID: record.ID, CorrelationID: record.CorrelationID})
		}()
	}

	wg.Wait()

	stored := h.load(t, record.ID)

	valid := 0

	for _, submission := range h.queue.submissions {
		if submission.Args["token"] == stored.StepToken {
			valid++
		}
	}

	assert.Equal(t, 1, valid)

	// every other submission is dropped
	stepsBefore := h.queue.count()

	for _, submission := range h.queue.submissions[:stepsBefore] {
		if submission.Args["token"] == stored.StepToken {
			continue
		}

		err := h.executor.Step(t.Context(), workflow.StepRequest{ExecutionID: record.ID, Token: submission.Args["token"].(string)})
		require.ErrorIs(t, err, workflow.ErrStaleStep)
	}

	assert.Equal(t, stepsBefore, h.queue.count())
}

func TestExecutor_ContinueIgnoresFinishedExecutions(t *testing.T) {
	h := newHarness(t)
	record := h.start(t, testutil.PassDefinition)

	require.NoError(t, h.deliver(t))
	require.NoError(t, h.executor.Continue(t.Context(), correlator.Registration{ExecutionID: record.ID, CorrelationID: record.CorrelationID}))

	assert.Equal(t, 1, h.queue.count())
	require.ErrorIs(t, h.executor.Enqueue(t.Context(), record.ID, models.RoutingHints{}), workflow.ErrExecutionFinished)
}

func TestExecutor_SubmitFailureIsReturned(t *testing.T) {
	h := newHarness(t)
	record := h.start(t, `{"StartAt":"Pause","States":{"Pause":{"Type":"Wait","Seconds":10,"End":true}}}`)

	h.queue.err = errors.New("queue down")

	err := h.deliver(t)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue down")
	assert.Equal(t, models.ExecutionStatusRunning, h.load(t, record.ID).Status)
}

func TestExecutor_RoutingAndCallback(t *testing.T) {
	h := newHarness(t)

	task := models.NewTask("task-1", "Execute Workflow", "user-1")
	require.NoError(t, h.tasks.Save(t.Context(), task))

	routing := models.RoutingHints{Zone: "eu", Role: "gpu"}
	record := h.start(t, testutil.PassDefinition, func(r *models.ExecutionRecord) {
		r.TaskID = task.ID
		r.Routing = routing
	})

	submission := h.queue.last(t)
	assert.Equal(t, "generic.eu.gpu", submission.Queue())
	require.NotNil(t, submission.OnCompletion)
	assert.Equal(t, workflow.MethodQueueCallback, submission.OnCompletion.Method)

	dispatcher := scheduler.NewDispatcher(log.Discard())
	h.executor.RegisterHandlers(dispatcher)

	require.NoError(t, dispatcher.Handle(t.Context(), submission))

	stored, err := h.tasks.GetByID(t.Context(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateFinished, stored.State)
	assert.Equal(t, models.TaskStatusOk, stored.Status)
	assert.Equal(t, "Workflow completed successfully", stored.Message)
	assert.Equal(t, models.ExecutionStatusSuccess, h.load(t, record.ID).Status)
}

func TestExecutor_StaleFallbackKeepsFinishedTask(t *testing.T) {
	h := newHarness(t)

	task := models.NewTask("task-1", "Execute Workflow", "user-1")
	require.NoError(t, h.tasks.Save(t.Context(), task))

	record := h.start(t, `{"StartAt":"Query","States":{"Query":{"Type":"Task","Resource":"builtin://query","End":true}}}`,
		func(r *models.ExecutionRecord) { r.TaskID = task.ID })

	dispatcher := scheduler.NewDispatcher(log.Discard())
	h.executor.RegisterHandlers(dispatcher)

	require.NoError(t, dispatcher.Handle(t.Context(), h.queue.last(t)))

	fallback := h.queue.last(t)
	require.NotNil(t, fallback.DeliverAt)

	// the credential disappears before the correlator resumes the execution
	_, err := h.executions.Update(t.Context(), record.ID, func(stored *models.ExecutionRecord) error {
		stored.Credentials = models.CredentialMap{
			"db": models.ReferenceCredential{CredentialRef: "missing", Field: models.AuthenticationFieldPassword},
		}

		return nil
	})
	require.NoError(t, err)

	registration, ok := h.registry.Lookup(record.CorrelationID)
	require.True(t, ok)
	require.NoError(t, h.executor.Continue(t.Context(), registration))

	err = dispatcher.Handle(t.Context(), h.queue.last(t))
	require.ErrorIs(t, err, credentials.ErrCredentialNotFound)

	failed, err := h.tasks.GetByID(t.Context(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateFinished, failed.State)
	assert.Equal(t, models.TaskStatusError, failed.Status)
	assert.Contains(t, failed.Message, "Workflow failed: ")

	require.NoError(t, dispatcher.Handle(t.Context(), fallback))

	stored, err := h.tasks.GetByID(t.Context(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, failed.State, stored.State)
	assert.Equal(t, failed.Status, stored.Status)
	assert.Equal(t, failed.Message, stored.Message)
}

func TestExecutor_QueueCallbackNeverReopensFinishedTask(t *testing.T) {
	h := newHarness(t)

	task := models.NewTask("task-1", "Execute Workflow", "user-1")
	task.UpdateStatus(models.TaskStateFinished, models.TaskStatusError, "Workflow failed: boom")
	require.NoError(t, h.tasks.Save(t.Context(), task))

	record := h.start(t, testutil.PassDefinition, func(r *models.ExecutionRecord) { r.TaskID = task.ID })

	require.NoError(t, h.executor.QueueCallback(t.Context(), record.ID, scheduler.DeliveryStateOK, ""))

	stored, err := h.tasks.GetByID(t.Context(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateFinished, stored.State)
	assert.Equal(t, "Workflow failed: boom", stored.Message)

	require.NoError(t, h.deliver(t))
	require.NoError(t, h.executor.QueueCallback(t.Context(), record.ID, scheduler.DeliveryStateOK, ""))

	stored, err = h.tasks.GetByID(t.Context(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusOk, stored.Status)
	assert.Equal(t, "Workflow completed successfully", stored.Message)
}

func TestTaskStatusFor(t *testing.T) {
	tests := []struct {
		status      models.ExecutionStatus
		delivery    string
		wantState   models.TaskState
		wantStatus  models.TaskStatus
		wantMessage string
	}{
		{models.ExecutionStatusRunning, scheduler.DeliveryStateError, models.TaskStateFinished, models.TaskStatusError, "Workflow failed: boom"},
		{models.ExecutionStatusRunning, scheduler.DeliveryStateOK, models.TaskStateActive, models.TaskStatusOk, "Workflow running"},
		{models.ExecutionStatusSuccess, scheduler.DeliveryStateOK, models.TaskStateFinished, models.TaskStatusOk, "Workflow completed successfully"},
		{models.ExecutionStatusError, scheduler.DeliveryStateOK, models.TaskStateFinished, models.TaskStatusError, "Workflow completed in failure"},
		{models.ExecutionStatusFailure, scheduler.DeliveryStateOK, models.TaskStateFinished, models.TaskStatusError, "Workflow completed in failure"},
	}

	for _, tt := range tests {
		t.Run(string(tt.status)+"/"+tt.delivery, func(t *testing.T) {
			state, status, message := workflow.TaskStatusFor(tt.status, tt.delivery, "boom")

			assert.Equal(t, tt.wantState, state)
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantMessage, message)
		})
	}
}
