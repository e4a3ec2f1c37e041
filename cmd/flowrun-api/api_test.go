package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dukex/flowrun/pkg/log"
	"github.com/dukex/flowrun/pkg/models"
	"github.com/dukex/flowrun/pkg/persistence/file"
	"github.com/dukex/flowrun/pkg/registry"
	"github.com/dukex/flowrun/pkg/secrets"
	"github.com/dukex/flowrun/pkg/services"
	"github.com/dukex/flowrun/pkg/statemachine"
	"github.com/dukex/flowrun/pkg/testutil"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingEnqueuer struct {
	ids []string
}

func (e *recordingEnqueuer) Enqueue(_ context.Context, executionID string, _ models.RoutingHints) error {
	e.ids = append(e.ids, executionID)

	return nil
}

func setupTestApp(t *testing.T) (*fiber.App, *recordingEnqueuer) {
	t.Helper()

	key, err := secrets.GenerateKey()
	require.NoError(t, err)

	box, err := secrets.NewBoxFromBase64(key)
	require.NoError(t, err)

	runners := registry.NewRegistry(log.Discard())
	enqueuer := &recordingEnqueuer{}
	service := services.NewWorkflow(log.Discard(), file.NewPersistence(t.TempDir()), statemachine.NewFactory(runners), enqueuer, box)

	return NewAPI(log.Discard(), service, runners).App(), enqueuer
}

func get(t *testing.T, app *fiber.App, path string) (int, string) {
	t.Helper()

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, path, nil))
	require.NoError(t, err)

	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, string(body)
}

func TestAPI_RootEndpoint(t *testing.T) {
	app, _ := setupTestApp(t)

	status, body := get(t, app, "/")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Flowrun API", body)
}

func TestAPI_HealthCheck(t *testing.T) {
	app, _ := setupTestApp(t)

	status, body := get(t, app, "/livez")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "OK", body)

	status, _ = get(t, app, "/health")
	assert.Equal(t, http.StatusOK, status)
}

func TestAPI_CreateAndExecuteWorkflow(t *testing.T) {
	app, enqueuer := setupTestApp(t)

	payload, err := json.Marshal(map[string]any{"name": "api test", "payload": json.RawMessage(testutil.PassDefinition)})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/workflows", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	require.NoError(t, err)

	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var definition models.WorkflowDefinition
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&definition))

	req = httptest.NewRequest(http.MethodPost, "/workflows/"+definition.ID+"/execute", bytes.NewBufferString(`{"user_id":"user-1","inputs":{"a":1}}`))
	req.Header.Set("Content-Type", "application/json")

	resp, err = app.Test(req)
	require.NoError(t, err)

	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var response services.ExecuteResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&response))
	assert.Equal(t, []string{response.ExecutionID}, enqueuer.ids)

	status, _ := get(t, app, "/executions/"+response.ExecutionID)
	assert.Equal(t, http.StatusOK, status)
}
