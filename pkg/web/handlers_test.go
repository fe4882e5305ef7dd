package web_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dukex/nodeflow/pkg/log"
	"github.com/dukex/nodeflow/pkg/metrics"
	"github.com/dukex/nodeflow/pkg/models"
	"github.com/dukex/nodeflow/pkg/persistence/file"
	"github.com/dukex/nodeflow/pkg/provider"
	"github.com/dukex/nodeflow/pkg/registry"
	"github.com/dukex/nodeflow/pkg/runtime"
	"github.com/dukex/nodeflow/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pipelineDoc = `{
  "schema": "nodeflow.template/v1",
  "nodes": [
    {"id": "gen", "kind": "gen", "resources": {"class": "local"}, "outputs": [{"name": "out", "type": "text"}]},
    {"id": "hold", "kind": "hold", "resources": {"class": "local"}, "inputs": [{"name": "in", "type": "text"}]}
  ],
  "edges": [{"from": ["gen", "out"], "to": ["hold", "in"]}]
}`

const choiceDoc = `{
  "schema": "nodeflow.template/v1",
  "nodes": [
    {"id": "pick", "kind": "choose", "outputs": [{"name": "choice", "type": "choice"}],
     "await": {"type": "choice", "choices": ["warm", "cool"]}}
  ]
}`

func setupTestApp(t *testing.T) (*fiber.App, *runtime.Runtime) {
	t.Helper()

	tools := registry.NewRegistry(log.Discard())
	tools.RegisterLocal("gen", provider.LocalToolFunc(func(context.Context, provider.LocalTask) (map[string]models.OutputAsset, error) {
		return map[string]models.OutputAsset{"out": {Type: models.PortTypeText, Location: "mem://gen"}}, nil
	}))
	tools.RegisterLocal("hold", provider.LocalToolFunc(func(ctx context.Context, _ provider.LocalTask) (map[string]models.OutputAsset, error) {
		<-ctx.Done()

		return nil, ctx.Err()
	}))
	tools.RegisterHuman("choose")

	rt := runtime.New(log.Discard(), file.NewPersistence(t.TempDir()), tools)
	require.NoError(t, rt.Start(context.Background()))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = rt.Close(ctx)
	})

	handlers := web.NewAPIHandlers(rt, validator.New(validator.WithRequiredStructEnabled()), metrics.New())

	app := fiber.New()
	handlers.Register(app)

	return app, rt
}

func doRequest(t *testing.T, app *fiber.App, method, target string, body any) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)

		reader = bytes.NewReader(payload)
	}

	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := app.Test(req)
	require.NoError(t, err)

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp, data
}

func problemType(t *testing.T, body []byte) string {
	t.Helper()

	var problem struct {
		Type string `json:"type"`
	}

	require.NoError(t, json.Unmarshal(body, &problem))

	return problem.Type
}

func createWorkflow(t *testing.T, app *fiber.App, doc string) *models.WorkflowInstance {
	t.Helper()

	resp, body := doRequest(t, app, http.MethodPost, "/workflows/", web.InstantiateRequest{Title: "test", Template: json.RawMessage(doc)})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var instance models.WorkflowInstance
	require.NoError(t, json.Unmarshal(body, &instance))

	return &instance
}

func TestAPIHandlers_CreateWorkflow(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		requestBody    any
		expectedStatus int
		expectedType   string
	}{
		{
			name:           "successful creation",
			requestBody:    web.InstantiateRequest{Title: "pipeline", Template: json.RawMessage(pipelineDoc)},
			expectedStatus: http.StatusCreated,
		},
		{
			name: "yaml document in a string",
			requestBody: web.InstantiateRequest{Template: mustJSON(t, "schema: nodeflow.template/v1\n"+
				"nodes:\n  - {id: gen, kind: gen, resources: {class: local}, outputs: [{name: out, type: text}]}\n")},
			expectedStatus: http.StatusCreated,
		},
		{
			name:           "missing template",
			requestBody:    map[string]any{"title": "empty"},
			expectedStatus: http.StatusBadRequest,
			expectedType:   "validation_error",
		},
		{
			name:           "unsupported schema",
			requestBody:    web.InstantiateRequest{Template: json.RawMessage(`{"schema": "other/v9", "nodes": [{"id": "a", "kind": "gen"}]}`)},
			expectedStatus: http.StatusBadRequest,
			expectedType:   "invalid_template",
		},
		{
			name: "cycle",
			requestBody: web.InstantiateRequest{Template: json.RawMessage(`{"schema": "nodeflow.template/v1",
				"nodes": [
				  {"id": "a", "kind": "gen", "inputs": [{"name": "in", "type": "text"}], "outputs": [{"name": "out", "type": "text"}]},
				  {"id": "b", "kind": "gen", "inputs": [{"name": "in", "type": "text"}], "outputs": [{"name": "out", "type": "text"}]}
				],
				"edges": [{"from": ["a", "out"], "to": ["b", "in"]}, {"from": ["b", "out"], "to": ["a", "in"]}]}`)},
			expectedStatus: http.StatusBadRequest,
			expectedType:   "invalid_template",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			app, _ := setupTestApp(t)

			resp, body := doRequest(t, app, http.MethodPost, "/workflows/", tt.requestBody)
			assert.Equal(t, tt.expectedStatus, resp.StatusCode, string(body))

			if tt.expectedType != "" {
				assert.Equal(t, tt.expectedType, problemType(t, body))
			}
		})
	}
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()

	data, err := json.Marshal(v)
	require.NoError(t, err)

	return data
}

func TestAPIHandlers_GetAndListWorkflows(t *testing.T) {
	t.Parallel()

	app, _ := setupTestApp(t)
	instance := createWorkflow(t, app, pipelineDoc)

	resp, body := doRequest(t, app, http.MethodGet, "/workflows/"+instance.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var fetched models.WorkflowInstance
	require.NoError(t, json.Unmarshal(body, &fetched))
	assert.Equal(t, instance.ID, fetched.ID)
	assert.Len(t, fetched.Tools, 2)

	resp, body = doRequest(t, app, http.MethodGet, "/workflows/", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list struct {
		Workflows  []web.WorkflowSummary `json:"workflows"`
		TotalCount int                   `json:"total_count"`
	}
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Equal(t, 1, list.TotalCount)
	assert.Equal(t, "test", list.Workflows[0].Title)

	resp, body = doRequest(t, app, http.MethodGet, "/workflows/wf-missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "workflow_not_found", problemType(t, body))
}

func TestAPIHandlers_NodeCommands(t *testing.T) {
	t.Parallel()

	app, rt := setupTestApp(t)
	instance := createWorkflow(t, app, pipelineDoc)

	require.Eventually(t, func() bool {
		current, err := rt.Get(context.Background(), instance.ID)

		return err == nil && current.Tool("hold").State == models.StateRunningLocal
	}, 5*time.Second, 5*time.Millisecond)

	tests := []struct {
		name           string
		path           string
		expectedStatus int
		expectedType   string
		expectedState  models.ToolState
	}{
		{
			name:           "retry a running node",
			path:           "/workflows/" + instance.ID + "/nodes/hold/retry",
			expectedStatus: http.StatusConflict,
			expectedType:   "conflict",
		},
		{
			name:           "unknown node",
			path:           "/workflows/" + instance.ID + "/nodes/nope/run",
			expectedStatus: http.StatusNotFound,
			expectedType:   "node_not_found",
		},
		{
			name:           "cancel the running node",
			path:           "/workflows/" + instance.ID + "/nodes/hold/cancel",
			expectedStatus: http.StatusOK,
			expectedState:  models.StateCancelled,
		},
		{
			name:           "cancel twice",
			path:           "/workflows/" + instance.ID + "/nodes/hold/cancel",
			expectedStatus: http.StatusConflict,
			expectedType:   "conflict",
		},
	}

	for _, tt := range tests {
		resp, body := doRequest(t, app, http.MethodPost, tt.path, nil)
		require.Equal(t, tt.expectedStatus, resp.StatusCode, "%s: %s", tt.name, body)

		if tt.expectedType != "" {
			assert.Equal(t, tt.expectedType, problemType(t, body), tt.name)
		}

		if tt.expectedState != "" {
			var tool models.ToolInstance
			require.NoError(t, json.Unmarshal(body, &tool))
			assert.Equal(t, tt.expectedState, tool.State, tt.name)
		}
	}
}

func TestAPIHandlers_AwaitLifecycle(t *testing.T) {
	t.Parallel()

	app, _ := setupTestApp(t)
	instance := createWorkflow(t, app, choiceDoc)

	resp, body := doRequest(t, app, http.MethodGet, "/awaits/?workflow_id="+instance.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list struct {
		Awaits []models.AwaitRequest `json:"awaits"`
	}
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list.Awaits, 1)

	awaitPath := "/awaits/" + list.Awaits[0].ID

	resp, body = doRequest(t, app, http.MethodPost, awaitPath+"/claim", web.ClaimRequest{Claimant: "alice", LeaseSeconds: 60})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var claim models.AwaitClaim
	require.NoError(t, json.Unmarshal(body, &claim))
	assert.Equal(t, "alice", claim.Claimant)
	assert.Equal(t, models.Duration(time.Minute), claim.Lease)

	resp, body = doRequest(t, app, http.MethodPost, awaitPath+"/claim", web.ClaimRequest{Claimant: "bob"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "claim_conflict", problemType(t, body))

	resp, _ = doRequest(t, app, http.MethodPost, awaitPath+"/claim", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doRequest(t, app, http.MethodPost, awaitPath+"/complete", web.CompleteRequest{
		Claimant: "alice",
		Result:   models.CompletionResult{Kind: models.CompletionChoice, Choice: "hot"},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = doRequest(t, app, http.MethodPost, awaitPath+"/complete", web.CompleteRequest{
		Claimant: "alice",
		Result:   models.CompletionResult{Kind: models.CompletionChoice, Choice: "warm"},
	})
	require.Equal(t, http.StatusNoContent, resp.StatusCode, string(body))

	resp, body = doRequest(t, app, http.MethodPost, awaitPath+"/complete", web.CompleteRequest{
		Claimant: "alice",
		Result:   models.CompletionResult{Kind: models.CompletionChoice, Choice: "cool"},
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "await_resolved", problemType(t, body))

	resp, _ = doRequest(t, app, http.MethodGet, "/awaits/await-missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPIHandlers_Polling(t *testing.T) {
	t.Parallel()

	app, rt := setupTestApp(t)

	resp, body := doRequest(t, app, http.MethodPost, "/polling/pause", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"paused": true}`, string(body))
	assert.True(t, rt.PollingPaused())

	resp, body = doRequest(t, app, http.MethodPost, "/polling/resume", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"paused": false}`, string(body))
}

func TestAPIHandlers_DeleteWorkflow(t *testing.T) {
	t.Parallel()

	app, _ := setupTestApp(t)
	instance := createWorkflow(t, app, choiceDoc)

	resp, _ := doRequest(t, app, http.MethodDelete, "/workflows/"+instance.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = doRequest(t, app, http.MethodGet, "/workflows/"+instance.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPIHandlers_HealthAndMetrics(t *testing.T) {
	t.Parallel()

	app, _ := setupTestApp(t)

	resp, body := doRequest(t, app, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"healthy"`)

	resp, _ = doRequest(t, app, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
