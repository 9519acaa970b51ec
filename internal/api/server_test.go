package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"TaskPilot/internal/agent"
	xerrors "TaskPilot/internal/errors"
	"TaskPilot/internal/observability/metrics"
	"TaskPilot/internal/run"
	"TaskPilot/pkg/logger"
)

type stubExecutor struct {
	mu       sync.Mutex
	requests []agent.ExecutionRequest
	result   agent.ExecutionResult
}

func (s *stubExecutor) Execute(_ context.Context, req agent.ExecutionRequest) agent.ExecutionResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	return s.result
}

type stubHealth struct {
	err error
}

func (h stubHealth) Health(context.Context) error { return h.err }
func (h stubHealth) BaseURL() string              { return "http://executor.local" }

func newTestServer(t *testing.T, exec *stubExecutor, opts ...Option) (*Server, *run.MemoryStore) {
	t.Helper()
	store := run.NewMemoryStore()
	svc := run.NewService(exec, store, run.NewMemoryQueue(16), run.WithServiceLogger(logger.Discard()))
	opts = append([]Option{WithLogger(logger.Discard())}, opts...)
	return NewServer(":0", svc, opts...), store
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestExecuteReturnsEnvelope(t *testing.T) {
	exec := &stubExecutor{result: agent.ExecutionResult{Success: true, Result: json.RawMessage(`{"status":"done"}`)}}
	reg := metrics.New()
	server, _ := newTestServer(t, exec, WithMetrics(reg, ""))
	h := server.Handler()

	rec := do(t, h, http.MethodPost, "/api/task-executor/execute",
		`{"action_description":"send an email","context_id":"ctx-1","session_id":"s-1","timeout":1.5}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var got agent.ExecutionResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.True(t, got.Success)
	assert.JSONEq(t, `{"status":"done"}`, string(got.Result))

	require.Len(t, exec.requests, 1)
	assert.Equal(t, 1500*time.Millisecond, exec.requests[0].Timeout)
	assert.Equal(t, "s-1", exec.requests[0].SessionID)
	assert.NotEmpty(t, exec.requests[0].RunID)

	scrape := do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, scrape.Code)
	assert.Contains(t, scrape.Body.String(), `taskpilot_http_requests_total{code="200",handler="execute",method="POST"} 1`)
}

func TestExecutePipelineFailureIsOK(t *testing.T) {
	exec := &stubExecutor{result: agent.ExecutionResult{Error: &agent.ErrorInfo{
		Stage:   agent.StageFindTasks,
		Cause:   xerrors.CodeNoTasksFound,
		Message: "no tasks found",
	}}}
	server, _ := newTestServer(t, exec)

	rec := do(t, server.Handler(), http.MethodPost, "/api/task-executor/execute", `{"action_description":"x","context_id":"c"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"cause":"NoTasksFound"`)
	assert.Contains(t, rec.Body.String(), `"result":null`)
}

func TestExecuteRejectsMalformedBody(t *testing.T) {
	server, _ := newTestServer(t, &stubExecutor{})
	h := server.Handler()

	rec := do(t, h, http.MethodPost, "/api/task-executor/execute", `{"action_description":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), string(xerrors.CodeInvalidRequest))

	rec = do(t, h, http.MethodPost, "/api/task-executor/execute", `{"action_description":"a","context_id":"c","timeout":-1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/task-executor/execute", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestSubmitAndFetchRun(t *testing.T) {
	server, _ := newTestServer(t, &stubExecutor{})
	h := server.Handler()

	rec := do(t, h, http.MethodPost, "/api/task-executor/runs", `{"run_id":"run-1","action_description":"a","context_id":"c"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var submitted map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitted))
	assert.Equal(t, "run-1", submitted["id"])
	assert.Equal(t, "pending", submitted["status"])
	assert.Equal(t, true, submitted["pending"])

	rec = do(t, h, http.MethodGet, "/api/task-executor/runs/run-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"pending":true`)

	rec = do(t, h, http.MethodGet, "/api/task-executor/runs/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/task-executor/runs", `{"context_id":"c"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListRuns(t *testing.T) {
	server, store := newTestServer(t, &stubExecutor{})
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &run.Run{ID: "r1", ContextID: "c1", Status: run.StatusPending}))
	require.NoError(t, store.Create(ctx, &run.Run{ID: "r2", ContextID: "c2", Status: run.StatusPending}))
	require.NoError(t, store.Fail(ctx, "r2", run.CodeRunPublish, "boom"))
	h := server.Handler()

	rec := do(t, h, http.MethodGet, "/api/task-executor/runs?status=failed", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Runs []map[string]any `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Runs, 1)
	assert.Equal(t, "r2", body.Runs[0]["id"])
	assert.Equal(t, false, body.Runs[0]["pending"])

	rec = do(t, h, http.MethodGet, "/api/task-executor/runs?context_id=c1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":"r1"`)
	assert.NotContains(t, rec.Body.String(), `"id":"r2"`)

	rec = do(t, h, http.MethodGet, "/api/task-executor/runs?status=bogus", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, h, http.MethodGet, "/api/task-executor/runs?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusReportsExecutorHealth(t *testing.T) {
	cases := []struct {
		name      string
		health    error
		status    string
		execState string
	}{
		{name: "available", status: "running", execState: "available"},
		{name: "unavailable", health: errors.New("connection refused"), status: "degraded", execState: "unavailable"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server, store := newTestServer(t, &stubExecutor{},
				WithTaskExecutor(stubHealth{err: tc.health}), WithVersion("1.2.3"))
			require.NoError(t, store.Create(context.Background(), &run.Run{ID: "r1", Status: run.StatusPending}))

			rec := do(t, server.Handler(), http.MethodGet, "/api/task-executor/status", "")
			require.Equal(t, http.StatusOK, rec.Code)

			var got statusResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
			assert.Equal(t, tc.status, got.Status)
			assert.Equal(t, tc.execState, got.TaskExecutorStatus)
			assert.Equal(t, "http://executor.local", got.TaskExecutorURL)
			assert.Equal(t, 1, got.PendingRuns)
			assert.Equal(t, "1.2.3", got.Version)
			assert.NotEmpty(t, got.Uptime)
		})
	}
}

func TestHealthAndShutdown(t *testing.T) {
	server, _ := newTestServer(t, &stubExecutor{})
	rec := do(t, server.Handler(), http.MethodGet, "/api/task-executor/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec = httptest.NewRecorder()
	withContext(ctx, server.Handler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/task-executor/health", strings.NewReader("")))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAPIKeyRequired(t *testing.T) {
	defer logger.Replace(logger.Discard())()

	exec := &stubExecutor{result: agent.ExecutionResult{Success: true}}
	server, _ := newTestServer(t, exec, WithAPIKeys("secret-1", " ", "secret-2"))
	h := server.Handler()

	rec := do(t, h, http.MethodGet, "/api/task-executor/runs", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")
	assert.Contains(t, rec.Body.String(), string(xerrors.CodeUnauthorized))

	req := httptest.NewRequest(http.MethodGet, "/api/task-executor/runs", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/task-executor/runs", nil)
	req.Header.Set("Authorization", "Bearer secret-2")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/task-executor/execute",
		strings.NewReader(`{"action_description":"send an email","context_id":"ctx-1"}`))
	req.Header.Set("X-API-Key", "secret-1")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/task-executor/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPIKeysDisabledWhenEmpty(t *testing.T) {
	keys := newAPIKeys([]string{"", "  "})
	assert.False(t, keys.enabled())

	keys = newAPIKeys([]string{"k"})
	assert.True(t, keys.match("k"))
	assert.False(t, keys.match("K"))
	assert.False(t, keys.match(""))
}
