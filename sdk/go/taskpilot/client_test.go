package taskpilot

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestExecuteSendsRequest(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/task-executor/execute" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var req ExecuteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if req.ActionDescription != "send email" || req.Timeout != 30 {
			t.Errorf("unexpected payload: %+v", req)
		}
		_, _ = w.Write([]byte(`{"success":false,"result":null,"task_info":null,"selection":null,"execution_time":0.1,"mapped_inputs":null,"error":{"stage":"find_tasks","cause":"NoTasksFound","message":"no tasks"}}`))
	})

	result, err := client.Execute(context.Background(), ExecuteRequest{ActionDescription: "send email", ContextID: "ctx", Timeout: 30})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Success || result.Error == nil || result.Error.Cause != "NoTasksFound" {
		t.Fatalf("unexpected envelope: %+v", result)
	}
	if result.Error.Error() != "NoTasksFound at find_tasks: no tasks" {
		t.Fatalf("unexpected error text: %s", result.Error.Error())
	}
}

func TestAPIErrorDecoding(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"code":"InvalidRequest","message":"bad body"}}`))
	})

	_, err := client.SubmitRun(context.Background(), ExecuteRequest{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest || apiErr.Code != "InvalidRequest" || apiErr.Message != "bad body" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}

func TestListRunsEncodesQuery(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("status") != "failed,succeeded" || q.Get("context_id") != "ctx" || q.Get("limit") != "5" {
			t.Errorf("unexpected query: %s", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"runs":[{"id":"r1","status":"failed","pending":false}]}`))
	})

	runs, err := client.ListRuns(context.Background(), ListRunsOptions{
		Statuses:  []string{"failed", "succeeded"},
		ContextID: "ctx",
		Limit:     5,
	})
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "r1" {
		t.Fatalf("unexpected runs: %+v", runs)
	}
}

func TestWaitForRunPollsUntilDone(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/task-executor/runs/run-1" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if calls.Add(1) < 3 {
			_, _ = w.Write([]byte(`{"id":"run-1","status":"running","pending":true}`))
			return
		}
		_, _ = w.Write([]byte(`{"id":"run-1","status":"succeeded","pending":false,"result":{"success":true,"result":{"ok":true}}}`))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r, err := client.WaitForRun(ctx, "run-1", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if r.Status != "succeeded" || r.Result == nil || !r.Result.Success {
		t.Fatalf("unexpected run: %+v", r)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 polls, got %d", calls.Load())
	}
}

func TestStatusAndHealth(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/task-executor/status":
			_, _ = w.Write([]byte(`{"status":"running","task_executor_status":"available","pending_runs":2,"version":"1.0.0"}`))
		case "/api/task-executor/health":
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	status, err := client.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.PendingRuns != 2 || status.TaskExecutorStatus != "available" {
		t.Fatalf("unexpected status: %+v", status)
	}
	if err := client.Health(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
}

func TestNewClientValidatesURL(t *testing.T) {
	if _, err := NewClient("not a url", nil); err == nil {
		t.Fatalf("expected error for invalid url")
	}
}

func TestSetAPIKeySendsBearerToken(t *testing.T) {
	var got atomic.Value
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		got.Store(r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	client.SetAPIKey("secret")
	if err := client.Health(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
	if got.Load() != "Bearer secret" {
		t.Fatalf("unexpected authorization header: %v", got.Load())
	}
}
