package taskclient_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "TaskPilot/internal/errors"
	"TaskPilot/internal/taskclient"
	"TaskPilot/internal/taskclient/taskclienttest"
)

func newClient(t *testing.T, baseURL string, attempts int) *taskclient.Client {
	t.Helper()
	client, err := taskclient.New(taskclient.Config{
		BaseURL: baseURL,
		Timeout: time.Second,
		Retry: taskclient.RetryConfig{
			MaxAttempts:       attempts,
			BackoffBase:       time.Millisecond,
			BackoffMultiplier: 2,
			MaxBackoff:        5 * time.Millisecond,
		},
	})
	require.NoError(t, err)
	return client
}

func TestFindTasksDecodesNumericIDs(t *testing.T) {
	srv := taskclienttest.NewServer()
	defer srv.Close()
	srv.AddTask(42, "send_email", "Send an email")
	srv.AddTask("t-2", "send_sms", "Send a text message")

	client := newClient(t, srv.URL, 3)
	tasks, err := client.FindTasks(context.Background(), "send email")
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, taskclient.TaskID("42"), tasks[0].TaskID)
	assert.Equal(t, "send_email", tasks[0].Name)
	assert.Equal(t, taskclient.TaskID("t-2"), tasks[1].TaskID)
}

func TestFindTasksEmptyIsValid(t *testing.T) {
	srv := taskclienttest.NewServer()
	defer srv.Close()

	tasks, err := newClient(t, srv.URL, 3).FindTasks(context.Background(), "anything")
	require.NoError(t, err)
	assert.NotNil(t, tasks)
	assert.Empty(t, tasks)
}

func TestReadEndpointsAreIdempotent(t *testing.T) {
	srv := taskclienttest.NewServer()
	defer srv.Close()
	srv.AddTask("1", "send_email", "", taskclient.InputField{Name: "recipient", Type: "string", Required: true})
	srv.SetVariables("ctx-1", taskclient.RuntimeVariable{VariableID: "v1", Name: "email", Type: "string", Value: "a@b.c"})

	client := newClient(t, srv.URL, 3)
	ctx := context.Background()

	first, err := client.GetTaskInputs(ctx, "1")
	require.NoError(t, err)
	second, err := client.GetTaskInputs(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	v1, err := client.GetRuntimeVariables(ctx, "ctx-1")
	require.NoError(t, err)
	v2, err := client.GetRuntimeVariables(ctx, "ctx-1")
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
	assert.Empty(t, srv.Executed())
}

func TestGetTaskInputsNotFound(t *testing.T) {
	srv := taskclienttest.NewServer()
	defer srv.Close()

	_, err := newClient(t, srv.URL, 3).GetTaskInputs(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeNotFound, xerrors.CodeOf(err))
	assert.Equal(t, 1, srv.Calls(taskclient.OpGetTaskInputs), "4xx must not be retried")
}

func TestRetryBoundIsExact(t *testing.T) {
	for _, attempts := range []int{1, 2, 4} {
		srv := taskclienttest.NewServer()
		srv.FailNext(taskclient.OpGetRuntimeVariables, 503, 503, 503, 503, 503, 503)

		_, err := newClient(t, srv.URL, attempts).GetRuntimeVariables(context.Background(), "ctx")
		require.Error(t, err)
		assert.Equal(t, xerrors.CodeTransport, xerrors.CodeOf(err))
		assert.Equal(t, attempts, srv.Calls(taskclient.OpGetRuntimeVariables))
		srv.Close()
	}
}

func TestTransientFailureRecovers(t *testing.T) {
	srv := taskclienttest.NewServer()
	defer srv.Close()
	srv.AddTask("1", "noop", "")
	srv.FailNext(taskclient.OpFindTasks, 502)

	var outcomes []string
	client, err := taskclient.New(taskclient.Config{
		BaseURL: srv.URL,
		Timeout: time.Second,
		Retry:   taskclient.RetryConfig{MaxAttempts: 3, BackoffBase: time.Millisecond},
	}, taskclient.WithObserver(func(op, outcome string) {
		outcomes = append(outcomes, op+":"+outcome)
	}))
	require.NoError(t, err)

	tasks, err := client.FindTasks(context.Background(), "noop")
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
	assert.Equal(t, []string{"find_tasks:server_error", "find_tasks:ok"}, outcomes)
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	srv := taskclienttest.NewServer()
	defer srv.Close()
	srv.FailNext(taskclient.OpFindTasks, http.StatusBadRequest)

	_, err := newClient(t, srv.URL, 5).FindTasks(context.Background(), "x")
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeTaskSearchFailed, xerrors.CodeOf(err))
	assert.Equal(t, 1, srv.Calls(taskclient.OpFindTasks))
}

func TestExecuteServerErrorIsNotRetried(t *testing.T) {
	srv := taskclienttest.NewServer()
	defer srv.Close()
	srv.FailNext(taskclient.OpExecuteTask, http.StatusInternalServerError)

	_, err := newClient(t, srv.URL, 5).ExecuteTask(context.Background(), "ctx", "1", nil)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeExecutionRejected, xerrors.CodeOf(err))
	assert.Equal(t, 1, srv.Calls(taskclient.OpExecuteTask))
}

func TestExecuteRejectedPayload(t *testing.T) {
	srv := taskclienttest.NewServer()
	defer srv.Close()
	srv.OnExecute(func(taskclienttest.ExecuteRequest) (int, any) {
		return http.StatusOK, map[string]any{"success": false, "error_message": "mailbox full"}
	})

	_, err := newClient(t, srv.URL, 3).ExecuteTask(context.Background(), "ctx", "1", nil)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeExecutionRejected, xerrors.CodeOf(err))
	assert.Contains(t, err.Error(), "mailbox full")
}

func TestExecuteSendsAssignments(t *testing.T) {
	srv := taskclienttest.NewServer()
	defer srv.Close()
	srv.OnExecute(func(req taskclienttest.ExecuteRequest) (int, any) {
		return http.StatusOK, map[string]any{"success": true, "result": map[string]any{"message_id": "m-1"}}
	})

	result, err := newClient(t, srv.URL, 3).ExecuteTask(context.Background(), "ctx-9", "7", map[string]taskclient.Assignment{
		"recipient": taskclient.Reference("var_email", "john@example.com"),
		"subject":   taskclient.Explicit("Project Update"),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"message_id":"m-1"}`, string(result))

	executed := srv.Executed()
	require.Len(t, executed, 1)
	assert.Equal(t, "ctx-9", executed[0].ContextID)
	assert.Equal(t, "7", executed[0].TaskID)
	recipient := executed[0].InputAssignments["recipient"]
	assert.Equal(t, taskclient.AssignmentVariableReference, recipient.AssignmentType)
	require.NotNil(t, recipient.VariableID)
	assert.Equal(t, "var_email", *recipient.VariableID)
	assert.Nil(t, executed[0].InputAssignments["subject"].VariableID)
}

func TestExecuteReturnsNonEnvelopeBodyVerbatim(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]int{1, 2, 3})
	}))
	defer srv.Close()

	result, err := newClient(t, srv.URL, 1).ExecuteTask(context.Background(), "c", "1", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `[1,2,3]`, string(result))
}

func TestExecuteRetriesWhenRequestNeverWritten(t *testing.T) {
	// A closed listener refuses connections before any byte is written.
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	var attempts atomic.Int32
	client, err := taskclient.New(taskclient.Config{
		BaseURL: url,
		Timeout: 200 * time.Millisecond,
		Retry:   taskclient.RetryConfig{MaxAttempts: 3, BackoffBase: time.Millisecond},
	}, taskclient.WithObserver(func(op, outcome string) {
		if op == taskclient.OpExecuteTask {
			attempts.Add(1)
		}
	}))
	require.NoError(t, err)

	_, err = client.ExecuteTask(context.Background(), "c", "1", nil)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeTransport, xerrors.CodeOf(err))
	assert.EqualValues(t, 3, attempts.Load())
}

func TestExecuteNotRetriedAfterWrite(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Errorf("response writer cannot hijack")
			return
		}
		conn, _, err := hj.Hijack()
		if err == nil {
			_ = conn.Close()
		}
	}))
	defer srv.Close()

	_, err := newClient(t, srv.URL, 3).ExecuteTask(context.Background(), "c", "1", nil)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeTransport, xerrors.CodeOf(err))
	assert.False(t, xerrors.RetryableError(err))
	assert.EqualValues(t, 1, hits.Load())
}

func TestCallerDeadlineStopsRetries(t *testing.T) {
	srv := taskclienttest.NewServer()
	defer srv.Close()
	srv.FailNext(taskclient.OpFindTasks, 503, 503, 503, 503, 503)

	client, err := taskclient.New(taskclient.Config{
		BaseURL: srv.URL,
		Timeout: time.Second,
		Retry:   taskclient.RetryConfig{MaxAttempts: 5, BackoffBase: 200 * time.Millisecond, MaxBackoff: time.Second},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = client.FindTasks(ctx, "x")
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeTimeout, xerrors.CodeOf(err))
	assert.Equal(t, 1, srv.Calls(taskclient.OpFindTasks))
}

func TestPerAttemptTimeoutIsTransient(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			select {
			case <-release:
			case <-r.Context().Done():
			}
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"variables": []any{}})
	}))
	defer srv.Close()
	defer close(release)

	client, err := taskclient.New(taskclient.Config{
		BaseURL: srv.URL,
		Timeout: 50 * time.Millisecond,
		Retry:   taskclient.RetryConfig{MaxAttempts: 2, BackoffBase: time.Millisecond},
	})
	require.NoError(t, err)

	vars, err := client.GetRuntimeVariables(context.Background(), "ctx")
	require.NoError(t, err)
	assert.Empty(t, vars)
	assert.EqualValues(t, 2, hits.Load())
}

func TestHealth(t *testing.T) {
	srv := taskclienttest.NewServer()
	defer srv.Close()
	client := newClient(t, srv.URL, 3)
	assert.NoError(t, client.Health(context.Background()))

	srv.FailNext(taskclient.OpHealth, 503)
	assert.Error(t, client.Health(context.Background()))
	assert.Equal(t, 2, srv.Calls(taskclient.OpHealth))
}

func TestNewRejectsBadURL(t *testing.T) {
	_, err := taskclient.New(taskclient.Config{})
	assert.Error(t, err)
	_, err = taskclient.New(taskclient.Config{BaseURL: "localhost"})
	assert.Error(t, err)
}
