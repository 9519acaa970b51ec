// Package taskpilot is a Go client for the TaskPilot HTTP API.
package taskpilot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
// It covers the default server-side run deadline of 300 seconds.
const DefaultHTTPTimeout = 310 * time.Second

// Client wraps the HTTP interactions with the TaskPilot REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	apiKey     string
}

// ExecuteRequest is the payload for synchronous execution and run submission.
// Timeout is expressed in seconds; zero leaves the server default in place.
type ExecuteRequest struct {
	RunID             string  `json:"run_id,omitempty"`
	ActionDescription string  `json:"action_description"`
	ContextID         string  `json:"context_id"`
	SessionID         string  `json:"session_id,omitempty"`
	Timeout           float64 `json:"timeout,omitempty"`
}

// TaskInfo summarises the task that was selected.
type TaskInfo struct {
	TaskID      json.RawMessage `json:"task_id"`
	Name        string          `json:"task_name"`
	Description string          `json:"description"`
}

// Selection is the reasoning output of the selection stage.
type Selection struct {
	SelectedTaskID json.RawMessage   `json:"selected_task_id"`
	Reasoning      string            `json:"reasoning"`
	Confidence     float64           `json:"confidence"`
	Alternatives   []json.RawMessage `json:"alternative_task_ids"`
}

// ExecutionError reports where and why a run failed.
type ExecutionError struct {
	Stage   string `json:"stage"`
	Cause   string `json:"cause"`
	Message string `json:"message"`
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s at %s: %s", e.Cause, e.Stage, e.Message)
}

// ExecutionResult is the envelope returned for every run.
type ExecutionResult struct {
	Success       bool            `json:"success"`
	Result        json.RawMessage `json:"result"`
	TaskInfo      *TaskInfo       `json:"task_info"`
	Selection     *Selection      `json:"selection"`
	ExecutionTime float64         `json:"execution_time"`
	MappedInputs  json.RawMessage `json:"mapped_inputs"`
	Error         *ExecutionError `json:"error"`
}

// Run is a tracked execution.
type Run struct {
	ID                string           `json:"id"`
	ActionDescription string           `json:"action_description"`
	ContextID         string           `json:"context_id"`
	SessionID         string           `json:"session_id,omitempty"`
	TimeoutSeconds    float64          `json:"timeout_seconds,omitempty"`
	Status            string           `json:"status"`
	Stage             string           `json:"stage,omitempty"`
	ErrorCode         string           `json:"error_code,omitempty"`
	LastError         string           `json:"last_error,omitempty"`
	Result            *ExecutionResult `json:"result,omitempty"`
	CreatedAt         int64            `json:"created_at"`
	UpdatedAt         int64            `json:"updated_at"`
	Pending           bool             `json:"pending"`
}

// ListRunsOptions filters ListRuns.
type ListRunsOptions struct {
	Statuses  []string
	ContextID string
	Limit     int
	Offset    int
}

// ServiceStatus is the response of the status endpoint.
type ServiceStatus struct {
	Status             string `json:"status"`
	TaskExecutorURL    string `json:"task_executor_url"`
	TaskExecutorStatus string `json:"task_executor_status"`
	PendingRuns        int    `json:"pending_runs"`
	Uptime             string `json:"uptime"`
	Version            string `json:"version"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("taskpilot api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("taskpilot api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the TaskPilot API. When httpClient is
// nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetAPIKey sends key as a bearer token on every subsequent request. It is
// required when the server is configured with api_keys.
func (c *Client) SetAPIKey(key string) {
	c.apiKey = key
}

// Execute runs the pipeline synchronously. Pipeline failures are reported in
// the returned envelope, not as an error.
func (c *Client) Execute(ctx context.Context, req ExecuteRequest) (ExecutionResult, error) {
	var result ExecutionResult
	if err := c.post(ctx, "/api/task-executor/execute", req, &result); err != nil {
		return ExecutionResult{}, err
	}
	return result, nil
}

// SubmitRun queues a run and returns immediately.
func (c *Client) SubmitRun(ctx context.Context, req ExecuteRequest) (Run, error) {
	var r Run
	if err := c.post(ctx, "/api/task-executor/runs", req, &r); err != nil {
		return Run{}, err
	}
	return r, nil
}

// GetRun fetches a run by identifier.
func (c *Client) GetRun(ctx context.Context, id string) (Run, error) {
	var r Run
	if err := c.get(ctx, "/api/task-executor/runs/"+url.PathEscape(id), nil, &r); err != nil {
		return Run{}, err
	}
	return r, nil
}

// ListRuns returns runs matching the options, most recently updated first.
func (c *Client) ListRuns(ctx context.Context, opts ListRunsOptions) ([]Run, error) {
	query := url.Values{}
	if len(opts.Statuses) > 0 {
		query.Set("status", strings.Join(opts.Statuses, ","))
	}
	if opts.ContextID != "" {
		query.Set("context_id", opts.ContextID)
	}
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		query.Set("offset", strconv.Itoa(opts.Offset))
	}
	var body struct {
		Runs []Run `json:"runs"`
	}
	if err := c.get(ctx, "/api/task-executor/runs", query, &body); err != nil {
		return nil, err
	}
	return body.Runs, nil
}

// WaitForRun polls a run until it is no longer pending or ctx is done.
func (c *Client) WaitForRun(ctx context.Context, id string, interval time.Duration) (Run, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		r, err := c.GetRun(ctx, id)
		if err != nil {
			return Run{}, err
		}
		if !r.Pending {
			return r, nil
		}
		select {
		case <-ctx.Done():
			return Run{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Status reports service and remote executor health.
func (c *Client) Status(ctx context.Context) (ServiceStatus, error) {
	var status ServiceStatus
	if err := c.get(ctx, "/api/task-executor/status", nil, &status); err != nil {
		return ServiceStatus{}, err
	}
	return status, nil
}

// Health returns nil when the service answers its health endpoint.
func (c *Client) Health(ctx context.Context) error {
	return c.get(ctx, "/api/task-executor/health", nil, nil)
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, nil, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	if len(query) > 0 {
		rel.RawQuery = query.Encode()
	}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: &apiErr}); err != nil {
				_ = json.Unmarshal(data, &apiErr)
			}
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
