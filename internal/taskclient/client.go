package taskclient

import (
	"bytes"
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	xerrors "TaskPilot/internal/errors"
	"TaskPilot/pkg/logger"
)

// 远端操作名称，用于日志、指标与错误元数据。
const (
	OpFindTasks           = "find_tasks"
	OpGetTaskInputs       = "get_task_inputs"
	OpGetRuntimeVariables = "get_runtime_variables"
	OpExecuteTask         = "execute_task"
	OpHealth              = "health"
)

// 单次尝试的结果标签。
const (
	OutcomeOK             = "ok"
	OutcomeTransportError = "transport_error"
	OutcomeServerError    = "server_error"
	OutcomeRejected       = "rejected"
	OutcomeUnconfirmed    = "unconfirmed"
)

const maxResponseBytes = 4 << 20

// Config 描述远端任务执行服务。
type Config struct {
	BaseURL string
	// Timeout 是单次尝试的超时，调用方上下文的截止时间始终优先。
	Timeout         time.Duration
	Retry           RetryConfig
	MaxConnsPerHost int
}

// Observer 在每次尝试结束后被调用。
type Observer func(operation, outcome string)

// Client 是远端任务执行服务的类型化客户端，可被多个运行并发使用。
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	retry      RetryConfig
	observe    Observer
	logger     *slog.Logger
}

// Option 定义客户端的可选配置。
type Option func(*Client)

// WithHTTPClient 替换底层 HTTP 客户端，主要用于测试。
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithObserver 注册尝试级别的观测回调。
func WithObserver(obs Observer) Option {
	return func(c *Client) {
		if obs != nil {
			c.observe = obs
		}
	}
}

// WithLogger 指定日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// New 创建客户端。连接池按主机限制并发连接数，超出的请求排队等待。
func New(cfg Config, opts ...Option) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "task executor base url 不能为空")
	}
	parsed, err := url.Parse(base)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, fmt.Sprintf("非法的 task executor 地址: %q", cfg.BaseURL))
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxConnsPerHost <= 0 {
		cfg.MaxConnsPerHost = 16
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxConnsPerHost = cfg.MaxConnsPerHost
	transport.MaxIdleConnsPerHost = cfg.MaxConnsPerHost

	c := &Client{
		baseURL:    base,
		httpClient: &http.Client{Transport: transport},
		timeout:    cfg.Timeout,
		retry:      cfg.Retry.normalized(),
		observe:    func(string, string) {},
		logger:     logger.Named("taskclient"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// BaseURL 返回远端服务地址。
func (c *Client) BaseURL() string { return c.baseURL }

// FindTasks 根据动作描述检索候选任务。空列表是合法结果。
func (c *Client) FindTasks(ctx context.Context, actionDescription string) ([]TaskCandidate, error) {
	body, err := json.Marshal(searchRequest{ActionDescription: actionDescription})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTaskSearchFailed, err, "编码检索请求失败")
	}
	data, err := c.call(ctx, request{
		op:         OpFindTasks,
		method:     http.MethodPost,
		path:       "/api/tasks/search",
		body:       body,
		idempotent: true,
	})
	if err != nil {
		return nil, classify(err, xerrors.CodeTaskSearchFailed, "任务检索失败")
	}

	var resp searchResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTaskSearchFailed, err, "解析检索结果失败")
	}
	if resp.Tasks == nil {
		return []TaskCandidate{}, nil
	}
	return resp.Tasks, nil
}

// GetTaskInputs 获取任务声明的输入字段。任务不存在时返回 NOT_FOUND。
func (c *Client) GetTaskInputs(ctx context.Context, taskID TaskID) ([]InputField, error) {
	if taskID == "" {
		return nil, xerrors.New(xerrors.CodeSchemaFetchFailed, "task id 不能为空")
	}
	data, err := c.call(ctx, request{
		op:         OpGetTaskInputs,
		method:     http.MethodGet,
		path:       "/api/tasks/" + url.PathEscape(string(taskID)) + "/inputs",
		idempotent: true,
	})
	if err != nil {
		var statusErr *StatusError
		if stdErrors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
			return nil, xerrors.Wrap(xerrors.CodeNotFound, err, fmt.Sprintf("任务 %s 不存在", taskID),
				xerrors.WithMetadata("task_id", string(taskID)))
		}
		return nil, classify(err, xerrors.CodeSchemaFetchFailed, "获取任务输入失败")
	}

	var resp inputsResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSchemaFetchFailed, err, "解析任务输入失败")
	}
	if resp.Inputs == nil {
		return []InputField{}, nil
	}
	return resp.Inputs, nil
}

// GetRuntimeVariables 获取运行上下文当前的变量快照。
func (c *Client) GetRuntimeVariables(ctx context.Context, contextID string) ([]RuntimeVariable, error) {
	if contextID == "" {
		return nil, xerrors.New(xerrors.CodeVariableFetchFailed, "context id 不能为空")
	}
	data, err := c.call(ctx, request{
		op:         OpGetRuntimeVariables,
		method:     http.MethodGet,
		path:       "/api/runtime/" + url.PathEscape(contextID) + "/variables",
		idempotent: true,
	})
	if err != nil {
		return nil, classify(err, xerrors.CodeVariableFetchFailed, "获取运行时变量失败")
	}

	var resp variablesResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeVariableFetchFailed, err, "解析运行时变量失败")
	}
	if resp.Variables == nil {
		return []RuntimeVariable{}, nil
	}
	return resp.Variables, nil
}

// ExecuteTask 在指定上下文中执行任务。执行有副作用：请求一旦写出便不再重试。
func (c *Client) ExecuteTask(ctx context.Context, contextID string, taskID TaskID, assignments map[string]Assignment) (json.RawMessage, error) {
	if assignments == nil {
		assignments = map[string]Assignment{}
	}
	body, err := json.Marshal(executeRequest{
		ContextID:        contextID,
		TaskID:           taskID,
		InputAssignments: assignments,
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExecutionRejected, err, "编码执行请求失败")
	}

	data, err := c.call(ctx, request{
		op:     OpExecuteTask,
		method: http.MethodPost,
		path:   "/api/tasks/execute",
		body:   body,
	})
	if err != nil {
		var statusErr *StatusError
		if stdErrors.As(err, &statusErr) {
			return nil, xerrors.Wrap(xerrors.CodeExecutionRejected, err, statusErr.Reason(),
				xerrors.WithMetadata("status", strconv.Itoa(statusErr.StatusCode)))
		}
		return nil, classify(err, xerrors.CodeExecutionRejected, "任务执行失败")
	}
	return interpretExecution(data)
}

// Health 探测远端服务是否可用，只尝试一次。
func (c *Client) Health(ctx context.Context) error {
	_, err := c.call(ctx, request{
		op:          OpHealth,
		method:      http.MethodGet,
		path:        "/health",
		idempotent:  true,
		maxAttempts: 1,
	})
	return err
}

// interpretExecution 解析执行结果。若响应是 {success, result, error_message}
// 信封则按其语义处理，否则原样返回。
func interpretExecution(data []byte) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return json.RawMessage("null"), nil
	}
	if trimmed[0] == '{' {
		var env executeResponse
		if err := json.Unmarshal(trimmed, &env); err == nil && env.Success != nil {
			if !*env.Success {
				msg := env.ErrorMessage
				if msg == "" {
					msg = "remote service reported failure"
				}
				return nil, xerrors.New(xerrors.CodeExecutionRejected, msg)
			}
			if len(env.Result) == 0 {
				return json.RawMessage("null"), nil
			}
			return env.Result, nil
		}
	}
	if !json.Valid(trimmed) {
		return nil, xerrors.New(xerrors.CodeExecutionRejected, "远端返回的执行结果不是合法 JSON")
	}
	return json.RawMessage(trimmed), nil
}

type request struct {
	op          string
	method      string
	path        string
	body        []byte
	idempotent  bool
	maxAttempts int
}

// call 执行带重试的请求。仅对瞬时失败重试；调用方上下文结束后立即停止。
func (c *Client) call(ctx context.Context, r request) ([]byte, error) {
	attempts := c.retry.MaxAttempts
	if r.maxAttempts > 0 {
		attempts = r.maxAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, deadlineError(r.op, err)
		}

		data, outcome, err := c.attempt(ctx, r)
		c.observe(r.op, outcome)
		if err == nil {
			return data, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, deadlineError(r.op, ctxErr)
		}

		var transient *transientError
		if !stdErrors.As(err, &transient) {
			return nil, err
		}
		lastErr = transient.err
		if attempt == attempts {
			break
		}

		wait := c.retry.backoff(attempt)
		c.logger.Debug("远端调用失败，准备重试",
			slog.String("operation", r.op),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
			slog.Duration("backoff", wait),
			slog.Any("error", lastErr),
		)
		if err := sleep(ctx, wait); err != nil {
			return nil, deadlineError(r.op, err)
		}
	}

	c.logger.Warn("远端调用重试耗尽",
		slog.String("operation", r.op),
		slog.Int("attempts", attempts),
		slog.Any("error", lastErr),
	)
	return nil, xerrors.Wrap(xerrors.CodeTransport, lastErr,
		fmt.Sprintf("%s 在 %d 次尝试后仍失败", r.op, attempts),
		xerrors.WithMetadata("operation", r.op),
		xerrors.WithMetadata("attempts", strconv.Itoa(attempts)),
	)
}

// attempt 发起单次请求，返回值中的 transientError 表示可以重试。
func (c *Client) attempt(ctx context.Context, r request) ([]byte, string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var written atomic.Bool
	trace := &httptrace.ClientTrace{
		WroteRequest: func(info httptrace.WroteRequestInfo) {
			if info.Err == nil {
				written.Store(true)
			}
		},
	}

	var body io.Reader
	if r.body != nil {
		body = bytes.NewReader(r.body)
	}
	req, err := http.NewRequestWithContext(httptrace.WithClientTrace(attemptCtx, trace), r.method, c.baseURL+r.path, body)
	if err != nil {
		return nil, OutcomeTransportError, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if r.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if !r.idempotent && written.Load() {
			return nil, OutcomeUnconfirmed, xerrors.Wrap(xerrors.CodeTransport, err,
				fmt.Sprintf("%s 请求已发出但未收到响应", r.op),
				xerrors.WithRetryable(false),
				xerrors.WithMetadata("operation", r.op),
			)
		}
		return nil, OutcomeTransportError, &transientError{err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if r.idempotent {
			return nil, OutcomeTransportError, &transientError{err: fmt.Errorf("read response: %w", err)}
		}
		return nil, OutcomeUnconfirmed, xerrors.Wrap(xerrors.CodeTransport, err,
			fmt.Sprintf("%s 读取响应失败", r.op), xerrors.WithRetryable(false))
	}

	if resp.StatusCode >= http.StatusBadRequest {
		statusErr := &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(data))}
		if resp.StatusCode >= http.StatusInternalServerError && r.idempotent {
			return nil, OutcomeServerError, &transientError{err: statusErr}
		}
		return nil, OutcomeRejected, statusErr
	}
	return data, OutcomeOK, nil
}

// StatusError 表示远端返回了非 2xx 状态码。
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("remote status %d", e.StatusCode)
	}
	return fmt.Sprintf("remote status %d: %s", e.StatusCode, truncate(e.Body, 256))
}

// Reason 从错误响应体中提取可读原因。
func (e *StatusError) Reason() string {
	var payload struct {
		ErrorMessage string `json:"error_message"`
		Detail       any    `json:"detail"`
		Message      string `json:"message"`
	}
	if json.Unmarshal([]byte(e.Body), &payload) == nil {
		switch {
		case payload.ErrorMessage != "":
			return payload.ErrorMessage
		case payload.Message != "":
			return payload.Message
		case payload.Detail != nil:
			return fmt.Sprint(payload.Detail)
		}
	}
	if e.Body != "" {
		return truncate(e.Body, 256)
	}
	return http.StatusText(e.StatusCode)
}

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }

func (e *transientError) Unwrap() error { return e.err }

func deadlineError(op string, cause error) error {
	return xerrors.Wrap(xerrors.CodeTimeout, cause, fmt.Sprintf("%s 超出调用截止时间", op),
		xerrors.WithMetadata("operation", op))
}

// classify 保留 Transport 与 Timeout 分类，其余失败归入阶段自身的错误码。
func classify(err error, code xerrors.Code, message string) error {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeTransport, xerrors.CodeTimeout:
		return err
	}
	opts := []xerrors.Option{}
	var statusErr *StatusError
	if stdErrors.As(err, &statusErr) {
		opts = append(opts, xerrors.WithMetadata("status", strconv.Itoa(statusErr.StatusCode)))
		message = message + ": " + statusErr.Reason()
	}
	return xerrors.Wrap(code, err, message, opts...)
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
