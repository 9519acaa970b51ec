package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"TaskPilot/internal/agent"
	xerrors "TaskPilot/internal/errors"
	"TaskPilot/internal/observability/metrics"
	"TaskPilot/internal/run"
	"TaskPilot/pkg/logger"
)

// HealthChecker 探测远端任务执行服务是否可用。
type HealthChecker interface {
	Health(ctx context.Context) error
	BaseURL() string
}

// Server 负责暴露 REST 接口，供外部驱动任务执行。
type Server struct {
	addr        string
	runs        *run.Service
	executor    HealthChecker
	metrics     *metrics.Registry
	metricsPath string
	version     string
	keys        apiKeys
	shutdown    time.Duration
	started     time.Time
	logger      *slog.Logger
}

// Option 定义可选配置。
type Option func(*Server)

// WithTaskExecutor 配置状态接口使用的远端健康检查。
func WithTaskExecutor(h HealthChecker) Option {
	return func(s *Server) { s.executor = h }
}

// WithMetrics 启用请求指标与 /metrics 端点。
func WithMetrics(reg *metrics.Registry, path string) Option {
	return func(s *Server) {
		s.metrics = reg
		if path != "" {
			s.metricsPath = path
		}
	}
}

// WithVersion 设置状态接口返回的版本号。
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// WithAPIKeys 要求 /api/task-executor 下除健康检查外的接口携带其中任一密钥。
func WithAPIKeys(keys ...string) Option {
	return func(s *Server) { s.keys = newAPIKeys(keys) }
}

// WithShutdownTimeout 设置优雅关闭的最长等待时间。
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdown = d
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, runs *run.Service, opts ...Option) *Server {
	s := &Server{
		addr:        addr,
		runs:        runs,
		metricsPath: "/metrics",
		version:     "dev",
		shutdown:    5 * time.Second,
		started:     time.Now(),
		logger:      logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回注册了全部路由的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /api/task-executor/execute", s.instrument("execute", s.requireAPIKey(s.handleExecute)))
	mux.Handle("POST /api/task-executor/runs", s.instrument("submit_run", s.requireAPIKey(s.handleSubmitRun)))
	mux.Handle("GET /api/task-executor/runs", s.instrument("list_runs", s.requireAPIKey(s.handleListRuns)))
	mux.Handle("GET /api/task-executor/runs/{id}", s.instrument("run_detail", s.requireAPIKey(s.handleRunDetail)))
	mux.Handle("GET /api/task-executor/status", s.instrument("status", s.requireAPIKey(s.handleStatus)))
	mux.Handle("GET /api/task-executor/health", s.instrument("health", s.handleHealth))
	if s.metrics != nil {
		mux.Handle("GET "+s.metricsPath, s.metrics.Handler())
	}
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdown)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// executeRequest 是执行与提交接口的请求体，timeout 以秒为单位。
type executeRequest struct {
	RunID             string   `json:"run_id,omitempty"`
	ActionDescription string   `json:"action_description"`
	ContextID         string   `json:"context_id"`
	SessionID         string   `json:"session_id,omitempty"`
	Timeout           *float64 `json:"timeout,omitempty"`
}

func (req executeRequest) toAgent() (agent.ExecutionRequest, error) {
	out := agent.ExecutionRequest{
		RunID:             strings.TrimSpace(req.RunID),
		ActionDescription: req.ActionDescription,
		ContextID:         req.ContextID,
		SessionID:         req.SessionID,
	}
	if req.Timeout != nil {
		if *req.Timeout <= 0 {
			return out, xerrors.New(xerrors.CodeInvalidRequest, "timeout 必须为正数")
		}
		out.Timeout = time.Duration(*req.Timeout * float64(time.Second))
	}
	return out, nil
}

// runView 是运行记录的对外表示。
type runView struct {
	*run.Run
	Pending bool `json:"pending"`
}

func newRunView(r *run.Run) runView {
	return runView{Run: r, Pending: !r.Done()}
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeExecuteRequest(w, r)
	if !ok {
		return
	}
	result, err := s.runs.Execute(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	// 流水线失败同样返回 200，失败信息在信封中。
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeExecuteRequest(w, r)
	if !ok {
		return
	}
	created, err := s.runs.Submit(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, newRunView(created))
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	opts := make([]run.ListOption, 0, 5)
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.writeError(w, xerrors.New(xerrors.CodeInvalidRequest, "limit 参数无效"))
			return
		}
		opts = append(opts, run.WithLimit(parsed))
	}
	if raw := query.Get("offset"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			s.writeError(w, xerrors.New(xerrors.CodeInvalidRequest, "offset 参数无效"))
			return
		}
		opts = append(opts, run.WithOffset(parsed))
	}
	if raw := query.Get("status"); raw != "" {
		var statuses []run.Status
		for _, part := range strings.Split(raw, ",") {
			status := run.Status(strings.TrimSpace(part))
			if !run.IsValidStatus(status) {
				s.writeError(w, xerrors.Newf(xerrors.CodeInvalidRequest, "未知的运行状态: %s", part))
				return
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, run.WithStatuses(statuses...))
	}
	if ctxID := query.Get("context_id"); ctxID != "" {
		opts = append(opts, run.WithContextID(ctxID))
	}
	if query.Get("order") == "asc" {
		opts = append(opts, run.WithSortOrder(run.SortByUpdatedAsc))
	}

	runs, err := s.runs.List(r.Context(), opts...)
	if err != nil {
		s.writeError(w, err)
		return
	}
	views := make([]runView, 0, len(runs))
	for _, item := range runs {
		views = append(views, newRunView(item))
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": views})
}

func (s *Server) handleRunDetail(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		s.writeError(w, xerrors.New(xerrors.CodeInvalidRequest, "缺少运行 ID"))
		return
	}
	item, err := s.runs.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newRunView(item))
}

type statusResponse struct {
	Status             string `json:"status"`
	TaskExecutorURL    string `json:"task_executor_url"`
	TaskExecutorStatus string `json:"task_executor_status"`
	PendingRuns        int    `json:"pending_runs"`
	Uptime             string `json:"uptime"`
	Version            string `json:"version"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Status:             "running",
		TaskExecutorStatus: "unknown",
		Uptime:             time.Since(s.started).Round(time.Second).String(),
		Version:            s.version,
	}
	if s.executor != nil {
		resp.TaskExecutorURL = s.executor.BaseURL()
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		if err := s.executor.Health(ctx); err != nil {
			resp.TaskExecutorStatus = "unavailable"
			resp.Status = "degraded"
			s.logger.Warn("任务执行服务健康检查失败", slog.Any("error", err))
		} else {
			resp.TaskExecutorStatus = "available"
		}
		cancel()
	}
	pending, err := s.runs.PendingCount(r.Context())
	if err != nil {
		s.logger.Warn("统计待处理运行失败", slog.Any("error", err))
	}
	resp.PendingRuns = pending
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) decodeExecuteRequest(w http.ResponseWriter, r *http.Request) (agent.ExecutionRequest, bool) {
	if s.runs == nil {
		s.writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "运行服务未初始化"))
		return agent.ExecutionRequest{}, false
	}
	var body executeRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(&body); err != nil {
		s.writeError(w, xerrors.Wrap(xerrors.CodeInvalidRequest, err, "请求体解析失败"))
		return agent.ExecutionRequest{}, false
	}
	req, err := body.toAgent()
	if err != nil {
		s.writeError(w, err)
		return agent.ExecutionRequest{}, false
	}
	return req, true
}

type errorBody struct {
	Code    xerrors.Code `json:"code"`
	Message string       `json:"message"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		s.logger.Error("请求处理失败", slog.Any("error", err), slog.String("code", string(code)))
	}
	writeJSON(w, status, map[string]errorBody{"error": {Code: code, Message: err.Error()}})
}

func statusFor(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidRequest:
		return http.StatusBadRequest
	case xerrors.CodeUnauthorized:
		return http.StatusUnauthorized
	case xerrors.CodeNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict:
		return http.StatusConflict
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument 为处理器记录请求指标。
func (s *Server) instrument(name string, fn http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r)
		elapsed := time.Since(start)
		if s.metrics != nil {
			s.metrics.ObserveHTTPRequest(name, r.Method, rec.status, elapsed)
		}
		s.logger.Debug("请求完成",
			slog.String("handler", name),
			slog.String("method", r.Method),
			slog.Int("status", rec.status),
			slog.Duration("elapsed", elapsed),
		)
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
