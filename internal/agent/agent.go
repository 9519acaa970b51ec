package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"TaskPilot/internal/events"
	"TaskPilot/internal/mapper"
	"TaskPilot/internal/memory"
	"TaskPilot/internal/selector"
	"TaskPilot/internal/taskclient"
	"TaskPilot/pkg/logger"
)

// ExecutionRequest 描述一次任务执行请求，在运行期间不可变。
type ExecutionRequest struct {
	RunID             string        `json:"run_id,omitempty"`
	ActionDescription string        `json:"action_description"`
	ContextID         string        `json:"context_id"`
	SessionID         string        `json:"session_id,omitempty"`
	Timeout           time.Duration `json:"-"`
}

// TaskService 是远端任务执行服务的四个操作。
type TaskService interface {
	FindTasks(ctx context.Context, actionDescription string) ([]taskclient.TaskCandidate, error)
	GetTaskInputs(ctx context.Context, taskID taskclient.TaskID) ([]taskclient.InputField, error)
	GetRuntimeVariables(ctx context.Context, contextID string) ([]taskclient.RuntimeVariable, error)
	ExecuteTask(ctx context.Context, contextID string, taskID taskclient.TaskID, assignments map[string]taskclient.Assignment) (json.RawMessage, error)
}

// TaskSelector 从候选任务中选择一个。
type TaskSelector interface {
	Select(ctx context.Context, action string, candidates []taskclient.TaskCandidate) (selector.Decision, error)
}

// InputMapper 把任务输入映射为字面值或变量引用。
type InputMapper interface {
	Map(ctx context.Context, req mapper.Request) (*mapper.Result, error)
}

// Observer 接收阶段与运行的耗时和结果，用于指标采集。
type Observer interface {
	StageCompleted(stage Stage, elapsed time.Duration, cause string)
	RunCompleted(result ExecutionResult)
}

// Agent 编排任务执行状态机。Agent 只持有不可变的协作方，
// 每次运行的状态保存在独立的 runState 中，因此可以被并发调用。
type Agent struct {
	tasks    TaskService
	selector TaskSelector
	mapper   InputMapper

	events   events.Publisher
	memory   memory.Provider
	observer Observer
	logger   *slog.Logger

	memoryDepth    int
	defaultTimeout time.Duration
	minConfidence  float64
	enforceMinConf bool
	selectSingle   bool
	publishTimeout time.Duration
}

// Option 定义可选的 Agent 配置。
type Option func(*Agent)

const (
	defaultMemoryDepth    = 10
	defaultRunTimeout     = 300 * time.Second
	defaultPublishTimeout = 5 * time.Second
)

// WithEventPublisher 配置生命周期事件发布器。
func WithEventPublisher(p events.Publisher) Option {
	return func(a *Agent) {
		if p != nil {
			a.events = p
		}
	}
}

// WithMemory 配置会话记忆，用于在输入映射时提供对话上下文。
func WithMemory(p memory.Provider) Option {
	return func(a *Agent) {
		a.memory = p
	}
}

// WithMemoryDepth 设置输入映射时可参考的历史消息条数。
func WithMemoryDepth(depth int) Option {
	return func(a *Agent) {
		if depth > 0 {
			a.memoryDepth = depth
		}
	}
}

// WithDefaultTimeout 设置请求未指定超时时间时的运行截止时间。
func WithDefaultTimeout(timeout time.Duration) Option {
	return func(a *Agent) {
		if timeout > 0 {
			a.defaultTimeout = timeout
		}
	}
}

// WithMinConfidence 开启置信度门槛，低于 min 的选择视为无效。
func WithMinConfidence(min float64) Option {
	return func(a *Agent) {
		a.minConfidence = min
		a.enforceMinConf = true
	}
}

// WithSelectSingleCandidate 为 true 时即使只有一个候选任务也调用推理选择。
func WithSelectSingleCandidate(enabled bool) Option {
	return func(a *Agent) {
		a.selectSingle = enabled
	}
}

// WithObserver 配置指标观察者。
func WithObserver(o Observer) Option {
	return func(a *Agent) {
		a.observer = o
	}
}

// WithLogger 指定日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) {
		if l != nil {
			a.logger = l
		}
	}
}

// New 创建一个 Agent。
func New(tasks TaskService, sel TaskSelector, mp InputMapper, opts ...Option) *Agent {
	ag := &Agent{
		tasks:          tasks,
		selector:       sel,
		mapper:         mp,
		events:         events.Nop{},
		logger:         logger.Named("agent"),
		memoryDepth:    defaultMemoryDepth,
		defaultTimeout: defaultRunTimeout,
		publishTimeout: defaultPublishTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ag)
		}
	}
	return ag
}

// Execute 运行完整的任务执行流水线。Execute 从不返回错误：
// 任何失败都以 success=false 的结果返回，并注明失败阶段与原因。
func (a *Agent) Execute(ctx context.Context, req ExecutionRequest) ExecutionResult {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = a.defaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rs := &runState{req: req, started: time.Now()}
	log := a.logger.With(
		slog.String("run_id", req.RunID),
		slog.String("context_id", req.ContextID),
	)
	a.publish(runCtx, rs, events.TypeStarted, "", "开始执行任务", nil)

	for _, st := range a.pipeline() {
		if err := runCtx.Err(); err != nil {
			rs.fail(st.stage, timeoutError(st.stage, err))
			break
		}
		log.Debug("进入阶段", slog.String("stage", string(st.stage)))
		a.publish(runCtx, rs, st.event, st.stage, st.message, nil)

		begin := time.Now()
		err := st.run(runCtx, rs)
		cause := ""
		if err != nil {
			rs.fail(st.stage, resolveCause(runCtx, st.stage, err))
			cause = string(rs.failure.Cause)
		}
		if a.observer != nil {
			a.observer.StageCompleted(st.stage, time.Since(begin), cause)
		}
		if err != nil {
			break
		}
	}

	result := buildEnvelope(rs)
	a.finish(runCtx, rs, result, log)
	return result
}

// finish 记录审计日志、发布终态事件并写入会话记忆。
func (a *Agent) finish(ctx context.Context, rs *runState, result ExecutionResult, log *slog.Logger) {
	attrs := []any{
		slog.String("run_id", rs.req.RunID),
		slog.String("context_id", rs.req.ContextID),
		slog.Bool("success", result.Success),
		slog.Float64("execution_time", result.ExecutionTime),
	}
	if rs.task != nil {
		attrs = append(attrs, slog.String("task_id", string(rs.task.TaskID)))
	}

	if result.Error != nil {
		attrs = append(attrs,
			slog.String("stage", string(result.Error.Stage)),
			slog.String("cause", string(result.Error.Cause)),
		)
		log.Warn("任务执行失败", slog.String("stage", string(result.Error.Stage)), slog.String("error", result.Error.Message))
		logger.Audit().Warn("任务执行失败", attrs...)
		a.publish(ctx, rs, events.TypeFailed, result.Error.Stage, "任务执行失败: "+result.Error.Message, map[string]any{
			"stage": result.Error.Stage,
			"cause": result.Error.Cause,
		})
	} else {
		logger.Audit().Info("任务执行完成", attrs...)
		a.publish(ctx, rs, events.TypeCompleted, StageReturnResult, "任务执行完成", map[string]any{
			"task_id": rs.task.TaskID,
		})
		a.remember(ctx, rs, result)
	}

	if a.observer != nil {
		a.observer.RunCompleted(result)
	}
}

// publish 尽力发布事件。发布失败只记录日志，不影响运行结果。
// 发布上下文继承运行截止时间。
func (a *Agent) publish(ctx context.Context, rs *runState, typ events.Type, stage Stage, message string, data map[string]any) {
	evt := events.New(typ, string(stage), message)
	evt.RunID = rs.req.RunID
	evt.ContextID = rs.req.ContextID
	evt.SessionID = rs.req.SessionID
	evt.ProgressData = data

	pubCtx, cancel := context.WithTimeout(ctx, a.publishTimeout)
	defer cancel()
	if err := a.events.Publish(pubCtx, evt); err != nil {
		a.logger.Warn("发布生命周期事件失败",
			slog.String("event_type", string(typ)),
			slog.String("run_id", rs.req.RunID),
			slog.Any("error", err),
		)
	}
}

// remember 在会话记忆可写时追加本次请求与结果。
func (a *Agent) remember(ctx context.Context, rs *runState, result ExecutionResult) {
	store, ok := a.memory.(memory.Store)
	if !ok || rs.req.SessionID == "" {
		return
	}
	now := time.Now().UTC()
	reply := "已执行任务 " + rs.task.Name
	if len(result.Result) > 0 {
		reply += ": " + string(result.Result)
	}
	appendCtx, cancel := context.WithTimeout(ctx, a.publishTimeout)
	defer cancel()
	err := store.Append(appendCtx, rs.req.SessionID,
		memory.Message{Role: "user", Content: rs.req.ActionDescription, CreatedAt: now},
		memory.Message{Role: "assistant", Content: reply, CreatedAt: now},
	)
	if err != nil {
		a.logger.Warn("写入会话记忆失败", slog.String("session_id", rs.req.SessionID), slog.Any("error", err))
	}
}
