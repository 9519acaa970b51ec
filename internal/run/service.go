package run

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"TaskPilot/internal/agent"
	xerrors "TaskPilot/internal/errors"
	"TaskPilot/internal/observability/alerting"
	"TaskPilot/pkg/logger"
)

// Executor 定义了运行服务所需的 Agent 能力。
type Executor interface {
	Execute(ctx context.Context, req agent.ExecutionRequest) agent.ExecutionResult
}

// Service 负责运行的创建、执行与查询。同步执行与队列消费共享同一个并发上限。
type Service struct {
	executor Executor
	store    Store
	producer Producer
	slots    *semaphore.Weighted
	alerter  alerting.Dispatcher
	logger   *slog.Logger
}

// ServiceOption 定义可选配置。
type ServiceOption func(*Service)

// WithMaxConcurrentRuns 限制同时执行的运行数量，0 表示不限制。
func WithMaxConcurrentRuns(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.slots = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ServiceOption {
	return func(s *Service) {
		s.alerter = dispatcher
	}
}

// WithServiceLogger 指定日志输出。
func WithServiceLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewService 构造运行服务。producer 为 nil 时只支持同步执行。
func NewService(executor Executor, store Store, producer Producer, opts ...ServiceOption) *Service {
	s := &Service{
		executor: executor,
		store:    store,
		producer: producer,
		logger:   logger.Named("run"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Execute 创建运行并同步执行，返回结果信封。只有基础设施故障
// （存储不可用、等待执行槽位超时）才返回 error。
func (s *Service) Execute(ctx context.Context, req agent.ExecutionRequest) (agent.ExecutionResult, error) {
	if s.store == nil || s.executor == nil {
		return agent.ExecutionResult{}, xerrors.New(xerrors.CodeInitializationFailure, "运行服务未初始化")
	}
	r := newRun(req)
	if err := s.store.Create(ctx, r); err != nil {
		return agent.ExecutionResult{}, err
	}
	claimed, err := s.store.Claim(ctx, r.ID)
	if err != nil {
		return agent.ExecutionResult{}, err
	}
	return s.execute(ctx, claimed)
}

// Submit 创建一个新的运行并推送到队列。带有已存在 ID 的请求直接返回已有运行。
func (s *Service) Submit(ctx context.Context, req agent.ExecutionRequest) (*Run, error) {
	if strings.TrimSpace(req.ActionDescription) == "" || strings.TrimSpace(req.ContextID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidRequest, "action_description 与 context_id 不能为空")
	}
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "运行队列未初始化")
	}

	if id := strings.TrimSpace(req.RunID); id != "" {
		existing, err := s.store.Get(ctx, id)
		if err == nil {
			return existing, nil
		}
		if !stdErrors.Is(err, ErrRunNotFound) {
			return nil, err
		}
	}

	r := newRun(req)
	if err := s.store.Create(ctx, r); err != nil {
		if stdErrors.Is(err, ErrRunConflict) {
			if existing, getErr := s.store.Get(ctx, r.ID); getErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, r.ID); err != nil {
		s.logger.Error("运行入队失败", slog.Any("error", err), slog.String("run_id", r.ID))
		wrapped := xerrors.Wrap(CodeRunPublish, err, "发布运行到队列失败")
		if failErr := s.store.Fail(ctx, r.ID, CodeRunPublish, wrapped.Error()); failErr != nil {
			s.logger.Error("回写失败状态出错", slog.Any("error", failErr), slog.String("run_id", r.ID))
		}
		s.emitAlert(ctx, CodeRunPublish, r.ID, "publish", wrapped)
		return nil, wrapped
	}
	logger.Audit().Info("运行入队成功",
		slog.String("run_id", r.ID),
		slog.String("context_id", r.ContextID),
		slog.String("action", r.ActionDescription),
	)
	return r.clone(), nil
}

// Process 领取并执行队列中的运行。已结束、执行中或不存在的运行被跳过。
// 返回 error 意味着运行尚未开始执行，可以安全地重新入队。
func (s *Service) Process(ctx context.Context, runID string) error {
	if s.store == nil || s.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "运行服务未初始化")
	}
	r, err := s.store.Claim(ctx, runID)
	if err != nil {
		if stdErrors.Is(err, ErrRunNotFound) || stdErrors.Is(err, ErrRunCompleted) || stdErrors.Is(err, ErrRunConflict) {
			s.logger.Debug("跳过运行", slog.String("run_id", runID), slog.String("reason", err.Error()))
			return nil
		}
		s.logger.Error("领取运行失败", slog.Any("error", err), slog.String("run_id", runID))
		s.emitAlert(ctx, xerrors.CodeOf(err), runID, "claim", err)
		return err
	}
	if _, err := s.execute(ctx, r); err != nil {
		// 运行已被标记为失败，不再重投。
		s.logger.Warn("运行未能执行", slog.Any("error", err), slog.String("run_id", runID))
	}
	return nil
}

func (s *Service) execute(ctx context.Context, r *Run) (agent.ExecutionResult, error) {
	if s.slots != nil {
		if err := s.slots.Acquire(ctx, 1); err != nil {
			wrapped := xerrors.Wrap(xerrors.CodeTimeout, err, "等待执行槽位超时")
			if failErr := s.store.Fail(context.WithoutCancel(ctx), r.ID, xerrors.CodeTimeout, wrapped.Error()); failErr != nil {
				s.logger.Error("回写失败状态出错", slog.Any("error", failErr), slog.String("run_id", r.ID))
			}
			return agent.ExecutionResult{}, wrapped
		}
		defer s.slots.Release(1)
	}

	result := s.executor.Execute(ctx, r.Request())

	// 执行已经产生副作用，结果必须落库，即使调用方已经取消。
	storeCtx := context.WithoutCancel(ctx)
	if err := s.store.Complete(storeCtx, r.ID, result); err != nil {
		s.logger.Error("记录运行结果失败", slog.Any("error", err), slog.String("run_id", r.ID))
		s.emitAlert(storeCtx, xerrors.CodeStorageFailure, r.ID, "complete", err)
	}
	if code := result.Failed(); code != "" && xerrors.AttributesOf(code).Alert {
		stage := ""
		message := ""
		if result.Error != nil {
			stage = string(result.Error.Stage)
			message = result.Error.Message
		}
		s.emitAlert(storeCtx, code, r.ID, stage, xerrors.New(code, message))
	}
	return result, nil
}

// Get 返回指定运行的状态。
func (s *Service) Get(ctx context.Context, id string) (*Run, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "运行存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的运行列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Run, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "运行存储未初始化")
	}
	return s.store.List(ctx, buildListOptions(opts))
}

// Stats 返回运行统计信息。
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	if s.store == nil {
		return Stats{}, xerrors.New(xerrors.CodeInitializationFailure, "运行存储未初始化")
	}
	return s.store.Stats(ctx)
}

// Pending 判断指定运行是否尚未结束。
func (s *Service) Pending(ctx context.Context, id string) (bool, error) {
	r, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return !r.Done(), nil
}

// PendingCount 返回尚未结束的运行数量。
func (s *Service) PendingCount(ctx context.Context) (int, error) {
	stats, err := s.Stats(ctx)
	if err != nil {
		return 0, err
	}
	return stats.Pending + stats.Running, nil
}

// WaitUntilCompleted 轮询运行状态直到结束或上下文取消。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Run, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		r, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if r.Done() {
			return r, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close 释放资源。
func (s *Service) Close() error {
	var err error
	if s.store != nil {
		err = s.store.Close()
	}
	if s.producer != nil {
		err = stdErrors.Join(err, s.producer.Close())
	}
	return err
}

func (s *Service) emitAlert(ctx context.Context, code xerrors.Code, runID, stage string, cause error) {
	if s.alerter == nil {
		return
	}
	if err := s.alerter.Notify(ctx, alerting.NewEvent(code, runID, stage, cause)); err != nil {
		s.logger.Error("告警通知失败",
			slog.Any("error", err),
			slog.String("run_id", runID),
			slog.String("stage", stage),
		)
	}
}

func newRun(req agent.ExecutionRequest) *Run {
	id := strings.TrimSpace(req.RunID)
	if id == "" {
		id = uuid.NewString()
	}
	return &Run{
		ID:                id,
		ActionDescription: req.ActionDescription,
		ContextID:         req.ContextID,
		SessionID:         req.SessionID,
		TimeoutSeconds:    req.Timeout.Seconds(),
		Status:            StatusPending,
	}
}
