package run

import (
	"context"
	"log/slog"

	xerrors "TaskPilot/internal/errors"
	"TaskPilot/pkg/logger"
)

// Processor 负责从队列消费运行并交给 Service 执行。
type Processor struct {
	service     *Service
	consumer    Consumer
	workerCount int
	logger      *slog.Logger
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(service *Service, consumer Consumer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		service:     service,
		consumer:    consumer,
		workerCount: 1,
		logger:      logger.Named("processor"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动消费循环，直到上下文取消或队列出错。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil || p.service == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置运行消费者")
	}
	p.logger.Info("运行处理器启动", slog.Int("workers", p.workerCount))
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, runID string) error {
	if err := p.service.Process(ctx, runID); err != nil {
		p.logger.Warn("运行处理失败，等待重投", slog.String("run_id", runID), slog.Any("error", err))
		return err
	}
	return nil
}
