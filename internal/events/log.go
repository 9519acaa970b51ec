package events

import (
	"context"
	"log/slog"
)

// LogPublisher 把事件写入结构化日志，适合没有消息中间件的部署。
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher 创建日志发布器。
func NewLogPublisher(l *slog.Logger) *LogPublisher {
	if l == nil {
		l = slog.Default()
	}
	return &LogPublisher{logger: l}
}

// Publish 实现 Publisher。
func (p *LogPublisher) Publish(ctx context.Context, evt Event) error {
	p.logger.LogAttrs(ctx, slog.LevelInfo, evt.Message,
		slog.String("event_type", string(evt.Type)),
		slog.String("event_id", evt.ID),
		slog.String("run_id", evt.RunID),
		slog.String("context_id", evt.ContextID),
		slog.String("state", evt.CurrentState),
	)
	return nil
}

// Close 实现 Publisher。
func (p *LogPublisher) Close() error { return nil }
