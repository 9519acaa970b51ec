package run

import (
	"context"

	"TaskPilot/internal/agent"
	xerrors "TaskPilot/internal/errors"
)

// Store 抽象了运行记录的持久化接口。
type Store interface {
	Create(ctx context.Context, run *Run) error
	Get(ctx context.Context, id string) (*Run, error)
	// Claim 把 pending 运行标记为 running。运行中的记录返回 ErrRunConflict，
	// 已结束的记录返回 ErrRunCompleted。
	Claim(ctx context.Context, id string) (*Run, error)
	Complete(ctx context.Context, id string, result agent.ExecutionResult) error
	Fail(ctx context.Context, id string, code xerrors.Code, message string) error
	List(ctx context.Context, opts ListOptions) ([]*Run, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// Stats 聚合了运行状态的统计信息，用于状态接口与健康检查。
type Stats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Running         int   `json:"running"`
	Succeeded       int   `json:"succeeded"`
	Failed          int   `json:"failed"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

func (s *Stats) add(r *Run) {
	s.Total++
	switch r.Status {
	case StatusPending:
		s.Pending++
	case StatusRunning:
		s.Running++
	case StatusSucceeded:
		s.Succeeded++
	case StatusFailed:
		s.Failed++
	}
	if s.OldestUpdatedAt == 0 || r.UpdatedAt < s.OldestUpdatedAt {
		s.OldestUpdatedAt = r.UpdatedAt
	}
	if r.UpdatedAt > s.NewestUpdatedAt {
		s.NewestUpdatedAt = r.UpdatedAt
	}
}
