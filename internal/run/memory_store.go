package run

import (
	"context"
	"sync"
	"time"

	"TaskPilot/internal/agent"
	xerrors "TaskPilot/internal/errors"
)

// MemoryStore 以内存方式保存运行记录，适合单实例部署与测试。
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]*Run
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]*Run)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, r *Run) error {
	if r == nil || r.ID == "" {
		return xerrors.New(xerrors.CodeInvalidRequest, "运行 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[r.ID]; ok {
		return ErrRunConflict
	}
	now := time.Now().Unix()
	if r.CreatedAt == 0 {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	m.runs[r.ID] = r.clone()
	return nil
}

// Get 实现 Store 接口。
func (m *MemoryStore) Get(_ context.Context, id string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	return r.clone(), nil
}

// Claim 实现 Store 接口。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	switch r.Status {
	case StatusRunning:
		return r.clone(), ErrRunConflict
	case StatusSucceeded, StatusFailed:
		return r.clone(), ErrRunCompleted
	}
	r.Status = StatusRunning
	r.UpdatedAt = time.Now().Unix()
	return r.clone(), nil
}

// Complete 实现 Store 接口。
func (m *MemoryStore) Complete(_ context.Context, id string, result agent.ExecutionResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	r.complete(result, time.Now().Unix())
	return nil
}

// Fail 实现 Store 接口。
func (m *MemoryStore) Fail(_ context.Context, id string, code xerrors.Code, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	r.Status = StatusFailed
	r.ErrorCode = string(code)
	r.LastError = message
	r.UpdatedAt = time.Now().Unix()
	return nil
}

// List 实现 Store 接口。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Run, error) {
	opts.applyDefaults()
	m.mu.RLock()
	all := make([]*Run, 0, len(m.runs))
	for _, r := range m.runs {
		all = append(all, r.clone())
	}
	m.mu.RUnlock()
	return filterRuns(all, opts), nil
}

// Stats 实现 Store 接口。
func (m *MemoryStore) Stats(_ context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var stats Stats
	for _, r := range m.runs {
		stats.add(r)
	}
	return stats, nil
}

// Close 实现 Store 接口。
func (m *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
