package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type 是生命周期事件类型，同时作为 RabbitMQ routing key 与 NATS 主题后缀。
type Type string

const (
	TypeStarted       Type = "task.started"
	TypeFindingTasks  Type = "task.finding_tasks"
	TypeSelectingTask Type = "task.selecting_task"
	TypeSelected      Type = "task.selected"
	TypeGettingInputs Type = "task.getting_inputs"
	TypeGettingVars   Type = "task.getting_variables"
	TypeMappingInputs Type = "task.mapping_inputs"
	TypeExecuting     Type = "task.executing"
	TypeCompleted     Type = "task.completed"
	TypeFailed        Type = "task.failed"
)

// Event 描述一次运行中的进度变化。
type Event struct {
	ID           string         `json:"id"`
	Type         Type           `json:"event_type"`
	RunID        string         `json:"run_id,omitempty"`
	ContextID    string         `json:"context_id"`
	SessionID    string         `json:"session_id,omitempty"`
	CurrentState string         `json:"current_state"`
	Message      string         `json:"message"`
	ProgressData map[string]any `json:"progress_data,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// New 构造带唯一 ID 与时间戳的事件。
func New(typ Type, state, message string) Event {
	return Event{
		ID:           uuid.NewString(),
		Type:         typ,
		CurrentState: state,
		Message:      message,
		Timestamp:    time.Now().UTC(),
	}
}

// Publisher 发布生命周期事件。实现必须可被并发调用。
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
	Close() error
}

// Nop 丢弃所有事件。
type Nop struct{}

// Publish 实现 Publisher。
func (Nop) Publish(context.Context, Event) error { return nil }

// Close 实现 Publisher。
func (Nop) Close() error { return nil }

// Recorder 在内存中记录事件，用于测试与调试。
type Recorder struct {
	mu     sync.Mutex
	events []Event
	err    error
}

// NewRecorder 创建记录器；err 非空时 Publish 返回该错误但仍记录事件。
func NewRecorder(err error) *Recorder {
	return &Recorder{err: err}
}

// Publish 实现 Publisher。
func (r *Recorder) Publish(_ context.Context, evt Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return r.err
}

// Close 实现 Publisher。
func (r *Recorder) Close() error { return nil }

// Types 返回已记录事件的类型序列。
func (r *Recorder) Types() []Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Type, 0, len(r.events))
	for _, evt := range r.events {
		out = append(out, evt.Type)
	}
	return out
}

// Events 返回已记录事件的副本。
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
