package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultBufferSize     = 256
	defaultDeliverTimeout = 5 * time.Second
)

// ErrBufferFull 表示异步发布缓冲区已满，事件被丢弃。
var ErrBufferFull = errors.New("events: publish buffer full")

// AsyncConfig 控制异步发布器的缓冲与投递超时。
type AsyncConfig struct {
	BufferSize     int
	DeliverTimeout time.Duration
	Logger         *slog.Logger
}

// Async 把事件放入有界缓冲区，由单个后台协程投递给下游发布器。
// Publish 从不阻塞调用方；缓冲区满时丢弃事件并返回 ErrBufferFull。
type Async struct {
	next    Publisher
	queue   chan Event
	timeout time.Duration
	logger  *slog.Logger
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewAsync 包装 next 并启动投递协程。
func NewAsync(next Publisher, cfg AsyncConfig) *Async {
	size := cfg.BufferSize
	if size <= 0 {
		size = defaultBufferSize
	}
	timeout := cfg.DeliverTimeout
	if timeout <= 0 {
		timeout = defaultDeliverTimeout
	}
	l := cfg.Logger
	if l == nil {
		l = slog.Default()
	}
	a := &Async{
		next:    next,
		queue:   make(chan Event, size),
		timeout: timeout,
		logger:  l,
		done:    make(chan struct{}),
	}
	go a.loop()
	return a
}

// Publish 实现 Publisher。投递与调用方上下文解耦，调用方返回后事件仍会被发送。
func (a *Async) Publish(_ context.Context, evt Event) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return errors.New("events: async publisher closed")
	}
	select {
	case a.queue <- evt:
		return nil
	default:
		a.dropped.Add(1)
		return ErrBufferFull
	}
}

// Dropped 返回因缓冲区满而丢弃的事件数。
func (a *Async) Dropped() int64 { return a.dropped.Load() }

func (a *Async) loop() {
	defer close(a.done)
	for evt := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := a.next.Publish(ctx, evt); err != nil {
			a.logger.Warn("投递生命周期事件失败",
				slog.String("event_type", string(evt.Type)),
				slog.String("run_id", evt.RunID),
				slog.Any("error", err),
			)
		}
		cancel()
	}
}

// Close 停止接收新事件，等待缓冲区排空后关闭下游发布器。
func (a *Async) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()

	<-a.done
	return a.next.Close()
}
