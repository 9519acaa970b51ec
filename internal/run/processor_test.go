package run

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"TaskPilot/internal/agent"
)

func TestProcessorHandlesConcurrentRuns(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(1024)
	exec := &fakeExecutor{latency: 5 * time.Millisecond}

	service := NewService(exec, store, queue, WithMaxConcurrentRuns(4))
	processor := NewProcessor(service, queue, WithWorkerCount(8))

	go func() {
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()

	total := 200
	ids := make([]string, 0, total)
	for i := 0; i < total; i++ {
		r, err := service.Submit(ctx, agent.ExecutionRequest{
			ActionDescription: fmt.Sprintf("action-%d", i),
			ContextID:         "ctx-1",
		})
		if err != nil {
			t.Fatalf("提交运行失败: %v", err)
		}
		ids = append(ids, r.ID)
	}

	deadline := time.After(5 * time.Second)
	for int(exec.processed.Load()) < total {
		select {
		case <-deadline:
			t.Fatalf("运行未能及时处理，已完成 %d", exec.processed.Load())
		case <-time.After(20 * time.Millisecond):
		}
	}
	if peak := exec.peak.Load(); peak > 4 {
		t.Fatalf("concurrency limit exceeded: %d", peak)
	}

	last, err := service.WaitUntilCompleted(ctx, ids[len(ids)-1], 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait for run: %v", err)
	}
	if last.Status != StatusSucceeded {
		t.Fatalf("unexpected status: %s", last.Status)
	}
	cancel()
}

func TestProcessorRequiresConsumer(t *testing.T) {
	p := NewProcessor(nil, nil)
	if err := p.Start(context.Background()); err == nil {
		t.Fatalf("expected initialisation error")
	}
}

func TestMemoryQueueRejectsAfterClose(t *testing.T) {
	q := NewMemoryQueue(1)
	if err := q.Publish(context.Background(), "r1"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Publish(ctx, "r2"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected full queue to block until deadline, got %v", err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := q.Publish(context.Background(), "r3"); err == nil {
		t.Fatalf("expected publish on closed queue to fail")
	}
}
