package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestPool_WrapRunsAllTasks(t *testing.T) {
	p := New(4)
	var ran int64
	tasks := make([]Task, 10)
	for i := range tasks {
		tasks[i] = func(ctx context.Context) error {
			atomic.AddInt64(&ran, 1)
			return nil
		}
	}
	if err := p.Wrap(context.Background(), "test", tasks); err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	if ran != 10 {
		t.Fatalf("expected 10 tasks to run, got %d", ran)
	}
}

func TestPool_RespectsConcurrencyLimit(t *testing.T) {
	p := New(2)
	var inflight, maxInflight int64
	tasks := make([]Task, 8)
	for i := range tasks {
		tasks[i] = func(ctx context.Context) error {
			n := atomic.AddInt64(&inflight, 1)
			for {
				cur := atomic.LoadInt64(&maxInflight)
				if n <= cur || atomic.CompareAndSwapInt64(&maxInflight, cur, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt64(&inflight, -1)
			return nil
		}
	}
	if err := p.Wrap(context.Background(), "test", tasks); err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	if maxInflight > 2 {
		t.Fatalf("expected at most 2 concurrent tasks, saw %d", maxInflight)
	}
}

func TestPool_DrainsAllTasksAndReturnsFirstError(t *testing.T) {
	p := New(3)
	var completed int64
	boom := errors.New("boom")
	tasks := make([]Task, 6)
	for i := range tasks {
		i := i
		tasks[i] = func(ctx context.Context) error {
			defer atomic.AddInt64(&completed, 1)
			if i == 2 {
				return boom
			}
			return nil
		}
	}
	err := p.Wrap(context.Background(), "test", tasks)
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if completed != 6 {
		t.Fatalf("expected all 6 tasks to run to completion, got %d", completed)
	}
}

func TestPool_EmptyTasksIsNoop(t *testing.T) {
	p := New(2)
	if err := p.Wrap(context.Background(), "test", nil); err != nil {
		t.Fatalf("Wrap: %v", err)
	}
}
