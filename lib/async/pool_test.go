package async

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/togather-fin/togather-core/errs"
)

func TestPoolRunsSubmittedTasks(t *testing.T) {
	pool, err := NewPool(4, 16)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	defer pool.Close()

	var ran atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		err := pool.Submit(context.Background(), func(context.Context) error {
			defer wg.Done()
			ran.Add(1)
			return nil
		})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	wg.Wait()
	if got := ran.Load(); got != 10 {
		t.Errorf("ran = %d, want 10", got)
	}
}

func TestPoolRejectsWhenSaturated(t *testing.T) {
	pool, err := NewPool(1, 0)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	defer pool.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	if err := pool.Submit(context.Background(), func(context.Context) error {
		close(started)
		<-release
		return nil
	}); err != nil {
		t.Fatalf("submit blocker: %v", err)
	}
	<-started

	err = pool.Submit(context.Background(), func(context.Context) error { return nil })
	if !errs.Is(err, errs.CodeUnavailable) {
		t.Fatalf("expected capacity rejection, got %v", err)
	}
	close(release)
}

func TestPoolRejectsAfterClose(t *testing.T) {
	pool, err := NewPool(2, 4)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	pool.Close()

	err = pool.Submit(context.Background(), func(context.Context) error { return nil })
	if !errs.Is(err, errs.CodeUnavailable) {
		t.Fatalf("expected closed rejection, got %v", err)
	}
}

func TestPoolShutdownWaitsForInflight(t *testing.T) {
	pool, err := NewPool(1, 1)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}

	var finished atomic.Bool
	if err := pool.Submit(context.Background(), func(context.Context) error {
		time.Sleep(20 * time.Millisecond)
		finished.Store(true)
		return nil
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := pool.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if !finished.Load() {
		t.Error("shutdown returned before the in-flight task finished")
	}
}

func TestPoolSurvivesPanickingTask(t *testing.T) {
	pool, err := NewPool(1, 4)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	defer pool.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	if err := pool.Submit(context.Background(), func(context.Context) error {
		defer wg.Done()
		panic("boom")
	}); err != nil {
		t.Fatalf("submit panicking task: %v", err)
	}
	wg.Wait()

	wg.Add(1)
	ran := false
	if err := pool.Submit(context.Background(), func(context.Context) error {
		defer wg.Done()
		ran = true
		return nil
	}); err != nil {
		t.Fatalf("submit after panic: %v", err)
	}
	wg.Wait()
	if !ran {
		t.Error("worker died after panic")
	}
}

func TestNewPoolValidation(t *testing.T) {
	if _, err := NewPool(0, 4); !errs.Is(err, errs.CodeInvalid) {
		t.Errorf("expected invalid for zero workers, got %v", err)
	}
}
