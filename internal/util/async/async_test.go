package async

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunParallel_Empty(t *testing.T) {
	t.Parallel()
	if err := RunParallel(context.Background(), nil); err != nil {
		t.Errorf("Expected nil error for empty task list, got: %v", err)
	}
}

func TestRunParallel_AllSucceed(t *testing.T) {
	t.Parallel()
	var count atomic.Int32
	tasks := []Task{
		{Name: "node-a", Func: func(context.Context) error { count.Add(1); return nil }},
		{Name: "node-b", Func: func(context.Context) error { count.Add(1); return nil }},
		{Name: "node-c", Func: func(context.Context) error { count.Add(1); return nil }},
	}

	if err := RunParallel(context.Background(), tasks); err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}
	if count.Load() != 3 {
		t.Errorf("Expected 3 tasks to run, got: %d", count.Load())
	}
}

func TestRunParallel_FailureDoesNotAbortOthers(t *testing.T) {
	t.Parallel()
	var count atomic.Int32
	boom := errors.New("kubelet not found")
	tasks := []Task{
		{Name: "node-a", Func: func(context.Context) error { count.Add(1); return boom }},
		{Name: "node-b", Func: func(context.Context) error { count.Add(1); return nil }},
		{Name: "node-c", Func: func(context.Context) error { count.Add(1); return nil }},
	}

	err := RunParallel(context.Background(), tasks)
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if !errors.Is(err, boom) {
		t.Errorf("Expected joined error to contain task error, got: %v", err)
	}
	if count.Load() != 3 {
		t.Errorf("All tasks should run despite one failing, ran: %d", count.Load())
	}
}

func TestRunBounded_RespectsLimit(t *testing.T) {
	t.Parallel()
	var (
		mu      sync.Mutex
		running int
		peak    int
	)

	task := func(context.Context) error {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		running--
		mu.Unlock()
		return nil
	}

	tasks := make([]Task, 8)
	for i := range tasks {
		tasks[i] = Task{Name: "n", Func: task}
	}

	if err := RunBounded(context.Background(), 2, tasks); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if peak > 2 {
		t.Errorf("Expected at most 2 concurrent tasks, peak was %d", peak)
	}
}

func TestRunBounded_CollectsAllErrors(t *testing.T) {
	t.Parallel()
	errA := errors.New("a failed")
	errB := errors.New("b failed")
	tasks := []Task{
		{Name: "node-a", Func: func(context.Context) error { return errA }},
		{Name: "node-b", Func: func(context.Context) error { return errB }},
		{Name: "node-c", Func: func(context.Context) error { return nil }},
	}

	err := RunBounded(context.Background(), 1, tasks)
	if !errors.Is(err, errA) || !errors.Is(err, errB) {
		t.Errorf("Expected both task errors in the join, got: %v", err)
	}
}

func TestRunBounded_CancelledContextSkipsQueued(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())

	var started atomic.Int32
	startedCh := make(chan struct{}, 2)
	release := make(chan struct{})

	// With limit 1 only one task gets the slot; it holds it until release so
	// the queued task can only observe the cancellation.
	body := func(context.Context) error {
		started.Add(1)
		startedCh <- struct{}{}
		<-release
		return nil
	}
	tasks := []Task{
		{Name: "first", Func: body},
		{Name: "second", Func: body},
	}

	done := make(chan error, 1)
	go func() { done <- RunBounded(ctx, 1, tasks) }()

	<-startedCh
	cancel()
	time.Sleep(20 * time.Millisecond)
	close(release)

	err := <-done
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled for the queued task, got: %v", err)
	}
	if started.Load() != 1 {
		t.Errorf("Expected only one task to start, started: %d", started.Load())
	}
}
