// Package async provides helpers for running per-node operations concurrently.
//
// Bootstrap fans out over the roster with a bounded worker pool; each task is
// named after the node it works on so failures stay attributable.
package async

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Task represents an asynchronous operation with a name and function.
type Task struct {
	Name string
	Func func(context.Context) error
}

// RunParallel executes all tasks concurrently and waits for every one to
// finish. Errors are collected per task and joined; a failing task never
// prevents the others from running to completion.
func RunParallel(ctx context.Context, tasks []Task) error {
	return RunBounded(ctx, len(tasks), tasks)
}

// RunBounded executes tasks with at most limit running concurrently. All
// tasks run to completion regardless of individual failures; the returned
// error joins every task error, each wrapped with its task name. A limit
// below 1 is treated as 1.
//
// Tasks that have not started when ctx is cancelled are skipped and reported
// with the context error.
func RunBounded(ctx context.Context, limit int, tasks []Task) error {
	if len(tasks) == 0 {
		return nil
	}
	if limit < 1 {
		limit = 1
	}
	if limit > len(tasks) {
		limit = len(tasks)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)

	sem := make(chan struct{}, limit)

	for _, task := range tasks {
		wg.Add(1)
		go func() {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", task.Name, ctx.Err()))
				mu.Unlock()
				return
			}

			if err := task.Func(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", task.Name, err))
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	return errors.Join(errs...)
}
