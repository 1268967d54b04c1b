// Package async provides utilities for running independent per-host
// operations concurrently with bounded parallelism.
//
// Unlike a plain errgroup, Run collects every task's outcome instead of
// aborting siblings on the first failure: one host failing must not roll
// back or block hosts that already succeeded.
package async

import (
	"context"
	"sync"
)

// Task represents an asynchronous operation with a name and function.
type Task struct {
	Name string
	Func func(context.Context) error
}

// Result is the outcome of a single task.
type Result struct {
	Name string
	Err  error
}

// Run executes the tasks with at most limit running concurrently and returns
// one Result per task, in task order. A limit of zero or less means
// unbounded. All tasks run to completion regardless of sibling failures.
func Run(ctx context.Context, limit int, tasks []Task) []Result {
	if len(tasks) == 0 {
		return nil
	}
	if limit <= 0 || limit > len(tasks) {
		limit = len(tasks)
	}

	results := make([]Result, len(tasks))
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup

	for i, task := range tasks {
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = Result{Name: task.Name, Err: task.Func(ctx)}
		}()
	}

	wg.Wait()
	return results
}

// FirstError returns the first non-nil error among the results.
func FirstError(results []Result) error {
	for _, r := range results {
		if r.Err != nil {
			return r.Err
		}
	}
	return nil
}
