// Package workerpool fans independent units of work out to goroutines and
// collects their results.
package workerpool

import (
	"context"
	"fmt"
)

// Task is a unit of work. It receives the caller's ctx: a fault in another
// task never cancels a task that is already running.
type Task[T any] func(ctx context.Context) (T, error)

// TaskError carries the first fault raised by a task and the task's position
// in the submitted slice.
type TaskError struct {
	Index int
	Err   error
}

func (e *TaskError) Error() string { return fmt.Sprintf("task %d: %v", e.Index, e.Err) }
func (e *TaskError) Unwrap() error { return e.Err }

type options struct {
	limit int
}

type Option func(*options)

// WithLimit bounds the number of tasks running at once. Tasks waiting for a
// slot have not started and are skipped once the run is cancelled.
func WithLimit(n int) Option {
	return func(o *options) { o.limit = n }
}

// Run executes every task on its own goroutine and returns their results in
// completion order. It returns as soon as a task fails: tasks that have not
// started by then never start, tasks already running are left to finish in
// the background, and their results or errors are dropped. Only the first
// fault is reported, wrapped in a *TaskError.
func Run[T any](ctx context.Context, tasks []Task[T], opts ...Option) ([]T, error) {
	if len(tasks) == 0 {
		return []T{}, nil
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	// runCtx only gates starting; it is never handed to a task.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan T, len(tasks))
	errCh := make(chan *TaskError, 1)
	var slots chan struct{}
	if o.limit > 0 && o.limit < len(tasks) {
		slots = make(chan struct{}, o.limit)
	}

	for i, task := range tasks {
		go func(i int, task Task[T]) {
			if slots != nil {
				select {
				case slots <- struct{}{}:
					defer func() { <-slots }()
				case <-runCtx.Done():
					return
				}
			}
			if runCtx.Err() != nil {
				return
			}
			v, err := task(ctx)
			if err != nil {
				select {
				case errCh <- &TaskError{Index: i, Err: err}:
				default:
				}
				cancel()
				return
			}
			results <- v
		}(i, task)
	}

	out := make([]T, 0, len(tasks))
	for len(out) < len(tasks) {
		select {
		case err := <-errCh:
			return nil, err
		case v := <-results:
			out = append(out, v)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return out, nil
}
