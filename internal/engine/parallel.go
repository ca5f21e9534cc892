package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rendis/shipyard/pkg/schema"
)

// DefaultMaxConcurrent caps a batch that does not set MaxConcurrent.
const DefaultMaxConcurrent = 4

var (
	// ErrBatchTimeout is wrapped by the error returned when the global
	// batch timeout fires before every task settled.
	ErrBatchTimeout = errors.New("parallel batch timed out")
	// ErrTaskSkipped marks tasks never admitted because of fail-fast.
	ErrTaskSkipped = errors.New("task skipped after an earlier failure")
)

// Task is one unit of work in a parallel batch.
type Task struct {
	Name string
	Run  func(ctx context.Context) (any, error)
}

// TaskResult is the settled outcome of a Task.
type TaskResult struct {
	Name     string
	Success  bool
	Result   any
	Err      error
	TimedOut bool
	Skipped  bool
	Duration time.Duration
}

// Output is the JSON-friendly form stored in step results.
func (r TaskResult) Output() map[string]any {
	out := map[string]any{
		"name":        r.Name,
		"success":     r.Success,
		"duration_ms": r.Duration.Milliseconds(),
	}
	if r.Result != nil {
		out["result"] = r.Result
	}
	if r.Err != nil {
		out["error"] = r.Err.Error()
	}
	if r.TimedOut {
		out["timed_out"] = true
	}
	if r.Skipped {
		out["skipped"] = true
	}
	return out
}

// ParallelOptions bounds a batch.
type ParallelOptions struct {
	// MaxConcurrent defaults to DefaultMaxConcurrent.
	MaxConcurrent int
	// FailFast stops admitting queued tasks once any task fails.
	// Tasks already running drain normally.
	FailFast bool
	// OnProgress is called after each task settles, from a single goroutine.
	OnProgress func(completed, total int)
	// Timeout bounds the whole batch. Zero means no bound.
	Timeout time.Duration
	// TaskTimeout bounds each task. Zero means no bound.
	TaskTimeout time.Duration
}

// RunTasksInParallel runs tasks with at most MaxConcurrent in flight,
// admitting them in submission order. Results come back in settlement
// order; correlate them by Name. A task that panics, errors or exceeds
// TaskTimeout is a failed result, never a batch error.
//
// If the batch Timeout fires first, the settled results are returned
// together with the unsettled tasks marked TimedOut, and the error wraps
// ErrBatchTimeout. Cancelling ctx behaves the same way but wraps ctx.Err().
func RunTasksInParallel(ctx context.Context, tasks []Task, opts ParallelOptions) ([]TaskResult, error) {
	if len(tasks) == 0 {
		return []TaskResult{}, nil
	}
	for i, t := range tasks {
		if t.Run == nil {
			return nil, schema.ValidationError("parallel task %d (%q) has no work function", i, t.Name)
		}
	}

	maxConcurrent := opts.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}

	var (
		batchCtx context.Context
		cancel   context.CancelFunc
	)
	if opts.Timeout > 0 {
		batchCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
	} else {
		batchCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	pool := NewWorkerPool(maxConcurrent)
	defer pool.Close()

	// One send per task, so the buffer guarantees no sender ever blocks
	// after the collector stops listening.
	settled := make(chan indexedResult, len(tasks))
	var failed atomic.Bool

	go func() {
		for i, task := range tasks {
			if opts.FailFast && failed.Load() {
				settled <- indexedResult{i, skippedResult(task.Name)}
				continue
			}
			err := pool.Submit(batchCtx, func(jobCtx context.Context) error {
				// A slot may free up because of the failing task itself.
				if opts.FailFast && failed.Load() {
					settled <- indexedResult{i, skippedResult(task.Name)}
					return nil
				}
				r := runTask(jobCtx, task, opts.TaskTimeout)
				if !r.Success {
					failed.Store(true)
				}
				settled <- indexedResult{i, r}
				return r.Err
			})
			if err != nil {
				settled <- indexedResult{i, TaskResult{Name: task.Name, Err: err, TimedOut: true}}
			}
		}
	}()

	total := len(tasks)
	results := make([]TaskResult, 0, total)
	seen := make([]bool, total)
	for len(results) < total {
		select {
		case r := <-settled:
			seen[r.index] = true
			results = append(results, r.result)
			if opts.OnProgress != nil {
				opts.OnProgress(len(results), total)
			}
			if batchCtx.Err() != nil && len(results) < total {
				return partialResults(ctx, tasks, results, seen, settled, opts.Timeout)
			}
		case <-batchCtx.Done():
			return partialResults(ctx, tasks, results, seen, settled, opts.Timeout)
		}
	}
	return results, nil
}

type indexedResult struct {
	index  int
	result TaskResult
}

func skippedResult(name string) TaskResult {
	return TaskResult{Name: name, Err: ErrTaskSkipped, Skipped: true}
}

// partialResults keeps every result already settled, including ones still
// buffered in settled, and reports the rest as timed out.
func partialResults(parent context.Context, tasks []Task, results []TaskResult, seen []bool, settled <-chan indexedResult, timeout time.Duration) ([]TaskResult, error) {
drain:
	for {
		select {
		case r := <-settled:
			if !seen[r.index] {
				seen[r.index] = true
				results = append(results, r.result)
			}
		default:
			break drain
		}
	}
	if len(results) == len(tasks) {
		return results, nil
	}

	var batchErr error
	if parent.Err() != nil {
		batchErr = schema.NewError(schema.ErrCodeCancelled, "parallel batch cancelled").WithCause(parent.Err())
	} else {
		batchErr = schema.NewErrorf(schema.ErrCodeTimeout, "parallel batch timed out after %s", timeout).WithCause(ErrBatchTimeout)
	}
	for i, t := range tasks {
		if seen[i] {
			continue
		}
		results = append(results, TaskResult{Name: t.Name, Err: batchErr, TimedOut: true})
	}
	return results, batchErr
}

// runTask races task.Run against its own deadline. The timer is released
// whichever side wins; a task ignoring ctx keeps its goroutine until it
// returns, but its result is discarded.
func runTask(ctx context.Context, task Task, timeout time.Duration) TaskResult {
	start := time.Now()
	taskCtx := ctx
	cancel := context.CancelFunc(func() {})
	if timeout > 0 {
		taskCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: &PanicError{Value: r}}
			}
		}()
		v, err := task.Run(taskCtx)
		done <- outcome{value: v, err: err}
	}()

	res := TaskResult{Name: task.Name}
	select {
	case o := <-done:
		res.Result = o.value
		res.Err = o.err
		res.Success = o.err == nil
	case <-taskCtx.Done():
		res.Err = fmt.Errorf("task %s: %w", task.Name, taskCtx.Err())
	}
	// A task that gave up because its own deadline passed is a timeout,
	// whichever select branch observed it.
	if !res.Success && timeout > 0 && ctx.Err() == nil && errors.Is(taskCtx.Err(), context.DeadlineExceeded) {
		res.Result = nil
		res.TimedOut = true
		res.Err = schema.NewErrorf(schema.ErrCodeTimeout, "%s timed out after %s", task.Name, timeout).
			WithCause(context.DeadlineExceeded)
	}
	res.Duration = time.Since(start)
	return res
}
