package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/rendis/shipyard/internal/logging"
	"github.com/rendis/shipyard/internal/recovery"
	"github.com/rendis/shipyard/pkg/schema"
)

// StepState is the slice of state.Store the runner needs.
type StepState interface {
	recovery.Tracker
	ResetRecovery(step string)
	RecordPerformance(step string, d time.Duration, success bool)
}

// Runner executes one step: timeout, retries through the recovery planner,
// timing and a performance sample.
type Runner struct {
	state   StepState
	planner *recovery.Planner
	logger  *slog.Logger
	now     func() time.Time
}

// NewRunner creates a step runner.
func NewRunner(st StepState, planner *recovery.Planner, logger *slog.Logger) *Runner {
	return &Runner{state: st, planner: planner, logger: logger, now: time.Now}
}

// ExecuteStep runs step and always returns a result. The error is non-nil
// exactly when the result is unsuccessful and carries the last failure;
// it is never a panic.
//
// Retries are internal: the step's recovery counter is reset on entry, and
// each failed attempt asks the planner whether to back off and try again.
func (r *Runner) ExecuteStep(ctx context.Context, step *Step, sc *StepContext) (schema.StepResult, error) {
	if step == nil || step.Name == "" {
		err := schema.ValidationError("step definition has no name")
		return schema.StepResult{Error: err.Error()}, err
	}
	if step.Body == nil {
		err := schema.ValidationError("no executable body").WithStep(step.Name)
		return schema.StepResult{Error: err.Error()}, err
	}

	ctx = logging.WithStep(ctx, step.Name)
	log := logging.LogWith(ctx, r.logger)

	r.state.ResetRecovery(step.Name)
	start := r.now()

	var (
		out      any
		err      error
		timedOut bool
		attempts int
	)
	for {
		attempts++
		tr := runTask(ctx, Task{Name: step.Name, Run: func(ctx context.Context) (any, error) {
			return step.Body.Execute(ctx, sc)
		}}, step.Timeout)
		out, err, timedOut = tr.Result, tr.Err, tr.TimedOut

		if err == nil {
			if verr := checkOutput(step.Name, out); verr != nil {
				err = verr
				break
			}
			if attempts > 1 {
				r.state.EndRecovery(step.Name, true)
			}
			break
		}

		var pe *PanicError
		if errors.As(err, &pe) {
			err = schema.WorkflowError("panicked: %v", pe.Value).WithStep(step.Name).WithCause(pe)
		}
		if timedOut {
			err = schema.NewErrorf(schema.ErrCodeTimeout, "timed out after %s", step.Timeout).
				WithStep(step.Name).
				WithDetails(map[string]any{"timed_out": true}).
				WithCause(err)
		}
		if ctx.Err() != nil {
			break
		}
		log.WarnContext(ctx, "step attempt failed", "attempt", attempts, "error", err)
		if !r.planner.AttemptRecovery(ctx, err, step.Name, step.Recovery) {
			break
		}
		log.InfoContext(ctx, "retrying step", "attempt", attempts+1)
	}

	elapsed := r.now().Sub(start)
	r.state.RecordPerformance(step.Name, elapsed, err == nil)

	result := schema.StepResult{
		Success:    err == nil,
		DurationMs: elapsed.Milliseconds(),
		Output:     out,
		TimedOut:   timedOut,
		Attempts:   attempts,
	}
	if err != nil {
		result.Error = err.Error()
		if checkOutput(step.Name, out) != nil {
			result.Output = nil
		}
	}
	return result, err
}

// checkOutput rejects results that cannot be persisted as JSON.
func checkOutput(step string, out any) error {
	if out == nil {
		return nil
	}
	if _, err := json.Marshal(out); err != nil {
		return schema.WorkflowError("returned a malformed result: %v", err).WithStep(step).WithCause(err)
	}
	return nil
}
