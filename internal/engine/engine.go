// Package engine sequences pipeline steps, runs each one through the step
// runner and fans parallel groups out over a bounded worker pool.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/rendis/shipyard/internal/cache"
	"github.com/rendis/shipyard/internal/expressions"
	"github.com/rendis/shipyard/internal/logging"
	"github.com/rendis/shipyard/internal/state"
	"github.com/rendis/shipyard/pkg/schema"
)

// Warning categories recorded by the engine.
const (
	CategorySkipped     = "skipped"
	CategoryStepFailure = "step_failure"
	CategoryCache       = "cache"
)

// Engine runs an ordered list of steps as one workflow run.
type Engine interface {
	// Run executes steps in declaration order. The run outcome is reported
	// in RunResult.Status; the error is only for runs that could not start.
	Run(ctx context.Context, steps []*Step, opts RunOptions) (*RunResult, error)
}

// RunOptions controls one run.
type RunOptions struct {
	// Options is stored on the run and exposed to step conditions.
	Options map[string]any
	// Recover carries an interrupted run's errors, warnings and metrics
	// into the new run instead of discarding them. Steps still re-run.
	Recover bool
}

// RunResult summarizes a finished run.
type RunResult struct {
	RunID      string                       `json:"run_id"`
	Status     schema.RunStatus             `json:"status"`
	Steps      map[string]schema.StepResult `json:"steps"`
	Skipped    []string                     `json:"skipped,omitempty"`
	FailedStep string                       `json:"failed_step,omitempty"`
	Summary    map[string]any               `json:"summary"`
	Duration   time.Duration                `json:"-"`
}

// Option configures the engine.
type Option func(*engineImpl)

// WithCache enables result caching for steps that declare cache inputs.
func WithCache(c *cache.Cache) Option {
	return func(e *engineImpl) { e.cache = c }
}

// WithBaseDir sets the directory cache input patterns resolve against.
func WithBaseDir(dir string) Option {
	return func(e *engineImpl) { e.baseDir = dir }
}

// WithConditionEngine replaces the CEL engine used for `when`.
func WithConditionEngine(c expressions.Engine) Option {
	return func(e *engineImpl) { e.conditions = c }
}

type engineImpl struct {
	state      *state.Store
	runner     *Runner
	cache      *cache.Cache
	conditions expressions.Engine
	baseDir    string
	logger     *slog.Logger
	now        func() time.Time
}

// NewEngine creates an engine over st and runner.
func NewEngine(st *state.Store, runner *Runner, logger *slog.Logger, opts ...Option) (Engine, error) {
	e := &engineImpl{
		state:  st,
		runner: runner,
		logger: logger,
		now:    time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	if e.conditions == nil {
		celEngine, err := expressions.NewCELEngine()
		if err != nil {
			return nil, err
		}
		e.conditions = celEngine
	}
	if e.baseDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		e.baseDir = wd
	}
	return e, nil
}

// runState is the per-run bookkeeping the engine keeps next to the store.
type runState struct {
	runID     string
	options   map[string]any
	results   map[string]schema.StepResult
	completed int
	failed    int
	skipped   []string
	abortedAt string
	abortErr  error
}

func (e *engineImpl) Run(ctx context.Context, steps []*Step, opts RunOptions) (*RunResult, error) {
	if err := checkSteps(steps); err != nil {
		return nil, err
	}

	// State writes must land even if ctx is cancelled mid-run.
	persistCtx := context.WithoutCancel(ctx)

	if e.state.IsRecoverable() {
		if opts.Recover {
			e.state.Recover(persistCtx)
		} else {
			e.logger.InfoContext(ctx, "discarding interrupted run", "run_id", e.state.Snapshot().RunID)
			e.state.Reset(persistCtx)
		}
	}

	snap := e.state.Initialize(persistCtx, opts.Options)
	ctx = logging.WithRunID(ctx, snap.RunID)
	persistCtx = logging.WithRunID(persistCtx, snap.RunID)
	log := logging.LogWith(ctx, e.logger)
	log.InfoContext(ctx, "run started", "steps", len(steps))

	start := e.now()
	rs := &runState{
		runID:   snap.RunID,
		options: snap.Options,
		results: make(map[string]schema.StepResult, len(steps)),
	}

	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			rs.abortedAt = step.Name
			rs.abortErr = schema.NewError(schema.ErrCodeCancelled, "run cancelled").WithStep(step.Name).WithCause(err)
			break
		}
		if !e.runStep(ctx, persistCtx, step, rs) {
			break
		}
	}

	return e.finalize(ctx, persistCtx, steps, rs, e.now().Sub(start)), nil
}

// runStep executes one step and reports whether the run continues.
func (e *engineImpl) runStep(ctx, persistCtx context.Context, step *Step, rs *runState) bool {
	stepCtx := logging.WithStep(ctx, step.Name)
	persistCtx = logging.WithStep(persistCtx, step.Name)
	log := logging.LogWith(stepCtx, e.logger)

	if e.state.HasCompleted(step.Name) {
		log.DebugContext(stepCtx, "step already completed")
		return true
	}
	if missing := e.missingDependencies(step); len(missing) > 0 {
		e.skip(persistCtx, step, rs, "unmet dependencies: "+strings.Join(missing, ", "))
		return true
	}

	if step.When != "" {
		ok, err := expressions.EvaluateBool(stepCtx, e.conditions, step.When, e.conditionData(rs))
		if err != nil {
			return e.handleFailure(persistCtx, step, rs, schema.StepResult{Error: err.Error()}, err)
		}
		if !ok {
			e.skip(persistCtx, step, rs, "condition is false: "+step.When)
			return true
		}
	}

	e.state.SetCurrentStep(persistCtx, step.Name)

	cacheKey := e.cacheKey(persistCtx, step)
	if cacheKey != "" {
		var cached schema.StepResult
		if err := e.cache.GetFresh(cacheKey, step.Cache.TTL, &cached); err == nil && cached.Success {
			cached.Cached = true
			log.InfoContext(stepCtx, "step result reused from cache")
			e.succeed(persistCtx, step, rs, cached)
			return true
		}
	}

	sc := &StepContext{
		RunID:   rs.runID,
		Step:    step.Name,
		Options: rs.options,
		Results: copyResults(rs.results),
		State:   e.state,
		Logger:  log,
	}
	result, err := e.runner.ExecuteStep(stepCtx, step, sc)
	if err != nil {
		return e.handleFailure(persistCtx, step, rs, result, err)
	}

	if cacheKey != "" {
		if err := e.cache.Set(cacheKey, result); err != nil {
			log.WarnContext(stepCtx, "could not cache step result", "error", err)
		}
	}
	e.succeed(persistCtx, step, rs, result)
	return true
}

func (e *engineImpl) succeed(ctx context.Context, step *Step, rs *runState, result schema.StepResult) {
	rs.results[step.Name] = result
	rs.completed++
	e.state.CompleteStep(ctx, step.Name, result)
	logging.Success(ctx, e.logger, "step completed", "duration_ms", result.DurationMs, "cached", result.Cached)
}

// handleFailure records a failed step. A critical failure aborts the run.
func (e *engineImpl) handleFailure(ctx context.Context, step *Step, rs *runState, result schema.StepResult, err error) bool {
	result.Success = false
	if result.Error == "" {
		result.Error = err.Error()
	}
	rs.results[step.Name] = result
	rs.failed++

	if step.Critical {
		e.logger.ErrorContext(ctx, "critical step failed, aborting run", "error", err)
		rs.abortedAt = step.Name
		rs.abortErr = err
		return false
	}

	e.logger.WarnContext(ctx, "step failed, continuing", "error", err)
	e.state.SetCurrentStep(ctx, "")
	e.state.TrackError(ctx, err, step.Name, false)
	e.state.AddWarning(ctx, err.Error(), step.Name, CategoryStepFailure, schema.SeverityWarning)
	return true
}

func (e *engineImpl) skip(ctx context.Context, step *Step, rs *runState, reason string) {
	rs.skipped = append(rs.skipped, step.Name)
	e.logger.InfoContext(ctx, "step skipped", "reason", reason)
	e.state.AddWarning(ctx, "skipped: "+reason, step.Name, CategorySkipped, schema.SeverityInfo)
}

func (e *engineImpl) missingDependencies(step *Step) []string {
	var missing []string
	for _, dep := range step.Dependencies {
		if !e.state.HasCompleted(dep) {
			missing = append(missing, dep)
		}
	}
	return missing
}

// cacheKey returns "" when the step is not cacheable in this run.
func (e *engineImpl) cacheKey(ctx context.Context, step *Step) string {
	if e.cache == nil || step.Cache == nil {
		return ""
	}
	fp, err := cache.Fingerprint(e.baseDir, step.Cache.Inputs)
	if err != nil {
		e.logger.WarnContext(ctx, "cache fingerprint failed, running uncached", "error", err)
		e.state.AddWarning(ctx, "cache disabled: "+err.Error(), step.Name, CategoryCache, schema.SeverityWarning)
		return ""
	}
	return cache.StepKey(step.Name, fp)
}

func (e *engineImpl) conditionData(rs *runState) map[string]any {
	steps := make(map[string]any, len(rs.results))
	for name, r := range rs.results {
		steps[name] = map[string]any{
			"success":     r.Success,
			"output":      r.Output,
			"error":       r.Error,
			"cached":      r.Cached,
			"duration_ms": r.DurationMs,
		}
	}
	env := make(map[string]any)
	for _, kv := range os.Environ() {
		k, v, _ := strings.Cut(kv, "=")
		env[k] = v
	}
	options := rs.options
	if options == nil {
		options = map[string]any{}
	}
	return map[string]any{
		"steps":   steps,
		"options": options,
		"env":     env,
		"run":     map[string]any{"run_id": rs.runID},
	}
}

func (e *engineImpl) finalize(ctx, persistCtx context.Context, steps []*Step, rs *runState, elapsed time.Duration) *RunResult {
	var status schema.RunStatus
	switch {
	case rs.abortErr != nil:
		status = schema.RunStatusFailed
	case rs.failed > 0:
		status = schema.RunStatusCompletedWithErrors
	default:
		status = schema.RunStatusCompleted
	}

	summary := map[string]any{
		"run_id":          rs.runID,
		"status":          string(status),
		"steps_total":     len(steps),
		"steps_completed": rs.completed,
		"steps_failed":    rs.failed,
		"steps_skipped":   len(rs.skipped),
		"duration_ms":     elapsed.Milliseconds(),
	}
	e.state.UpdateMetrics(persistCtx, map[string]any{"performance": e.state.PerformanceMetrics()})

	var sealErr error
	if status == schema.RunStatusFailed {
		e.state.UpdateMetrics(persistCtx, map[string]any{"summary": summary})
		sealErr = e.state.Fail(persistCtx, rs.abortErr, rs.abortedAt)
	} else {
		sealErr = e.state.Complete(persistCtx, status, summary)
	}
	if sealErr != nil {
		e.logger.ErrorContext(persistCtx, "could not seal run", "status", status, "error", sealErr)
	}

	log := logging.LogWith(ctx, e.logger)
	args := []any{"status", status, "completed", rs.completed, "failed", rs.failed, "skipped", len(rs.skipped), "duration", elapsed}
	switch status {
	case schema.RunStatusCompleted:
		logging.Success(ctx, e.logger, "run completed", args...)
	case schema.RunStatusCompletedWithErrors:
		log.WarnContext(ctx, "run completed with errors", args...)
	default:
		log.ErrorContext(ctx, "run failed", append(args, "step", rs.abortedAt, "error", rs.abortErr)...)
	}

	return &RunResult{
		RunID:      rs.runID,
		Status:     status,
		Steps:      rs.results,
		Skipped:    rs.skipped,
		FailedStep: rs.abortedAt,
		Summary:    summary,
		Duration:   elapsed,
	}
}

// checkSteps rejects nil steps and duplicate names before a run starts.
func checkSteps(steps []*Step) error {
	seen := make(map[string]bool, len(steps))
	for i, s := range steps {
		if s == nil {
			return schema.ValidationError("step %d is nil", i)
		}
		if s.Body == nil {
			return schema.ValidationError("step %q has no executable body", s.Name)
		}
		if seen[s.Name] {
			return schema.ValidationError("duplicate step name %q", s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

func copyResults(in map[string]schema.StepResult) map[string]schema.StepResult {
	out := make(map[string]schema.StepResult, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// IsCancelled reports whether a run error came from cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || schema.HasCode(err, schema.ErrCodeCancelled)
}
