package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rendis/shipyard/internal/expressions"
	"github.com/rendis/shipyard/internal/shell"
	"github.com/rendis/shipyard/internal/state"
	"github.com/rendis/shipyard/pkg/schema"
)

// StepContext is what a step body sees of the run.
type StepContext struct {
	RunID   string
	Step    string
	Options map[string]any
	// Results holds the outcomes of steps already executed in this run.
	Results map[string]schema.StepResult
	// State is available for pass-through updates such as SetDeployment,
	// UpdateMetrics and SaveLastSuccessfulPreview.
	State  *state.Store
	Logger *slog.Logger
}

// Body is the executable part of a step.
type Body interface {
	Execute(ctx context.Context, sc *StepContext) (any, error)
	Kind() string
}

// NativeBody runs Go code.
type NativeBody func(ctx context.Context, sc *StepContext) (any, error)

// Execute implements Body.
func (f NativeBody) Execute(ctx context.Context, sc *StepContext) (any, error) {
	return f(ctx, sc)
}

// Kind implements Body.
func (NativeBody) Kind() string { return "native" }

// CommandBody runs a shell command. When Filter is set, it is applied with
// jq to stdout (decoded as JSON if possible) and stored under "filtered".
// Publish, when set, runs on success against the filtered value (or stdout)
// and its results are stored under "published".
type CommandBody struct {
	Runner  *shell.Runner
	Command shell.Command
	Filter  string
	Publish *schema.PublishSpec
	JQ      *expressions.GoJQEngine
}

// Execute implements Body.
func (b *CommandBody) Execute(ctx context.Context, sc *StepContext) (any, error) {
	res, err := b.Runner.Run(ctx, b.Command)
	if res == nil {
		return nil, err
	}
	out := res.Output()
	parsed, isJSON := res.ParsedStdout()
	if isJSON {
		out["json"] = parsed
	}
	if err != nil {
		return out, err
	}
	var input any = strings.TrimSpace(res.Stdout)
	if isJSON {
		input = parsed
	}
	if b.Filter != "" {
		filtered, ferr := b.JQ.Filter(ctx, b.Filter, input)
		if ferr != nil {
			return out, ferr
		}
		out["filtered"] = filtered
		input = filtered
	}
	if b.Publish != nil {
		published, perr := b.publish(ctx, sc, input)
		if perr != nil {
			return out, perr
		}
		out["published"] = published
	}
	return out, nil
}

// Kind implements Body.
func (*CommandBody) Kind() string { return "command" }

// ParallelBody fans a group of tasks out through RunTasksInParallel. The
// step fails if any task fails or the batch times out.
type ParallelBody struct {
	Tasks   []Task
	Options ParallelOptions
}

// Execute implements Body.
func (b *ParallelBody) Execute(ctx context.Context, sc *StepContext) (any, error) {
	opts := b.Options
	userProgress := opts.OnProgress
	opts.OnProgress = func(completed, total int) {
		if sc != nil && sc.Logger != nil {
			sc.Logger.DebugContext(ctx, "parallel progress", "completed", completed, "total", total)
		}
		if userProgress != nil {
			userProgress(completed, total)
		}
	}

	results, err := RunTasksInParallel(ctx, b.Tasks, opts)

	tasks := make([]map[string]any, 0, len(results))
	var failed []string
	succeeded := 0
	for _, r := range results {
		tasks = append(tasks, r.Output())
		if r.Success {
			succeeded++
		} else {
			failed = append(failed, r.Name)
		}
	}
	out := map[string]any{
		"tasks":     tasks,
		"succeeded": succeeded,
		"failed":    len(failed),
	}
	if err != nil {
		return out, err
	}
	if len(failed) > 0 {
		return out, schema.WorkflowError("%d of %d parallel tasks failed: %s",
			len(failed), len(results), strings.Join(failed, ", ")).
			WithDetails(map[string]any{"failed_tasks": failed})
	}
	return out, nil
}

// Kind implements Body.
func (*ParallelBody) Kind() string { return "parallel" }

// CommandTasks turns shell commands into parallel tasks sharing runner and
// base command settings.
func CommandTasks(runner *shell.Runner, base shell.Command, specs []schema.TaskSpec) []Task {
	tasks := make([]Task, 0, len(specs))
	for _, spec := range specs {
		cmd := base
		cmd.Script = spec.Command
		tasks = append(tasks, Task{
			Name: spec.Name,
			Run: func(ctx context.Context) (any, error) {
				res, err := runner.Run(ctx, cmd)
				if res == nil {
					return nil, err
				}
				return res.Output(), err
			},
		})
	}
	return tasks
}

// StepCache opts a step into result caching.
type StepCache struct {
	Inputs []string
	TTL    time.Duration
}

// Step is a registered pipeline step with exactly one body.
type Step struct {
	Name         string
	Description  string
	Critical     bool
	Dependencies []string
	Timeout      time.Duration
	When         string
	Cache        *StepCache
	Recovery     *schema.RecoverySpec
	Body         Body
}

// StepDef is the registration form of a Step. Exactly one of Native,
// Command or Parallel must be set.
type StepDef struct {
	Name         string
	Description  string
	Critical     bool
	Dependencies []string
	Timeout      time.Duration
	When         string
	Cache        *StepCache
	Recovery     *schema.RecoverySpec

	Native   NativeBody
	Command  *CommandBody
	Parallel *ParallelBody
}

// NewStep validates def and picks its body.
func NewStep(def StepDef) (*Step, error) {
	if strings.TrimSpace(def.Name) == "" {
		return nil, schema.ValidationError("step has no name")
	}
	var bodies []Body
	if def.Native != nil {
		bodies = append(bodies, def.Native)
	}
	if def.Command != nil {
		if def.Command.Runner == nil {
			return nil, schema.ValidationError("step %q: command body has no runner", def.Name)
		}
		if (def.Command.Filter != "" || def.Command.Publish != nil) && def.Command.JQ == nil {
			return nil, schema.ValidationError("step %q: output filter needs a jq engine", def.Name)
		}
		bodies = append(bodies, def.Command)
	}
	if def.Parallel != nil {
		bodies = append(bodies, def.Parallel)
	}
	switch len(bodies) {
	case 0:
		return nil, schema.ValidationError("step %q has no executable body", def.Name)
	case 1:
	default:
		kinds := make([]string, len(bodies))
		for i, b := range bodies {
			kinds[i] = b.Kind()
		}
		return nil, schema.ValidationError("step %q has %d bodies (%s), want exactly one",
			def.Name, len(bodies), strings.Join(kinds, ", "))
	}
	for _, dep := range def.Dependencies {
		if dep == def.Name {
			return nil, schema.ValidationError("step %q depends on itself", def.Name)
		}
	}
	if def.Cache != nil && len(def.Cache.Inputs) == 0 {
		return nil, schema.ValidationError("step %q: cache needs at least one input pattern", def.Name)
	}

	return &Step{
		Name:         def.Name,
		Description:  def.Description,
		Critical:     def.Critical,
		Dependencies: append([]string(nil), def.Dependencies...),
		Timeout:      def.Timeout,
		When:         def.When,
		Cache:        def.Cache,
		Recovery:     def.Recovery,
		Body:         bodies[0],
	}, nil
}

// MustStep is NewStep for static definitions; it panics on error.
func MustStep(def StepDef) *Step {
	s, err := NewStep(def)
	if err != nil {
		panic(fmt.Sprintf("engine: %v", err))
	}
	return s
}
