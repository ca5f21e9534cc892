package engine

import (
	"path/filepath"
	"time"

	"github.com/rendis/shipyard/internal/expressions"
	"github.com/rendis/shipyard/internal/shell"
	"github.com/rendis/shipyard/pkg/schema"
)

// BuildSteps converts a pipeline file into registered steps. Relative step
// directories resolve against baseDir.
func BuildSteps(pf *schema.PipelineFile, runner *shell.Runner, jq *expressions.GoJQEngine, baseDir string) ([]*Step, error) {
	if pf == nil {
		return nil, schema.ValidationError("pipeline is nil")
	}
	steps := make([]*Step, 0, len(pf.Steps))
	for _, spec := range pf.Steps {
		step, err := buildStep(spec, runner, jq, baseDir)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, nil
}

func buildStep(spec schema.StepSpec, runner *shell.Runner, jq *expressions.GoJQEngine, baseDir string) (*Step, error) {
	timeout, err := parseDuration(spec.Name, "timeout", spec.Timeout)
	if err != nil {
		return nil, err
	}

	def := StepDef{
		Name:         spec.Name,
		Description:  spec.Description,
		Critical:     spec.Critical,
		Dependencies: spec.Dependencies,
		Timeout:      timeout,
		When:         spec.When,
		Recovery:     spec.Recovery,
	}

	if spec.Cache != nil {
		ttl, err := parseDuration(spec.Name, "cache.ttl", spec.Cache.TTL)
		if err != nil {
			return nil, err
		}
		def.Cache = &StepCache{Inputs: spec.Cache.Inputs, TTL: ttl}
	}

	base := shell.Command{Dir: resolveDir(baseDir, spec.Dir), Env: spec.Env}

	if spec.Command != "" {
		cmd := base
		cmd.Script = spec.Command
		cmd.Timeout = timeout
		def.Command = &CommandBody{Runner: runner, Command: cmd, Filter: spec.OutputFilter, Publish: spec.Publish, JQ: jq}
	}

	if spec.Parallel != nil {
		p := spec.Parallel
		batchTimeout, err := parseDuration(spec.Name, "parallel.timeout", p.Timeout)
		if err != nil {
			return nil, err
		}
		taskTimeout, err := parseDuration(spec.Name, "parallel.task_timeout", p.TaskTimeout)
		if err != nil {
			return nil, err
		}
		def.Parallel = &ParallelBody{
			Tasks: CommandTasks(runner, base, p.Tasks),
			Options: ParallelOptions{
				MaxConcurrent: p.MaxConcurrent,
				FailFast:      p.FailFast,
				Timeout:       batchTimeout,
				TaskTimeout:   taskTimeout,
			},
		}
	}

	return NewStep(def)
}

func parseDuration(step, field, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil || d < 0 {
		return 0, schema.ValidationError("step %q: invalid %s %q", step, field, value)
	}
	return d, nil
}

func resolveDir(baseDir, dir string) string {
	if dir == "" {
		return baseDir
	}
	if filepath.IsAbs(dir) || baseDir == "" {
		return dir
	}
	return filepath.Join(baseDir, dir)
}
