package validation

import (
	"fmt"
	"maps"
	"path/filepath"
	"slices"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/rendis/shipyard/pkg/schema"
)

// compiler is the slice of an expression engine semantic checks need.
type compiler interface {
	Compile(expression string) error
}

// validateSemantic checks what the schema cannot: unique names, a single
// body per step, dependency references, expressions and glob patterns.
func validateSemantic(pf *schema.PipelineFile, when, filter compiler) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	names := make(map[string]int, len(pf.Steps))
	for i, s := range pf.Steps {
		if first, dup := names[s.Name]; dup {
			result.AddError(fmt.Sprintf("steps[%d].name", i), schema.ErrCodeValidation,
				fmt.Sprintf("duplicate step name %q (first declared at steps[%d])", s.Name, first))
			continue
		}
		names[s.Name] = i
	}

	for i := range pf.Steps {
		validateStep(&pf.Steps[i], fmt.Sprintf("steps[%d]", i), names, when, filter, result)
	}
	return result
}

func validateStep(step *schema.StepSpec, path string, names map[string]int, when, filter compiler, result *schema.ValidationResult) {
	switch {
	case step.Command == "" && step.Parallel == nil:
		result.AddError(path, schema.ErrCodeValidation,
			fmt.Sprintf("step %q has no executable body: set command or parallel", step.Name))
	case step.Command != "" && step.Parallel != nil:
		result.AddError(path, schema.ErrCodeValidation,
			fmt.Sprintf("step %q sets both command and parallel, want exactly one", step.Name))
	}

	seen := make(map[string]bool, len(step.Dependencies))
	for j, dep := range step.Dependencies {
		depPath := fmt.Sprintf("%s.dependencies[%d]", path, j)
		switch {
		case dep == step.Name:
			result.AddError(depPath, schema.ErrCodeValidation, fmt.Sprintf("step %q depends on itself", step.Name))
		case seen[dep]:
			result.AddWarning(depPath, schema.ErrCodeValidation, fmt.Sprintf("dependency %q listed twice", dep))
		default:
			if _, ok := names[dep]; !ok {
				result.AddError(depPath, schema.ErrCodeValidation,
					fmt.Sprintf("references non-existent step %q", dep))
			}
		}
		seen[dep] = true
	}

	if step.When != "" && when != nil {
		if err := when.Compile(step.When); err != nil {
			result.AddError(path+".when", schema.ErrCodeValidation, fmt.Sprintf("invalid condition: %v", err))
		}
	}

	if step.OutputFilter != "" {
		if step.Command == "" {
			result.AddError(path+".output_filter", schema.ErrCodeValidation, "output_filter requires a command step")
		} else if filter != nil {
			if err := filter.Compile(step.OutputFilter); err != nil {
				result.AddError(path+".output_filter", schema.ErrCodeValidation, fmt.Sprintf("invalid jq filter: %v", err))
			}
		}
	}

	if pub := step.Publish; pub != nil {
		if step.Command == "" {
			result.AddError(path+".publish", schema.ErrCodeValidation, "publish requires a command step")
		}
		exprs := pub.Expressions()
		if len(exprs) == 0 {
			result.AddError(path+".publish", schema.ErrCodeValidation, "publish sets no fields")
		}
		if filter != nil {
			for _, field := range slices.Sorted(maps.Keys(exprs)) {
				if err := filter.Compile(exprs[field]); err != nil {
					result.AddError(path+".publish."+field, schema.ErrCodeValidation, fmt.Sprintf("invalid jq expression: %v", err))
				}
			}
		}
		if pub.Preview && pub.ChannelID == "" && pub.PreviewURLs == "" && pub.Version == "" {
			result.AddWarning(path+".publish.preview", schema.ErrCodeValidation,
				"preview is set but nothing is published to save")
		}
	}

	if step.Cache != nil {
		for j, pattern := range step.Cache.Inputs {
			inPath := fmt.Sprintf("%s.cache.inputs[%d]", path, j)
			if !doublestar.ValidatePattern(filepath.ToSlash(pattern)) {
				result.AddError(inPath, schema.ErrCodeValidation, fmt.Sprintf("invalid glob pattern %q", pattern))
			} else if filepath.IsAbs(pattern) {
				result.AddWarning(inPath, schema.ErrCodeValidation,
					fmt.Sprintf("absolute pattern %q makes the cache key machine-specific", pattern))
			}
		}
	}

	if step.Parallel != nil {
		validateParallel(step, path, result)
	}

	if rec := step.Recovery; rec != nil {
		if rec.MaxRetries != nil && *rec.MaxRetries > 10 {
			result.AddWarning(path+".recovery.max_retries", schema.ErrCodeValidation,
				fmt.Sprintf("high retry count (%d) may cause excessive delays", *rec.MaxRetries))
		}
		if rec.BackoffFactor > 0 && rec.BackoffFactor < 1 {
			result.AddWarning(path+".recovery.backoff_factor", schema.ErrCodeValidation,
				fmt.Sprintf("backoff factor %g shrinks the delay on every retry", rec.BackoffFactor))
		}
		delay, dErr := parseOptional(rec.RetryDelay)
		maxBackoff, mErr := parseOptional(rec.MaxBackoff)
		if dErr == nil && mErr == nil && delay > 0 && maxBackoff > 0 && maxBackoff < delay {
			result.AddWarning(path+".recovery.max_backoff", schema.ErrCodeValidation,
				fmt.Sprintf("max_backoff (%s) is below retry_delay (%s)", rec.MaxBackoff, rec.RetryDelay))
		}
	}
}

func validateParallel(step *schema.StepSpec, path string, result *schema.ValidationResult) {
	p := step.Parallel
	tasks := make(map[string]bool, len(p.Tasks))
	for j, task := range p.Tasks {
		if tasks[task.Name] {
			result.AddError(fmt.Sprintf("%s.parallel.tasks[%d].name", path, j), schema.ErrCodeValidation,
				fmt.Sprintf("duplicate task name %q", task.Name))
		}
		tasks[task.Name] = true
	}

	batch, bErr := parseOptional(p.Timeout)
	perTask, tErr := parseOptional(p.TaskTimeout)
	if bErr == nil && tErr == nil && batch > 0 && perTask > batch {
		result.AddWarning(path+".parallel.task_timeout", schema.ErrCodeValidation,
			fmt.Sprintf("task_timeout (%s) exceeds the batch timeout (%s)", p.TaskTimeout, p.Timeout))
	}
	stepTimeout, sErr := parseOptional(step.Timeout)
	if sErr == nil && bErr == nil && stepTimeout > 0 && batch > stepTimeout {
		result.AddWarning(path+".parallel.timeout", schema.ErrCodeValidation,
			fmt.Sprintf("batch timeout (%s) exceeds step timeout (%s); the step expires first", p.Timeout, step.Timeout))
	}
}

func parseOptional(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
