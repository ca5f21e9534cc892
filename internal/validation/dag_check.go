package validation

import (
	"fmt"
	"sort"

	"github.com/rendis/shipyard/pkg/schema"
)

// validateDAG checks the dependency graph: cycle detection (Kahn's
// algorithm), then that every dependency is declared before its dependant,
// since steps run in declaration order. It also warns when a critical step
// hangs off a step that may be skipped or fail without aborting the run.
func validateDAG(pf *schema.PipelineFile) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	index := make(map[string]int, len(pf.Steps))
	for i, s := range pf.Steps {
		index[s.Name] = i
	}

	// edges[name] = dependencies of name, reverse[name] = dependants of name.
	edges := make(map[string][]string, len(pf.Steps))
	reverse := make(map[string][]string, len(pf.Steps))
	for _, s := range pf.Steps {
		seen := make(map[string]bool, len(s.Dependencies))
		for _, dep := range s.Dependencies {
			if _, ok := index[dep]; !ok || seen[dep] {
				continue // reported by the semantic stage
			}
			seen[dep] = true
			edges[s.Name] = append(edges[s.Name], dep)
			reverse[dep] = append(reverse[dep], s.Name)
		}
	}

	inDegree := make(map[string]int, len(index))
	for name := range index {
		inDegree[name] = len(edges[name])
	}
	queue := make([]string, 0, len(index))
	for name, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}
	sort.Strings(queue)

	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		for _, dependant := range reverse[node] {
			inDegree[dependant]--
			if inDegree[dependant] == 0 {
				queue = append(queue, dependant)
			}
		}
	}
	if visited != len(index) {
		var cyclic []string
		for name, deg := range inDegree {
			if deg > 0 {
				cyclic = append(cyclic, name)
			}
		}
		sort.Strings(cyclic)
		result.AddError("steps", schema.ErrCodeCycleDetected,
			fmt.Sprintf("pipeline contains a dependency cycle through %v", cyclic))
		return result
	}

	for i, s := range pf.Steps {
		for j, dep := range s.Dependencies {
			at, ok := index[dep]
			if !ok {
				continue
			}
			path := fmt.Sprintf("steps[%d].dependencies[%d]", i, j)
			if at > i {
				result.AddError(path, schema.ErrCodeValidation,
					fmt.Sprintf("step %q depends on %q, which is declared later", s.Name, dep))
				continue
			}
			upstream := pf.Steps[at]
			if s.Critical && (!upstream.Critical || upstream.When != "") {
				result.AddWarning(path, schema.ErrCodeValidation,
					fmt.Sprintf("critical step %q is skipped, not failed, when %q does not complete", s.Name, dep))
			}
		}
	}
	return result
}
