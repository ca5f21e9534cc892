package validation

import "github.com/rendis/shipyard/pkg/schema"

// Validator checks pipeline definitions for correctness before execution.
// Uses JSON Schema Draft 2020-12 for structure and run options.
type Validator interface {
	ValidatePipeline(pf *schema.PipelineFile) error
	ValidateOptions(options map[string]any, optionsSchema map[string]any) error
}
