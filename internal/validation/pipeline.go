package validation

import (
	"bytes"
	"errors"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/rendis/shipyard/internal/expressions"
	"github.com/rendis/shipyard/pkg/schema"
)

// PipelineValidator runs the three validation stages:
// 1. Structural (JSON Schema)
// 2. Semantic (names, bodies, references, expressions, globs)
// 3. DAG (cycles, declaration order)
type PipelineValidator struct {
	jsonSchema *JSONSchemaValidator
	when       compiler
	filter     compiler
}

// NewPipelineValidator creates a PipelineValidator with CEL and jq
// compilers for step conditions and output filters.
func NewPipelineValidator() (*PipelineValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &PipelineValidator{
		jsonSchema: jsv,
		when:       celEngine,
		filter:     expressions.NewGoJQEngine(),
	}, nil
}

// Validate runs every stage and returns the aggregated result. Structural
// errors short-circuit the later stages.
func (pv *PipelineValidator) Validate(pf *schema.PipelineFile) *schema.ValidationResult {
	if pf == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "pipeline is nil")
		return r
	}

	result := validateStructural(pv.jsonSchema, pf)
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(pf, pv.when, pv.filter))
	if result.Valid() {
		result.Merge(validateDAG(pf))
	}
	if len(pf.OptionsSchema) > 0 {
		if err := pv.jsonSchema.ValidateOptions(pf.Options, pf.OptionsSchema); err != nil {
			result.AddError("options", schema.ErrCodeValidation, err.Error())
		}
	}
	return result
}

// ValidatePipeline satisfies the Validator interface.
func (pv *PipelineValidator) ValidatePipeline(pf *schema.PipelineFile) error {
	return pv.Validate(pf).ToError()
}

// ValidateOptions delegates to the JSON Schema validator.
func (pv *PipelineValidator) ValidateOptions(options map[string]any, optionsSchema map[string]any) error {
	return pv.jsonSchema.ValidateOptions(options, optionsSchema)
}

func validateStructural(v *JSONSchemaValidator, pf *schema.PipelineFile) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidatePipeline(pf)
	if err == nil {
		return result
	}
	var se *schema.ShipyardError
	if !errors.As(err, &se) {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}
	if violations, ok := se.Details["violations"].([]string); ok {
		for _, msg := range violations {
			result.AddError("/", schema.ErrCodeValidation, msg)
		}
		return result
	}
	result.AddError("/", schema.ErrCodeValidation, se.Message)
	return result
}

// LoadPipeline reads and decodes a pipeline file. It does not validate;
// see PipelineValidator.
func LoadPipeline(path string) (*schema.PipelineFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "pipeline file %s not found", path).WithCause(err)
		}
		return nil, schema.ValidationError("reading pipeline file %s", path).WithCause(err)
	}
	pf, err := ParsePipeline(data)
	if err != nil {
		var se *schema.ShipyardError
		if errors.As(err, &se) {
			se.Details = map[string]any{"path": path}
		}
		return nil, err
	}
	return pf, nil
}

// ParsePipeline decodes YAML strictly: unknown keys are errors.
func ParsePipeline(data []byte) (*schema.PipelineFile, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var pf schema.PipelineFile
	if err := dec.Decode(&pf); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, schema.ValidationError("pipeline file is empty")
		}
		return nil, schema.ValidationError("parsing pipeline: %v", err).WithCause(err)
	}
	return &pf, nil
}
