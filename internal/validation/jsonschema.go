package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/shipyard/pkg/schema"
)

const pipelineSchemaURL = "https://shipyard.dev/schemas/pipeline.json"

// pipelineSchemaJSON is the JSON Schema for shipyard.yaml.
const pipelineSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://shipyard.dev/schemas/pipeline.json",
  "type": "object",
  "required": ["steps"],
  "properties": {
    "name": { "type": "string" },
    "options": { "type": "object" },
    "options_schema": { "type": "object" },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "duration": {
      "type": "string",
      "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"
    },
    "step": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": {
          "type": "string",
          "pattern": "^[A-Za-z0-9_-]+$"
        },
        "description": { "type": "string" },
        "critical": { "type": "boolean" },
        "dependencies": {
          "type": "array",
          "items": { "type": "string", "minLength": 1 }
        },
        "command": { "type": "string", "minLength": 1 },
        "parallel": { "$ref": "#/$defs/parallel" },
        "dir": { "type": "string" },
        "env": {
          "type": "object",
          "additionalProperties": { "type": "string" }
        },
        "timeout": { "$ref": "#/$defs/duration" },
        "when": { "type": "string" },
        "output_filter": { "type": "string" },
        "cache": { "$ref": "#/$defs/cache" },
        "recovery": { "$ref": "#/$defs/recovery" },
        "publish": { "$ref": "#/$defs/publish" }
      },
      "additionalProperties": false
    },
    "publish": {
      "type": "object",
      "properties": {
        "channel_id": { "type": "string", "minLength": 1 },
        "preview_urls": { "type": "string", "minLength": 1 },
        "version": { "type": "string", "minLength": 1 },
        "deployment_status": { "type": "string", "minLength": 1 },
        "preview": { "type": "boolean" }
      },
      "additionalProperties": false
    },
    "parallel": {
      "type": "object",
      "required": ["tasks"],
      "properties": {
        "tasks": {
          "type": "array",
          "minItems": 1,
          "items": { "$ref": "#/$defs/task" }
        },
        "max_concurrent": { "type": "integer", "minimum": 0 },
        "fail_fast": { "type": "boolean" },
        "timeout": { "$ref": "#/$defs/duration" },
        "task_timeout": { "$ref": "#/$defs/duration" }
      },
      "additionalProperties": false
    },
    "task": {
      "type": "object",
      "required": ["name", "command"],
      "properties": {
        "name": { "type": "string", "minLength": 1 },
        "command": { "type": "string", "minLength": 1 }
      },
      "additionalProperties": false
    },
    "cache": {
      "type": "object",
      "required": ["inputs"],
      "properties": {
        "inputs": {
          "type": "array",
          "minItems": 1,
          "items": { "type": "string", "minLength": 1 }
        },
        "ttl": { "$ref": "#/$defs/duration" }
      },
      "additionalProperties": false
    },
    "recovery": {
      "type": "object",
      "properties": {
        "max_retries": { "type": "integer", "minimum": 0 },
        "retry_delay": { "$ref": "#/$defs/duration" },
        "backoff_factor": { "type": "number", "minimum": 0 },
        "max_backoff": { "$ref": "#/$defs/duration" }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator checks pipeline structure and run options.
// It is safe for concurrent use.
type JSONSchemaValidator struct {
	pipelineSchema *jsonschema.Schema

	// mu guards the compiled options schemas.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator compiles the pipeline schema.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(pipelineSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal pipeline schema: %w", err)
	}
	if err := c.AddResource(pipelineSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add pipeline schema resource: %w", err)
	}
	compiled, err := c.Compile(pipelineSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile pipeline schema: %w", err)
	}

	return &JSONSchemaValidator{
		pipelineSchema: compiled,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidatePipeline checks pf against the pipeline schema.
func (v *JSONSchemaValidator) ValidatePipeline(pf *schema.PipelineFile) error {
	if pf == nil {
		return schema.ValidationError("pipeline is nil")
	}
	doc, err := toJSONValue(pf)
	if err != nil {
		return schema.ValidationError("failed to serialize pipeline").WithCause(err)
	}
	if err := v.pipelineSchema.Validate(doc); err != nil {
		return toShipyardError(err)
	}
	return nil
}

// ValidateOptions checks run options against optionsSchema. A nil or empty
// schema accepts anything.
func (v *JSONSchemaValidator) ValidateOptions(options map[string]any, optionsSchema map[string]any) error {
	if len(optionsSchema) == 0 {
		return nil
	}
	if options == nil {
		options = map[string]any{}
	}

	compiled, err := v.getOrCompile(optionsSchema)
	if err != nil {
		return schema.ValidationError("invalid options schema").WithCause(err)
	}
	doc, err := toJSONValue(options)
	if err != nil {
		return schema.ValidationError("failed to serialize options").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toShipyardError(err)
	}
	return nil
}

func (v *JSONSchemaValidator) getOrCompile(optionsSchema map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(optionsSchema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	key := string(raw)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	url := fmt.Sprintf("shipyard://options-schema/%d", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips v through JSON so numbers become json.Number, as
// the jsonschema library expects.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toShipyardError flattens a jsonschema.ValidationError into one
// VALIDATION_ERROR listing every leaf violation.
func toShipyardError(err error) *schema.ShipyardError {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	switch len(violations) {
	case 0:
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	case 1:
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks the error tree and returns leaf messages prefixed
// with their instance location.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
