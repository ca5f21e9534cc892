package validation

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/shipyard/pkg/schema"
)

const sampleYAML = `
name: web
options:
  target: staging
options_schema:
  type: object
  required: [target]
steps:
  - name: install
    command: npm ci
    critical: true
    cache:
      inputs: ["package-lock.json"]
      ttl: 12h
  - name: checks
    dependencies: [install]
    parallel:
      max_concurrent: 2
      fail_fast: true
      tasks:
        - name: lint
          command: npm run lint
        - name: test
          command: npm test
  - name: deploy
    dependencies: [checks]
    when: options.target == "staging"
    command: ./deploy.sh
    env:
      TARGET: staging
    timeout: 5m
    recovery:
      max_retries: 2
      retry_delay: 1s
`

func newPV(t *testing.T) *PipelineValidator {
	t.Helper()
	pv, err := NewPipelineValidator()
	require.NoError(t, err)
	return pv
}

func TestParsePipeline(t *testing.T) {
	pf, err := ParsePipeline([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "web", pf.Name)
	assert.Equal(t, "staging", pf.Options["target"])
	require.Len(t, pf.Steps, 3)
	assert.True(t, pf.Steps[0].Critical)
	assert.Equal(t, []string{"package-lock.json"}, pf.Steps[0].Cache.Inputs)
	require.NotNil(t, pf.Steps[1].Parallel)
	assert.Len(t, pf.Steps[1].Parallel.Tasks, 2)
	assert.Equal(t, 2, *pf.Steps[2].Recovery.MaxRetries)
	assert.Equal(t, "staging", pf.Steps[2].Env["TARGET"])

	assert.True(t, newPV(t).Validate(pf).Valid())
}

func TestParsePipeline_UnknownField(t *testing.T) {
	_, err := ParsePipeline([]byte("steps:\n  - name: a\n    comand: make\n"))
	require.Error(t, err)
	assert.True(t, schema.IsValidation(err))
	assert.Contains(t, err.Error(), "comand")
}

func TestParsePipeline_Empty(t *testing.T) {
	_, err := ParsePipeline(nil)
	assert.True(t, schema.IsValidation(err))
}

func TestParsePipeline_Malformed(t *testing.T) {
	_, err := ParsePipeline([]byte("steps: [\n"))
	assert.True(t, schema.IsValidation(err))
}

func TestLoadPipeline(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shipyard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))

	pf, err := LoadPipeline(path)
	require.NoError(t, err)
	assert.Len(t, pf.Steps, 3)
}

func TestLoadPipeline_Missing(t *testing.T) {
	_, err := LoadPipeline(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestLoadPipeline_BadContentNamesPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shipyard.yaml")
	require.NoError(t, os.WriteFile(path, []byte("bogus: true\n"), 0o644))

	_, err := LoadPipeline(path)
	var se *schema.ShipyardError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, path, se.Details["path"])
}

func TestValidate_Nil(t *testing.T) {
	result := newPV(t).Validate(nil)
	assert.False(t, result.Valid())
}

func TestValidate_StructuralShortCircuits(t *testing.T) {
	pf := &schema.PipelineFile{Steps: []schema.StepSpec{{Name: "bad name", Dependencies: []string{"ghost"}}}}
	result := newPV(t).Validate(pf)
	require.False(t, result.Valid())
	for _, e := range result.Errors {
		assert.Equal(t, "/", e.Path, "only structural errors are reported")
	}
}

func TestValidate_SemanticErrorsSkipDAG(t *testing.T) {
	pf := &schema.PipelineFile{Steps: []schema.StepSpec{
		cmd("a", "b"),
		cmd("b", "a"),
		cmd("c", "ghost"),
	}}
	result := newPV(t).Validate(pf)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Message, "ghost")
}

func TestValidate_DAGErrors(t *testing.T) {
	pf := &schema.PipelineFile{Steps: []schema.StepSpec{cmd("a", "b"), cmd("b")}}
	result := newPV(t).Validate(pf)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Message, "declared later")
}

func TestValidate_OptionsSchema(t *testing.T) {
	pf := &schema.PipelineFile{
		Options:       map[string]any{"target": 3},
		OptionsSchema: map[string]any{"type": "object", "properties": map[string]any{"target": map[string]any{"type": "string"}}},
		Steps:         []schema.StepSpec{cmd("a")},
	}
	result := newPV(t).Validate(pf)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "options", result.Errors[0].Path)
}

func TestValidatePipeline_ToError(t *testing.T) {
	pv := newPV(t)
	assert.NoError(t, pv.ValidatePipeline(&schema.PipelineFile{Steps: []schema.StepSpec{cmd("a")}}))

	err := pv.ValidatePipeline(&schema.PipelineFile{Steps: []schema.StepSpec{cmd("a", "a"), cmd("a")}})
	require.Error(t, err)
	assert.True(t, schema.IsValidation(err))
	assert.Contains(t, err.Error(), "2 errors")
}

func TestPipelineValidator_ImplementsValidator(t *testing.T) {
	var _ Validator = newPV(t)
}
