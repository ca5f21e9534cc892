package schema

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResult_EmptyIsValid(t *testing.T) {
	r := &ValidationResult{}
	assert.True(t, r.Valid())
	assert.NoError(t, r.ToError())
}

func TestValidationResult_AddError(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("steps[0].command", ErrCodeValidation, "step has no body")

	assert.False(t, r.Valid())
	require.Len(t, r.Errors, 1)
	assert.Equal(t, "steps[0].command", r.Errors[0].Path)
	assert.Equal(t, IssueError, r.Errors[0].Severity)
}

func TestValidationResult_WarningsStayValid(t *testing.T) {
	r := &ValidationResult{}
	r.AddWarning("steps[1].timeout", ErrCodeValidation, "very long timeout")

	assert.True(t, r.Valid())
	require.Len(t, r.Warnings, 1)
	assert.Equal(t, IssueWarning, r.Warnings[0].Severity)
}

func TestValidationResult_MergeAndToError(t *testing.T) {
	r1 := &ValidationResult{}
	r1.AddError("/", ErrCodeValidation, "err1")

	r2 := &ValidationResult{}
	r2.AddError("steps[0]", ErrCodeCycleDetected, "err2")
	r2.AddWarning("steps[1]", ErrCodeValidation, "warn")
	r1.Merge(r2)
	r1.Merge(nil)

	err := r1.ToError()
	require.Error(t, err)
	assert.True(t, IsValidation(err))

	var se *ShipyardError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 2, se.Details["error_count"])
	assert.Equal(t, 1, se.Details["warning_count"])
	assert.Contains(t, se.Message, "2 errors")
}

func TestShipyardError_Format(t *testing.T) {
	err := WorkflowError("exit status %d", 2).WithStep("build")
	assert.Equal(t, "[WORKFLOW_ERROR] step build: exit status 2", err.Error())

	plain := NewError(ErrCodeStore, "disk full")
	assert.Equal(t, "[STORE_ERROR] disk full", plain.Error())
}

func TestShipyardError_UnwrapAndCodes(t *testing.T) {
	cause := errors.New("connection refused")
	err := fmt.Errorf("wrapped: %w", NewError(ErrCodeTimeout, "slow").WithCause(cause))

	assert.True(t, IsTimeout(err))
	assert.False(t, IsValidation(err))
	assert.ErrorIs(t, err, cause)
	assert.False(t, HasCode(cause, ErrCodeTimeout))
}

func TestShipyardError_IsRetryable(t *testing.T) {
	assert.True(t, WorkflowError("x").IsRetryable())
	assert.True(t, NewError(ErrCodeTimeout, "x").IsRetryable())
	assert.False(t, ValidationError("x").IsRetryable())
	assert.False(t, NewError(ErrCodeCancelled, "x").IsRetryable())
}

func TestRunSnapshot_CloneIsDeep(t *testing.T) {
	s := NewRunSnapshot()
	s.CompletedSteps = append(s.CompletedSteps, StepRecord{Name: "a", Result: StepResult{Success: true}})
	s.Metrics["deploymentStatus"] = map[string]any{"web": "ok"}

	c := s.Clone()
	c.CompletedSteps[0].Name = "changed"
	c.Metrics["deploymentStatus"].(map[string]any)["web"] = "failed"

	assert.Equal(t, "a", s.CompletedSteps[0].Name)
	assert.Equal(t, "ok", s.Metrics["deploymentStatus"].(map[string]any)["web"])
	assert.True(t, c.HasCompleted("changed"))
	assert.False(t, c.HasCompleted("a"))
}

func TestRunSnapshot_NormalizeFillsCollections(t *testing.T) {
	s := &RunSnapshot{}
	s.Normalize()
	assert.Equal(t, RunStatusIdle, s.Status)
	assert.NotNil(t, s.CompletedSteps)
	assert.NotNil(t, s.Errors)
	assert.NotNil(t, s.Warnings)
	assert.NotNil(t, s.Metrics)
}

func TestRunStatus_Terminal(t *testing.T) {
	assert.False(t, RunStatusIdle.IsTerminal())
	assert.False(t, RunStatusRunning.IsTerminal())
	assert.True(t, RunStatusCompleted.IsTerminal())
	assert.True(t, RunStatusCompletedWithErrors.IsTerminal())
	assert.True(t, RunStatusFailed.IsTerminal())
}

func TestPreview_IsEmpty(t *testing.T) {
	var p *Preview
	assert.True(t, p.IsEmpty())
	assert.True(t, (&Preview{}).IsEmpty())
	assert.False(t, (&Preview{URL: "https://preview.example"}).IsEmpty())
}
