package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeWorkflow          = "WORKFLOW_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeCache             = "CACHE_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
)

// ShipyardError is the structured error type for all orchestration operations.
type ShipyardError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Step    string         `json:"step,omitempty"`
	Cause   error          `json:"-"`
}

func (e *ShipyardError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.Step, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ShipyardError) Unwrap() error {
	return e.Cause
}

// NewError creates a new ShipyardError.
func NewError(code, message string) *ShipyardError {
	return &ShipyardError{Code: code, Message: message}
}

// NewErrorf creates a new ShipyardError with a formatted message.
func NewErrorf(code, format string, args ...any) *ShipyardError {
	return &ShipyardError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ValidationError reports a malformed step definition or result. Never retried.
func ValidationError(format string, args ...any) *ShipyardError {
	return NewErrorf(ErrCodeValidation, format, args...)
}

// WorkflowError reports a generic step failure.
func WorkflowError(format string, args ...any) *ShipyardError {
	return NewErrorf(ErrCodeWorkflow, format, args...)
}

// WithStep attaches a step name to the error.
func (e *ShipyardError) WithStep(step string) *ShipyardError {
	e.Step = step
	return e
}

// WithCause attaches an underlying cause.
func (e *ShipyardError) WithCause(err error) *ShipyardError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *ShipyardError) WithDetails(details map[string]any) *ShipyardError {
	e.Details = details
	return e
}

// HasCode reports whether err wraps a ShipyardError with the given code.
func HasCode(err error, code string) bool {
	var se *ShipyardError
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// IsValidation reports whether err is (or wraps) a validation error.
func IsValidation(err error) bool {
	return HasCode(err, ErrCodeValidation)
}

// IsTimeout reports whether err is (or wraps) a timeout error.
func IsTimeout(err error) bool {
	return HasCode(err, ErrCodeTimeout)
}

// IsRetryable reports whether the error code allows another attempt.
func (e *ShipyardError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeValidation, ErrCodeNotFound, ErrCodeConflict,
		ErrCodeInvalidTransition, ErrCodeCycleDetected, ErrCodeCancelled,
		ErrCodeRetryExhausted:
		return false
	}
	return true
}
