package schema

import (
	"encoding/json"
	"time"
)

// RunStatus is the lifecycle state of a workflow run.
type RunStatus string

const (
	RunStatusIdle                RunStatus = "idle"
	RunStatusRunning             RunStatus = "running"
	RunStatusCompleted           RunStatus = "completed"
	RunStatusCompletedWithErrors RunStatus = "completed_with_errors"
	RunStatusFailed              RunStatus = "failed"
)

// IsTerminal reports whether no further transitions happen within the run.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusCompletedWithErrors, RunStatusFailed:
		return true
	}
	return false
}

// ValidRunTransitions maps each status to the statuses it may move to.
// idle and every terminal status may start a new run.
var ValidRunTransitions = map[RunStatus][]RunStatus{
	RunStatusIdle:                {RunStatusRunning},
	RunStatusRunning:             {RunStatusRunning, RunStatusCompleted, RunStatusCompletedWithErrors, RunStatusFailed},
	RunStatusCompleted:           {RunStatusRunning},
	RunStatusCompletedWithErrors: {RunStatusRunning},
	RunStatusFailed:              {RunStatusRunning},
}

// Severity grades a warning record.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// StepResult is the outcome of one step execution, retries included.
type StepResult struct {
	Success    bool   `json:"success"`
	DurationMs int64  `json:"duration_ms"`
	Output     any    `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	TimedOut   bool   `json:"timed_out,omitempty"`
	Cached     bool   `json:"cached,omitempty"`
	Skipped    bool   `json:"skipped,omitempty"`
	Attempts   int    `json:"attempts,omitempty"`
}

// Duration returns DurationMs as a time.Duration.
func (r StepResult) Duration() time.Duration {
	return time.Duration(r.DurationMs) * time.Millisecond
}

// StepRecord is appended once per step that reaches completion.
type StepRecord struct {
	Name      string     `json:"name"`
	Result    StepResult `json:"result"`
	Timestamp time.Time  `json:"timestamp"`
}

// ErrorRecord is unique per (message, step).
type ErrorRecord struct {
	Message   string    `json:"message"`
	Stack     string    `json:"stack,omitempty"`
	Step      string    `json:"step,omitempty"`
	Critical  bool      `json:"critical"`
	Timestamp time.Time `json:"timestamp"`
}

// WarningRecord is unique per (message, step, category).
type WarningRecord struct {
	Message   string    `json:"message"`
	Step      string    `json:"step,omitempty"`
	Category  string    `json:"category,omitempty"`
	Severity  Severity  `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
}

// RecoveryState is the per-step retry bookkeeping. It lives in memory only.
type RecoveryState struct {
	Attempt    int  `json:"recovery_attempt"`
	InRecovery bool `json:"in_recovery"`
}

// Preview is the sticky "last successful deployment" artifact.
type Preview struct {
	URL       string         `json:"url,omitempty"`
	ChannelID string         `json:"channel_id,omitempty"`
	Version   string         `json:"version,omitempty"`
	SavedAt   time.Time      `json:"saved_at"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// IsEmpty reports whether the preview carries nothing worth persisting.
func (p *Preview) IsEmpty() bool {
	return p == nil || (p.URL == "" && p.ChannelID == "" && p.Version == "" && len(p.Metadata) == 0)
}

// RunSnapshot is the full state of the current (or last) run.
type RunSnapshot struct {
	RunID                 string          `json:"run_id,omitempty"`
	Status                RunStatus       `json:"status"`
	CurrentStep           string          `json:"current_step,omitempty"`
	CompletedSteps        []StepRecord    `json:"completed_steps"`
	Errors                []ErrorRecord   `json:"errors"`
	Warnings              []WarningRecord `json:"warnings"`
	Metrics               map[string]any  `json:"metrics"`
	StartTime             *time.Time      `json:"start_time,omitempty"`
	EndTime               *time.Time      `json:"end_time,omitempty"`
	Options               map[string]any  `json:"options,omitempty"`
	ChannelID             string          `json:"channel_id,omitempty"`
	PreviewURLs           []string        `json:"preview_urls,omitempty"`
	LastSuccessfulPreview *Preview        `json:"last_successful_preview,omitempty"`
}

// NewRunSnapshot returns an idle snapshot with empty collections.
func NewRunSnapshot() *RunSnapshot {
	return &RunSnapshot{
		Status:         RunStatusIdle,
		CompletedSteps: []StepRecord{},
		Errors:         []ErrorRecord{},
		Warnings:       []WarningRecord{},
		Metrics:        map[string]any{},
	}
}

// HasCompleted reports whether a step record with the given name exists.
func (s *RunSnapshot) HasCompleted(name string) bool {
	for _, rec := range s.CompletedSteps {
		if rec.Name == name {
			return true
		}
	}
	return false
}

// Normalize replaces nil collections with empty ones so the JSON form is stable.
func (s *RunSnapshot) Normalize() {
	if s.Status == "" {
		s.Status = RunStatusIdle
	}
	if s.CompletedSteps == nil {
		s.CompletedSteps = []StepRecord{}
	}
	if s.Errors == nil {
		s.Errors = []ErrorRecord{}
	}
	if s.Warnings == nil {
		s.Warnings = []WarningRecord{}
	}
	if s.Metrics == nil {
		s.Metrics = map[string]any{}
	}
}

// Clone returns a deep copy. Payloads are copied through their JSON form,
// so numbers inside Output/Metrics/Options come back as float64.
func (s *RunSnapshot) Clone() *RunSnapshot {
	if s == nil {
		return nil
	}
	data, err := json.Marshal(s)
	if err == nil {
		var out RunSnapshot
		if err := json.Unmarshal(data, &out); err == nil {
			out.Normalize()
			return &out
		}
	}
	// Non-JSON payloads: fall back to copying the slices and maps one level deep.
	out := *s
	out.CompletedSteps = append([]StepRecord(nil), s.CompletedSteps...)
	out.Errors = append([]ErrorRecord(nil), s.Errors...)
	out.Warnings = append([]WarningRecord(nil), s.Warnings...)
	out.PreviewURLs = append([]string(nil), s.PreviewURLs...)
	out.Metrics = make(map[string]any, len(s.Metrics))
	for k, v := range s.Metrics {
		out.Metrics[k] = v
	}
	out.Normalize()
	return &out
}
