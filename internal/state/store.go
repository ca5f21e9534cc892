// Package state is the single source of truth for a workflow run: status,
// step records, errors, warnings, metrics, retry counters and the sticky
// last-successful preview. Every mutation is written through to a
// store.Backend before the call returns.
package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/shipyard/internal/store"
	"github.com/rendis/shipyard/pkg/schema"
)

// DefaultMaxRecoveryAttempts caps retries per step when no option is given.
const DefaultMaxRecoveryAttempts = 5

// Metric keys whose nested maps are merged rather than replaced.
const (
	MetricDeploymentStatus = "deploymentStatus"
	MetricChannelCleanup   = "channelCleanup"
)

var mergedMetricKeys = map[string]bool{
	MetricDeploymentStatus: true,
	MetricChannelCleanup:   true,
}

// Store owns the RunSnapshot. Persistence failures are logged and swallowed;
// the in-memory snapshot stays authoritative for the life of the process.
type Store struct {
	mu      sync.Mutex
	backend store.Backend
	logger  *slog.Logger

	snap        *schema.RunSnapshot
	recoverable bool
	recovery    map[string]*schema.RecoveryState
	perf        map[string]*PerfSample

	maxRecoveryAttempts int
	now                 func() time.Time
	newID               func() string
}

// Option configures a Store.
type Option func(*Store)

// WithMaxRecoveryAttempts caps how many recovery attempts any step may consume.
func WithMaxRecoveryAttempts(n int) Option {
	return func(s *Store) { s.maxRecoveryAttempts = n }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator replaces the run ID generator.
func WithIDGenerator(fn func() string) Option {
	return func(s *Store) { s.newID = fn }
}

// New builds a Store and loads any prior state from backend. A missing or
// unreadable prior state yields an idle snapshot. A prior run left in
// running status marks the store recoverable.
func New(ctx context.Context, backend store.Backend, logger *slog.Logger, opts ...Option) *Store {
	s := &Store{
		backend:             backend,
		logger:              logger,
		recovery:            make(map[string]*schema.RecoveryState),
		perf:                make(map[string]*PerfSample),
		maxRecoveryAttempts: DefaultMaxRecoveryAttempts,
		now:                 func() time.Time { return time.Now().UTC() },
		newID:               uuid.NewString,
	}
	for _, o := range opts {
		o(s)
	}

	prior, err := backend.Load(ctx)
	switch {
	case err == nil:
		s.snap = prior
		s.recoverable = prior.Status == schema.RunStatusRunning
	case errors.Is(err, store.ErrNotFound):
		s.snap = schema.NewRunSnapshot()
	default:
		logger.WarnContext(ctx, "could not load prior run state, starting fresh", "error", err)
		s.snap = schema.NewRunSnapshot()
	}
	// The sidecar is authoritative for the preview.
	if p, err := backend.LoadPreview(ctx); err == nil {
		s.snap.LastSuccessfulPreview = p
	} else if !errors.Is(err, store.ErrNotFound) {
		logger.WarnContext(ctx, "could not load last successful preview", "error", err)
	}
	return s
}

// Initialize starts a new run. Errors, warnings, metrics and the preview are
// carried over from any prior run; step bookkeeping is reset.
func (s *Store) Initialize(ctx context.Context, options map[string]any) *schema.RunSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.snap
	start := s.now()
	next := schema.NewRunSnapshot()
	next.RunID = s.newID()
	next.Status = schema.RunStatusRunning
	next.StartTime = &start
	next.Options = options
	next.Errors = prev.Errors
	next.Warnings = prev.Warnings
	next.Metrics = prev.Metrics
	next.LastSuccessfulPreview = prev.LastSuccessfulPreview
	next.Normalize()

	s.snap = next
	s.recoverable = false
	s.recovery = make(map[string]*schema.RecoveryState)
	s.perf = make(map[string]*PerfSample)
	s.persistLocked(ctx)
	return s.snap.Clone()
}

// SetCurrentStep records which step is executing. An empty name clears it.
func (s *Store) SetCurrentStep(ctx context.Context, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.CurrentStep = name
	s.persistLocked(ctx)
}

// CompleteStep appends a StepRecord and clears the current step.
func (s *Store) CompleteStep(ctx context.Context, name string, result schema.StepResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.CompletedSteps = append(s.snap.CompletedSteps, schema.StepRecord{
		Name:      name,
		Result:    result,
		Timestamp: s.now(),
	})
	if s.snap.CurrentStep == name {
		s.snap.CurrentStep = ""
	}
	s.persistLocked(ctx)
}

// TrackError appends an ErrorRecord unless one with the same message and
// step exists. It reports whether a record was added. A failure while
// capturing the error is logged as a meta error and never re-captured.
func (s *Store) TrackError(ctx context.Context, err error, step string, critical bool) (added bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.ErrorContext(ctx, "meta_error: failure while tracking error", "step", step, "panic", r)
			added = false
		}
	}()

	rec := schema.ErrorRecord{
		Message:   errorMessage(err),
		Stack:     errorChain(err),
		Step:      step,
		Critical:  critical,
		Timestamp: s.now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trackErrorLocked(ctx, rec)
}

func (s *Store) trackErrorLocked(ctx context.Context, rec schema.ErrorRecord) bool {
	for _, e := range s.snap.Errors {
		if e.Message == rec.Message && e.Step == rec.Step {
			return false
		}
	}
	s.snap.Errors = append(s.snap.Errors, rec)
	s.persistLocked(ctx)
	return true
}

// AddWarning appends a warning unless one with the same message, step and
// category exists. An empty or unknown severity becomes "warning".
func (s *Store) AddWarning(ctx context.Context, message, step, category string, severity schema.Severity) bool {
	return s.AddWarningRecord(ctx, schema.WarningRecord{
		Message:  message,
		Step:     step,
		Category: category,
		Severity: severity,
	})
}

// AddWarningRecord is AddWarning for a prebuilt record.
func (s *Store) AddWarningRecord(ctx context.Context, w schema.WarningRecord) bool {
	switch w.Severity {
	case schema.SeverityError, schema.SeverityWarning, schema.SeverityInfo:
	default:
		w.Severity = schema.SeverityWarning
	}
	if w.Timestamp.IsZero() {
		w.Timestamp = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.snap.Warnings {
		if existing.Message == w.Message && existing.Step == w.Step && existing.Category == w.Category {
			return false
		}
	}
	s.snap.Warnings = append(s.snap.Warnings, w)
	s.persistLocked(ctx)
	return true
}

// UpdateMetrics merges partial into the metrics map. Top-level keys are
// replaced, except deploymentStatus and channelCleanup whose nested maps are
// merged key by key.
func (s *Store) UpdateMetrics(ctx context.Context, partial map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range partial {
		if mergedMetricKeys[k] {
			if merged, ok := mergeMaps(s.snap.Metrics[k], v); ok {
				s.snap.Metrics[k] = merged
				continue
			}
		}
		s.snap.Metrics[k] = v
	}
	s.persistLocked(ctx)
}

// SetDeployment records the pass-through deployment fields written by step
// implementations.
func (s *Store) SetDeployment(ctx context.Context, channelID string, previewURLs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.ChannelID = channelID
	s.snap.PreviewURLs = append([]string(nil), previewURLs...)
	s.persistLocked(ctx)
}

// Complete seals a running run with completed or completed_with_errors.
// A non-nil summary is stored under metrics.summary.
func (s *Store) Complete(ctx context.Context, status schema.RunStatus, summary map[string]any) error {
	if status != schema.RunStatusCompleted && status != schema.RunStatusCompletedWithErrors {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "complete with status %q", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkTransitionLocked(status); err != nil {
		return err
	}
	end := s.now()
	s.snap.Status = status
	s.snap.EndTime = &end
	s.snap.CurrentStep = ""
	if summary != nil {
		s.snap.Metrics["summary"] = summary
	}
	s.persistLocked(ctx)
	return nil
}

// Fail seals a running run with status failed and tracks err as critical.
func (s *Store) Fail(ctx context.Context, err error, step string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if terr := s.checkTransitionLocked(schema.RunStatusFailed); terr != nil {
		return terr
	}
	s.trackErrorLocked(ctx, schema.ErrorRecord{
		Message:   errorMessage(err),
		Stack:     errorChain(err),
		Step:      step,
		Critical:  true,
		Timestamp: s.now(),
	})
	end := s.now()
	s.snap.Status = schema.RunStatusFailed
	s.snap.EndTime = &end
	s.snap.CurrentStep = ""
	s.persistLocked(ctx)
	return nil
}

func (s *Store) checkTransitionLocked(to schema.RunStatus) error {
	from := s.snap.Status
	for _, allowed := range schema.ValidRunTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition, "run cannot move from %s to %s", from, to)
}

// IsRecoverable reports whether the state loaded at construction belongs to
// a run that never finished.
func (s *Store) IsRecoverable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recoverable
}

// Recover keeps the interrupted run's errors, warnings and metrics for the
// next Initialize and records a recovery warning. It returns false when
// there is nothing to recover.
func (s *Store) Recover(ctx context.Context) bool {
	s.mu.Lock()
	if !s.recoverable {
		s.mu.Unlock()
		return false
	}
	s.recoverable = false
	runID, step := s.snap.RunID, s.snap.CurrentStep
	s.mu.Unlock()

	msg := fmt.Sprintf("resumed after interrupted run %s", orDash(runID))
	if step != "" {
		msg += fmt.Sprintf(" (was running %s)", step)
	}
	s.AddWarning(ctx, msg, step, "recovery", schema.SeverityWarning)
	s.logger.WarnContext(ctx, "recovering interrupted run", "run_id", runID, "step", step)
	return true
}

// Reset discards the prior run entirely. The preview survives.
func (s *Store) Reset(ctx context.Context) {
	s.ClearState(ctx)
}

// ClearState drops all run history and returns the store to idle. The
// last successful preview is kept.
func (s *Store) ClearState(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	preview := s.snap.LastSuccessfulPreview
	s.snap = schema.NewRunSnapshot()
	s.snap.LastSuccessfulPreview = preview
	s.recoverable = false
	s.recovery = make(map[string]*schema.RecoveryState)
	s.perf = make(map[string]*PerfSample)
	if err := s.backend.Clear(ctx); err != nil {
		s.logger.WarnContext(ctx, "clearing persisted run state failed", "error", err)
	}
}

// SaveLastSuccessfulPreview persists the preview to its sidecar. Nil or empty
// previews are rejected so a good preview is never overwritten with nothing.
func (s *Store) SaveLastSuccessfulPreview(ctx context.Context, p *schema.Preview) error {
	if p.IsEmpty() {
		return schema.ValidationError("refusing to save an empty preview")
	}
	cp := *p
	if cp.SavedAt.IsZero() {
		cp.SavedAt = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.LastSuccessfulPreview = &cp
	if err := s.backend.SavePreview(ctx, &cp); err != nil {
		s.logger.WarnContext(ctx, "persisting last successful preview failed", "error", err)
	}
	s.persistLocked(ctx)
	return nil
}

// LastSuccessfulPreview returns a copy of the preview, or nil.
func (s *Store) LastSuccessfulPreview() *schema.Preview {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap.LastSuccessfulPreview == nil {
		return nil
	}
	cp := *s.snap.LastSuccessfulPreview
	return &cp
}

// Snapshot returns a deep copy of the current run state.
func (s *Store) Snapshot() *schema.RunSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.Clone()
}

// Status returns the current run status.
func (s *Store) Status() schema.RunStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.Status
}

// HasCompleted reports whether the step has a record in the current run.
func (s *Store) HasCompleted(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.HasCompleted(name)
}

// Errors returns a copy of the error records.
func (s *Store) Errors() []schema.ErrorRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]schema.ErrorRecord{}, s.snap.Errors...)
}

// Warnings returns a copy of the warning records.
func (s *Store) Warnings() []schema.WarningRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]schema.WarningRecord{}, s.snap.Warnings...)
}

func (s *Store) persistLocked(ctx context.Context) {
	if err := s.backend.Save(ctx, s.snap); err != nil {
		s.logger.WarnContext(ctx, "persisting run state failed", "error", err)
	}
}

func errorMessage(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

// errorChain renders the unwrap chain, one cause per line.
func errorChain(err error) string {
	if err == nil {
		return ""
	}
	var lines []string
	for cur := errors.Unwrap(err); cur != nil; cur = errors.Unwrap(cur) {
		lines = append(lines, "caused by: "+cur.Error())
	}
	return strings.Join(lines, "\n")
}

// mergeMaps merges src into a copy of dst. ok is false when either side is
// not a map.
func mergeMaps(dst, src any) (map[string]any, bool) {
	s, ok := src.(map[string]any)
	if !ok {
		return nil, false
	}
	out := map[string]any{}
	if d, ok := dst.(map[string]any); ok {
		for k, v := range d {
			out[k] = v
		}
	} else if dst != nil {
		return nil, false
	}
	for k, v := range s {
		out[k] = v
	}
	return out, true
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
