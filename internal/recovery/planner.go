// Package recovery classifies step errors into retry strategies and drives
// the backoff between attempts.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rendis/shipyard/internal/expressions"
	"github.com/rendis/shipyard/pkg/schema"
)

// Tracker owns the per-step recovery counters. state.Store implements it;
// the planner reads the counters but only changes them through these calls.
type Tracker interface {
	CanRetryStep(step string) bool
	StartRecovery(step string) bool
	EndRecovery(step string, success bool)
	RecoveryState(step string) schema.RecoveryState
}

// Action is a strategy-specific remediation run between backoff and retry.
type Action func(ctx context.Context, err error, step string) error

// Rule routes errors matching an Expr condition to a strategy. The condition
// sees message, step and code (the ShipyardError code, if any).
type Rule struct {
	When     string
	Strategy string
}

// Planner implements classification and AttemptRecovery.
type Planner struct {
	tracker Tracker
	logger  *slog.Logger

	strategies       map[string]Strategy
	unknownOverrides []string
	rules            []Rule
	rulesEval        *expressions.ExprEngine
	sleep            func(ctx context.Context, d time.Duration) error

	mu      sync.RWMutex
	actions map[string]Action
}

// Option configures a Planner.
type Option func(*Planner)

// WithRules installs classification rules evaluated before the built-in checks.
func WithRules(rules []Rule) Option {
	return func(p *Planner) { p.rules = append(p.rules, rules...) }
}

// WithOverrides layers per-strategy parameter overrides onto the defaults.
func WithOverrides(overrides map[string]schema.RecoverySpec) Option {
	return func(p *Planner) {
		for name, spec := range overrides {
			s, ok := p.strategies[name]
			if !ok {
				p.unknownOverrides = append(p.unknownOverrides, name)
				continue
			}
			p.strategies[name] = s.Apply(&spec)
		}
	}
}

// WithSleep replaces the backoff sleep.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Planner) { p.sleep = fn }
}

// NewPlanner builds a planner over tracker.
func NewPlanner(tracker Tracker, logger *slog.Logger, opts ...Option) *Planner {
	p := &Planner{
		tracker:    tracker,
		logger:     logger,
		strategies: DefaultStrategies(),
		rulesEval:  expressions.NewExprEngine(),
		sleep:      WaitForBackoff,
		actions:    make(map[string]Action),
	}
	for name := range p.strategies {
		p.actions[name] = noopAction
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// ValidateRules compiles every rule and checks the strategy names used by
// rules and overrides.
func (p *Planner) ValidateRules() error {
	if len(p.unknownOverrides) > 0 {
		slices.Sort(p.unknownOverrides)
		return schema.ValidationError("recovery overrides for unknown strategies: %s", strings.Join(p.unknownOverrides, ", "))
	}
	for i, r := range p.rules {
		if !IsStrategy(r.Strategy) {
			return schema.ValidationError("recovery rule %d: unknown strategy %q", i, r.Strategy)
		}
		if _, err := p.rulesEval.Evaluate(context.Background(), r.When, ruleEnv(errors.New(""), "")); err != nil && schema.IsValidation(err) {
			return fmt.Errorf("recovery rule %d: %w", i, err)
		}
	}
	return nil
}

// RegisterAction replaces the remediation hook of a strategy.
func (p *Planner) RegisterAction(strategy string, fn Action) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.actions[strategy] = fn
}

// Strategy returns the effective parameters for name with an optional
// per-step override applied.
func (p *Planner) Strategy(name string, override *schema.RecoverySpec) Strategy {
	s, ok := p.strategies[name]
	if !ok {
		s = p.strategies[NetworkError]
	}
	return s.Apply(override)
}

// Classify maps err and the step name to a strategy. Configured rules win,
// then connectivity, auth, "build", "deploy", with NETWORK_ERROR as default.
func (p *Planner) Classify(ctx context.Context, err error, step string) string {
	if err == nil {
		return NetworkError
	}
	for _, r := range p.rules {
		ok, evalErr := expressions.EvaluateBool(ctx, p.rulesEval, r.When, ruleEnv(err, step))
		if evalErr != nil {
			p.logger.DebugContext(ctx, "recovery rule skipped", "when", r.When, "error", evalErr)
			continue
		}
		if ok && IsStrategy(r.Strategy) {
			return r.Strategy
		}
	}

	msg := strings.ToLower(err.Error())
	lowerStep := strings.ToLower(step)
	switch {
	case looksLikeNetwork(err, msg):
		return NetworkError
	case looksLikeAuth(msg):
		return AuthError
	case strings.Contains(lowerStep, "build") || strings.Contains(msg, "build"):
		return BuildError
	case strings.Contains(lowerStep, "deploy") || strings.Contains(msg, "deploy"):
		return DeploymentError
	default:
		return NetworkError
	}
}

// AttemptRecovery decides whether step may be retried after err and, if
// so, waits out the backoff and runs the strategy's action. Each call that
// gets past the budget checks consumes one attempt via EndRecovery(step,
// false); the caller reports EndRecovery(step, true) once a retry succeeds.
// It returns true when the caller should retry.
func (p *Planner) AttemptRecovery(ctx context.Context, err error, step string, override *schema.RecoverySpec) bool {
	if !IsRetryable(err) {
		return false
	}
	name := p.Classify(ctx, err, step)
	strategy := p.Strategy(name, override)

	if !p.tracker.CanRetryStep(step) {
		return false
	}
	attempt := p.tracker.RecoveryState(step).Attempt
	if attempt >= strategy.MaxRetries {
		return false
	}
	if !p.tracker.StartRecovery(step) {
		return false
	}

	delay := ComputeBackoff(strategy, attempt)
	p.logger.InfoContext(ctx, "recovering step",
		"step", step,
		"strategy", name,
		"attempt", attempt+1,
		"max_retries", strategy.MaxRetries,
		"delay", delay,
		"error", err.Error(),
	)

	if sleepErr := p.sleep(ctx, delay); sleepErr != nil {
		p.tracker.EndRecovery(step, false)
		return false
	}

	actionErr := p.runAction(ctx, name, err, step)
	p.tracker.EndRecovery(step, false)
	if actionErr != nil {
		p.logger.WarnContext(ctx, "recovery action failed", "step", step, "strategy", name, "error", actionErr)
		return false
	}
	return true
}

func (p *Planner) runAction(ctx context.Context, name string, cause error, step string) (err error) {
	p.mu.RLock()
	fn := p.actions[name]
	p.mu.RUnlock()
	if fn == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("recovery action %s panicked: %v", name, r)
		}
	}()
	return fn(ctx, cause, step)
}

func noopAction(context.Context, error, string) error { return nil }

func ruleEnv(err error, step string) map[string]any {
	code := ""
	var se *schema.ShipyardError
	if errors.As(err, &se) {
		code = se.Code
	}
	return map[string]any{
		"message": err.Error(),
		"step":    step,
		"code":    code,
	}
}
