// Package shell runs pipeline commands through /bin/sh and writes text files
// atomically.
package shell

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/rendis/shipyard/pkg/schema"
)

const (
	defaultTimeout       = 10 * time.Minute
	defaultMaxOutputSize = 10 * 1024 * 1024 // 10MB
	defaultWaitDelay     = 5 * time.Second
	stderrTail           = 2048
)

// Command describes one shell invocation.
type Command struct {
	Script  string
	Dir     string
	Env     map[string]string
	Stdin   string
	Timeout time.Duration
}

// Result is the captured outcome of a command.
type Result struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"-"`
	Killed   bool          `json:"killed"`
}

// ParsedStdout returns stdout decoded as JSON when it is valid JSON.
func (r *Result) ParsedStdout() (any, bool) {
	trimmed := bytes.TrimSpace([]byte(r.Stdout))
	if len(trimmed) == 0 || !json.Valid(trimmed) {
		return nil, false
	}
	var v any
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return nil, false
	}
	return v, true
}

// Output is the map form stored in step results.
func (r *Result) Output() map[string]any {
	out := map[string]any{
		"stdout":      r.Stdout,
		"stderr":      r.Stderr,
		"exit_code":   r.ExitCode,
		"duration_ms": r.Duration.Milliseconds(),
	}
	if r.Killed {
		out["killed"] = true
	}
	return out
}

// Runner executes commands. The zero value is not usable; call NewRunner.
type Runner struct {
	shell         string
	baseEnv       []string
	timeout       time.Duration
	maxOutputSize int64
	logger        *slog.Logger
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithShell overrides the interpreter ("/bin/sh" by default).
func WithShell(path string) RunnerOption {
	return func(r *Runner) { r.shell = path }
}

// WithDefaultTimeout bounds commands that do not set their own timeout.
func WithDefaultTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithMaxOutputSize caps captured stdout and stderr independently.
func WithMaxOutputSize(n int64) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.maxOutputSize = n
		}
	}
}

// WithBaseEnv replaces the inherited process environment.
func WithBaseEnv(env []string) RunnerOption {
	return func(r *Runner) { r.baseEnv = env }
}

// NewRunner creates a Runner inheriting the current environment.
func NewRunner(logger *slog.Logger, opts ...RunnerOption) *Runner {
	r := &Runner{
		shell:         "/bin/sh",
		baseEnv:       os.Environ(),
		timeout:       defaultTimeout,
		maxOutputSize: defaultMaxOutputSize,
		logger:        logger,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run executes c.Script with `sh -c`. A non-zero exit returns the result
// together with a WORKFLOW_ERROR; a timeout returns TIMEOUT_ERROR and a
// cancelled context returns CANCELLED wrapping ctx.Err().
func (r *Runner) Run(ctx context.Context, c Command) (*Result, error) {
	if strings.TrimSpace(c.Script) == "" {
		return nil, schema.ValidationError("shell: empty command")
	}
	if err := ctx.Err(); err != nil {
		return nil, schema.NewError(schema.ErrCodeCancelled, "shell: context done before start").WithCause(err)
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = r.timeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, r.shell, "-c", c.Script)
	cmd.Dir = c.Dir
	cmd.Env = mergeEnv(r.baseEnv, c.Env)
	if c.Stdin != "" {
		cmd.Stdin = strings.NewReader(c.Stdin)
	}
	setProcessGroup(cmd)
	cmd.WaitDelay = defaultWaitDelay

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, limit: r.maxOutputSize}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, limit: r.maxOutputSize}

	r.logger.DebugContext(ctx, "running command", "dir", c.Dir, "timeout", timeout)

	start := time.Now()
	runErr := cmd.Run()
	res := &Result{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		Duration: time.Since(start),
	}

	if runErr == nil {
		return res, nil
	}

	var exitErr *exec.ExitError
	isExit := errors.As(runErr, &exitErr)
	if isExit {
		res.ExitCode = exitErr.ExitCode()
	}

	switch {
	case errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		res.Killed = true
		return res, schema.NewErrorf(schema.ErrCodeTimeout, "command timed out after %s", timeout).
			WithDetails(map[string]any{"timed_out": true, "timeout": timeout.String()}).
			WithCause(context.DeadlineExceeded)
	case ctx.Err() != nil:
		res.Killed = true
		return res, schema.NewError(schema.ErrCodeCancelled, "command cancelled").WithCause(ctx.Err())
	case isExit:
		return res, schema.WorkflowError("command exited with status %d%s", res.ExitCode, formatStderr(res.Stderr)).
			WithDetails(map[string]any{"exit_code": res.ExitCode})
	default:
		// Could not start: missing shell, bad dir.
		return res, schema.WorkflowError("command failed to start: %v", runErr).WithCause(runErr)
	}
}

func formatStderr(stderr string) string {
	s := strings.TrimSpace(stderr)
	if s == "" {
		return ""
	}
	if len(s) > stderrTail {
		s = "..." + s[len(s)-stderrTail:]
	}
	return ": " + s
}

// mergeEnv layers overrides onto base, replacing existing keys so the
// resulting order is stable.
func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, ok := overrides[key]; ok {
			continue
		}
		out = append(out, kv)
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+overrides[k])
	}
	return out
}

// limitedWriter silently discards bytes beyond the limit. Write always
// reports len(p) so the child never blocks on a full pipe.
type limitedWriter struct {
	w       io.Writer
	limit   int64
	written int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	total := len(p)
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		return total, nil
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := lw.w.Write(p)
	lw.written += int64(n)
	if err != nil {
		return total, err
	}
	return total, nil
}
