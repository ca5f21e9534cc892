package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/shipyard/internal/cache"
	"github.com/rendis/shipyard/internal/expressions"
	"github.com/rendis/shipyard/internal/logging"
	"github.com/rendis/shipyard/internal/recovery"
	"github.com/rendis/shipyard/internal/shell"
	"github.com/rendis/shipyard/internal/state"
	"github.com/rendis/shipyard/internal/store"
	"github.com/rendis/shipyard/pkg/schema"
)

type harness struct {
	backend *store.MemoryBackend
	state   *state.Store
	engine  Engine
	dir     string
	cache   *cache.Cache
	sleeps  *atomic.Int32
}

func noSleep(counter *atomic.Int32) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		counter.Add(1)
		return ctx.Err()
	}
}

func newHarness(t *testing.T, backend *store.MemoryBackend) *harness {
	t.Helper()
	if backend == nil {
		backend = store.NewMemoryBackend()
	}
	ctx := context.Background()
	logger := logging.NewForTest()
	dir := t.TempDir()

	st := state.New(ctx, backend, logger)
	sleeps := &atomic.Int32{}
	planner := recovery.NewPlanner(st, logger, recovery.WithSleep(noSleep(sleeps)))
	c, err := cache.New(filepath.Join(dir, ".cache"), time.Hour, logger)
	require.NoError(t, err)

	eng, err := NewEngine(st, NewRunner(st, planner, logger), logger, WithCache(c), WithBaseDir(dir))
	require.NoError(t, err)
	return &harness{backend: backend, state: st, engine: eng, dir: dir, cache: c, sleeps: sleeps}
}

func native(name string, fn NativeBody, mods ...func(*StepDef)) *Step {
	def := StepDef{Name: name, Native: fn}
	for _, m := range mods {
		m(&def)
	}
	return MustStep(def)
}

func critical(d *StepDef) { d.Critical = true }

func dependsOn(deps ...string) func(*StepDef) {
	return func(d *StepDef) { d.Dependencies = deps }
}

func noRetries(d *StepDef) {
	zero := 0
	d.Recovery = &schema.RecoverySpec{MaxRetries: &zero}
}

func ok(output any) NativeBody {
	return func(ctx context.Context, sc *StepContext) (any, error) { return output, nil }
}

func failing(msg string) NativeBody {
	return func(ctx context.Context, sc *StepContext) (any, error) {
		return nil, schema.ValidationError("%s", msg)
	}
}

func warningCategories(ws []schema.WarningRecord, step string) []string {
	var out []string
	for _, w := range ws {
		if w.Step == step {
			out = append(out, w.Category)
		}
	}
	return out
}

func TestRun_AllStepsSucceed(t *testing.T) {
	h := newHarness(t, nil)
	steps := []*Step{
		native("install", ok("deps ok")),
		native("build", ok(map[string]any{"artifact": "dist"}), dependsOn("install")),
	}

	res, err := h.engine.Run(context.Background(), steps, RunOptions{Options: map[string]any{"env": "staging"}})
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusCompleted, res.Status)
	assert.NotEmpty(t, res.RunID)
	assert.True(t, res.Steps["install"].Success)
	assert.Equal(t, 1, res.Steps["build"].Attempts)
	assert.Equal(t, 2, res.Summary["steps_completed"])
	assert.Equal(t, 0, res.Summary["steps_failed"])

	snap := h.state.Snapshot()
	assert.Equal(t, schema.RunStatusCompleted, snap.Status)
	require.Len(t, snap.CompletedSteps, 2)
	assert.Equal(t, "install", snap.CompletedSteps[0].Name)
	assert.Equal(t, "build", snap.CompletedSteps[1].Name)
	assert.Empty(t, snap.CurrentStep)
	assert.Contains(t, snap.Metrics, "summary")
	assert.Contains(t, snap.Metrics, "performance")
	assert.Equal(t, "staging", snap.Options["env"])
}

func TestRun_CriticalFailureAborts(t *testing.T) {
	h := newHarness(t, nil)
	var ranAfter bool
	steps := []*Step{
		native("lint", ok(nil)),
		native("build", failing("compiler exploded"), critical),
		native("deploy", func(ctx context.Context, sc *StepContext) (any, error) {
			ranAfter = true
			return nil, nil
		}),
	}

	res, err := h.engine.Run(context.Background(), steps, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusFailed, res.Status)
	assert.Equal(t, "build", res.FailedStep)
	assert.False(t, ranAfter, "steps after a critical failure never run")
	assert.NotContains(t, res.Steps, "deploy")

	assert.Equal(t, schema.RunStatusFailed, h.state.Status())
	errs := h.state.Errors()
	require.Len(t, errs, 1)
	assert.Equal(t, "build", errs[0].Step)
	assert.True(t, errs[0].Critical)
	assert.Contains(t, errs[0].Message, "compiler exploded")
	assert.Len(t, h.state.Snapshot().CompletedSteps, 1)
}

func TestRun_NonCriticalFailureContinues(t *testing.T) {
	h := newHarness(t, nil)
	steps := []*Step{
		native("lint", failing("style issues")),
		native("build", ok("built")),
	}

	res, err := h.engine.Run(context.Background(), steps, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusCompletedWithErrors, res.Status)
	assert.False(t, res.Steps["lint"].Success)
	assert.True(t, res.Steps["build"].Success)
	assert.Equal(t, 1, res.Summary["steps_failed"])

	errs := h.state.Errors()
	require.Len(t, errs, 1)
	assert.False(t, errs[0].Critical)
	assert.Contains(t, warningCategories(h.state.Warnings(), "lint"), CategoryStepFailure)
}

// savedSteps records the current step of every persisted snapshot.
type savedSteps struct {
	*store.MemoryBackend
	mu    sync.Mutex
	saves []*schema.RunSnapshot
}

func (b *savedSteps) Save(ctx context.Context, snap *schema.RunSnapshot) error {
	b.mu.Lock()
	b.saves = append(b.saves, snap.Clone())
	b.mu.Unlock()
	return b.MemoryBackend.Save(ctx, snap)
}

func TestRun_NonCriticalFailureClearsCurrentStep(t *testing.T) {
	ctx := context.Background()
	logger := logging.NewForTest()
	backend := &savedSteps{MemoryBackend: store.NewMemoryBackend()}
	st := state.New(ctx, backend, logger)
	planner := recovery.NewPlanner(st, logger, recovery.WithSleep(noSleep(&atomic.Int32{})))
	eng, err := NewEngine(st, NewRunner(st, planner, logger), logger)
	require.NoError(t, err)

	steps := []*Step{
		native("lint", failing("style issues")),
		native("report", ok("sent"), dependsOn("lint")),
	}
	res, err := eng.Run(ctx, steps, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompletedWithErrors, res.Status)
	assert.Equal(t, []string{"report"}, res.Skipped)

	backend.mu.Lock()
	defer backend.mu.Unlock()
	var sawSkip bool
	for _, snap := range backend.saves {
		for _, w := range snap.Warnings {
			if w.Step == "report" && w.Category == CategorySkipped {
				sawSkip = true
			}
		}
		if sawSkip || len(snap.Errors) > 0 {
			assert.Empty(t, snap.CurrentStep, "current step must be cleared once lint has failed")
		}
	}
	assert.True(t, sawSkip)
	assert.Empty(t, st.Snapshot().CurrentStep)
}

func TestRun_UnmetDependencySkips(t *testing.T) {
	h := newHarness(t, nil)
	var ran bool
	steps := []*Step{
		native("test", failing("tests failed")),
		native("publish", func(ctx context.Context, sc *StepContext) (any, error) {
			ran = true
			return nil, nil
		}, dependsOn("test")),
	}

	res, err := h.engine.Run(context.Background(), steps, RunOptions{})
	require.NoError(t, err)

	assert.False(t, ran)
	assert.Equal(t, []string{"publish"}, res.Skipped)
	assert.Equal(t, 1, res.Summary["steps_skipped"])
	assert.Contains(t, warningCategories(h.state.Warnings(), "publish"), CategorySkipped)
	assert.False(t, h.state.HasCompleted("publish"))
}

func TestRun_WhenCondition(t *testing.T) {
	h := newHarness(t, nil)
	var ranDeploy, ranNotify bool
	steps := []*Step{
		native("build", ok(map[string]any{"changed": false})),
		native("deploy", func(ctx context.Context, sc *StepContext) (any, error) {
			ranDeploy = true
			return nil, nil
		}, func(d *StepDef) { d.When = `steps.build.output.changed == true` }),
		native("notify", func(ctx context.Context, sc *StepContext) (any, error) {
			ranNotify = true
			return nil, nil
		}, func(d *StepDef) { d.When = `options.notify == "yes"` }),
	}

	res, err := h.engine.Run(context.Background(), steps, RunOptions{Options: map[string]any{"notify": "yes"}})
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusCompleted, res.Status)
	assert.False(t, ranDeploy)
	assert.True(t, ranNotify)
	assert.Equal(t, []string{"deploy"}, res.Skipped)
}

func TestRun_BadConditionIsStepFailure(t *testing.T) {
	h := newHarness(t, nil)
	steps := []*Step{
		native("deploy", ok(nil), critical, func(d *StepDef) { d.When = `steps.` }),
	}
	res, err := h.engine.Run(context.Background(), steps, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, res.Status)
	assert.Equal(t, "deploy", res.FailedStep)
}

func TestRun_RetriesTransientFailures(t *testing.T) {
	h := newHarness(t, nil)
	var calls atomic.Int32
	steps := []*Step{
		native("fetch", func(ctx context.Context, sc *StepContext) (any, error) {
			if calls.Add(1) < 3 {
				return nil, errors.New("dial tcp: connection refused")
			}
			return "fetched", nil
		}, critical),
	}

	res, err := h.engine.Run(context.Background(), steps, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusCompleted, res.Status)
	assert.Equal(t, 3, res.Steps["fetch"].Attempts)
	assert.Equal(t, int32(2), h.sleeps.Load())
	assert.Equal(t, 0, h.state.RecoveryState("fetch").Attempt, "counter reset after a successful retry")
	assert.Len(t, h.state.Snapshot().CompletedSteps, 1, "one record per step, not per attempt")
}

func TestRun_RetriesAreBounded(t *testing.T) {
	h := newHarness(t, nil)
	var calls atomic.Int32
	steps := []*Step{
		native("fetch", func(ctx context.Context, sc *StepContext) (any, error) {
			calls.Add(1)
			return nil, errors.New("connection reset by peer")
		}),
	}

	res, err := h.engine.Run(context.Background(), steps, RunOptions{})
	require.NoError(t, err)

	retries := recovery.DefaultStrategies()[recovery.NetworkError].MaxRetries
	assert.Equal(t, int32(retries+1), calls.Load())
	assert.Equal(t, retries+1, res.Steps["fetch"].Attempts)
	assert.Equal(t, schema.RunStatusCompletedWithErrors, res.Status)
}

func TestRun_StepTimeout(t *testing.T) {
	h := newHarness(t, nil)
	steps := []*Step{
		native("slow", func(ctx context.Context, sc *StepContext) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}, noRetries, func(d *StepDef) { d.Timeout = 30 * time.Millisecond }),
	}

	res, err := h.engine.Run(context.Background(), steps, RunOptions{})
	require.NoError(t, err)

	r := res.Steps["slow"]
	assert.False(t, r.Success)
	assert.True(t, r.TimedOut)
	assert.Contains(t, r.Error, schema.ErrCodeTimeout)
}

func TestRun_PanickingStepIsCaptured(t *testing.T) {
	h := newHarness(t, nil)
	steps := []*Step{
		native("explode", func(ctx context.Context, sc *StepContext) (any, error) {
			panic("nil map write")
		}, noRetries),
		native("after", ok(nil)),
	}

	var res *RunResult
	require.NotPanics(t, func() {
		var err error
		res, err = h.engine.Run(context.Background(), steps, RunOptions{})
		require.NoError(t, err)
	})
	assert.Contains(t, res.Steps["explode"].Error, "panicked")
	assert.True(t, res.Steps["after"].Success)
}

func TestRun_MalformedResultIsNotRetried(t *testing.T) {
	h := newHarness(t, nil)
	steps := []*Step{
		native("weird", ok(make(chan int))),
	}
	res, err := h.engine.Run(context.Background(), steps, RunOptions{})
	require.NoError(t, err)

	r := res.Steps["weird"]
	assert.False(t, r.Success)
	assert.Equal(t, 1, r.Attempts)
	assert.Nil(t, r.Output)
	assert.Contains(t, r.Error, schema.ErrCodeWorkflow)
}

func TestRun_CacheReusesResult(t *testing.T) {
	h := newHarness(t, nil)
	src := filepath.Join(h.dir, "src", "app.go")
	require.NoError(t, os.MkdirAll(filepath.Dir(src), 0o755))
	require.NoError(t, os.WriteFile(src, []byte("package app"), 0o644))

	var builds atomic.Int32
	steps := []*Step{
		native("build", func(ctx context.Context, sc *StepContext) (any, error) {
			builds.Add(1)
			return map[string]any{"artifact": "app.bin"}, nil
		}, func(d *StepDef) { d.Cache = &StepCache{Inputs: []string{"src/**/*.go"}} }),
	}

	first, err := h.engine.Run(context.Background(), steps, RunOptions{})
	require.NoError(t, err)
	assert.False(t, first.Steps["build"].Cached)

	second, err := h.engine.Run(context.Background(), steps, RunOptions{})
	require.NoError(t, err)
	assert.True(t, second.Steps["build"].Cached)
	assert.Equal(t, int32(1), builds.Load())
	assert.True(t, h.state.Snapshot().CompletedSteps[0].Result.Cached)

	require.NoError(t, os.WriteFile(src, []byte("package app\n\nvar changed = true\n"), 0o644))
	third, err := h.engine.Run(context.Background(), steps, RunOptions{})
	require.NoError(t, err)
	assert.False(t, third.Steps["build"].Cached)
	assert.Equal(t, int32(2), builds.Load())
}

func TestRun_FailedResultIsNotCached(t *testing.T) {
	h := newHarness(t, nil)
	var calls atomic.Int32
	steps := []*Step{
		native("build", func(ctx context.Context, sc *StepContext) (any, error) {
			calls.Add(1)
			return nil, schema.ValidationError("bad config")
		}, func(d *StepDef) { d.Cache = &StepCache{Inputs: []string{"*.go"}} }),
	}
	_, err := h.engine.Run(context.Background(), steps, RunOptions{})
	require.NoError(t, err)
	_, err = h.engine.Run(context.Background(), steps, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRun_PreservesHistoryAcrossRuns(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.engine.Run(context.Background(), []*Step{native("lint", failing("style"))}, RunOptions{})
	require.NoError(t, err)
	_, err = h.engine.Run(context.Background(), []*Step{native("lint", ok(nil))}, RunOptions{})
	require.NoError(t, err)

	assert.Len(t, h.state.Errors(), 1, "errors carry over to the next run")
	assert.Equal(t, schema.RunStatusCompleted, h.state.Status(), "status counts only this run's failures")
}

func TestRun_RecoversInterruptedRun(t *testing.T) {
	backend := store.NewMemoryBackend()
	prior := schema.NewRunSnapshot()
	prior.RunID = "run-before-crash"
	prior.Status = schema.RunStatusRunning
	prior.CurrentStep = "deploy"
	prior.CompletedSteps = []schema.StepRecord{{Name: "build", Result: schema.StepResult{Success: true}}}
	prior.Errors = []schema.ErrorRecord{{Message: "registry flaked", Step: "push"}}
	require.NoError(t, backend.Save(context.Background(), prior))

	h := newHarness(t, backend)
	require.True(t, h.state.IsRecoverable())

	builds := 0
	build := native("build", func(ctx context.Context, sc *StepContext) (any, error) {
		builds++
		return nil, nil
	})
	_, err := h.engine.Run(context.Background(), []*Step{build}, RunOptions{Recover: true})
	require.NoError(t, err)

	// Completed steps of the interrupted run are not kept; only its history is.
	assert.Equal(t, 1, builds)
	snap := h.state.Snapshot()
	require.Len(t, snap.CompletedSteps, 1)
	assert.Equal(t, "build", snap.CompletedSteps[0].Name)
	require.NotEmpty(t, snap.Errors)
	assert.Equal(t, "registry flaked", snap.Errors[0].Message)

	cats := warningCategories(h.state.Warnings(), "deploy")
	assert.Contains(t, cats, "recovery")
	assert.NotEqual(t, "run-before-crash", snap.RunID)
}

func TestRun_DiscardsInterruptedRunByDefault(t *testing.T) {
	backend := store.NewMemoryBackend()
	prior := schema.NewRunSnapshot()
	prior.RunID = "run-before-crash"
	prior.Status = schema.RunStatusRunning
	prior.Warnings = []schema.WarningRecord{{Message: "old", Step: "x", Category: "c", Severity: schema.SeverityInfo}}
	require.NoError(t, backend.Save(context.Background(), prior))

	h := newHarness(t, backend)
	_, err := h.engine.Run(context.Background(), []*Step{native("build", ok(nil))}, RunOptions{})
	require.NoError(t, err)

	assert.Empty(t, h.state.Warnings())
	assert.False(t, h.state.IsRecoverable())
}

func TestRun_CancelledContextFailsRun(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	steps := []*Step{
		native("first", func(ctx context.Context, sc *StepContext) (any, error) {
			cancel()
			return nil, nil
		}),
		native("second", ok(nil)),
	}
	res, err := h.engine.Run(ctx, steps, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, res.Status)
	assert.Equal(t, "second", res.FailedStep)
	assert.Equal(t, schema.RunStatusFailed, h.state.Status(), "sealed even though ctx was cancelled")
}

func TestRun_RejectsDuplicateNames(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.engine.Run(context.Background(), []*Step{native("a", ok(nil)), native("a", ok(nil))}, RunOptions{})
	assert.True(t, schema.IsValidation(err))
	assert.Equal(t, schema.RunStatusIdle, h.state.Status())
}

func TestRun_StepContextExposesState(t *testing.T) {
	h := newHarness(t, nil)
	steps := []*Step{
		native("deploy", func(ctx context.Context, sc *StepContext) (any, error) {
			sc.State.SetDeployment(ctx, "pr-42", []string{"https://pr-42.preview.example"})
			sc.State.UpdateMetrics(ctx, map[string]any{"deploymentStatus": map[string]any{"web": "ok"}})
			return nil, sc.State.SaveLastSuccessfulPreview(ctx, &schema.Preview{URL: "https://pr-42.preview.example", ChannelID: "pr-42"})
		}),
		native("report", func(ctx context.Context, sc *StepContext) (any, error) {
			if !sc.Results["deploy"].Success {
				return nil, errors.New("deploy result missing")
			}
			return sc.RunID, nil
		}),
	}
	res, err := h.engine.Run(context.Background(), steps, RunOptions{})
	require.NoError(t, err)
	require.Equal(t, schema.RunStatusCompleted, res.Status)

	snap := h.state.Snapshot()
	assert.Equal(t, "pr-42", snap.ChannelID)
	assert.Equal(t, res.RunID, res.Steps["report"].Output)
	require.NotNil(t, h.state.LastSuccessfulPreview())
	assert.Equal(t, "pr-42", h.state.LastSuccessfulPreview().ChannelID)
}

func TestRun_CommandStepsFromPipeline(t *testing.T) {
	h := newHarness(t, nil)
	runner := shell.NewRunner(logging.NewForTest())
	pf := &schema.PipelineFile{
		Name: "web",
		Steps: []schema.StepSpec{
			{Name: "version", Command: `echo '{"version":"1.4.2","channel":"beta"}'`, OutputFilter: ".version", Critical: true},
			{Name: "checks", Dependencies: []string{"version"}, Parallel: &schema.ParallelSpec{
				MaxConcurrent: 2,
				Tasks: []schema.TaskSpec{
					{Name: "lint", Command: "true"},
					{Name: "unit", Command: "echo ok"},
				},
			}},
			{Name: "broken", Command: "exit 7", Recovery: &schema.RecoverySpec{MaxRetries: new(int)}},
		},
	}
	steps, err := BuildSteps(pf, runner, expressions.NewGoJQEngine(), h.dir)
	require.NoError(t, err)

	res, err := h.engine.Run(context.Background(), steps, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusCompletedWithErrors, res.Status)
	version := res.Steps["version"].Output.(map[string]any)
	assert.Equal(t, "1.4.2", version["filtered"])

	checks := res.Steps["checks"].Output.(map[string]any)
	assert.Equal(t, 2, checks["succeeded"])
	assert.Equal(t, 0, checks["failed"])

	assert.Contains(t, res.Steps["broken"].Error, "status 7")
}

func TestRun_CommandStepPublishesDeployment(t *testing.T) {
	h := newHarness(t, nil)
	runner := shell.NewRunner(logging.NewForTest())
	pf := &schema.PipelineFile{
		Name: "web",
		Steps: []schema.StepSpec{
			{Name: "status", Command: "echo true", Publish: &schema.PublishSpec{DeploymentStatus: `{hosting: .}`}},
			{
				Name:         "deploy",
				Command:      `echo '{"result":{"channel":"pr-7","urls":["https://pr-7.example","https://pr-7-b.example"],"version":"3.0.1"}}'`,
				OutputFilter: ".result",
				Publish: &schema.PublishSpec{
					ChannelID:        ".channel",
					PreviewURLs:      ".urls",
					Version:          ".version",
					DeploymentStatus: `{web: "deployed"}`,
					Preview:          true,
				},
			},
		},
	}
	steps, err := BuildSteps(pf, runner, expressions.NewGoJQEngine(), h.dir)
	require.NoError(t, err)

	res, err := h.engine.Run(context.Background(), steps, RunOptions{})
	require.NoError(t, err)
	require.Equal(t, schema.RunStatusCompleted, res.Status)

	snap := h.state.Snapshot()
	assert.Equal(t, "pr-7", snap.ChannelID)
	assert.Equal(t, []string{"https://pr-7.example", "https://pr-7-b.example"}, snap.PreviewURLs)
	assert.Equal(t, map[string]any{"hosting": true, "web": "deployed"}, snap.Metrics[state.MetricDeploymentStatus])

	preview := h.state.LastSuccessfulPreview()
	require.NotNil(t, preview)
	assert.Equal(t, "https://pr-7.example", preview.URL)
	assert.Equal(t, "pr-7", preview.ChannelID)
	assert.Equal(t, "3.0.1", preview.Version)

	published := res.Steps["deploy"].Output.(map[string]any)["published"].(map[string]any)
	assert.Equal(t, "pr-7", published["channel_id"])
}

func TestRun_PublishTypeMismatchFailsStep(t *testing.T) {
	h := newHarness(t, nil)
	runner := shell.NewRunner(logging.NewForTest())
	pf := &schema.PipelineFile{Steps: []schema.StepSpec{{
		Name:     "deploy",
		Command:  `echo '{"channel":{"id":1}}'`,
		Publish:  &schema.PublishSpec{ChannelID: ".channel", Preview: true},
		Recovery: &schema.RecoverySpec{MaxRetries: new(int)},
	}}}
	steps, err := BuildSteps(pf, runner, expressions.NewGoJQEngine(), h.dir)
	require.NoError(t, err)

	res, err := h.engine.Run(context.Background(), steps, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompletedWithErrors, res.Status)
	assert.Contains(t, res.Steps["deploy"].Error, "publish.channel_id")
	assert.Empty(t, h.state.Snapshot().ChannelID)
	assert.Nil(t, h.state.LastSuccessfulPreview())
}

func TestNewStep_Validation(t *testing.T) {
	runner := shell.NewRunner(logging.NewForTest())

	_, err := NewStep(StepDef{Name: "none"})
	assert.True(t, schema.IsValidation(err))

	_, err = NewStep(StepDef{
		Name:    "two",
		Native:  ok(nil),
		Command: &CommandBody{Runner: runner, Command: shell.Command{Script: "true"}},
	})
	require.Error(t, err)
	assert.True(t, schema.IsValidation(err))
	assert.Contains(t, err.Error(), "native, command")

	_, err = NewStep(StepDef{Name: "", Native: ok(nil)})
	assert.True(t, schema.IsValidation(err))

	_, err = NewStep(StepDef{Name: "self", Native: ok(nil), Dependencies: []string{"self"}})
	assert.True(t, schema.IsValidation(err))

	_, err = NewStep(StepDef{Name: "c", Native: ok(nil), Cache: &StepCache{}})
	assert.True(t, schema.IsValidation(err))

	_, err = NewStep(StepDef{Name: "f", Command: &CommandBody{Runner: runner, Filter: ".x"}})
	assert.True(t, schema.IsValidation(err))

	_, err = NewStep(StepDef{Name: "pub", Command: &CommandBody{Runner: runner, Publish: &schema.PublishSpec{ChannelID: ".c"}}})
	assert.True(t, schema.IsValidation(err))

	s, err := NewStep(StepDef{Name: "p", Parallel: &ParallelBody{}})
	require.NoError(t, err)
	assert.Equal(t, "parallel", s.Body.Kind())
}

func TestBuildSteps_InvalidDurations(t *testing.T) {
	runner := shell.NewRunner(logging.NewForTest())
	_, err := BuildSteps(&schema.PipelineFile{Steps: []schema.StepSpec{{Name: "a", Command: "true", Timeout: "soon"}}}, runner, nil, "")
	assert.True(t, schema.IsValidation(err))

	_, err = BuildSteps(&schema.PipelineFile{Steps: []schema.StepSpec{{Name: "a", Command: "true", Cache: &schema.CacheSpec{Inputs: []string{"x"}, TTL: "-1h"}}}}, runner, nil, "")
	assert.True(t, schema.IsValidation(err))
}

func TestRunner_ValidatesStep(t *testing.T) {
	logger := logging.NewForTest()
	st := state.New(context.Background(), store.NewMemoryBackend(), logger)
	r := NewRunner(st, recovery.NewPlanner(st, logger), logger)

	res, err := r.ExecuteStep(context.Background(), nil, nil)
	assert.True(t, schema.IsValidation(err))
	assert.False(t, res.Success)

	res, err = r.ExecuteStep(context.Background(), &Step{Name: "x"}, nil)
	assert.True(t, schema.IsValidation(err))
	assert.NotEmpty(t, res.Error)
}

func TestRunner_RecordsPerformance(t *testing.T) {
	logger := logging.NewForTest()
	st := state.New(context.Background(), store.NewMemoryBackend(), logger)
	r := NewRunner(st, recovery.NewPlanner(st, logger), logger)

	_, err := r.ExecuteStep(context.Background(), native("a", ok(nil)), &StepContext{})
	require.NoError(t, err)
	_, err = r.ExecuteStep(context.Background(), native("a", failing("x")), &StepContext{})
	require.Error(t, err)

	perf := st.Performance()["a"]
	assert.Equal(t, 2, perf.Count)
	assert.Equal(t, 1, perf.Failures)
}
