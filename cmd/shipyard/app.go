package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/rendis/shipyard/internal/cache"
	"github.com/rendis/shipyard/internal/config"
	"github.com/rendis/shipyard/internal/engine"
	"github.com/rendis/shipyard/internal/expressions"
	"github.com/rendis/shipyard/internal/logging"
	"github.com/rendis/shipyard/internal/recovery"
	"github.com/rendis/shipyard/internal/shell"
	"github.com/rendis/shipyard/internal/state"
	"github.com/rendis/shipyard/internal/store"
	"github.com/rendis/shipyard/internal/validation"
	"github.com/rendis/shipyard/pkg/schema"
)

// app is the wired set of components one command works with.
type app struct {
	dir       string
	cfg       *config.Config
	logger    *slog.Logger
	backend   store.Backend
	state     *state.Store
	cache     *cache.Cache
	engine    engine.Engine
	shell     *shell.Runner
	jq        *expressions.GoJQEngine
	validator *validation.PipelineValidator
	lock      *store.RunLock
}

// loadSettings resolves the project directory and layers flags over config.
func loadSettings(g *globalFlags) (string, *config.Config, error) {
	dir := g.dir
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", nil, err
		}
		dir = wd
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", nil, err
	}

	cfgPath := g.configPath
	if cfgPath == "" {
		cfgPath = filepath.Join(dir, config.FileName)
	}
	cfg, err := config.LoadFile(cfgPath, dir)
	if err != nil {
		return "", nil, err
	}

	if g.pipeline != "" {
		cfg.PipelineFile = g.pipeline
		if !filepath.IsAbs(cfg.PipelineFile) {
			cfg.PipelineFile = filepath.Join(dir, cfg.PipelineFile)
		}
	}
	if g.logLevel != "" {
		cfg.LogLevel = g.logLevel
	}
	if g.logFormat != "" {
		cfg.LogFormat = g.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return "", nil, err
	}
	return dir, cfg, nil
}

// openApp wires config, logging, storage, state, recovery, cache and the
// engine. With lock set it first takes the state directory's run lock.
func openApp(ctx context.Context, cmd *cobra.Command, g *globalFlags, lock bool) (a *app, err error) {
	dir, cfg, err := loadSettings(g)
	if err != nil {
		return nil, err
	}

	level, _ := logging.ParseLevel(cfg.LogLevel)
	logger := logging.New(cmd.ErrOrStderr(), level, logging.Format(cfg.LogFormat))

	a = &app{dir: dir, cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
			a = nil
		}
	}()

	if lock {
		if a.lock, err = store.AcquireRunLock(cfg.StateDir); err != nil {
			return a, schema.NewError(schema.ErrCodeConflict, "another shipyard process is using this project").WithCause(err)
		}
	}

	if a.backend, err = store.Open(ctx, store.Kind(cfg.Backend), cfg.StateDir, cfg.DBPath); err != nil {
		return a, err
	}
	a.state = state.New(ctx, a.backend, logger, state.WithMaxRecoveryAttempts(cfg.MaxRecoveryAttempts))

	rules := make([]recovery.Rule, 0, len(cfg.RecoveryRules))
	for _, r := range cfg.RecoveryRules {
		rules = append(rules, recovery.Rule{When: r.When, Strategy: r.Strategy})
	}
	planner := recovery.NewPlanner(a.state, logger,
		recovery.WithRules(rules),
		recovery.WithOverrides(cfg.RecoveryOverrides),
	)
	if err = planner.ValidateRules(); err != nil {
		return a, err
	}

	if a.cache, err = cache.New(cfg.CacheDir, cfg.CacheTTL, logger); err != nil {
		return a, err
	}
	if a.engine, err = engine.NewEngine(a.state, engine.NewRunner(a.state, planner, logger), logger,
		engine.WithCache(a.cache),
		engine.WithBaseDir(dir),
	); err != nil {
		return a, err
	}
	if a.validator, err = validation.NewPipelineValidator(); err != nil {
		return a, err
	}
	a.shell = shell.NewRunner(logger)
	a.jq = expressions.NewGoJQEngine()
	return a, nil
}

// Close releases the backend and the run lock.
func (a *app) Close() error {
	var errs []error
	if a.backend != nil {
		errs = append(errs, a.backend.Close())
	}
	if a.lock != nil {
		errs = append(errs, a.lock.Release())
	}
	return errors.Join(errs...)
}

// loadPipeline reads and validates the pipeline file. Warnings are logged.
func (a *app) loadPipeline() (*schema.PipelineFile, error) {
	pf, err := validation.LoadPipeline(a.cfg.PipelineFile)
	if err != nil {
		return nil, err
	}
	result := a.validator.Validate(pf)
	for _, w := range result.Warnings {
		a.logger.Warn("pipeline warning", "path", w.Path, "message", w.Message)
	}
	if err := result.ToError(); err != nil {
		return nil, err
	}
	return pf, nil
}

// runPipeline loads the pipeline fresh and runs it once. extra options are
// merged over the pipeline's own options.
func (a *app) runPipeline(ctx context.Context, extra map[string]any, resume bool) (*engine.RunResult, error) {
	pf, err := a.loadPipeline()
	if err != nil {
		return nil, err
	}
	opts := mergeOptions(pf.Options, extra)
	if err := a.validator.ValidateOptions(opts, pf.OptionsSchema); err != nil {
		return nil, err
	}
	steps, err := engine.BuildSteps(pf, a.shell, a.jq, a.dir)
	if err != nil {
		return nil, err
	}
	return a.engine.Run(ctx, steps, engine.RunOptions{Options: opts, Recover: resume})
}
