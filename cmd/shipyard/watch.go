package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/shipyard/internal/watch"
	"github.com/rendis/shipyard/pkg/schema"
)

type watchFlags struct {
	patterns []string
	ignore   []string
	debounce time.Duration
	opts     []string
}

func newWatchCmd(g *globalFlags) *cobra.Command {
	f := &watchFlags{}
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Re-run the pipeline when project files change",
		Long: `Watch the project directory and run the pipeline after a burst of matching
changes settles. Without --pattern the cache inputs of every step and the
pipeline file itself are watched; a pipeline without cache inputs watches
everything. The changed paths are passed to the run as the changed_files
option.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			extra, err := parseOptionFlags(f.opts)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx, cmd, g, true)
			if err != nil {
				return err
			}
			defer a.Close()

			patterns := f.patterns
			if len(patterns) == 0 {
				pf, err := a.loadPipeline()
				if err != nil {
					return err
				}
				patterns = defaultWatchPatterns(a.dir, a.cfg.PipelineFile, pipelineInputs(pf))
			}
			ignore := append(f.ignore, ownedPaths(a.dir, a.cfg.StateDir, a.cfg.CacheDir)...)

			trigger := func(ctx context.Context, changed []string) error {
				files := make([]any, len(changed))
				for i, c := range changed {
					files[i] = c
				}
				opts := mergeOptions(extra, map[string]any{"trigger": "watch", "changed_files": files})
				result, err := a.runPipeline(ctx, opts, false)
				if err != nil {
					return err
				}
				if result.Status == schema.RunStatusFailed {
					return fmt.Errorf("run %s failed at %s", result.RunID, result.FailedStep)
				}
				return nil
			}

			w, err := watch.New(watch.Options{
				BaseDir:  a.dir,
				Patterns: patterns,
				Ignore:   ignore,
				Debounce: f.debounce,
			}, trigger, a.logger)
			if err != nil {
				return err
			}
			if err := w.Run(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "watch stopped: %d runs, %d failed\n", w.Runs(), w.Failures())
			return nil
		},
	}
	cmd.Flags().StringArrayVarP(&f.patterns, "pattern", "p", nil, "glob of files to watch, relative to the project (repeatable)")
	cmd.Flags().StringArrayVar(&f.ignore, "ignore", nil, "glob of files to ignore (repeatable)")
	cmd.Flags().DurationVar(&f.debounce, "debounce", watch.DefaultDebounce, "quiet period before a run starts")
	cmd.Flags().StringArrayVarP(&f.opts, "opt", "o", nil, "run option key=value (repeatable)")
	return cmd
}

// defaultWatchPatterns watches the cache inputs plus the pipeline file, or
// everything when no step declares inputs.
func defaultWatchPatterns(dir, pipelineFile string, inputs []string) []string {
	if len(inputs) == 0 {
		return []string{"**/*"}
	}
	patterns := inputs
	if rel, ok := relativeTo(dir, pipelineFile); ok {
		patterns = append(patterns, rel)
	}
	return patterns
}

// ownedPaths returns ignore globs for shipyard's own directories that live
// inside the project, so writing state never triggers a run.
func ownedPaths(dir string, paths ...string) []string {
	var out []string
	for _, p := range paths {
		if rel, ok := relativeTo(dir, p); ok && rel != "." {
			out = append(out, rel+"/**")
		}
	}
	return out
}

func relativeTo(dir, path string) (string, bool) {
	rel, err := filepath.Rel(dir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}
