package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rendis/shipyard/internal/scheduler"
	"github.com/rendis/shipyard/pkg/schema"
)

func newScheduleCmd(g *globalFlags) *cobra.Command {
	var (
		runNow bool
		opts   []string
	)
	cmd := &cobra.Command{
		Use:   "schedule <cron>",
		Short: "Run the pipeline on a cron schedule until interrupted",
		Long: `Run the pipeline every time the cron expression fires. Five-field
expressions, an optional leading seconds field and descriptors such as
@hourly or "@every 10m" are accepted. A tick that arrives while a run is
still going is skipped.`,
		Example: `  shipyard schedule "*/15 * * * *"
  shipyard schedule @hourly --run-now`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			extra, err := parseOptionFlags(opts)
			if err != nil {
				return err
			}
			if _, err := scheduler.ParseSchedule(args[0]); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx, cmd, g, true)
			if err != nil {
				return err
			}
			defer a.Close()

			extra = mergeOptions(extra, map[string]any{"trigger": "schedule"})
			job := func(ctx context.Context) error {
				result, err := a.runPipeline(ctx, extra, false)
				if err != nil {
					return err
				}
				if result.Status == schema.RunStatusFailed {
					return fmt.Errorf("run %s failed at %s", result.RunID, result.FailedStep)
				}
				return nil
			}

			s, err := scheduler.New(args[0], job, a.logger, scheduler.WithRunOnStart(runNow))
			if err != nil {
				return err
			}
			if err := s.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			if err := s.Stop(); err != nil {
				return err
			}

			st := s.Stats()
			fmt.Fprintf(cmd.OutOrStdout(), "scheduler stopped: %d runs, %d failed, %d skipped\n", st.Runs, st.Failures, st.Skipped)
			return nil
		},
	}
	cmd.Flags().BoolVar(&runNow, "run-now", false, "run once immediately before waiting for the first tick")
	cmd.Flags().StringArrayVarP(&opts, "opt", "o", nil, "run option key=value (repeatable)")
	return cmd
}
