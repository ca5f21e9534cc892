package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rendis/shipyard/pkg/schema"
)

type runFlags struct {
	opts    []string
	recover bool
	json    bool
	strict  bool
}

func newRunCmd(g *globalFlags) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline once",
		Long: `Run every step of the pipeline in declaration order.

An interrupted previous run is discarded unless --recover is given. With
--recover its errors, warnings and metrics are carried into the new run and a
recovery warning names the step that was interrupted. Every step still runs
again from the start.

Exit status is 1 when the run fails and, with --strict, 2 when it completes
with errors.`,
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

			result, err := a.runPipeline(ctx, extra, f.recover)
			if err != nil {
				return err
			}

			if f.json {
				if err := writeJSON(cmd.OutOrStdout(), result); err != nil {
					return err
				}
			} else {
				printRunResult(cmd.OutOrStdout(), result)
			}
			return runExit(result.Status, f.strict)
		},
	}
	cmd.Flags().StringArrayVarP(&f.opts, "opt", "o", nil, "run option key=value (repeatable, dotted keys nest)")
	cmd.Flags().BoolVar(&f.recover, "recover", false, "carry an interrupted run's errors, warnings and metrics into this run")
	cmd.Flags().BoolVar(&f.json, "json", false, "print the run result as JSON")
	cmd.Flags().BoolVar(&f.strict, "strict", false, "exit non-zero when the run completes with errors")
	return cmd
}

// runExit maps a run status to the process exit code.
func runExit(status schema.RunStatus, strict bool) error {
	switch {
	case status == schema.RunStatusFailed:
		return &exitError{code: 1}
	case status == schema.RunStatusCompletedWithErrors && strict:
		return &exitError{code: 2}
	}
	return nil
}
