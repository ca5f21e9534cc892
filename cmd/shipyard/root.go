package main

import (
	"github.com/spf13/cobra"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0" ./cmd/shipyard/
var version = "dev"

// globalFlags are shared by every subcommand.
type globalFlags struct {
	dir        string
	configPath string
	pipeline   string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "shipyard",
		Short: "Run build and deploy pipelines with durable state",
		Long: `shipyard runs the steps declared in shipyard.yaml in order, persists every
step outcome, retries transient failures and resumes interrupted runs.

Settings come from shipyard.toml and SHIPYARD_* environment variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}
	root.SetVersionTemplate("shipyard {{.Version}}\n")

	pf := root.PersistentFlags()
	pf.StringVarP(&g.dir, "dir", "C", "", "project directory (default: current)")
	pf.StringVar(&g.configPath, "config", "", "settings file (default: <dir>/shipyard.toml)")
	pf.StringVarP(&g.pipeline, "file", "f", "", "pipeline file (overrides pipeline_file)")
	pf.StringVar(&g.logLevel, "log-level", "", "debug, info, success, warn or error")
	pf.StringVar(&g.logFormat, "log-format", "", "text or json")

	root.AddCommand(
		newRunCmd(g),
		newStatusCmd(g),
		newValidateCmd(g),
		newResetCmd(g),
		newCacheCmd(g),
		newScheduleCmd(g),
		newWatchCmd(g),
	)
	return root
}
