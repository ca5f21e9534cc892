package main

import (
	"github.com/spf13/cobra"

	"github.com/rendis/shipyard/internal/validation"
	"github.com/rendis/shipyard/pkg/schema"
)

func newValidateCmd(g *globalFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the pipeline file without running it",
		Long: `Validate the pipeline in three stages: structure against the JSON Schema,
semantics (conditions, filters, globs, recovery settings) and the dependency
graph. Warnings never fail validation.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, err := loadSettings(g)
			if err != nil {
				return err
			}
			pf, err := validation.LoadPipeline(cfg.PipelineFile)
			if err != nil {
				return err
			}
			v, err := validation.NewPipelineValidator()
			if err != nil {
				return err
			}

			result := v.Validate(pf)
			out := cmd.OutOrStdout()
			if asJSON {
				if err := writeJSON(out, result); err != nil {
					return err
				}
			} else {
				printValidation(out, cfg.PipelineFile, result)
			}
			if !result.Valid() {
				return &exitError{code: 1}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the issues as JSON")
	return cmd
}

// pipelineInputs collects the cache input globs of every step.
func pipelineInputs(pf *schema.PipelineFile) []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range pf.Steps {
		if s.Cache == nil {
			continue
		}
		for _, in := range s.Cache.Inputs {
			if !seen[in] {
				seen[in] = true
				out = append(out, in)
			}
		}
	}
	return out
}
