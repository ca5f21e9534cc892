package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newResetCmd(g *globalFlags) *cobra.Command {
	var withCache bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Discard run state and return to idle",
		Long:  "Discard the persisted run state. The last successful preview is kept.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), cmd, g, true)
			if err != nil {
				return err
			}
			defer a.Close()

			a.state.ClearState(cmd.Context())
			fmt.Fprintln(cmd.OutOrStdout(), "run state cleared")

			if withCache {
				n, err := a.cache.Clear()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d cache entries\n", n)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&withCache, "cache", false, "also clear the step result cache")
	return cmd
}
