package main

import (
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/shipyard/internal/store"
)

type statusFlags struct {
	json    bool
	history int
}

func newStatusCmd(g *globalFlags) *cobra.Command {
	f := &statusFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of the current or last run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), cmd, g, false)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			snap := a.state.Snapshot()
			if f.json {
				if err := writeJSON(out, snap); err != nil {
					return err
				}
			} else {
				printSnapshot(out, snap)
				if a.state.IsRecoverable() {
					fmt.Fprintln(out, "\nthe run was interrupted; keep its history in the next run with: shipyard run --recover")
				}
			}

			if f.history > 0 {
				return printHistory(cmd, out, a.backend, f.history)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&f.json, "json", false, "print the snapshot as JSON")
	cmd.Flags().IntVar(&f.history, "history", 0, "also list the N most recent archived runs")
	return cmd
}

// printHistory lists archived runs. The libSQL backend keeps full
// snapshots; the file backend only has rotated backup files.
func printHistory(cmd *cobra.Command, w io.Writer, backend store.Backend, limit int) error {
	fmt.Fprintln(w, "\nhistory:")
	switch b := backend.(type) {
	case *store.LibSQLBackend:
		entries, err := b.History(cmd.Context(), limit)
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Fprintf(w, "  #%d  %s  %-22s %s\n", e.Seq, e.ArchivedAt.Format(time.RFC3339), e.Status, orNone(e.RunID))
		}
		if len(entries) == 0 {
			fmt.Fprintln(w, "  (none)")
		}
	case *store.FileBackend:
		paths, err := b.Backups()
		if err != nil {
			fmt.Fprintln(w, "  (none)")
			return nil
		}
		if len(paths) > limit {
			paths = paths[len(paths)-limit:]
		}
		for i := len(paths) - 1; i >= 0; i-- {
			fmt.Fprintf(w, "  %s\n", filepath.Base(paths[i]))
		}
		if len(paths) == 0 {
			fmt.Fprintln(w, "  (none)")
		}
	default:
		fmt.Fprintln(w, "  (not kept by this backend)")
	}
	return nil
}
