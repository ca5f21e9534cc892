package main

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rendis/shipyard/internal/engine"
	"github.com/rendis/shipyard/pkg/schema"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func stepStatus(r schema.StepResult) string {
	switch {
	case r.Skipped:
		return "skipped"
	case r.Cached:
		return "cached"
	case r.TimedOut:
		return "timeout"
	case r.Success:
		return "ok"
	}
	return "failed"
}

func printRunResult(w io.Writer, r *engine.RunResult) {
	fmt.Fprintf(w, "run %s: %s in %s\n", r.RunID, r.Status, r.Duration.Round(time.Millisecond))

	names := make([]string, 0, len(r.Steps))
	for name := range r.Steps {
		names = append(names, name)
	}
	slices.Sort(names)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STEP\tSTATUS\tDURATION\tATTEMPTS\tERROR")
	for _, name := range names {
		res := r.Steps[name]
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", name, stepStatus(res), res.Duration(), res.Attempts, firstLine(res.Error))
	}
	for _, name := range r.Skipped {
		fmt.Fprintf(tw, "%s\tskipped\t-\t0\t\n", name)
	}
	tw.Flush()

	if r.FailedStep != "" {
		fmt.Fprintf(w, "aborted at critical step %q\n", r.FailedStep)
	}
}

func printSnapshot(w io.Writer, snap *schema.RunSnapshot) {
	if snap.RunID == "" {
		fmt.Fprintf(w, "status: %s (no runs recorded)\n", snap.Status)
	} else {
		fmt.Fprintf(w, "run:    %s\nstatus: %s\n", snap.RunID, snap.Status)
	}
	if snap.CurrentStep != "" {
		fmt.Fprintf(w, "step:   %s\n", snap.CurrentStep)
	}
	if snap.StartTime != nil {
		fmt.Fprintf(w, "start:  %s\n", snap.StartTime.Format(time.RFC3339))
	}
	if snap.EndTime != nil {
		fmt.Fprintf(w, "end:    %s\n", snap.EndTime.Format(time.RFC3339))
	}
	if snap.ChannelID != "" || len(snap.PreviewURLs) > 0 {
		fmt.Fprintf(w, "deploy: %s %s\n", snap.ChannelID, strings.Join(snap.PreviewURLs, " "))
	}
	if p := snap.LastSuccessfulPreview; !p.IsEmpty() {
		fmt.Fprintf(w, "last successful preview: %s (%s)\n", p.URL, p.SavedAt.Format(time.RFC3339))
	}

	if len(snap.CompletedSteps) > 0 {
		fmt.Fprintln(w)
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "STEP\tSTATUS\tDURATION\tFINISHED")
		for _, rec := range snap.CompletedSteps {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", rec.Name, stepStatus(rec.Result), rec.Result.Duration(), rec.Timestamp.Format(time.TimeOnly))
		}
		tw.Flush()
	}

	if len(snap.Errors) > 0 {
		fmt.Fprintf(w, "\nerrors (%d):\n", len(snap.Errors))
		for _, e := range snap.Errors {
			crit := ""
			if e.Critical {
				crit = " [critical]"
			}
			fmt.Fprintf(w, "  %s%s: %s\n", orNone(e.Step), crit, firstLine(e.Message))
		}
	}
	if len(snap.Warnings) > 0 {
		fmt.Fprintf(w, "\nwarnings (%d):\n", len(snap.Warnings))
		for _, wr := range snap.Warnings {
			fmt.Fprintf(w, "  %s [%s/%s]: %s\n", orNone(wr.Step), wr.Severity, orNone(wr.Category), firstLine(wr.Message))
		}
	}
}

func printValidation(w io.Writer, path string, r *schema.ValidationResult) {
	for _, e := range r.Errors {
		fmt.Fprintf(w, "error   %s: %s\n", orNone(e.Path), e.Message)
	}
	for _, wr := range r.Warnings {
		fmt.Fprintf(w, "warning %s: %s\n", orNone(wr.Path), wr.Message)
	}
	if r.Valid() {
		fmt.Fprintf(w, "%s is valid (%d warnings)\n", path, len(r.Warnings))
	} else {
		fmt.Fprintf(w, "%s has %d errors, %d warnings\n", path, len(r.Errors), len(r.Warnings))
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}

func orNone(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
