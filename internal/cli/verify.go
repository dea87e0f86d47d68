package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/truthlayer/internal/engine"
)

// VerifyOptions holds flags for the verify command.
type VerifyOptions struct {
	*RootOptions
	Repair bool
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &VerifyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Replay observations and compare against stored snapshots",
		Long: `Recompute every live entity and relationship snapshot of the owner from
its observations and compare the result with the stored snapshot.

With --repair, drifted snapshots are overwritten with the replayed ones.

Exit codes:
  0 - Every snapshot matches its replay (or every drift was repaired)
  1 - Drift detected
  2 - Command error (database not found, etc.)

Examples:
  truthlayer verify --owner alice
  truthlayer verify --owner alice --repair --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Repair, "repair", false, "rewrite drifted snapshots")

	return cmd
}

func runVerify(opts *VerifyOptions, cmd *cobra.Command) error {
	return withApp(opts.RootOptions, cmd, func(app *App, f *OutputFormatter) error {
		report, err := app.Engine.Verify(cmd.Context(), opts.Owner, opts.Repair)
		if err != nil {
			return f.ActionFailed("verify", err)
		}
		if f.Format == "json" {
			return outputVerifyJSON(f.Writer, report)
		}
		return outputVerifyText(f.Writer, report, opts.Verbose)
	})
}

// unrepaired counts drifts still present after the pass.
func unrepaired(report engine.VerifyReport) int {
	n := 0
	for _, d := range report.Drifts {
		if !d.Repaired {
			n++
		}
	}
	return n
}

// outputVerifyJSON outputs the verify report as JSON.
func outputVerifyJSON(w io.Writer, report engine.VerifyReport) error {
	if report.Drifts == nil {
		report.Drifts = []engine.Drift{}
	}
	response := CLIResponse{
		Status: "ok",
		Data:   report,
	}

	failed := unrepaired(report) > 0
	if failed {
		response.Status = "error"
		response.Error = &CLIError{
			Code:    "E_DRIFT",
			Message: "snapshot verification failed",
		}
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(response); err != nil {
		return err
	}

	if failed {
		return NewExitError(ExitFailure, "snapshot verification failed")
	}
	return nil
}

// outputVerifyText outputs the verify report as text.
func outputVerifyText(w io.Writer, report engine.VerifyReport, verbose bool) error {
	fmt.Fprintf(w, "Verify Summary: %d entit(ies), %d relationship(s)\n", report.Entities, report.Relationships)
	fmt.Fprintln(w)

	for _, d := range report.Drifts {
		status := "✗"
		if d.Repaired {
			status = "↻"
		}
		fmt.Fprintf(w, "%s %s: %s\n", status, d.Kind, d.ID)

		switch {
		case d.Missing:
			fmt.Fprintln(w, "  stored snapshot missing")
		case len(d.Fields) > 0:
			fmt.Fprintf(w, "  fields: %s\n", strings.Join(d.Fields, ", "))
		}
		if verbose || d.StoredCount != d.ReplayedCount {
			fmt.Fprintf(w, "  Observations: %d stored, %d replayed\n", d.StoredCount, d.ReplayedCount)
		}
		fmt.Fprintln(w)
	}

	if unrepaired(report) == 0 {
		if len(report.Drifts) > 0 {
			fmt.Fprintf(w, "✓ Repaired %d snapshot(s)\n", len(report.Drifts))
			return nil
		}
		fmt.Fprintln(w, "✓ All snapshots match their replay")
		return nil
	}

	fmt.Fprintln(w, "✗ Snapshot verification failed")
	return NewExitError(ExitFailure, "snapshot verification failed")
}
