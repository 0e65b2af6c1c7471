package cli

import (
	"fmt"
	"io"
	"maps"
	"path/filepath"
	"slices"

	"github.com/spf13/cobra"

	"github.com/warp/roster-engine/grid"
	"github.com/warp/roster-engine/roster"
)

// ImportResult is the outcome of one file.
type ImportResult struct {
	File          string         `json:"file"`
	RunID         string         `json:"run_id,omitempty"`
	Committed     bool           `json:"committed"`
	Rows          int            `json:"rows"`
	Accepted      int            `json:"accepted"`
	Skipped       map[string]int `json:"skipped,omitempty"`
	Created       int            `json:"created"`
	Updated       int            `json:"updated"`
	LedgerEntries int            `json:"ledger_entries"`
	Count         int            `json:"count"`
	Line          int            `json:"line,omitempty"`
	Retryable     bool           `json:"retryable,omitempty"`
	Error         string         `json:"error,omitempty"`
}

// NewImportCommand creates the import command.
func NewImportCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <file>...",
		Short: "Import roster files",
		Long: `Import one or more .xlsx or .csv roster files.

Each file is one atomic batch: either every row lands or none does.
Files are imported in the order given; a failed file does not stop the rest.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(rootOpts, args, cmd)
		},
	}
	return cmd
}

func runImport(opts *RootOptions, files []string, cmd *cobra.Command) error {
	e, err := openEnv(opts, cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	rec := e.cfg.NewReconciler(e.store, e.log)
	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}

	var (
		results []ImportResult
		failed  int
	)
	for _, path := range files {
		res := importFile(cmd, rec, path)
		if !res.Committed {
			failed++
		}
		results = append(results, res)
	}

	if err := out.Emit(results, func(w io.Writer) { printImportResults(w, results) }); err != nil {
		return err
	}
	if failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d files not imported", failed, len(files)))
	}
	return nil
}

func importFile(cmd *cobra.Command, rec *roster.Reconciler, path string) ImportResult {
	name := filepath.Base(path)
	res := ImportResult{File: name}

	g, err := grid.ReadFile(path)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	report, err := rec.Import(cmd.Context(), g, name)
	res.RunID = report.RunID
	res.Rows = report.Rows
	res.Accepted = report.Accepted
	res.Created = report.Created
	res.Updated = report.Updated
	res.LedgerEntries = report.LedgerEntries
	res.Count = report.Count
	if len(report.Skipped) > 0 {
		res.Skipped = make(map[string]int, len(report.Skipped))
		for v, n := range report.Skipped {
			res.Skipped[string(v)] = n
		}
	}

	if err != nil {
		res.Error = err.Error()
		res.Retryable = roster.IsRetryable(err)
		be, isBatch := roster.AsBatchError(err)
		if isBatch {
			res.Line = be.Line
		}
		// A failed post-commit count still leaves the batch committed.
		res.Committed = !isBatch
		return res
	}
	res.Committed = true
	return res
}

func printImportResults(w io.Writer, results []ImportResult) {
	for _, r := range results {
		if r.Error != "" && !r.Committed {
			fmt.Fprintf(w, "%s: FAILED %s\n", r.File, r.Error)
			if r.Retryable {
				fmt.Fprintf(w, "  (retryable, nothing was written)\n")
			}
			continue
		}
		fmt.Fprintf(w, "%s: committed run %s\n", r.File, r.RunID)
		fmt.Fprintf(w, "  rows %d, accepted %d, created %d, updated %d, ledger entries %d\n",
			r.Rows, r.Accepted, r.Created, r.Updated, r.LedgerEntries)
		for _, verdict := range slices.Sorted(maps.Keys(r.Skipped)) {
			fmt.Fprintf(w, "  skipped %s: %d\n", verdict, r.Skipped[verdict])
		}
		if r.Error != "" {
			fmt.Fprintf(w, "  warning: %s\n", r.Error)
		} else {
			fmt.Fprintf(w, "  students in registry: %d\n", r.Count)
		}
	}
}
