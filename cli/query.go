package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/warp/roster-engine/roster"
)

// NewPersonsCommand creates the persons command.
func NewPersonsCommand(rootOpts *RootOptions) *cobra.Command {
	var role string

	cmd := &cobra.Command{
		Use:           "persons",
		Short:         "List persons in the registry",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			persons, err := e.store.ListPersons(cmd.Context(), roster.Role(role))
			if err != nil {
				return WrapExitError(ExitCommandError, "list persons", err)
			}

			out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			return out.Emit(persons, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "KEY\tNAME\tCOURSE\tFEES\tPAID\tPENDING\tSYNTHETIC")
				for _, p := range persons {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%t\n",
						p.Key, p.Name, p.Course,
						p.TotalFees.StringFixed(2), p.AmountPaid.StringFixed(2), p.PendingAmount.StringFixed(2),
						p.Synthetic)
				}
				tw.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&role, "role", string(roster.RoleStudent), "role filter (empty for all)")
	return cmd
}

// NewLedgerCommand creates the ledger command.
func NewLedgerCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "ledger <key>",
		Short:         "Show the ledger entry of a person",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			entry, err := e.store.GetLedgerEntry(cmd.Context(), roster.CanonicalKey(args[0]))
			if err != nil {
				return WrapExitError(ExitCommandError, "get ledger entry", err)
			}
			if entry == nil {
				return NewExitError(ExitFailure, fmt.Sprintf("no ledger entry for %s", args[0]))
			}

			out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			return out.Emit(entry, func(w io.Writer) {
				fmt.Fprintf(w, "%s  %s  issued %s\n", entry.ID, entry.Status, entry.IssueDate)
				for _, item := range entry.Items {
					fmt.Fprintf(w, "  %-30s %3d x %12s = %12s\n",
						item.Description, item.Quantity, item.UnitPrice.StringFixed(2), item.Amount.StringFixed(2))
				}
				fmt.Fprintf(w, "  total %s, paid %s, due %s\n",
					entry.Total.StringFixed(2), entry.AmountPaid.StringFixed(2), entry.BalanceDue.StringFixed(2))
			})
		},
	}
}

// NewRunsCommand creates the runs command.
func NewRunsCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:           "runs",
		Short:         "Show import history, newest first",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			runs, err := e.store.ListRuns(cmd.Context(), limit)
			if err != nil {
				return WrapExitError(ExitCommandError, "list runs", err)
			}

			out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			return out.Emit(runs, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "RUN\tSOURCE\tSTATUS\tROWS\tCREATED\tUPDATED\tSTUDENTS\tSTARTED\tERROR")
				for _, r := range runs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
						r.ID, r.Source, r.Status, r.Rows, r.Created, r.Updated, r.Count,
						r.StartedAt.Format(time.DateTime), r.Error)
				}
				tw.Flush()
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show (0 for all)")
	return cmd
}
