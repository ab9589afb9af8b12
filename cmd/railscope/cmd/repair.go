package cmd

import (
	"context"
	"io"

	"github.com/spf13/cobra"

	"github.com/railscope/railscope/internal/ui"
)

// newRepairCmd creates the repair command.
func newRepairCmd() *cobra.Command {
	var ids []string

	cmd := &cobra.Command{
		Use:   "repair <issue>",
		Short: "Run a scoped index repair",
		Long: `Repairs one class of index drift. Issues:

  missing_embeddings  re-embed units absent from or changed since the checkpoint
  orphaned_vectors    delete vectors with no checkpoint entry
  count_mismatch      full hash-gated reindex
  stale_units         force re-embed of the listed --id units

Every repair holds the pipeline lock for its duration.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRepair(cmd.Context(), cmd.OutOrStdout(), args[0], ids)
		},
	}

	cmd.Flags().StringSliceVar(&ids, "id", nil,
		"Identifiers to repair (required for stale_units, repeatable)")
	return cmd
}

func runRepair(ctx context.Context, out io.Writer, issue string, ids []string) error {
	a, err := newApp(ctx, configFlag)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	report, err := a.repairer.Repair(ctx, issue, ids)
	if err != nil {
		return err
	}

	ui.NewPrinter(out).Repair(report)
	return nil
}
