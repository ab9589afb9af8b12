package cmd

import (
	"context"
	"io"

	"github.com/spf13/cobra"

	railerr "github.com/railscope/railscope/internal/errors"
	"github.com/railscope/railscope/internal/ui"
)

// newIndexCmd creates the index command.
func newIndexCmd() *cobra.Command {
	var mode string
	var ids []string

	cmd := &cobra.Command{
		Use:   "index",
		Short: "Build or refresh the retrieval index",
		Long: `Reads the extraction tree and materializes vectors, metadata, and
graph edges. Full mode walks every unit (hash-gated, so unchanged chunks
are not re-embedded) and respects the full-run cooldown. Incremental mode
reindexes only the listed identifiers and never touches the cooldown.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runIndex(cmd.Context(), cmd.OutOrStdout(), mode, ids)
		},
	}

	cmd.Flags().StringVar(&mode, "mode", "full", "full or incremental")
	cmd.Flags().StringSliceVar(&ids, "id", nil,
		"Identifiers to reindex in incremental mode (repeatable)")
	return cmd
}

func runIndex(ctx context.Context, out io.Writer, mode string, ids []string) error {
	printer := ui.NewPrinter(out)

	switch mode {
	case "full", "incremental":
	default:
		return railerr.Newf(railerr.KindValidation, "cli.index",
			"mode must be full or incremental, got %q", mode)
	}
	if mode == "incremental" && len(ids) == 0 {
		return railerr.New(railerr.KindValidation, "cli.index",
			"incremental mode requires at least one --id")
	}

	a, err := newApp(ctx, configFlag)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	if mode == "full" {
		if err := a.guard.CheckFull("embed"); err != nil {
			return err
		}
	}
	if err := a.lock.Acquire("cli", "index:"+mode); err != nil {
		return err
	}
	defer func() { _ = a.lock.Release() }()

	if mode == "full" {
		report, err := a.indexer.IndexAll(ctx)
		if err != nil {
			return err
		}
		if err := a.guard.RecordFull("embed"); err != nil {
			return err
		}
		printer.IndexReport(report)
		return nil
	}

	report, err := a.indexer.IndexIncremental(ctx, ids)
	if err != nil {
		return err
	}
	printer.IndexReport(report)
	return nil
}
