package cmd

import (
	"context"
	"io"

	"github.com/spf13/cobra"

	railerr "github.com/railscope/railscope/internal/errors"
	"github.com/railscope/railscope/internal/ui"
)

// newDiagnoseCmd creates the diagnose command.
func newDiagnoseCmd() *cobra.Command {
	var deep bool

	cmd := &cobra.Command{
		Use:   "diagnose",
		Short: "Check index consistency and backend health",
		Long: `Validates the index against the extraction tree (missing, orphaned,
hash-mismatched units and stale vectors) and probes every backend. With
--deep the embedding provider is exercised with a real model call.

Exits non-zero when drift is found or a probe fails.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDiagnose(cmd.Context(), cmd.OutOrStdout(), deep)
		},
	}

	cmd.Flags().BoolVar(&deep, "deep", false, "Exercise the embedding provider")
	return cmd
}

func runDiagnose(ctx context.Context, out io.Writer, deep bool) error {
	a, err := newApp(ctx, configFlag)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	printer := ui.NewPrinter(out)

	validation, err := a.validator.Validate(ctx)
	if err != nil {
		return err
	}
	printer.Validation(validation)

	probes := a.health.Check(ctx, deep)
	printer.Probes(probes)

	for _, p := range probes {
		if !p.OK {
			return railerr.Newf(railerr.KindDegraded, "cli.diagnose",
				"probe %s failed: %s", p.Component, p.Detail)
		}
	}
	if !validation.Clean() {
		return railerr.New(railerr.KindCorruption, "cli.diagnose",
			"index drift detected, run repair")
	}
	return nil
}
