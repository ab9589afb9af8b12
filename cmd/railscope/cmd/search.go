package cmd

import (
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/railscope/railscope/internal/retrieve"
	"github.com/railscope/railscope/internal/ui"
)

// newSearchCmd creates the search command.
func newSearchCmd() *cobra.Command {
	var budget int
	var limit int
	var trace bool
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Retrieve an assembled context bundle for a query",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(cmd.Context(), cmd.OutOrStdout(), strings.Join(args, " "),
				budget, limit, trace, jsonOutput)
		},
	}

	cmd.Flags().IntVar(&budget, "budget", 0,
		"Token budget for the bundle (0 uses the configured default)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum ranked candidates (default 10)")
	cmd.Flags().BoolVar(&trace, "trace", false, "Include the retrieval trace")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Emit the raw result as JSON")
	return cmd
}

func runSearch(ctx context.Context, out io.Writer, query string, budget, limit int, trace, jsonOutput bool) error {
	a, err := newApp(ctx, configFlag)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	res, err := a.retriever.Retrieve(ctx, query, retrieve.Options{
		Budget:       budget,
		Limit:        limit,
		IncludeTrace: trace || jsonOutput,
	})
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	printer := ui.NewPrinter(out)
	printer.Bundle(res.Bundle)
	return nil
}
