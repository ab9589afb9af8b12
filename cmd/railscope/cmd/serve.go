package cmd

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/railscope/railscope/internal/mcp"
	"github.com/railscope/railscope/internal/watch"
)

// newServeCmd creates the serve command: the MCP tool server over stdio.
func newServeCmd() *cobra.Command {
	var watchTree bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the retrieval engine as MCP tools over stdio",
		Long: `Starts the MCP tool server on stdin/stdout. All logging goes to
stderr so the protocol stream stays clean.

With --watch, extraction tree changes debounce into incremental reindexes
while the server runs, so extractor re-runs are picked up without an
explicit embed call.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), watchTree)
		},
	}

	cmd.Flags().BoolVar(&watchTree, "watch", false,
		"Reindex incrementally when the extraction tree changes")
	return cmd
}

func runServe(ctx context.Context, watchTree bool) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, configFlag)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	server, err := mcp.NewServer(mcp.Deps{
		Retriever: a.retriever,
		Units:     a.units,
		Metadata:  a.metadata,
		Graphs:    a.graphs,
		Indexer:   a.indexer,
		Lock:      a.lock,
		Guard:     a.guard,
		Status:    a.status,
		Validator: a.validator,
		Repairer:  a.repairer,
		Health:    a.health,
		Feedback:  a.feedback,
	})
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	if watchTree {
		w := watch.New(a.units, a.indexer, a.cfg.OutputDir, watch.DefaultDebounce)
		g.Go(func() error {
			if err := w.Run(ctx); err != nil && ctx.Err() == nil {
				slog.Error("watcher stopped", slog.String("error", err.Error()))
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		return server.Serve(ctx, "stdio")
	})
	return g.Wait()
}
