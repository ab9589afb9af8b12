// Package mcp exposes the retrieval engine and its operator control plane as
// MCP tools over stdio. Read tools are always available; write tools
// (extract, embed, repair) hold the pipeline lock and respect the full-run
// cooldown. Every tool answers with the uniform {ok, result, error_type}
// envelope.
package mcp

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/railscope/railscope/internal/feedback"
	"github.com/railscope/railscope/internal/index"
	"github.com/railscope/railscope/internal/pipeline"
	"github.com/railscope/railscope/internal/retrieve"
	"github.com/railscope/railscope/internal/store"
	"github.com/railscope/railscope/internal/unit"
	"github.com/railscope/railscope/pkg/version"
)

// Deps carries the wired engine components. All fields are required except
// the logger, which defaults to slog.Default().
type Deps struct {
	Retriever *retrieve.Retriever
	Units     *unit.Store
	Metadata  store.MetadataStore
	Graphs    store.GraphStore
	Indexer   *index.Indexer

	Lock      *pipeline.Lock
	Guard     *pipeline.Guard
	Status    *pipeline.Status
	Validator *pipeline.Validator
	Repairer  *pipeline.Repairer
	Health    *pipeline.Health

	Feedback *feedback.Store

	Logger *slog.Logger
}

// Server is the MCP tool server over the retrieval engine.
type Server struct {
	mcp  *mcp.Server
	deps Deps
	gaps *feedback.GapDetector
	log  *slog.Logger
}

// NewServer wires the tool server and registers every tool.
func NewServer(deps Deps) (*Server, error) {
	switch {
	case deps.Retriever == nil:
		return nil, fmt.Errorf("retriever is required")
	case deps.Units == nil:
		return nil, fmt.Errorf("unit store is required")
	case deps.Metadata == nil:
		return nil, fmt.Errorf("metadata store is required")
	case deps.Graphs == nil:
		return nil, fmt.Errorf("graph store is required")
	case deps.Indexer == nil:
		return nil, fmt.Errorf("indexer is required")
	case deps.Lock == nil || deps.Guard == nil:
		return nil, fmt.Errorf("pipeline lock and guard are required")
	case deps.Status == nil || deps.Validator == nil || deps.Repairer == nil || deps.Health == nil:
		return nil, fmt.Errorf("pipeline status, validator, repairer, and health are required")
	case deps.Feedback == nil:
		return nil, fmt.Errorf("feedback store is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	s := &Server{
		deps: deps,
		gaps: feedback.NewGapDetector(),
		log:  deps.Logger,
	}
	s.mcp = mcp.NewServer(
		&mcp.Implementation{Name: "railscope", Version: version.Version},
		nil,
	)
	s.registerTools()
	return s, nil
}

// MCPServer returns the underlying MCP server instance.
func (s *Server) MCPServer() *mcp.Server {
	return s.mcp
}

func (s *Server) registerTools() {
	// Retrieval tools.
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "retrieve",
		Description: "Answer a natural-language question about the codebase with an assembled, budget-bounded context bundle. The primary entry point; prefer it over lookup unless you already know the exact identifier.",
	}, s.handleRetrieve)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "lookup",
		Description: "Fetch a single unit by exact identifier at full detail. No ranking, no search; fails with not_found for unknown identifiers.",
	}, s.handleLookup)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "dependencies",
		Description: "Assemble the units a given unit depends on, breadth-first up to depth.",
	}, s.handleDependencies)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "dependents",
		Description: "Assemble the units that depend on a given unit, breadth-first up to depth.",
	}, s.handleDependents)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "search",
		Description: "Exact keyword search over identifiers, method names, associations, columns, and routes. Returns matches with scores, not an assembled context.",
	}, s.handleSearch)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "framework",
		Description: "Retrieve framework and gem documentation context for a Rails concept, e.g. validations or has_many options.",
	}, s.handleFramework)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "structure",
		Description: "Report the extraction tree's shape: unit counts per type, optionally with every identifier.",
	}, s.handleStructure)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "recent_changes",
		Description: "Assemble the most recently changed units, optionally filtered by type.",
	}, s.handleRecentChanges)

	// Graph analysis tools.
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "graph_analysis",
		Description: "Structural analysis of the dependency graph: orphans, dead ends, hubs, cycles, bridges, or all of them.",
	}, s.handleGraphAnalysis)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "pagerank",
		Description: "Rank units by dependency-graph PageRank, highest first.",
	}, s.handlePageRank)

	// Pipeline tools (extract, embed, repair are writes and hold the lock).
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "extract",
		Description: "Re-read the extraction tree and reindex it. Mode full reindexes everything (cooldown applies); incremental reindexes only drifted units. dry_run reports the drift without touching the index.",
	}, s.handleExtract)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "embed",
		Description: "Re-embed the index. Mode full re-embeds all changed chunks (cooldown applies); incremental re-embeds the listed identifiers.",
	}, s.handleEmbed)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "pipeline_status",
		Description: "Aggregate pipeline state: manifest, checkpoint, queue depth, lock holder, cooldown, circuit breakers.",
	}, s.handlePipelineStatus)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "diagnose",
		Description: "Run consistency and health checks. checks defaults to [drift, health]; add deep to exercise the embedding provider.",
	}, s.handleDiagnose)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "repair",
		Description: "Run a scoped index repair: stale_units, missing_embeddings, orphaned_vectors, or count_mismatch. Holds the pipeline lock.",
	}, s.handleRepair)

	// Feedback tools.
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "rate_retrieval",
		Description: "Record how useful a retrieval was: helpful, partial, unhelpful, or wrong, with optional missing identifiers and notes.",
	}, s.handleRateRetrieval)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "report_gap",
		Description: "Report content the index should have returned but did not.",
	}, s.handleReportGap)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "retrieval_explain",
		Description: "Run a retrieval with full trace recording and log the diagnostic for gap analysis.",
	}, s.handleRetrievalExplain)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "suggest_improvements",
		Description: "Scan the recent feedback window and emit prioritized signals about index gaps.",
	}, s.handleSuggestImprovements)

	s.log.Info("mcp tools registered", slog.Int("count", 19))
}

// Serve runs the server over the given transport until ctx is cancelled.
// Only stdio is supported.
func (s *Server) Serve(ctx context.Context, transport string) error {
	switch transport {
	case "", "stdio":
		s.log.Info("mcp server starting", slog.String("transport", "stdio"))
		err := s.mcp.Run(ctx, &mcp.StdioTransport{})
		if err != nil && err != context.Canceled {
			s.log.Error("mcp server stopped", slog.String("error", err.Error()))
			return err
		}
		s.log.Info("mcp server stopped")
		return nil
	default:
		return fmt.Errorf("unknown transport %q (supported: stdio)", transport)
	}
}
