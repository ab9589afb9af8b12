package mcp

import (
	"context"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	railerr "github.com/railscope/railscope/internal/errors"
	"github.com/railscope/railscope/internal/graph"
	"github.com/railscope/railscope/internal/retrieve"
	"github.com/railscope/railscope/internal/store"
	"github.com/railscope/railscope/internal/unit"
)

// RetrieveInput is the retrieve tool's argument shape.
type RetrieveInput struct {
	Query               string         `json:"query" jsonschema:"the natural-language question about the codebase"`
	Budget              int            `json:"budget,omitempty" jsonschema:"token budget for the assembled context, 0 uses the configured default"`
	Filters             map[string]any `json:"filters,omitempty" jsonschema:"candidate filters: type, namespace, parent, chunk_kind, change_frequency, importance; values are strings or string sets"`
	PreviouslyRetrieved []string       `json:"previously_retrieved,omitempty" jsonschema:"identifiers already shown to the caller, demoted to surface fresh material"`
	Limit               int            `json:"limit,omitempty" jsonschema:"maximum ranked candidates, default 10"`
	Trace               bool           `json:"trace,omitempty" jsonschema:"attach the retrieval trace to the result"`
}

func (s *Server) handleRetrieve(ctx context.Context, _ *mcp.CallToolRequest, in RetrieveInput) (
	*mcp.CallToolResult, Response[*retrieve.RetrievalResult], error,
) {
	filters, err := normalizeFilters(in.Filters)
	if err != nil {
		return nil, fail[*retrieve.RetrievalResult](err), nil
	}
	res, err := s.deps.Retriever.Retrieve(ctx, in.Query, retrieve.Options{
		Budget:              in.Budget,
		Filters:             filters,
		Limit:               in.Limit,
		IncludeTrace:        in.Trace,
		PreviouslyRetrieved: in.PreviouslyRetrieved,
	})
	if err != nil {
		return nil, fail[*retrieve.RetrievalResult](err), nil
	}
	return nil, succeed(res), nil
}

// LookupInput is the lookup tool's argument shape.
type LookupInput struct {
	Identifier    string   `json:"identifier" jsonschema:"exact unit identifier, e.g. CheckoutService"`
	Budget        int      `json:"budget,omitempty" jsonschema:"token budget, 0 uses the configured default"`
	IncludeSource *bool    `json:"include_source,omitempty" jsonschema:"include the unit's source code, default true; false renders metadata sections only"`
	Sections      []string `json:"sections,omitempty" jsonschema:"restrict output to these metadata sections: associations, callbacks, validations, scopes"`
}

func (s *Server) handleLookup(ctx context.Context, _ *mcp.CallToolRequest, in LookupInput) (
	*mcp.CallToolResult, Response[*retrieve.RetrievalResult], error,
) {
	if strings.TrimSpace(in.Identifier) == "" {
		return nil, fail[*retrieve.RetrievalResult](
			railerr.New(railerr.KindValidation, "mcp.lookup", "identifier is required")), nil
	}
	res, err := s.deps.Retriever.Lookup(ctx, in.Identifier, retrieve.LookupOptions{
		Budget:     in.Budget,
		OmitSource: in.IncludeSource != nil && !*in.IncludeSource,
		Sections:   in.Sections,
	})
	if err != nil {
		return nil, fail[*retrieve.RetrievalResult](err), nil
	}
	return nil, succeed(res), nil
}

// TraversalInput is the argument shape shared by dependencies and dependents.
type TraversalInput struct {
	Identifier string   `json:"identifier" jsonschema:"unit identifier to start from"`
	Depth      int      `json:"depth,omitempty" jsonschema:"traversal depth, default 1"`
	Budget     int      `json:"budget,omitempty" jsonschema:"token budget, 0 uses the configured default"`
	Types      []string `json:"types,omitempty" jsonschema:"restrict results to these unit types, e.g. model, service"`
}

func (s *Server) handleDependencies(ctx context.Context, _ *mcp.CallToolRequest, in TraversalInput) (
	*mcp.CallToolResult, Response[*retrieve.RetrievalResult], error,
) {
	return s.traversal(ctx, in, true)
}

func (s *Server) handleDependents(ctx context.Context, _ *mcp.CallToolRequest, in TraversalInput) (
	*mcp.CallToolResult, Response[*retrieve.RetrievalResult], error,
) {
	return s.traversal(ctx, in, false)
}

func (s *Server) traversal(ctx context.Context, in TraversalInput, forward bool) (
	*mcp.CallToolResult, Response[*retrieve.RetrievalResult], error,
) {
	if strings.TrimSpace(in.Identifier) == "" {
		return nil, fail[*retrieve.RetrievalResult](
			railerr.New(railerr.KindValidation, "mcp.traversal", "identifier is required")), nil
	}
	types := make([]unit.Type, 0, len(in.Types))
	for _, t := range in.Types {
		types = append(types, unit.Type(t))
	}
	var res *retrieve.RetrievalResult
	var err error
	if forward {
		res, err = s.deps.Retriever.Dependencies(ctx, in.Identifier, in.Depth, in.Budget, types)
	} else {
		res, err = s.deps.Retriever.Dependents(ctx, in.Identifier, in.Depth, in.Budget, types)
	}
	if err != nil {
		return nil, fail[*retrieve.RetrievalResult](err), nil
	}
	return nil, succeed(res), nil
}

// SearchInput is the keyword search tool's argument shape.
type SearchInput struct {
	Keywords []string       `json:"keywords" jsonschema:"exact keywords to match, OR semantics"`
	Fields   []string       `json:"fields,omitempty" jsonschema:"restrict matching to these fields: identifier, method_names, association_names, column_names, route_paths"`
	Filters  map[string]any `json:"filters,omitempty" jsonschema:"candidate filters, same keys as retrieve"`
	Limit    int            `json:"limit,omitempty" jsonschema:"maximum matches, default 30"`
}

// KeywordMatch is one keyword search hit.
type KeywordMatch struct {
	Identifier    string         `json:"identifier"`
	MatchScore    float64        `json:"match_score"`
	MatchedFields []string       `json:"matched_fields"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// SearchResult is the keyword search tool's result body.
type SearchResult struct {
	Matches []KeywordMatch `json:"matches"`
}

func (s *Server) handleSearch(ctx context.Context, _ *mcp.CallToolRequest, in SearchInput) (
	*mcp.CallToolResult, Response[*SearchResult], error,
) {
	if len(in.Keywords) == 0 {
		return nil, fail[*SearchResult](
			railerr.New(railerr.KindValidation, "mcp.search", "at least one keyword is required")), nil
	}
	filters, err := normalizeFilters(in.Filters)
	if err != nil {
		return nil, fail[*SearchResult](err), nil
	}
	limit := in.Limit
	if limit <= 0 {
		limit = 30
	}
	hits, err := s.deps.Metadata.SearchKeywords(ctx, in.Keywords, in.Fields, filters, limit)
	if err != nil {
		return nil, fail[*SearchResult](err), nil
	}
	out := &SearchResult{Matches: make([]KeywordMatch, 0, len(hits))}
	for _, h := range hits {
		out.Matches = append(out.Matches, KeywordMatch{
			Identifier:    h.ID,
			MatchScore:    h.MatchScore,
			MatchedFields: h.MatchedFields,
			Metadata:      h.Metadata,
		})
	}
	return nil, succeed(out), nil
}

// FrameworkInput is the framework tool's argument shape.
type FrameworkInput struct {
	Concept string `json:"concept" jsonschema:"the framework concept to explain, e.g. validations, counter_cache"`
	Gem     string `json:"gem,omitempty" jsonschema:"restrict to one gem, e.g. sidekiq"`
	Budget  int    `json:"budget,omitempty" jsonschema:"token budget, 0 uses the configured default"`
}

// handleFramework retrieves framework-typed context. The composed query always
// carries a framework marker term so classification selects the framework
// strategy.
func (s *Server) handleFramework(ctx context.Context, _ *mcp.CallToolRequest, in FrameworkInput) (
	*mcp.CallToolResult, Response[*retrieve.RetrievalResult], error,
) {
	if strings.TrimSpace(in.Concept) == "" {
		return nil, fail[*retrieve.RetrievalResult](
			railerr.New(railerr.KindValidation, "mcp.framework", "concept is required")), nil
	}
	query := in.Concept
	if in.Gem != "" {
		query += " " + in.Gem + " gem"
	} else {
		query += " Rails"
	}
	res, err := s.deps.Retriever.Retrieve(ctx, query, retrieve.Options{
		Budget:  in.Budget,
		Filters: store.Filters{"type": string(unit.TypeFramework)},
	})
	if err != nil {
		return nil, fail[*retrieve.RetrievalResult](err), nil
	}
	return nil, succeed(res), nil
}

// StructureInput is the structure tool's argument shape.
type StructureInput struct {
	Detail string `json:"detail,omitempty" jsonschema:"summary (default) or full, which lists every identifier"`
}

// StructureResult is the structure tool's result body.
type StructureResult struct {
	Outline string `json:"outline"`
}

func (s *Server) handleStructure(ctx context.Context, _ *mcp.CallToolRequest, in StructureInput) (
	*mcp.CallToolResult, Response[*StructureResult], error,
) {
	detail := in.Detail
	if detail == "" {
		detail = "summary"
	}
	if detail != "summary" && detail != "full" {
		return nil, fail[*StructureResult](railerr.Newf(railerr.KindValidation,
			"mcp.structure", "detail must be summary or full, got %q", detail)), nil
	}
	outline, err := s.deps.Retriever.Structure(ctx, detail)
	if err != nil {
		return nil, fail[*StructureResult](err), nil
	}
	return nil, succeed(&StructureResult{Outline: outline}), nil
}

// RecentChangesInput is the recent_changes tool's argument shape.
type RecentChangesInput struct {
	Limit  int    `json:"limit,omitempty" jsonschema:"maximum units, default 10"`
	Type   string `json:"type,omitempty" jsonschema:"restrict to one unit type, e.g. model, service, controller"`
	Budget int    `json:"budget,omitempty" jsonschema:"token budget, 0 uses the configured default"`
}

func (s *Server) handleRecentChanges(ctx context.Context, _ *mcp.CallToolRequest, in RecentChangesInput) (
	*mcp.CallToolResult, Response[*retrieve.RetrievalResult], error,
) {
	limit := in.Limit
	if limit <= 0 {
		limit = 10
	}
	res, err := s.deps.Retriever.RecentChanges(ctx, limit, unit.Type(in.Type), in.Budget)
	if err != nil {
		return nil, fail[*retrieve.RetrievalResult](err), nil
	}
	return nil, succeed(res), nil
}

// GraphAnalysisInput is the graph_analysis tool's argument shape.
type GraphAnalysisInput struct {
	Analysis string `json:"analysis,omitempty" jsonschema:"orphans, dead_ends, hubs, cycles, bridges, or all (default)"`
	Limit    int    `json:"limit,omitempty" jsonschema:"result cap for hub analysis, default 20"`
}

var validAnalyses = map[string]bool{
	"orphans": true, "dead_ends": true, "hubs": true,
	"cycles": true, "bridges": true, "all": true,
}

func (s *Server) handleGraphAnalysis(ctx context.Context, _ *mcp.CallToolRequest, in GraphAnalysisInput) (
	*mcp.CallToolResult, Response[*graph.Analysis], error,
) {
	if err := railerr.FromContext(ctx, "mcp.graph_analysis"); err != nil {
		return nil, fail[*graph.Analysis](err), nil
	}
	analysis := in.Analysis
	if analysis == "" {
		analysis = "all"
	}
	if !validAnalyses[analysis] {
		return nil, fail[*graph.Analysis](railerr.Newf(railerr.KindValidation,
			"mcp.graph_analysis", "unknown analysis %q", analysis)), nil
	}
	out := s.deps.Graphs.Snapshot().Analyze(analysis, in.Limit)
	return nil, succeed(&out), nil
}

// PageRankInput is the pagerank tool's argument shape.
type PageRankInput struct {
	Limit int `json:"limit,omitempty" jsonschema:"number of top nodes, default 20"`
}

// PageRankResult is the pagerank tool's result body.
type PageRankResult struct {
	Nodes []graph.RankedNode `json:"nodes"`
}

func (s *Server) handlePageRank(ctx context.Context, _ *mcp.CallToolRequest, in PageRankInput) (
	*mcp.CallToolResult, Response[*PageRankResult], error,
) {
	if err := railerr.FromContext(ctx, "mcp.pagerank"); err != nil {
		return nil, fail[*PageRankResult](err), nil
	}
	nodes := s.deps.Graphs.Snapshot().TopByPageRank(in.Limit)
	return nil, succeed(&PageRankResult{Nodes: nodes}), nil
}
