package mcp

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	railerr "github.com/railscope/railscope/internal/errors"
	"github.com/railscope/railscope/internal/feedback"
	"github.com/railscope/railscope/internal/index"
	"github.com/railscope/railscope/internal/pipeline"
	"github.com/railscope/railscope/internal/retrieve"
)

// lockAgent identifies this server in lock payloads.
const lockAgent = "mcp"

// suggestWindow is how far back suggest_improvements scans feedback.
const suggestWindow = 7 * 24 * time.Hour

// ExtractInput is the extract tool's argument shape.
type ExtractInput struct {
	Mode       string   `json:"mode" jsonschema:"full or incremental"`
	Extractors []string `json:"extractors,omitempty" jsonschema:"restrict the reconcile to units of these types, e.g. model, controller; incremental and dry_run only"`
	DryRun     bool     `json:"dry_run,omitempty" jsonschema:"report the drift without touching the index"`
}

// ExtractResult is the extract tool's result body.
type ExtractResult struct {
	Validation *pipeline.ValidationReport `json:"validation,omitempty"`
	Index      *index.Report              `json:"index,omitempty"`
}

// handleExtract re-reads the extraction tree written by the upstream
// extractor and reindexes it. Full mode respects the cooldown; dry_run only
// reports what an incremental run would touch.
func (s *Server) handleExtract(ctx context.Context, _ *mcp.CallToolRequest, in ExtractInput) (
	*mcp.CallToolResult, Response[*ExtractResult], error,
) {
	if in.Mode != "full" && in.Mode != "incremental" {
		return nil, fail[*ExtractResult](railerr.Newf(railerr.KindValidation,
			"mcp.extract", "mode must be full or incremental, got %q", in.Mode)), nil
	}
	if len(in.Extractors) > 0 && in.Mode == "full" && !in.DryRun {
		return nil, fail[*ExtractResult](railerr.New(railerr.KindValidation,
			"mcp.extract", "extractor scoping requires incremental mode or dry_run")), nil
	}

	if in.DryRun {
		if err := s.deps.Units.Reload(); err != nil {
			return nil, fail[*ExtractResult](err), nil
		}
		validation, err := s.deps.Validator.Validate(ctx)
		if err != nil {
			return nil, fail[*ExtractResult](err), nil
		}
		s.scopeValidation(validation, in.Extractors)
		return nil, succeed(&ExtractResult{Validation: validation}), nil
	}

	if in.Mode == "full" {
		if err := s.deps.Guard.CheckFull("extract"); err != nil {
			return nil, fail[*ExtractResult](err), nil
		}
	}
	if err := s.deps.Lock.Acquire(lockAgent, "extract:"+in.Mode); err != nil {
		return nil, fail[*ExtractResult](err), nil
	}
	defer func() { _ = s.deps.Lock.Release() }()

	if err := s.deps.Units.Reload(); err != nil {
		return nil, fail[*ExtractResult](err), nil
	}

	out := &ExtractResult{}
	if in.Mode == "full" {
		report, err := s.deps.Indexer.IndexAll(ctx)
		if err != nil {
			return nil, fail[*ExtractResult](err), nil
		}
		out.Index = report
		if err := s.deps.Guard.RecordFull("extract"); err != nil {
			return nil, fail[*ExtractResult](err), nil
		}
	} else {
		validation, err := s.deps.Validator.Validate(ctx)
		if err != nil {
			return nil, fail[*ExtractResult](err), nil
		}
		s.scopeValidation(validation, in.Extractors)
		out.Validation = validation
		ids := append(append([]string{}, validation.Missing...), validation.HashMismatch...)
		ids = append(ids, validation.Orphaned...)
		if len(ids) > 0 {
			report, err := s.deps.Indexer.IndexIncremental(ctx, ids)
			if err != nil {
				return nil, fail[*ExtractResult](err), nil
			}
			out.Index = report
		}
	}

	s.log.Info("extract complete", slog.String("mode", in.Mode))
	return nil, succeed(out), nil
}

// scopeValidation narrows a drift report to units of the named types. Orphaned
// and stale entries have no live unit to type-check and fall out of scope.
func (s *Server) scopeValidation(v *pipeline.ValidationReport, extractors []string) {
	if len(extractors) == 0 {
		return
	}
	inScope := map[string]bool{}
	for _, e := range extractors {
		inScope[e] = true
	}
	keep := func(ids []string) []string {
		out := ids[:0]
		for _, id := range ids {
			if inScope[string(s.deps.Units.TypeOf(id))] {
				out = append(out, id)
			}
		}
		return out
	}
	v.Missing = keep(v.Missing)
	v.HashMismatch = keep(v.HashMismatch)
	v.Orphaned = nil
	v.StaleVectors = nil
}

// EmbedInput is the embed tool's argument shape.
type EmbedInput struct {
	Mode        string   `json:"mode" jsonschema:"full or incremental"`
	Identifiers []string `json:"identifiers,omitempty" jsonschema:"units to re-embed in incremental mode; required for incremental"`
}

func (s *Server) handleEmbed(ctx context.Context, _ *mcp.CallToolRequest, in EmbedInput) (
	*mcp.CallToolResult, Response[*index.Report], error,
) {
	switch in.Mode {
	case "full":
		if err := s.deps.Guard.CheckFull("embed"); err != nil {
			return nil, fail[*index.Report](err), nil
		}
	case "incremental":
		if len(in.Identifiers) == 0 {
			return nil, fail[*index.Report](railerr.New(railerr.KindValidation,
				"mcp.embed", "incremental embed requires identifiers")), nil
		}
	default:
		return nil, fail[*index.Report](railerr.Newf(railerr.KindValidation,
			"mcp.embed", "mode must be full or incremental, got %q", in.Mode)), nil
	}

	if err := s.deps.Lock.Acquire(lockAgent, "embed:"+in.Mode); err != nil {
		return nil, fail[*index.Report](err), nil
	}
	defer func() { _ = s.deps.Lock.Release() }()

	var report *index.Report
	var err error
	if in.Mode == "full" {
		report, err = s.deps.Indexer.IndexAll(ctx)
		if err == nil {
			err = s.deps.Guard.RecordFull("embed")
		}
	} else {
		report, err = s.deps.Indexer.IndexIncremental(ctx, in.Identifiers)
	}
	if err != nil {
		return nil, fail[*index.Report](err), nil
	}

	s.log.Info("embed complete",
		slog.String("mode", in.Mode),
		slog.Int("chunks_embedded", report.ChunksEmbed))
	return nil, succeed(report), nil
}

// PipelineStatusInput is the pipeline_status tool's argument shape.
type PipelineStatusInput struct{}

func (s *Server) handlePipelineStatus(ctx context.Context, _ *mcp.CallToolRequest, _ PipelineStatusInput) (
	*mcp.CallToolResult, Response[*pipeline.StatusReport], error,
) {
	report, err := s.deps.Status.Report(ctx)
	if err != nil {
		return nil, fail[*pipeline.StatusReport](err), nil
	}
	return nil, succeed(report), nil
}

// DiagnoseInput is the diagnose tool's argument shape.
type DiagnoseInput struct {
	Checks []string `json:"checks,omitempty" jsonschema:"subset of drift, health, deep; defaults to drift and health"`
}

// DiagnoseResult is the diagnose tool's result body.
type DiagnoseResult struct {
	Validation *pipeline.ValidationReport `json:"validation,omitempty"`
	Probes     []pipeline.Probe           `json:"probes,omitempty"`
}

func (s *Server) handleDiagnose(ctx context.Context, _ *mcp.CallToolRequest, in DiagnoseInput) (
	*mcp.CallToolResult, Response[*DiagnoseResult], error,
) {
	checks := in.Checks
	if len(checks) == 0 {
		checks = []string{"drift", "health"}
	}
	var drift, health, deep bool
	for _, c := range checks {
		switch c {
		case "drift":
			drift = true
		case "health":
			health = true
		case "deep":
			health = true
			deep = true
		default:
			return nil, fail[*DiagnoseResult](railerr.Newf(railerr.KindValidation,
				"mcp.diagnose", "unknown check %q", c)), nil
		}
	}

	out := &DiagnoseResult{}
	if drift {
		validation, err := s.deps.Validator.Validate(ctx)
		if err != nil {
			return nil, fail[*DiagnoseResult](err), nil
		}
		out.Validation = validation
	}
	if health {
		out.Probes = s.deps.Health.Check(ctx, deep)
	}
	return nil, succeed(out), nil
}

// RepairInput is the repair tool's argument shape.
type RepairInput struct {
	Issue       string   `json:"issue" jsonschema:"stale_units, missing_embeddings, orphaned_vectors, or count_mismatch"`
	Identifiers []string `json:"identifiers,omitempty" jsonschema:"explicit repair scope; required for stale_units"`
}

func (s *Server) handleRepair(ctx context.Context, _ *mcp.CallToolRequest, in RepairInput) (
	*mcp.CallToolResult, Response[*pipeline.RepairReport], error,
) {
	report, err := s.deps.Repairer.Repair(ctx, in.Issue, in.Identifiers)
	if err != nil {
		return nil, fail[*pipeline.RepairReport](err), nil
	}
	return nil, succeed(report), nil
}

// RateRetrievalInput is the rate_retrieval tool's argument shape.
type RateRetrievalInput struct {
	Query   string   `json:"query" jsonschema:"the query being rated"`
	Rating  string   `json:"rating" jsonschema:"helpful, partial, unhelpful, or wrong"`
	Missing []string `json:"missing,omitempty" jsonschema:"identifiers that should have been returned"`
	Notes   string   `json:"notes,omitempty" jsonschema:"free-form notes"`
}

func (s *Server) handleRateRetrieval(ctx context.Context, _ *mcp.CallToolRequest, in RateRetrievalInput) (
	*mcp.CallToolResult, Response[*Ack], error,
) {
	if err := railerr.FromContext(ctx, "mcp.rate_retrieval"); err != nil {
		return nil, fail[*Ack](err), nil
	}
	if err := s.deps.Feedback.AddRating(in.Query, in.Rating, in.Missing, in.Notes); err != nil {
		return nil, fail[*Ack](err), nil
	}
	return nil, succeed(&Ack{Recorded: true}), nil
}

// ReportGapInput is the report_gap tool's argument shape.
type ReportGapInput struct {
	Description        string `json:"description" jsonschema:"what was missing or wrong"`
	Query              string `json:"query,omitempty" jsonschema:"the query that exposed the gap"`
	ExpectedType       string `json:"expected_type,omitempty" jsonschema:"unit type that should have matched"`
	ExpectedIdentifier string `json:"expected_identifier,omitempty" jsonschema:"identifier that should have matched"`
}

func (s *Server) handleReportGap(ctx context.Context, _ *mcp.CallToolRequest, in ReportGapInput) (
	*mcp.CallToolResult, Response[*Ack], error,
) {
	if err := railerr.FromContext(ctx, "mcp.report_gap"); err != nil {
		return nil, fail[*Ack](err), nil
	}
	if strings.TrimSpace(in.Description) == "" {
		return nil, fail[*Ack](railerr.New(railerr.KindValidation,
			"mcp.report_gap", "description is required")), nil
	}
	if err := s.deps.Feedback.ReportGap(in.Description, in.Query,
		in.ExpectedType, in.ExpectedIdentifier); err != nil {
		return nil, fail[*Ack](err), nil
	}
	return nil, succeed(&Ack{Recorded: true}), nil
}

// RetrievalExplainInput is the retrieval_explain tool's argument shape.
type RetrievalExplainInput struct {
	Query  string `json:"query" jsonschema:"the query to explain"`
	Budget int    `json:"budget,omitempty" jsonschema:"token budget, 0 uses the configured default"`
}

// handleRetrievalExplain runs a traced retrieval and records the diagnostic
// so the gap detector can see zero-result and low-score queries.
func (s *Server) handleRetrievalExplain(ctx context.Context, _ *mcp.CallToolRequest, in RetrievalExplainInput) (
	*mcp.CallToolResult, Response[*retrieve.RetrievalResult], error,
) {
	res, err := s.deps.Retriever.Retrieve(ctx, in.Query, retrieve.Options{
		Budget:       in.Budget,
		IncludeTrace: true,
	})
	if err != nil {
		return nil, fail[*retrieve.RetrievalResult](err), nil
	}

	var topScore float64
	var truncated []string
	for _, a := range res.Bundle.Attributions {
		if a.Score > topScore {
			topScore = a.Score
		}
		if a.Truncated {
			truncated = append(truncated, a.Identifier)
		}
	}
	if err := s.deps.Feedback.RecordExplain(in.Query,
		len(res.Bundle.Attributions), topScore, truncated, res.Trace); err != nil {
		s.log.Warn("explain log failed", slog.String("error", err.Error()))
	}
	return nil, succeed(res), nil
}

// SuggestImprovementsInput is the suggest_improvements tool's argument shape.
type SuggestImprovementsInput struct{}

// SuggestionsResult is the suggest_improvements tool's result body.
type SuggestionsResult struct {
	WindowDays int               `json:"window_days"`
	Entries    int               `json:"entries"`
	Signals    []feedback.Signal `json:"signals"`
}

func (s *Server) handleSuggestImprovements(ctx context.Context, _ *mcp.CallToolRequest, _ SuggestImprovementsInput) (
	*mcp.CallToolResult, Response[*SuggestionsResult], error,
) {
	if err := railerr.FromContext(ctx, "mcp.suggest_improvements"); err != nil {
		return nil, fail[*SuggestionsResult](err), nil
	}
	entries, err := s.deps.Feedback.Window(time.Now().Add(-suggestWindow))
	if err != nil {
		return nil, fail[*SuggestionsResult](err), nil
	}
	return nil, succeed(&SuggestionsResult{
		WindowDays: int(suggestWindow.Hours() / 24),
		Entries:    len(entries),
		Signals:    s.gaps.Detect(entries),
	}), nil
}
