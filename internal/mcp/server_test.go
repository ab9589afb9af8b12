package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/railscope/railscope/internal/assemble"
	"github.com/railscope/railscope/internal/embed"
	"github.com/railscope/railscope/internal/feedback"
	"github.com/railscope/railscope/internal/index"
	"github.com/railscope/railscope/internal/pipeline"
	"github.com/railscope/railscope/internal/resilience"
	"github.com/railscope/railscope/internal/retrieve"
	"github.com/railscope/railscope/internal/search"
	"github.com/railscope/railscope/internal/store"
	"github.com/railscope/railscope/internal/unit"
)

type fixtureUnit struct {
	id     string
	typ    unit.Type
	dir    string
	source string
	deps   []unit.Dependency
}

var checkoutFixture = []fixtureUnit{
	{
		id: "CheckoutService", typ: unit.TypeService, dir: "services",
		source: "class CheckoutService\n  def call\n    checkout payment order total\n  end\nend\n",
		deps:   []unit.Dependency{{Target: "Order", Kind: "uses"}, {Target: "PaymentGateway", Kind: "uses"}},
	},
	{
		id: "Order", typ: unit.TypeModel, dir: "models",
		source: "class Order\n  order total line_items checkout\nend\n",
	},
	{
		id: "PaymentGateway", typ: unit.TypeService, dir: "services",
		source: "class PaymentGateway\n  charge refund payment\nend\n",
	},
}

type harness struct {
	server *Server
	units  *unit.Store
	lock   *pipeline.Lock
	guard  *pipeline.Guard
	root   string
}

func writeFixtureTree(t *testing.T, root string, fixtures []fixtureUnit) {
	t.Helper()
	counts := map[string]int{}
	byDir := map[string][]fixtureUnit{}
	for _, f := range fixtures {
		counts[f.dir]++
		byDir[f.dir] = append(byDir[f.dir], f)
	}
	manifest := map[string]any{
		"schema_version": 1,
		"extracted_at":   "2026-08-20T00:00:00Z",
		"counts":         counts,
		"git_sha":        "deadbeefcafe",
	}
	data, err := json.Marshal(manifest)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(root, "manifest.json"), data, 0o644))

	for dir, fs := range byDir {
		require.NoError(t, os.MkdirAll(filepath.Join(root, dir), 0o755))
		var entries []unit.IndexEntry
		for _, f := range fs {
			u := unit.ExtractedUnit{
				Identifier:   f.id,
				Type:         f.typ,
				FilePath:     fmt.Sprintf("app/%s/%s.rb", dir, f.id),
				SourceCode:   f.source,
				SourceHash:   unit.HashContent(f.source),
				Dependencies: f.deps,
				Metadata:     map[string]any{},
			}
			body, err := json.Marshal(u)
			require.NoError(t, err)
			require.NoError(t, os.WriteFile(
				filepath.Join(root, dir, unit.FileNameFor(f.id)), body, 0o644))
			entries = append(entries, unit.IndexEntry{Identifier: f.id})
		}
		idxData, err := json.Marshal(entries)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(root, dir, "_index.json"), idxData, 0o644))
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	root := t.TempDir()
	writeFixtureTree(t, root, checkoutFixture)

	units, err := unit.NewStore(root)
	require.NoError(t, err)

	provider := embed.NewStaticProvider()
	vectors, err := store.NewHNSWVectorStore(store.HNSWConfig{Dimensions: embed.StaticDimensions})
	require.NoError(t, err)
	metadata, err := store.NewSQLiteMetadataStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = metadata.Close() })
	graphs, err := store.NewSQLiteGraphStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = graphs.Close() })

	breakers := resilience.NewRegistry(5, time.Second)
	checkpointPath := filepath.Join(root, ".railscope", "checkpoint.json")
	indexer := index.New(units, provider, vectors, metadata, graphs, breakers, index.Options{
		CheckpointPath: checkpointPath,
		BatchSize:      4,
	})
	_, err = indexer.IndexAll(ctx)
	require.NoError(t, err)

	executor := search.NewExecutor(provider, vectors, metadata, graphs, units, breakers, search.ExecutorOptions{})
	ranker := search.NewRanker(metadata, search.Weights{}, 60)
	assembler := assemble.New(units, 8000, "markdown")
	retriever := retrieve.New(search.NewClassifier(), executor, ranker, assembler,
		units, graphs, 30*time.Second)

	lock := pipeline.NewLock(filepath.Join(root, ".pipeline.lock"), 0, 0)
	guard := pipeline.NewGuard(filepath.Join(root, ".pipeline_guard.json"), 300*time.Second)
	validator := pipeline.NewValidator(units, vectors, checkpointPath)

	deps := Deps{
		Retriever: retriever,
		Units:     units,
		Metadata:  metadata,
		Graphs:    graphs,
		Indexer:   indexer,
		Lock:      lock,
		Guard:     guard,
		Status:    pipeline.NewStatus(units, indexer, lock, guard, breakers),
		Validator: validator,
		Repairer:  pipeline.NewRepairer(indexer, vectors, units, validator, lock),
		Health:    pipeline.NewHealth(units, provider, vectors, metadata, graphs),
		Feedback:  feedback.NewStore(filepath.Join(root, "feedback")),
	}
	server, err := NewServer(deps)
	require.NoError(t, err)

	return &harness{server: server, units: units, lock: lock, guard: guard, root: root}
}

func TestNewServer(t *testing.T) {
	t.Run("missing dependencies are rejected", func(t *testing.T) {
		_, err := NewServer(Deps{})
		assert.Error(t, err)
	})

	t.Run("complete deps register tools", func(t *testing.T) {
		h := newHarness(t)
		assert.NotNil(t, h.server.MCPServer())
	})
}

func TestRetrieveTool(t *testing.T) {
	ctx := context.Background()

	t.Run("answers with an assembled bundle inside the envelope", func(t *testing.T) {
		h := newHarness(t)
		_, resp, err := h.server.handleRetrieve(ctx, nil, RetrieveInput{
			Query:  "How does checkout work?",
			Budget: 6000,
			Trace:  true,
		})
		require.NoError(t, err)
		require.True(t, resp.OK, resp.Error)
		require.NotNil(t, resp.Result.Bundle)
		assert.NotEmpty(t, resp.Result.Bundle.Attributions)
		assert.NotNil(t, resp.Result.Trace)
	})

	t.Run("empty query fails with validation in the envelope", func(t *testing.T) {
		h := newHarness(t)
		_, resp, err := h.server.handleRetrieve(ctx, nil, RetrieveInput{Query: "  "})
		require.NoError(t, err)
		assert.False(t, resp.OK)
		assert.Equal(t, "validation", resp.ErrorType)
	})

	t.Run("bad filter key is rejected before search", func(t *testing.T) {
		h := newHarness(t)
		_, resp, err := h.server.handleRetrieve(ctx, nil, RetrieveInput{
			Query:   "checkout",
			Filters: map[string]any{"file_path": "app/models"},
		})
		require.NoError(t, err)
		assert.False(t, resp.OK)
		assert.Equal(t, "validation", resp.ErrorType)
	})

	t.Run("set-valued filters decoded from JSON are normalized", func(t *testing.T) {
		h := newHarness(t)
		_, resp, err := h.server.handleRetrieve(ctx, nil, RetrieveInput{
			Query:   "checkout payment",
			Filters: map[string]any{"type": []any{"service", "model"}},
		})
		require.NoError(t, err)
		assert.True(t, resp.OK, resp.Error)
	})
}

func TestLookupTool(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, resp, err := h.server.handleLookup(ctx, nil, LookupInput{Identifier: "Order"})
	require.NoError(t, err)
	require.True(t, resp.OK, resp.Error)
	require.Len(t, resp.Result.Bundle.Attributions, 1)
	assert.Equal(t, "Order", resp.Result.Bundle.Attributions[0].Identifier)

	_, resp, err = h.server.handleLookup(ctx, nil, LookupInput{Identifier: "Ghost"})
	require.NoError(t, err)
	assert.False(t, resp.OK)
	assert.Equal(t, "not_found", resp.ErrorType)

	_, resp, err = h.server.handleLookup(ctx, nil, LookupInput{})
	require.NoError(t, err)
	assert.Equal(t, "validation", resp.ErrorType)
}

func TestTraversalTools(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, resp, err := h.server.handleDependencies(ctx, nil, TraversalInput{
		Identifier: "CheckoutService", Depth: 1,
	})
	require.NoError(t, err)
	require.True(t, resp.OK, resp.Error)
	var ids []string
	for _, a := range resp.Result.Bundle.Attributions {
		ids = append(ids, a.Identifier)
	}
	assert.Equal(t, []string{"Order", "PaymentGateway"}, ids)

	_, resp, err = h.server.handleDependents(ctx, nil, TraversalInput{Identifier: "Order"})
	require.NoError(t, err)
	require.True(t, resp.OK, resp.Error)
	require.Len(t, resp.Result.Bundle.Attributions, 1)
	assert.Equal(t, "CheckoutService", resp.Result.Bundle.Attributions[0].Identifier)
}

func TestSearchTool(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, resp, err := h.server.handleSearch(ctx, nil, SearchInput{Keywords: []string{"Order"}})
	require.NoError(t, err)
	require.True(t, resp.OK, resp.Error)
	require.NotEmpty(t, resp.Result.Matches)
	assert.Equal(t, "Order", resp.Result.Matches[0].Identifier)

	_, resp, err = h.server.handleSearch(ctx, nil, SearchInput{})
	require.NoError(t, err)
	assert.Equal(t, "validation", resp.ErrorType)
}

func TestStructureTool(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, resp, err := h.server.handleStructure(ctx, nil, StructureInput{})
	require.NoError(t, err)
	require.True(t, resp.OK, resp.Error)
	assert.Contains(t, resp.Result.Outline, "service: 2")

	_, resp, err = h.server.handleStructure(ctx, nil, StructureInput{Detail: "everything"})
	require.NoError(t, err)
	assert.Equal(t, "validation", resp.ErrorType)
}

func TestGraphTools(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, resp, err := h.server.handleGraphAnalysis(ctx, nil, GraphAnalysisInput{Analysis: "hubs"})
	require.NoError(t, err)
	require.True(t, resp.OK, resp.Error)
	require.NotEmpty(t, resp.Result.Hubs)
	var hubIDs []string
	for _, hub := range resp.Result.Hubs {
		hubIDs = append(hubIDs, hub.ID)
	}
	assert.Contains(t, hubIDs, "Order")

	_, resp, err = h.server.handleGraphAnalysis(ctx, nil, GraphAnalysisInput{Analysis: "centrality"})
	require.NoError(t, err)
	assert.Equal(t, "validation", resp.ErrorType)

	_, prResp, err := h.server.handlePageRank(ctx, nil, PageRankInput{Limit: 2})
	require.NoError(t, err)
	require.True(t, prResp.OK, prResp.Error)
	assert.Len(t, prResp.Result.Nodes, 2)
}

func TestGraphAnalysisBridges(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	// The checkout fixture is a chain with two leaves; both edges from the
	// service are bridges of the undirected skeleton.
	_, resp, err := h.server.handleGraphAnalysis(ctx, nil, GraphAnalysisInput{Analysis: "bridges"})
	require.NoError(t, err)
	require.True(t, resp.OK, resp.Error)
	assert.Len(t, resp.Result.Bridges, 2)
}

func TestExtractTool(t *testing.T) {
	ctx := context.Background()

	t.Run("dry run reports drift without indexing", func(t *testing.T) {
		h := newHarness(t)
		// Edit one unit on disk behind the index's back.
		changed := "class Order\n  order total refunds\nend\n"
		u := unit.ExtractedUnit{
			Identifier: "Order", Type: unit.TypeModel,
			FilePath:   "app/models/Order.rb",
			SourceCode: changed, SourceHash: unit.HashContent(changed),
			Metadata: map[string]any{},
		}
		body, err := json.Marshal(u)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(
			filepath.Join(h.root, "models", unit.FileNameFor("Order")), body, 0o644))

		_, resp, err := h.server.handleExtract(ctx, nil, ExtractInput{Mode: "incremental", DryRun: true})
		require.NoError(t, err)
		require.True(t, resp.OK, resp.Error)
		require.NotNil(t, resp.Result.Validation)
		assert.Contains(t, resp.Result.Validation.HashMismatch, "Order")
		assert.Nil(t, resp.Result.Index)

		// An extractor scope that excludes models hides the drift.
		_, resp, err = h.server.handleExtract(ctx, nil, ExtractInput{
			Mode: "incremental", DryRun: true, Extractors: []string{"service"},
		})
		require.NoError(t, err)
		require.True(t, resp.OK, resp.Error)
		assert.NotContains(t, resp.Result.Validation.HashMismatch, "Order")
	})

	t.Run("extractor scoping on a full run is rejected", func(t *testing.T) {
		h := newHarness(t)
		_, resp, err := h.server.handleExtract(ctx, nil, ExtractInput{
			Mode: "full", Extractors: []string{"model"},
		})
		require.NoError(t, err)
		assert.Equal(t, "validation", resp.ErrorType)
	})

	t.Run("incremental reindexes only the drift", func(t *testing.T) {
		h := newHarness(t)
		changed := "class Order\n  order total refunds\nend\n"
		u := unit.ExtractedUnit{
			Identifier: "Order", Type: unit.TypeModel,
			FilePath:   "app/models/Order.rb",
			SourceCode: changed, SourceHash: unit.HashContent(changed),
			Metadata: map[string]any{},
		}
		body, err := json.Marshal(u)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(
			filepath.Join(h.root, "models", unit.FileNameFor("Order")), body, 0o644))

		_, resp, err := h.server.handleExtract(ctx, nil, ExtractInput{Mode: "incremental"})
		require.NoError(t, err)
		require.True(t, resp.OK, resp.Error)
		require.NotNil(t, resp.Result.Index)
		assert.Equal(t, 1, resp.Result.Index.UnitsSeen)
	})

	t.Run("second full run hits the cooldown", func(t *testing.T) {
		h := newHarness(t)
		_, resp, err := h.server.handleExtract(ctx, nil, ExtractInput{Mode: "full"})
		require.NoError(t, err)
		require.True(t, resp.OK, resp.Error)

		_, resp, err = h.server.handleExtract(ctx, nil, ExtractInput{Mode: "full"})
		require.NoError(t, err)
		assert.False(t, resp.OK)
		assert.Equal(t, "cooldown", resp.ErrorType)
	})

	t.Run("held lock surfaces as lock_contention", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.lock.Acquire("operator", "embed:full"))
		defer func() { _ = h.lock.Release() }()

		_, resp, err := h.server.handleExtract(ctx, nil, ExtractInput{Mode: "incremental"})
		require.NoError(t, err)
		assert.Equal(t, "lock_contention", resp.ErrorType)
	})

	t.Run("unknown mode is a validation error", func(t *testing.T) {
		h := newHarness(t)
		_, resp, err := h.server.handleExtract(ctx, nil, ExtractInput{Mode: "turbo"})
		require.NoError(t, err)
		assert.Equal(t, "validation", resp.ErrorType)
	})
}

func TestEmbedTool(t *testing.T) {
	ctx := context.Background()

	t.Run("incremental without identifiers is rejected", func(t *testing.T) {
		h := newHarness(t)
		_, resp, err := h.server.handleEmbed(ctx, nil, EmbedInput{Mode: "incremental"})
		require.NoError(t, err)
		assert.Equal(t, "validation", resp.ErrorType)
	})

	t.Run("incremental embed of an unchanged unit skips its chunks", func(t *testing.T) {
		h := newHarness(t)
		_, resp, err := h.server.handleEmbed(ctx, nil, EmbedInput{
			Mode: "incremental", Identifiers: []string{"Order"},
		})
		require.NoError(t, err)
		require.True(t, resp.OK, resp.Error)
		assert.Zero(t, resp.Result.ChunksEmbed)
		assert.Positive(t, resp.Result.ChunksSkipped)
	})

	t.Run("full embed respects the cooldown", func(t *testing.T) {
		h := newHarness(t)
		_, resp, err := h.server.handleEmbed(ctx, nil, EmbedInput{Mode: "full"})
		require.NoError(t, err)
		require.True(t, resp.OK, resp.Error)

		_, resp, err = h.server.handleEmbed(ctx, nil, EmbedInput{Mode: "full"})
		require.NoError(t, err)
		assert.Equal(t, "cooldown", resp.ErrorType)
	})
}

func TestPipelineStatusTool(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, resp, err := h.server.handlePipelineStatus(ctx, nil, PipelineStatusInput{})
	require.NoError(t, err)
	require.True(t, resp.OK, resp.Error)
	assert.Equal(t, 3, resp.Result.TotalUnits)
	assert.Equal(t, 3, resp.Result.IndexedUnits)
	assert.Nil(t, resp.Result.Lock)
}

func TestDiagnoseTool(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, resp, err := h.server.handleDiagnose(ctx, nil, DiagnoseInput{})
	require.NoError(t, err)
	require.True(t, resp.OK, resp.Error)
	require.NotNil(t, resp.Result.Validation)
	assert.True(t, resp.Result.Validation.Clean())
	assert.Len(t, resp.Result.Probes, 4)

	_, resp, err = h.server.handleDiagnose(ctx, nil, DiagnoseInput{Checks: []string{"deep"}})
	require.NoError(t, err)
	require.True(t, resp.OK, resp.Error)
	assert.Nil(t, resp.Result.Validation)
	require.Len(t, resp.Result.Probes, 5)
	assert.Equal(t, "embedder", resp.Result.Probes[4].Component)

	_, resp, err = h.server.handleDiagnose(ctx, nil, DiagnoseInput{Checks: []string{"vibes"}})
	require.NoError(t, err)
	assert.Equal(t, "validation", resp.ErrorType)
}

func TestRepairTool(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, resp, err := h.server.handleRepair(ctx, nil, RepairInput{Issue: "missing_embeddings"})
	require.NoError(t, err)
	require.True(t, resp.OK, resp.Error)
	assert.Empty(t, resp.Result.Affected)

	_, resp, err = h.server.handleRepair(ctx, nil, RepairInput{Issue: "everything"})
	require.NoError(t, err)
	assert.Equal(t, "validation", resp.ErrorType)
}

func TestFeedbackTools(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, rate, err := h.server.handleRateRetrieval(ctx, nil, RateRetrievalInput{
		Query: "how does checkout work", Rating: "partial",
		Missing: []string{"DiscountService"},
	})
	require.NoError(t, err)
	require.True(t, rate.OK, rate.Error)
	assert.True(t, rate.Result.Recorded)

	_, rate, err = h.server.handleRateRetrieval(ctx, nil, RateRetrievalInput{
		Query: "x", Rating: "meh",
	})
	require.NoError(t, err)
	assert.Equal(t, "validation", rate.ErrorType)

	_, gap, err := h.server.handleReportGap(ctx, nil, ReportGapInput{
		Description: "webhook handling units are not extracted",
		Query:       "stripe webhooks",
	})
	require.NoError(t, err)
	require.True(t, gap.OK, gap.Error)

	_, gap, err = h.server.handleReportGap(ctx, nil, ReportGapInput{})
	require.NoError(t, err)
	assert.Equal(t, "validation", gap.ErrorType)
}

func TestRetrievalExplainTool(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, resp, err := h.server.handleRetrievalExplain(ctx, nil, RetrievalExplainInput{
		Query: "charge refund payment",
	})
	require.NoError(t, err)
	require.True(t, resp.OK, resp.Error)
	require.NotNil(t, resp.Result.Trace)

	// The explain log feeds the gap detector through suggest_improvements.
	_, sugg, err := h.server.handleSuggestImprovements(ctx, nil, SuggestImprovementsInput{})
	require.NoError(t, err)
	require.True(t, sugg.OK, sugg.Error)
	assert.Equal(t, 1, sugg.Result.Entries)
}

func TestSuggestImprovementsSignals(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	for range 3 {
		_, resp, err := h.server.handleReportGap(ctx, nil, ReportGapInput{
			Description:        "missing unit",
			ExpectedIdentifier: "WebhookHandler",
		})
		require.NoError(t, err)
		require.True(t, resp.OK, resp.Error)
	}

	_, sugg, err := h.server.handleSuggestImprovements(ctx, nil, SuggestImprovementsInput{})
	require.NoError(t, err)
	require.True(t, sugg.OK, sugg.Error)
	require.NotEmpty(t, sugg.Result.Signals)
	top := sugg.Result.Signals[0]
	assert.Equal(t, "high", top.Priority)
	assert.Equal(t, "WebhookHandler", top.Subject)
}

func TestEnvelopeShape(t *testing.T) {
	data, err := json.Marshal(succeed(&Ack{Recorded: true}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true,"result":{"recorded":true}}`, string(data))

	failData, err := json.Marshal(fail[*Ack](assert.AnError))
	require.NoError(t, err)
	assert.Contains(t, string(failData), `"ok":false`)
	assert.Contains(t, string(failData), `"error_type":"internal"`)
}
