package cmd

import (
	"context"
	"path/filepath"

	"github.com/railscope/railscope/internal/assemble"
	"github.com/railscope/railscope/internal/config"
	"github.com/railscope/railscope/internal/embed"
	railerr "github.com/railscope/railscope/internal/errors"
	"github.com/railscope/railscope/internal/feedback"
	"github.com/railscope/railscope/internal/index"
	"github.com/railscope/railscope/internal/logging"
	"github.com/railscope/railscope/internal/pipeline"
	"github.com/railscope/railscope/internal/resilience"
	"github.com/railscope/railscope/internal/retrieve"
	"github.com/railscope/railscope/internal/search"
	"github.com/railscope/railscope/internal/store"
	"github.com/railscope/railscope/internal/unit"
)

// app is the wired engine shared by the subcommands. Every command builds
// one, uses it, and closes it; nothing is global.
type app struct {
	cfg config.Config

	units    *unit.Store
	provider embed.Provider
	vectors  *store.HNSWVectorStore
	metadata *store.SQLiteMetadataStore
	graphs   *store.SQLiteGraphStore
	breakers *resilience.Registry

	indexer   *index.Indexer
	retriever *retrieve.Retriever

	lock      *pipeline.Lock
	guard     *pipeline.Guard
	status    *pipeline.Status
	validator *pipeline.Validator
	repairer  *pipeline.Repairer
	health    *pipeline.Health

	feedback *feedback.Store

	vectorsPath string
}

// newApp loads configuration and opens every backend. The vector store is
// loaded from disk when a previous run saved it.
func newApp(ctx context.Context, cfgPath string) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, railerr.Wrap(railerr.KindValidation, "cli.config", err)
	}

	level := cfg.Server.LogLevel
	if logLevelFlag != "" {
		level = logLevelFlag
	}
	logging.Setup(logging.Config{Level: level})

	units, err := unit.NewStore(cfg.OutputDir)
	if err != nil {
		return nil, err
	}

	provider := embed.NewFromConfig(cfg.Embedding)
	dims := cfg.Embedding.Dimensions
	if dims <= 0 {
		dims = provider.Dimensions()
	}
	if dims <= 0 {
		vec, probeErr := provider.Embed(ctx, "dimension probe")
		if probeErr != nil {
			_ = provider.Close()
			return nil, railerr.Wrap(railerr.KindDegraded, "cli.embed", probeErr)
		}
		dims = len(vec)
	}

	vectors, err := store.NewHNSWVectorStore(store.HNSWConfig{Dimensions: dims})
	if err != nil {
		_ = provider.Close()
		return nil, err
	}
	vectorsPath := filepath.Join(cfg.IndexDir(), "vectors.hnsw")
	if err := vectors.Load(vectorsPath); err != nil {
		_ = provider.Close()
		return nil, err
	}

	metadata, err := store.NewSQLiteMetadataStore(filepath.Join(cfg.IndexDir(), "metadata.db"))
	if err != nil {
		_ = provider.Close()
		return nil, err
	}
	graphs, err := store.NewSQLiteGraphStore(filepath.Join(cfg.IndexDir(), "graph.db"))
	if err != nil {
		_ = metadata.Close()
		_ = provider.Close()
		return nil, err
	}

	breakers := resilience.NewRegistry(cfg.Pipeline.BreakerThreshold, cfg.Pipeline.BreakerReset)
	checkpointPath := filepath.Join(cfg.IndexDir(), "checkpoint.json")

	indexer := index.New(units, provider, vectors, metadata, graphs, breakers, index.Options{
		CheckpointPath: checkpointPath,
		BatchSize:      cfg.Embedding.BatchSize,
		MaxInFlight:    cfg.Embedding.MaxInFlight,
		CharCeiling:    cfg.Embedding.CharCeiling,
	})

	executor := search.NewExecutor(provider, vectors, metadata, graphs, units, breakers,
		search.ExecutorOptions{
			CandidateLimit: cfg.Search.CandidateLimit,
			ExpansionTopK:  cfg.Search.GraphExpansionTopK,
		})
	ranker := search.NewRanker(metadata, search.Weights{
		RRF:        cfg.Search.WeightRRF,
		Keyword:    cfg.Search.WeightKeyword,
		Recency:    cfg.Search.WeightRecency,
		Importance: cfg.Search.WeightImportance,
		TypeMatch:  cfg.Search.WeightTypeMatch,
		Diversity:  cfg.Search.WeightDiversity,
	}, cfg.Search.RRFConstant)
	assembler := assemble.New(units, cfg.Assembly.TokenBudget, cfg.Assembly.Format)
	retriever := retrieve.New(search.NewClassifier(), executor, ranker, assembler,
		units, graphs, cfg.Server.Deadline)

	lock := pipeline.NewLock(cfg.LockPath(),
		cfg.Pipeline.HeartbeatInterval, cfg.Pipeline.LockStaleAfter)
	guard := pipeline.NewGuard(cfg.GuardPath(), cfg.Pipeline.Cooldown)
	validator := pipeline.NewValidator(units, vectors, checkpointPath)

	return &app{
		cfg:         cfg,
		units:       units,
		provider:    provider,
		vectors:     vectors,
		metadata:    metadata,
		graphs:      graphs,
		breakers:    breakers,
		indexer:     indexer,
		retriever:   retriever,
		lock:        lock,
		guard:       guard,
		status:      pipeline.NewStatus(units, indexer, lock, guard, breakers),
		validator:   validator,
		repairer:    pipeline.NewRepairer(indexer, vectors, units, validator, lock),
		health:      pipeline.NewHealth(units, provider, vectors, metadata, graphs),
		feedback:    feedback.NewStore(cfg.FeedbackDir()),
		vectorsPath: vectorsPath,
	}, nil
}

// Close persists the vector store and releases every backend.
func (a *app) Close() error {
	var first error
	if err := a.vectors.Save(a.vectorsPath); err != nil && first == nil {
		first = err
	}
	for _, c := range []interface{ Close() error }{a.graphs, a.metadata, a.vectors, a.provider} {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
