package index

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/railscope/railscope/internal/chunker"
	"github.com/railscope/railscope/internal/embed"
	railerr "github.com/railscope/railscope/internal/errors"
	"github.com/railscope/railscope/internal/graph"
	"github.com/railscope/railscope/internal/resilience"
	"github.com/railscope/railscope/internal/store"
	"github.com/railscope/railscope/internal/unit"
)

// Report summarizes an indexing run.
type Report struct {
	UnitsSeen     int           `json:"units_seen"`
	UnitsIndexed  int           `json:"units_indexed"`
	UnitsDeleted  int           `json:"units_deleted"`
	ChunksEmbed   int           `json:"chunks_embedded"`
	ChunksSkipped int           `json:"chunks_skipped"`
	Failures      []string      `json:"failures,omitempty"`
	Duration      time.Duration `json:"duration"`
}

// Indexer coordinates embedding materialization: it reads units, chunks and
// prepares them, embeds what changed, and upserts vectors, metadata, and graph
// edges. Per chunk the vector upsert happens before the checkpoint records the
// hash, so a recorded chunk always has a vector.
type Indexer struct {
	units    *unit.Store
	chunker  *chunker.Chunker
	preparer *chunker.Preparer
	provider embed.Provider
	vectors  store.VectorStore
	metadata store.MetadataStore
	graphs   store.GraphStore
	breakers *resilience.Registry

	checkpointPath string
	batchSize      int
	maxInFlight    int

	mu         sync.Mutex // guards checkpoint
	checkpoint *Checkpoint

	queueDepth atomic.Int64
}

// Options configures an Indexer.
type Options struct {
	CheckpointPath string
	BatchSize      int
	MaxInFlight    int
	CharCeiling    int
}

// New creates an Indexer over the given stores and provider.
func New(units *unit.Store, provider embed.Provider, vectors store.VectorStore,
	metadata store.MetadataStore, graphs store.GraphStore,
	breakers *resilience.Registry, opts Options) *Indexer {

	if opts.BatchSize <= 0 {
		opts.BatchSize = embed.DefaultBatchSize
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = 2
	}
	return &Indexer{
		units:          units,
		chunker:        chunker.New(opts.CharCeiling),
		preparer:       chunker.NewPreparer(opts.CharCeiling),
		provider:       provider,
		vectors:        vectors,
		metadata:       metadata,
		graphs:         graphs,
		breakers:       breakers,
		checkpointPath: opts.CheckpointPath,
		batchSize:      opts.BatchSize,
		maxInFlight:    opts.MaxInFlight,
	}
}

// QueueDepth reports how many embedding batches are queued or in flight.
func (ix *Indexer) QueueDepth() int {
	return int(ix.queueDepth.Load())
}

// IndexAll builds the full index: every unit in the extraction tree, with
// hash-gated re-embedding, plus cleanup of units that disappeared since the
// last checkpoint.
func (ix *Indexer) IndexAll(ctx context.Context) (*Report, error) {
	start := time.Now()
	if err := ix.loadCheckpoint(); err != nil {
		return nil, err
	}

	report := &Report{}
	ids := ix.units.AllIDs()
	report.UnitsSeen = len(ids)

	for _, id := range ids {
		if err := railerr.FromContext(ctx, "index.all"); err != nil {
			ix.saveCheckpoint()
			return report, err
		}
		if err := ix.indexUnit(ctx, id, report); err != nil {
			if railerr.IsKind(err, railerr.KindCircuitOpen) {
				ix.saveCheckpoint()
				return report, railerr.Wrap(railerr.KindDegraded, "index.all", err)
			}
			report.Failures = append(report.Failures, id+": "+err.Error())
			slog.Warn("unit indexing failed",
				slog.String("unit", id),
				slog.String("error", err.Error()))
		}
	}

	deleted, err := ix.cleanupDeleted(ctx, ids)
	if err != nil {
		report.Failures = append(report.Failures, "cleanup: "+err.Error())
	}
	report.UnitsDeleted = deleted

	ix.saveCheckpoint()
	report.Duration = time.Since(start)
	slog.Info("index run complete",
		slog.Int("units_seen", report.UnitsSeen),
		slog.Int("units_indexed", report.UnitsIndexed),
		slog.Int("chunks_embedded", report.ChunksEmbed),
		slog.Int("chunks_skipped", report.ChunksSkipped),
		slog.Int("units_deleted", report.UnitsDeleted),
		slog.Duration("duration", report.Duration))
	return report, nil
}

// IndexIncremental recomputes the index for the listed ids only. Ids no
// longer present in the extraction are cleaned up.
func (ix *Indexer) IndexIncremental(ctx context.Context, ids []string) (*Report, error) {
	start := time.Now()
	if err := ix.loadCheckpoint(); err != nil {
		return nil, err
	}

	report := &Report{UnitsSeen: len(ids)}
	for _, id := range ids {
		if err := railerr.FromContext(ctx, "index.incremental"); err != nil {
			ix.saveCheckpoint()
			return report, err
		}
		if ix.units.TypeOf(id) == unit.TypeUnknown {
			if err := ix.deleteUnit(ctx, id); err != nil {
				report.Failures = append(report.Failures, id+": "+err.Error())
				continue
			}
			report.UnitsDeleted++
			continue
		}
		if err := ix.indexUnit(ctx, id, report); err != nil {
			report.Failures = append(report.Failures, id+": "+err.Error())
		}
	}

	ix.saveCheckpoint()
	report.Duration = time.Since(start)
	return report, nil
}

// indexUnit embeds a single unit's changed chunks and refreshes its metadata
// and graph registration.
func (ix *Indexer) indexUnit(ctx context.Context, id string, report *Report) error {
	u, err := ix.units.Get(ctx, id)
	if err != nil {
		return err
	}

	chunks := u.Chunks
	if len(chunks) == 0 {
		chunks = ix.chunker.Chunk(u)
	}
	importance := ComputeImportance(u)

	// Partition chunks into changed and unchanged against the checkpoint.
	type pending struct {
		chunk unit.Chunk
		text  string
	}
	var work []pending
	ix.mu.Lock()
	for _, c := range chunks {
		if stored, ok := ix.checkpoint.Chunks[c.ID]; ok && stored == c.ContentHash {
			report.ChunksSkipped++
			continue
		}
		work = append(work, pending{chunk: c, text: ix.preparer.Prepare(u, c)})
	}
	ix.mu.Unlock()

	if len(work) > 0 {
		var batches [][]pending
		for len(work) > 0 {
			n := ix.batchSize
			if n > len(work) {
				n = len(work)
			}
			batches = append(batches, work[:n])
			work = work[n:]
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(ix.maxInFlight)
		var embedded atomic.Int64
		for _, batch := range batches {
			batch := batch
			ix.queueDepth.Add(1)
			g.Go(func() error {
				defer ix.queueDepth.Add(-1)
				texts := make([]string, len(batch))
				for i, p := range batch {
					texts[i] = p.text
				}

				var vectors [][]float32
				err := ix.breakers.For(resilience.ComponentEmbedder).Call(func() error {
					var embedErr error
					vectors, embedErr = ix.provider.EmbedBatch(gctx, texts)
					return embedErr
				})
				if err != nil {
					return err
				}
				if len(vectors) != len(batch) {
					return railerr.Newf(railerr.KindInternal, "index.embed",
						"provider returned %d vectors for %d texts", len(vectors), len(batch))
				}

				ids := make([]string, len(batch))
				metas := make([]store.VectorMetadata, len(batch))
				for i, p := range batch {
					ids[i] = p.chunk.ID
					metas[i] = store.VectorMetadata{
						Type:            string(u.Type),
						Namespace:       u.Namespace,
						FilePath:        u.FilePath,
						ChangeFrequency: string(u.ChangeFrequency()),
						Importance:      importance,
						Parent:          u.Identifier,
						ChunkKind:       string(p.chunk.Kind),
					}
				}
				err = ix.breakers.For(resilience.ComponentVectorStore).Call(func() error {
					return ix.vectors.UpsertBatch(gctx, ids, vectors, metas)
				})
				if err != nil {
					return err
				}

				// Vectors are durable; now the checkpoint may record them.
				ix.mu.Lock()
				for _, p := range batch {
					ix.checkpoint.Chunks[p.chunk.ID] = p.chunk.ContentHash
				}
				ix.mu.Unlock()
				embedded.Add(int64(len(batch)))
				return nil
			})
		}
		err := g.Wait()
		report.ChunksEmbed += int(embedded.Load())
		if err != nil {
			return err
		}
	}

	meta := UnitMetadataFor(u, importance)
	err = ix.breakers.For(resilience.ComponentMetadataStore).Call(func() error {
		return ix.metadata.Upsert(ctx, u.Identifier, meta)
	})
	if err != nil {
		return err
	}

	edges := make([]graph.Edge, 0, len(u.Dependencies))
	for _, d := range u.Dependencies {
		edges = append(edges, graph.Edge{From: u.Identifier, To: d.Target, Kind: d.Kind})
	}
	err = ix.breakers.For(resilience.ComponentGraphStore).Call(func() error {
		return ix.graphs.Register(ctx, u.Identifier, string(u.Type), edges)
	})
	if err != nil {
		return err
	}

	ix.mu.Lock()
	ix.checkpoint.Units[u.Identifier] = u.SourceHash
	ix.checkpoint.EmbeddedAt = time.Now().UTC()
	ix.mu.Unlock()
	report.UnitsIndexed++
	return nil
}

// cleanupDeleted removes index state for units present in the checkpoint but
// absent from the extraction tree.
func (ix *Indexer) cleanupDeleted(ctx context.Context, presentIDs []string) (int, error) {
	present := make(map[string]bool, len(presentIDs))
	for _, id := range presentIDs {
		present[id] = true
	}

	ix.mu.Lock()
	var doomed []string
	for id := range ix.checkpoint.Units {
		if !present[id] {
			doomed = append(doomed, id)
		}
	}
	ix.mu.Unlock()
	sort.Strings(doomed)

	for _, id := range doomed {
		if err := ix.deleteUnit(ctx, id); err != nil {
			return len(doomed), err
		}
	}
	return len(doomed), nil
}

// deleteUnit removes a unit's vectors, metadata, and checkpoint entries.
func (ix *Indexer) deleteUnit(ctx context.Context, id string) error {
	if _, err := ix.vectors.DeleteByFilter(ctx, store.Filters{"parent": id}); err != nil {
		return err
	}
	if err := ix.metadata.Delete(ctx, id); err != nil {
		return err
	}
	ix.mu.Lock()
	ix.checkpoint.DropUnit(id)
	ix.mu.Unlock()
	slog.Info("deleted unit removed from index", slog.String("unit", id))
	return nil
}

// loadCheckpoint reads the persisted checkpoint, starting fresh when it is
// missing or incompatible with the current provider identity.
func (ix *Indexer) loadCheckpoint() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.checkpoint != nil {
		return nil
	}

	model := ix.provider.ModelName()
	dims := ix.provider.Dimensions()

	cp, err := LoadCheckpoint(ix.checkpointPath)
	if err != nil {
		return railerr.Wrap(railerr.KindCorruption, "index.checkpoint", err)
	}
	if cp == nil {
		ix.checkpoint = NewCheckpoint(model, dims, chunker.HeaderSchemaVersion)
		return nil
	}
	if !cp.Compatible(model, dims, chunker.HeaderSchemaVersion) {
		slog.Warn("checkpoint incompatible, forcing full re-embed",
			slog.String("stored_model", cp.ProviderModel),
			slog.String("current_model", model),
			slog.Int("stored_dimensions", cp.Dimensions),
			slog.Int("current_dimensions", dims))
		ix.checkpoint = NewCheckpoint(model, dims, chunker.HeaderSchemaVersion)
		return nil
	}
	ix.checkpoint = cp
	return nil
}

// saveCheckpoint persists the current checkpoint, logging rather than
// failing the run on write errors.
func (ix *Indexer) saveCheckpoint() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.checkpoint == nil || ix.checkpointPath == "" {
		return
	}
	if err := ix.checkpoint.Save(ix.checkpointPath); err != nil {
		slog.Error("checkpoint save failed", slog.String("error", err.Error()))
	}
}

// Invalidate drops the checkpoint entries for ids so the next run re-embeds
// them regardless of hash match.
func (ix *Indexer) Invalidate(ids []string) error {
	if err := ix.loadCheckpoint(); err != nil {
		return err
	}
	ix.mu.Lock()
	for _, id := range ids {
		ix.checkpoint.DropUnit(id)
	}
	ix.mu.Unlock()
	ix.saveCheckpoint()
	return nil
}

// Checkpoint returns a copy of the current checkpoint for status reporting.
func (ix *Indexer) Checkpoint() *Checkpoint {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.checkpoint == nil {
		return nil
	}
	out := *ix.checkpoint
	out.Units = make(map[string]string, len(ix.checkpoint.Units))
	for k, v := range ix.checkpoint.Units {
		out.Units[k] = v
	}
	out.Chunks = make(map[string]string, len(ix.checkpoint.Chunks))
	for k, v := range ix.checkpoint.Chunks {
		out.Chunks[k] = v
	}
	return &out
}

// ComputeImportance derives the coarse importance tag carried into vector
// metadata. Signals: callback count over 5, association count over 5, hot
// change frequency, and the model/service types. Three or more signals is
// high, none is low, anything between is medium.
func ComputeImportance(u *unit.ExtractedUnit) string {
	signals := 0
	if u.MetadataCount("callbacks") > 5 {
		signals++
	}
	if u.MetadataCount("associations") > 5 {
		signals++
	}
	if u.ChangeFrequency() == unit.ChangeHot {
		signals++
	}
	if u.Type == unit.TypeModel || u.Type == unit.TypeService {
		signals++
	}
	switch {
	case signals >= 3:
		return "high"
	case signals == 0:
		return "low"
	default:
		return "medium"
	}
}

// UnitMetadataFor builds the searchable metadata projection for a unit.
func UnitMetadataFor(u *unit.ExtractedUnit, importance string) store.UnitMetadata {
	return store.UnitMetadata{
		Identifier:       u.Identifier,
		Type:             string(u.Type),
		Namespace:        u.Namespace,
		FilePath:         u.FilePath,
		ChangeFrequency:  string(u.ChangeFrequency()),
		Importance:       importance,
		MethodNames:      u.MetadataStrings("methods"),
		AssociationNames: u.MetadataStrings("associations"),
		ColumnNames:      u.MetadataStrings("columns"),
		RoutePaths:       u.MetadataStrings("route_paths"),
	}
}
