package store

import (
	"bufio"
	"context"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/coder/hnsw"

	railerr "github.com/railscope/railscope/internal/errors"
)

// HNSWConfig configures the vector store.
type HNSWConfig struct {
	// Dimensions is the vector dimension; must match the provider.
	Dimensions int
	// M is HNSW max connections per layer (default 16).
	M int
	// EfSearch is the query-time search width (default 32).
	EfSearch int
}

// HNSWVectorStore implements VectorStore with a pure-Go HNSW graph and an
// in-memory metadata snapshot per id. Filtered searches over-fetch from the
// graph and post-filter on the snapshot.
type HNSWVectorStore struct {
	mu     sync.RWMutex
	graph  *hnsw.Graph[uint64]
	config HNSWConfig

	idMap   map[string]uint64
	keyMap  map[uint64]string
	meta    map[string]VectorMetadata
	nextKey uint64
	closed  bool
}

var _ VectorStore = (*HNSWVectorStore)(nil)

// hnswState is the gob-persisted sidecar: id mappings and metadata. Vectors
// themselves persist through the graph's own export.
type hnswState struct {
	IDMap   map[string]uint64
	Meta    map[string]VectorMetadata
	NextKey uint64
	Config  HNSWConfig
}

// NewHNSWVectorStore creates an empty store.
func NewHNSWVectorStore(cfg HNSWConfig) (*HNSWVectorStore, error) {
	if cfg.Dimensions <= 0 {
		return nil, railerr.New(railerr.KindValidation, "store.hnsw", "dimensions must be positive")
	}
	if cfg.M <= 0 {
		cfg.M = 16
	}
	if cfg.EfSearch <= 0 {
		cfg.EfSearch = 32
	}

	g := hnsw.NewGraph[uint64]()
	g.Distance = hnsw.CosineDistance
	g.M = cfg.M
	g.EfSearch = cfg.EfSearch
	g.Ml = 0.25

	return &HNSWVectorStore{
		graph:  g,
		config: cfg,
		idMap:  make(map[string]uint64),
		keyMap: make(map[uint64]string),
		meta:   make(map[string]VectorMetadata),
	}, nil
}

// Upsert inserts or replaces a single vector.
func (s *HNSWVectorStore) Upsert(ctx context.Context, id string, vector []float32, meta VectorMetadata) error {
	return s.UpsertBatch(ctx, []string{id}, [][]float32{vector}, []VectorMetadata{meta})
}

// UpsertBatch inserts or replaces vectors. Replacement uses lazy deletion:
// the old graph node is orphaned rather than removed, mirroring the
// compaction-friendly approach of the underlying library.
func (s *HNSWVectorStore) UpsertBatch(ctx context.Context, ids []string, vectors [][]float32, metas []VectorMetadata) error {
	if len(ids) == 0 {
		return nil
	}
	if len(ids) != len(vectors) || len(ids) != len(metas) {
		return railerr.Newf(railerr.KindValidation, "store.hnsw",
			"batch length mismatch: %d ids, %d vectors, %d metas", len(ids), len(vectors), len(metas))
	}
	if err := railerr.FromContext(ctx, "store.hnsw.upsert"); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return railerr.New(railerr.KindInternal, "store.hnsw", "store closed")
	}

	for _, v := range vectors {
		if len(v) != s.config.Dimensions {
			return railerr.Newf(railerr.KindValidation, "store.hnsw",
				"dimension mismatch: expected %d, got %d", s.config.Dimensions, len(v))
		}
	}

	for i, id := range ids {
		if oldKey, exists := s.idMap[id]; exists {
			delete(s.keyMap, oldKey)
			delete(s.idMap, id)
		}
		key := s.nextKey
		s.nextKey++
		s.graph.Add(hnsw.MakeNode(key, vectors[i]))
		s.idMap[id] = key
		s.keyMap[key] = id
		s.meta[id] = metas[i]
	}
	return nil
}

// Search finds the nearest vectors passing the filters. Filters must be
// pre-validated with ValidateFilters; unknown keys are rejected here too.
func (s *HNSWVectorStore) Search(ctx context.Context, vector []float32, filters Filters, limit int) ([]VectorResult, error) {
	if err := railerr.FromContext(ctx, "store.hnsw.search"); err != nil {
		return nil, err
	}
	if err := ValidateFilters(filters); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, railerr.New(railerr.KindInternal, "store.hnsw", "store closed")
	}
	if len(vector) != s.config.Dimensions {
		return nil, railerr.Newf(railerr.KindValidation, "store.hnsw",
			"dimension mismatch: expected %d, got %d", s.config.Dimensions, len(vector))
	}
	if len(s.idMap) == 0 {
		return []VectorResult{}, nil
	}

	// Over-fetch to survive post-filtering and lazily deleted orphans.
	fetch := limit * 4
	if len(filters) > 0 {
		fetch = limit * 8
	}
	if fetch > len(s.idMap) {
		fetch = len(s.idMap)
	}

	nodes := s.graph.Search(vector, fetch)
	results := make([]VectorResult, 0, limit)
	for _, node := range nodes {
		id, live := s.keyMap[node.Key]
		if !live {
			continue // orphaned by lazy deletion
		}
		meta := s.meta[id]
		if len(filters) > 0 && !filters.matches(meta) {
			continue
		}
		results = append(results, VectorResult{
			ID:         id,
			Similarity: cosineSimilarity(vector, node.Value),
			Metadata:   meta,
		})
		if len(results) == limit {
			break
		}
	}
	return results, nil
}

// cosineSimilarity maps cosine distance into a 0..1 similarity.
func cosineSimilarity(a, b []float32) float32 {
	d := hnsw.CosineDistance(a, b) // 0..2
	sim := 1 - d/2
	if sim < 0 {
		return 0
	}
	return sim
}

// Delete removes vectors by id (lazy: mappings and metadata are dropped).
func (s *HNSWVectorStore) Delete(ctx context.Context, ids []string) error {
	if err := railerr.FromContext(ctx, "store.hnsw.delete"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if key, ok := s.idMap[id]; ok {
			delete(s.keyMap, key)
			delete(s.idMap, id)
			delete(s.meta, id)
		}
	}
	return nil
}

// DeleteByFilter removes all vectors whose metadata matches the filters,
// returning the number removed.
func (s *HNSWVectorStore) DeleteByFilter(ctx context.Context, filters Filters) (int, error) {
	if err := ValidateFilters(filters); err != nil {
		return 0, err
	}
	s.mu.RLock()
	var doomed []string
	for id, meta := range s.meta {
		if filters.matches(meta) {
			doomed = append(doomed, id)
		}
	}
	s.mu.RUnlock()
	if err := s.Delete(ctx, doomed); err != nil {
		return 0, err
	}
	return len(doomed), nil
}

// Contains checks if an id exists.
func (s *HNSWVectorStore) Contains(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.idMap[id]
	return ok
}

// Count returns the number of live vectors.
func (s *HNSWVectorStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.idMap)
}

// AllIDs returns all live ids, sorted, for consistency checks.
func (s *HNSWVectorStore) AllIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.idMap))
	for id := range s.idMap {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Save persists the graph and the id/metadata sidecar next to it.
func (s *HNSWVectorStore) Save(path string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create vector dir: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create vector file: %w", err)
	}
	defer func() { _ = f.Close() }()
	w := bufio.NewWriter(f)
	if err := s.graph.Export(w); err != nil {
		return fmt.Errorf("export hnsw graph: %w", err)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	sf, err := os.Create(path + ".meta")
	if err != nil {
		return fmt.Errorf("create vector sidecar: %w", err)
	}
	defer func() { _ = sf.Close() }()
	return gob.NewEncoder(sf).Encode(hnswState{
		IDMap:   s.idMap,
		Meta:    s.meta,
		NextKey: s.nextKey,
		Config:  s.config,
	})
}

// Load restores a previously saved store. A missing file leaves the store
// empty.
func (s *HNSWVectorStore) Load(path string) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open vector file: %w", err)
	}
	defer func() { _ = f.Close() }()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.graph.Import(bufio.NewReader(f)); err != nil {
		return railerr.Wrap(railerr.KindCorruption, "store.hnsw.load", err)
	}

	sf, err := os.Open(path + ".meta")
	if err != nil {
		return railerr.Wrap(railerr.KindCorruption, "store.hnsw.load", err)
	}
	defer func() { _ = sf.Close() }()

	var state hnswState
	if err := gob.NewDecoder(sf).Decode(&state); err != nil {
		return railerr.Wrap(railerr.KindCorruption, "store.hnsw.load", err)
	}
	if state.Config.Dimensions != s.config.Dimensions {
		return railerr.Newf(railerr.KindCorruption, "store.hnsw.load",
			"stored dimension %d != configured %d; full re-embed required",
			state.Config.Dimensions, s.config.Dimensions)
	}

	s.idMap = state.IDMap
	s.meta = state.Meta
	s.nextKey = state.NextKey
	s.keyMap = make(map[uint64]string, len(state.IDMap))
	for id, key := range state.IDMap {
		s.keyMap[key] = id
	}
	return nil
}

// Close marks the store closed.
func (s *HNSWVectorStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
