// Package store provides the persistence layer: HNSW vector search, SQLite
// metadata with FTS5 keyword search, and the persisted dependency graph.
package store

import (
	"context"
	"fmt"

	railerr "github.com/railscope/railscope/internal/errors"
	"github.com/railscope/railscope/internal/graph"
)

// VectorMetadata is the metadata snapshot stored alongside each vector and
// returned by filtered search. Field names double as filter keys.
type VectorMetadata struct {
	Type            string `json:"type"`
	Namespace       string `json:"namespace"`
	FilePath        string `json:"file_path"`
	ChangeFrequency string `json:"change_frequency"`
	Importance      string `json:"importance"`
	Parent          string `json:"parent"`     // owning unit identifier
	ChunkKind       string `json:"chunk_kind"` // section within the unit
}

// VectorResult is a single vector search hit.
type VectorResult struct {
	ID         string
	Similarity float32 // normalized similarity, higher is closer
	Metadata   VectorMetadata
}

// VectorStore persists vectors by id with a metadata snapshot and supports
// filtered nearest-neighbor search.
type VectorStore interface {
	Upsert(ctx context.Context, id string, vector []float32, meta VectorMetadata) error
	UpsertBatch(ctx context.Context, ids []string, vectors [][]float32, metas []VectorMetadata) error
	Search(ctx context.Context, vector []float32, filters Filters, limit int) ([]VectorResult, error)
	Delete(ctx context.Context, ids []string) error
	DeleteByFilter(ctx context.Context, filters Filters) (int, error)
	Contains(id string) bool
	Count() int
	AllIDs() []string
	Save(path string) error
	Load(path string) error
	Close() error
}

// KeywordResult is a single keyword search hit.
type KeywordResult struct {
	ID            string
	MatchScore    float64
	MatchedFields []string
	Metadata      map[string]any
}

// MetadataStore persists full unit metadata and serves keyword and filter
// queries over the indexed field set.
type MetadataStore interface {
	Upsert(ctx context.Context, id string, meta UnitMetadata) error
	Find(ctx context.Context, id string) (*UnitMetadata, error)
	SearchKeywords(ctx context.Context, keywords []string, fields []string, filters Filters, limit int) ([]KeywordResult, error)
	Query(ctx context.Context, filters Filters, limit int) ([]string, error)
	ListByType(ctx context.Context, unitType string, limit int) ([]string, error)
	Delete(ctx context.Context, id string) error
	GetState(ctx context.Context, key string) (string, error)
	SetState(ctx context.Context, key, value string) error
	Close() error
}

// UnitMetadata is the searchable projection of an extracted unit persisted
// by the indexer.
type UnitMetadata struct {
	Identifier       string         `json:"identifier"`
	Type             string         `json:"type"`
	Namespace        string         `json:"namespace"`
	FilePath         string         `json:"file_path"`
	ChangeFrequency  string         `json:"change_frequency"`
	Importance       string         `json:"importance"`
	MethodNames      []string       `json:"method_names"`
	AssociationNames []string       `json:"association_names"`
	ColumnNames      []string       `json:"column_names"`
	RoutePaths       []string       `json:"route_paths"`
	Raw              map[string]any `json:"raw,omitempty"`
}

// GraphStore persists the dependency graph and serves traversals from an
// in-memory snapshot.
type GraphStore interface {
	Register(ctx context.Context, id, unitType string, edges []graph.Edge) error
	DependenciesOf(ctx context.Context, id string) ([]graph.Edge, error)
	DependentsOf(ctx context.Context, id string) ([]graph.Edge, error)
	TraverseForward(ctx context.Context, start string, maxDepth int) ([][]string, error)
	TraverseReverse(ctx context.Context, start string, maxDepth int) ([][]string, error)
	ShortestPath(ctx context.Context, from, to string) ([]string, error)
	SubgraphForTypes(ctx context.Context, types []string) (*graph.Graph, error)
	Snapshot() *graph.Graph
	Close() error
}

// KeywordSearchFields is the indexed field set for keyword search, in
// priority order (earlier fields break match-count ties).
var KeywordSearchFields = []string{
	"identifier",
	"method_names",
	"association_names",
	"column_names",
	"route_paths",
}

// Filters is a validated set of filter key/values. Values are either a
// string or a []string (set membership).
type Filters map[string]any

// allowedFilterKeys is the declared filter allow-list. Keys outside it are
// rejected at the boundary; store implementations bind keys as identifiers
// and values as parameters, never by interpolation.
var allowedFilterKeys = map[string]bool{
	"type":             true,
	"namespace":        true,
	"parent":           true,
	"chunk_kind":       true,
	"change_frequency": true,
	"importance":       true,
}

// ValidateFilters checks keys against the allow-list and values for
// primitive kinds. Returns a Validation error on the first offender.
func ValidateFilters(f Filters) error {
	for key, value := range f {
		if !allowedFilterKeys[key] {
			return railerr.Newf(railerr.KindValidation, "store.filters",
				"unknown filter key %q", key)
		}
		switch v := value.(type) {
		case string:
		case []string:
			if len(v) == 0 {
				return railerr.Newf(railerr.KindValidation, "store.filters",
					"empty value set for filter %q", key)
			}
		default:
			return railerr.Newf(railerr.KindValidation, "store.filters",
				"filter %q: unsupported value type %T", key, value)
		}
	}
	return nil
}

// matches applies validated filters to a vector metadata snapshot.
func (f Filters) matches(meta VectorMetadata) bool {
	for key, want := range f {
		var have string
		switch key {
		case "type":
			have = meta.Type
		case "namespace":
			have = meta.Namespace
		case "parent":
			have = meta.Parent
		case "chunk_kind":
			have = meta.ChunkKind
		case "change_frequency":
			have = meta.ChangeFrequency
		case "importance":
			have = meta.Importance
		}
		if !valueMatches(want, have) {
			return false
		}
	}
	return true
}

func valueMatches(want any, have string) bool {
	switch v := want.(type) {
	case string:
		return v == have
	case []string:
		for _, s := range v {
			if s == have {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// filterColumn maps a filter key to its metadata table column. Callers must
// have validated the key first; unknown keys panic to surface the
// programming error.
func filterColumn(key string) string {
	switch key {
	case "type":
		return "unit_type"
	case "namespace":
		return "namespace"
	case "parent":
		return "identifier" // unit-level rows: parent is the unit itself
	case "chunk_kind":
		return "chunk_kind"
	case "change_frequency":
		return "change_frequency"
	case "importance":
		return "importance"
	default:
		panic(fmt.Sprintf("store: unvalidated filter key %q", key))
	}
}
