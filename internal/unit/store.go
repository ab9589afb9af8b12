package unit

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	railerr "github.com/railscope/railscope/internal/errors"
)

// Manifest mirrors manifest.json at the extraction root.
type Manifest struct {
	SchemaVersion int            `json:"schema_version"`
	ExtractedAt   time.Time      `json:"extracted_at"`
	Counts        map[string]int `json:"counts"`
	GitSHA        string         `json:"git_sha"`
	RailsVersion  string         `json:"rails_version,omitempty"`
}

// IndexEntry is one row of a per-type _index.json.
type IndexEntry struct {
	Identifier      string `json:"identifier"`
	EstimatedTokens int    `json:"estimated_tokens"`
	FilePath        string `json:"file_path"`
}

// Store provides read-only access to the extraction tree. Units are loaded
// lazily and cached; Reload swaps the whole snapshot so concurrent readers
// never observe a partially refreshed tree.
type Store struct {
	root string

	mu   sync.RWMutex
	snap *snapshot
}

type snapshot struct {
	manifest Manifest
	// typeOf maps identifier -> unit type (from the per-type indexes).
	typeOf map[string]Type
	// byType holds identifiers per type directory, sorted.
	byType map[Type][]string
	// units caches decoded unit files.
	units map[string]*ExtractedUnit
	// dependents maps identifier -> reverse-edge sources, rebuilt on access.
	dependents     map[string][]string
	dependentsOnce sync.Once
}

// NewStore opens the extraction tree rooted at dir and loads its indexes.
func NewStore(dir string) (*Store, error) {
	s := &Store{root: dir}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Root returns the extraction tree root directory.
func (s *Store) Root() string { return s.root }

// Reload re-reads the manifest and per-type indexes, installing a fresh
// snapshot. Cached unit bodies from the previous snapshot are dropped.
func (s *Store) Reload() error {
	manifest, err := readManifest(s.root)
	if err != nil {
		return err
	}

	snap := &snapshot{
		manifest:   manifest,
		typeOf:     make(map[string]Type),
		byType:     make(map[Type][]string),
		units:      make(map[string]*ExtractedUnit),
		dependents: make(map[string][]string),
	}

	entries, err := os.ReadDir(s.root)
	if err != nil {
		return railerr.Wrap(railerr.KindCorruption, "unit.reload", err)
	}
	for _, e := range entries {
		if !e.IsDir() || e.Name() == "feedback" || e.Name()[0] == '.' {
			continue
		}
		t := typeFromDir(e.Name())
		ids, err := readTypeIndex(filepath.Join(s.root, e.Name()))
		if err != nil {
			slog.Warn("type index unreadable, scanning directory",
				slog.String("dir", e.Name()),
				slog.String("error", err.Error()))
			ids = scanTypeDir(filepath.Join(s.root, e.Name()))
		}
		sort.Strings(ids)
		snap.byType[t] = ids
		for _, id := range ids {
			snap.typeOf[id] = t
		}
	}

	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()
	return nil
}

// Manifest returns the manifest from the current snapshot.
func (s *Store) Manifest() Manifest {
	return s.current().manifest
}

// Count returns the number of known unit identifiers.
func (s *Store) Count() int {
	snap := s.current()
	return len(snap.typeOf)
}

// AllIDs returns every known identifier, sorted.
func (s *Store) AllIDs() []string {
	snap := s.current()
	ids := make([]string, 0, len(snap.typeOf))
	for id := range snap.typeOf {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IDsByType returns identifiers of the given type, sorted.
func (s *Store) IDsByType(t Type) []string {
	snap := s.current()
	out := make([]string, len(snap.byType[t]))
	copy(out, snap.byType[t])
	return out
}

// TypeOf returns the type of an identifier, TypeUnknown when absent.
func (s *Store) TypeOf(id string) Type {
	if t, ok := s.current().typeOf[id]; ok {
		return t
	}
	return TypeUnknown
}

// Get loads a unit by identifier. Returns a NotFound error for unknown ids
// and a Corruption error for unreadable unit files.
func (s *Store) Get(ctx context.Context, id string) (*ExtractedUnit, error) {
	if err := railerr.FromContext(ctx, "unit.get"); err != nil {
		return nil, err
	}
	if !ValidIdentifier(id) {
		return nil, railerr.Newf(railerr.KindValidation, "unit.get", "invalid identifier %q", id)
	}

	snap := s.current()
	t, ok := snap.typeOf[id]
	if !ok {
		return nil, railerr.Newf(railerr.KindNotFound, "unit.get", "unit %q not in extraction", id)
	}

	s.mu.RLock()
	cached := snap.units[id]
	s.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	u, err := readUnitFile(filepath.Join(s.root, dirForType(t), FileNameFor(id)))
	if err != nil {
		return nil, err
	}
	u.Dependents = s.DependentsOf(id)

	s.mu.Lock()
	snap.units[id] = u
	s.mu.Unlock()
	return u, nil
}

// DependentsOf returns identifiers whose dependencies include id. The reverse
// index is built once per snapshot from every unit's forward edges.
func (s *Store) DependentsOf(id string) []string {
	snap := s.current()
	snap.dependentsOnce.Do(func() {
		for _, t := range s.typesIn(snap) {
			for _, srcID := range snap.byType[t] {
				u, err := readUnitFile(filepath.Join(s.root, dirForType(t), FileNameFor(srcID)))
				if err != nil {
					continue
				}
				for _, dep := range u.Dependencies {
					snap.dependents[dep.Target] = append(snap.dependents[dep.Target], srcID)
				}
			}
		}
		for target := range snap.dependents {
			sort.Strings(snap.dependents[target])
		}
	})
	out := make([]string, len(snap.dependents[id]))
	copy(out, snap.dependents[id])
	return out
}

// RecentlyChanged returns up to limit units ordered by last_modified desc,
// optionally restricted to a type.
func (s *Store) RecentlyChanged(ctx context.Context, limit int, t Type) ([]*ExtractedUnit, error) {
	if limit <= 0 {
		limit = 10
	}
	var ids []string
	if t != "" && t != TypeUnknown {
		ids = s.IDsByType(t)
	} else {
		ids = s.AllIDs()
	}

	type dated struct {
		u  *ExtractedUnit
		at time.Time
	}
	var all []dated
	for _, id := range ids {
		if err := railerr.FromContext(ctx, "unit.recent_changes"); err != nil {
			return nil, err
		}
		u, err := s.Get(ctx, id)
		if err != nil {
			continue
		}
		all = append(all, dated{u: u, at: u.LastModified()})
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].at.Equal(all[j].at) {
			return all[i].at.After(all[j].at)
		}
		return all[i].u.Identifier < all[j].u.Identifier
	})
	if len(all) > limit {
		all = all[:limit]
	}
	out := make([]*ExtractedUnit, len(all))
	for i, d := range all {
		out[i] = d.u
	}
	return out, nil
}

func (s *Store) current() *snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

func (s *Store) typesIn(snap *snapshot) []Type {
	types := make([]Type, 0, len(snap.byType))
	for t := range snap.byType {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// typeFromDir maps a type directory name (plural) to the unit type tag.
func typeFromDir(dir string) Type {
	switch dir {
	case "models":
		return TypeModel
	case "controllers":
		return TypeController
	case "services":
		return TypeService
	case "jobs":
		return TypeJob
	case "mailers":
		return TypeMailer
	case "components":
		return TypeComponent
	case "concerns":
		return TypeConcern
	case "routes":
		return TypeRoute
	case "framework":
		return TypeFramework
	case "schemas":
		return TypeSchema
	case "graphql_types":
		return TypeGraphQLType
	case "graphql_mutations":
		return TypeGraphQLMutation
	case "graphql_resolvers":
		return TypeGraphQLResolver
	case "graphql_queries":
		return TypeGraphQLQuery
	default:
		return Type(dir)
	}
}

// dirForType inverts typeFromDir.
func dirForType(t Type) string {
	switch t {
	case TypeModel:
		return "models"
	case TypeController:
		return "controllers"
	case TypeService:
		return "services"
	case TypeJob:
		return "jobs"
	case TypeMailer:
		return "mailers"
	case TypeComponent:
		return "components"
	case TypeConcern:
		return "concerns"
	case TypeRoute:
		return "routes"
	case TypeFramework:
		return "framework"
	case TypeSchema:
		return "schemas"
	case TypeGraphQLType:
		return "graphql_types"
	case TypeGraphQLMutation:
		return "graphql_mutations"
	case TypeGraphQLResolver:
		return "graphql_resolvers"
	case TypeGraphQLQuery:
		return "graphql_queries"
	default:
		return string(t)
	}
}

func readManifest(root string) (Manifest, error) {
	var m Manifest
	data, err := os.ReadFile(filepath.Join(root, "manifest.json"))
	if err != nil {
		return m, railerr.Wrap(railerr.KindCorruption, "unit.manifest", err).
			WithDetail("root", root)
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, railerr.Wrap(railerr.KindCorruption, "unit.manifest", err)
	}
	return m, nil
}

func readTypeIndex(dir string) ([]string, error) {
	data, err := os.ReadFile(filepath.Join(dir, "_index.json"))
	if err != nil {
		return nil, err
	}
	var entries []IndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.Identifier)
	}
	return ids, nil
}

// scanTypeDir lists unit files directly when the index is missing.
func scanTypeDir(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var ids []string
	for _, e := range entries {
		if id, ok := IdentifierFromFileName(e.Name()); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func readUnitFile(path string) (*ExtractedUnit, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, railerr.Wrap(railerr.KindNotFound, "unit.read", err)
		}
		return nil, railerr.Wrap(railerr.KindCorruption, "unit.read", err)
	}
	var u ExtractedUnit
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, railerr.Wrap(railerr.KindCorruption, "unit.read", err).
			WithDetail("path", path)
	}
	return &u, nil
}
