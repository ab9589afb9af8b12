package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	railerr "github.com/railscope/railscope/internal/errors"
	"github.com/railscope/railscope/internal/graph"
)

// SQLiteGraphStore implements GraphStore. Edges persist in SQLite; all
// traversals run against an in-memory graph.Handle snapshot hydrated at open
// and updated copy-on-write on Register.
type SQLiteGraphStore struct {
	mu     sync.Mutex
	db     *sql.DB
	handle *graph.Handle
	closed bool
}

var _ GraphStore = (*SQLiteGraphStore)(nil)

// NewSQLiteGraphStore opens or creates the graph database and hydrates the
// in-memory snapshot from it. An empty path creates an in-memory store.
func NewSQLiteGraphStore(path string) (*SQLiteGraphStore, error) {
	var dsn string
	if path == "" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create graph dir: %w", err)
		}
		dsn = path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open graph database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	schema := `
	CREATE TABLE IF NOT EXISTS graph_nodes (
		id        TEXT PRIMARY KEY,
		node_type TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS graph_edges (
		from_id TEXT NOT NULL,
		to_id   TEXT NOT NULL,
		kind    TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (from_id, to_id, kind)
	);
	CREATE INDEX IF NOT EXISTS idx_edges_to ON graph_edges(to_id);
	`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize graph schema: %w", err)
	}

	s := &SQLiteGraphStore{db: db, handle: graph.NewHandle()}
	if err := s.hydrate(); err != nil {
		_ = db.Close()
		return nil, railerr.Wrap(railerr.KindCorruption, "store.graph", err)
	}
	return s, nil
}

// hydrate rebuilds the in-memory snapshot from the persisted rows.
func (s *SQLiteGraphStore) hydrate() error {
	edgesByNode := map[string][]graph.Edge{}
	rows, err := s.db.Query(`SELECT from_id, to_id, kind FROM graph_edges`)
	if err != nil {
		return fmt.Errorf("load edges: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var e graph.Edge
		if err := rows.Scan(&e.From, &e.To, &e.Kind); err != nil {
			return fmt.Errorf("scan edge: %w", err)
		}
		edgesByNode[e.From] = append(edgesByNode[e.From], e)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	nodeRows, err := s.db.Query(`SELECT id, node_type FROM graph_nodes`)
	if err != nil {
		return fmt.Errorf("load nodes: %w", err)
	}
	defer func() { _ = nodeRows.Close() }()

	b := graph.NewBuilder()
	for nodeRows.Next() {
		var id, nodeType string
		if err := nodeRows.Scan(&id, &nodeType); err != nil {
			return fmt.Errorf("scan node: %w", err)
		}
		b.Register(id, nodeType, edgesByNode[id])
	}
	if err := nodeRows.Err(); err != nil {
		return err
	}

	s.handle.Replace(b.Build())
	return nil
}

// Register persists a node with its out-edges and installs the updated
// snapshot. Re-registering replaces the node's previous edges.
func (s *SQLiteGraphStore) Register(ctx context.Context, id, unitType string, edges []graph.Edge) error {
	if id == "" {
		return railerr.New(railerr.KindValidation, "store.graph", "empty node id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return railerr.New(railerr.KindInternal, "store.graph", "store closed")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO graph_nodes (id, node_type) VALUES (?, ?)`,
		id, unitType); err != nil {
		return fmt.Errorf("upsert node %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM graph_edges WHERE from_id = ?`, id); err != nil {
		return fmt.Errorf("clear edges %s: %w", id, err)
	}
	for _, e := range edges {
		if e.To == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO graph_edges (from_id, to_id, kind) VALUES (?, ?, ?)`,
			id, e.To, e.Kind); err != nil {
			return fmt.Errorf("insert edge %s -> %s: %w", id, e.To, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	s.handle.Register(id, unitType, edges)
	return nil
}

// DependenciesOf returns the out-edges of id.
func (s *SQLiteGraphStore) DependenciesOf(ctx context.Context, id string) ([]graph.Edge, error) {
	if err := railerr.FromContext(ctx, "store.graph"); err != nil {
		return nil, err
	}
	g := s.handle.Snapshot()
	if _, ok := g.Node(id); !ok {
		return nil, railerr.Newf(railerr.KindNotFound, "store.graph", "no node %q", id)
	}
	return g.DependenciesOf(id), nil
}

// DependentsOf returns the in-edges of id.
func (s *SQLiteGraphStore) DependentsOf(ctx context.Context, id string) ([]graph.Edge, error) {
	if err := railerr.FromContext(ctx, "store.graph"); err != nil {
		return nil, err
	}
	g := s.handle.Snapshot()
	if _, ok := g.Node(id); !ok {
		return nil, railerr.Newf(railerr.KindNotFound, "store.graph", "no node %q", id)
	}
	return g.DependentsOf(id), nil
}

// TraverseForward walks out-edges breadth-first, grouped by depth.
func (s *SQLiteGraphStore) TraverseForward(ctx context.Context, start string, maxDepth int) ([][]string, error) {
	if err := railerr.FromContext(ctx, "store.graph"); err != nil {
		return nil, err
	}
	levels := s.handle.Snapshot().TraverseForward(start, maxDepth)
	if levels == nil {
		return nil, railerr.Newf(railerr.KindNotFound, "store.graph", "no node %q", start)
	}
	return levels, nil
}

// TraverseReverse walks in-edges breadth-first, grouped by depth.
func (s *SQLiteGraphStore) TraverseReverse(ctx context.Context, start string, maxDepth int) ([][]string, error) {
	if err := railerr.FromContext(ctx, "store.graph"); err != nil {
		return nil, err
	}
	levels := s.handle.Snapshot().TraverseReverse(start, maxDepth)
	if levels == nil {
		return nil, railerr.Newf(railerr.KindNotFound, "store.graph", "no node %q", start)
	}
	return levels, nil
}

// ShortestPath returns a shortest forward path or NotFound when none exists.
func (s *SQLiteGraphStore) ShortestPath(ctx context.Context, from, to string) ([]string, error) {
	if err := railerr.FromContext(ctx, "store.graph"); err != nil {
		return nil, err
	}
	path := s.handle.Snapshot().ShortestPath(from, to)
	if path == nil {
		return nil, railerr.Newf(railerr.KindNotFound, "store.graph",
			"no path from %q to %q", from, to)
	}
	return path, nil
}

// SubgraphForTypes returns the snapshot restricted to the given node types.
func (s *SQLiteGraphStore) SubgraphForTypes(ctx context.Context, types []string) (*graph.Graph, error) {
	if err := railerr.FromContext(ctx, "store.graph"); err != nil {
		return nil, err
	}
	return s.handle.Snapshot().Subgraph(types), nil
}

// Snapshot returns the current immutable graph for analysis passes.
func (s *SQLiteGraphStore) Snapshot() *graph.Graph {
	return s.handle.Snapshot()
}

// Close checkpoints and closes the database. Idempotent.
func (s *SQLiteGraphStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.db != nil {
		_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		return s.db.Close()
	}
	return nil
}
