package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	railerr "github.com/railscope/railscope/internal/errors"
)

const (
	// maxKeywordLength caps a single keyword before it reaches FTS5.
	maxKeywordLength = 128
	// maxKeywords caps the number of keywords per query.
	maxKeywords = 16
)

// fieldPriority weights keyword matches by field, earlier KeywordSearchFields
// entries scoring higher so identifier hits outrank column-name hits.
var fieldPriority = map[string]float64{
	"identifier":        5,
	"method_names":      4,
	"association_names": 3,
	"column_names":      2,
	"route_paths":       1,
}

// SQLiteMetadataStore implements MetadataStore on SQLite with an FTS5 table
// over the keyword-searchable fields. WAL mode allows the server and an
// indexing run to read concurrently.
type SQLiteMetadataStore struct {
	mu     sync.RWMutex
	db     *sql.DB
	path   string
	closed bool
}

var _ MetadataStore = (*SQLiteMetadataStore)(nil)

// validateMetadataIntegrity checks an existing database before opening it.
// Returns nil when the file is absent or healthy.
func validateMetadataIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	db, err := sql.Open("sqlite", path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("cannot open for validation: %w", err)
	}
	defer func() { _ = db.Close() }()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("database corrupted: %s", result)
	}

	var count int
	err = db.QueryRow(`SELECT COUNT(*) FROM sqlite_master
                       WHERE type='table' AND name='units'`).Scan(&count)
	if err != nil {
		return fmt.Errorf("cannot query schema: %w", err)
	}
	if count == 0 {
		return fmt.Errorf("units table missing")
	}
	return nil
}

// NewSQLiteMetadataStore opens or creates the metadata database. An empty
// path creates an in-memory store for testing. A corrupted database is
// cleared with a warning; the next indexing run repopulates it.
func NewSQLiteMetadataStore(path string) (*SQLiteMetadataStore, error) {
	var dsn string
	if path == "" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create metadata dir: %w", err)
		}

		if validErr := validateMetadataIntegrity(path); validErr != nil {
			slog.Warn("metadata_store_corrupted",
				slog.String("path", path),
				slog.String("error", validErr.Error()))

			if removeErr := os.Remove(path); removeErr != nil && !os.IsNotExist(removeErr) {
				return nil, railerr.Wrap(railerr.KindCorruption, "store.metadata", validErr)
			}
			_ = os.Remove(path + "-wal")
			_ = os.Remove(path + "-shm")

			slog.Info("metadata_store_cleared",
				slog.String("path", path),
				slog.String("reason", "corruption detected, please reindex"))
		}

		dsn = path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open metadata database: %w", err)
	}

	// Single writer to prevent lock contention.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// DSN params may be ignored by modernc.org/sqlite; set pragmas explicitly.
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -65536",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	s := &SQLiteMetadataStore{db: db, path: path}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize metadata schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteMetadataStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS units (
		identifier        TEXT PRIMARY KEY,
		unit_type         TEXT NOT NULL,
		namespace         TEXT NOT NULL DEFAULT '',
		file_path         TEXT NOT NULL DEFAULT '',
		change_frequency  TEXT NOT NULL DEFAULT '',
		importance        TEXT NOT NULL DEFAULT '',
		chunk_kind        TEXT NOT NULL DEFAULT '',
		method_names      TEXT NOT NULL DEFAULT '[]',
		association_names TEXT NOT NULL DEFAULT '[]',
		column_names      TEXT NOT NULL DEFAULT '[]',
		route_paths       TEXT NOT NULL DEFAULT '[]',
		raw               TEXT NOT NULL DEFAULT '{}'
	);

	CREATE INDEX IF NOT EXISTS idx_units_type ON units(unit_type);
	CREATE INDEX IF NOT EXISTS idx_units_namespace ON units(namespace);

	-- FTS5 over the keyword-searchable fields. identifier is stored twice:
	-- once UNINDEXED as the join key, once tokenized for matching.
	CREATE VIRTUAL TABLE IF NOT EXISTS unit_fts USING fts5(
		unit_id UNINDEXED,
		identifier,
		method_names,
		association_names,
		column_names,
		route_paths,
		tokenize='unicode61 tokenchars ''_'''
	);

	CREATE TABLE IF NOT EXISTS engine_state (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Upsert stores or replaces a unit's metadata and its FTS row.
func (s *SQLiteMetadataStore) Upsert(ctx context.Context, id string, meta UnitMetadata) error {
	if id == "" {
		return railerr.New(railerr.KindValidation, "store.metadata", "empty identifier")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return railerr.New(railerr.KindInternal, "store.metadata", "store closed")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rawJSON, err := json.Marshal(meta.Raw)
	if err != nil {
		return fmt.Errorf("marshal raw metadata: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO units
			(identifier, unit_type, namespace, file_path, change_frequency,
			 importance, method_names, association_names, column_names,
			 route_paths, raw)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, meta.Type, meta.Namespace, meta.FilePath, meta.ChangeFrequency,
		meta.Importance, marshalNames(meta.MethodNames),
		marshalNames(meta.AssociationNames), marshalNames(meta.ColumnNames),
		marshalNames(meta.RoutePaths), string(rawJSON))
	if err != nil {
		return fmt.Errorf("upsert unit %s: %w", id, err)
	}

	// FTS5 virtual tables don't support REPLACE, so delete first.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM unit_fts WHERE unit_id = ?`, id); err != nil {
		return fmt.Errorf("clear fts row %s: %w", id, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO unit_fts
			(unit_id, identifier, method_names, association_names, column_names, route_paths)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, id, strings.Join(meta.MethodNames, " "),
		strings.Join(meta.AssociationNames, " "),
		strings.Join(meta.ColumnNames, " "),
		strings.Join(meta.RoutePaths, " "))
	if err != nil {
		return fmt.Errorf("index fts row %s: %w", id, err)
	}

	return tx.Commit()
}

// Find returns a unit's metadata or a NotFound error.
func (s *SQLiteMetadataStore) Find(ctx context.Context, id string) (*UnitMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, railerr.New(railerr.KindInternal, "store.metadata", "store closed")
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT identifier, unit_type, namespace, file_path, change_frequency,
		       importance, method_names, association_names, column_names,
		       route_paths, raw
		FROM units WHERE identifier = ?`, id)

	meta, err := scanUnit(row)
	if err == sql.ErrNoRows {
		return nil, railerr.Newf(railerr.KindNotFound, "store.metadata",
			"no unit %q", id)
	}
	if err != nil {
		return nil, fmt.Errorf("find unit %s: %w", id, err)
	}
	return meta, nil
}

// SearchKeywords runs an FTS5 OR-query over the requested fields and scores
// candidates by matched-field priority. An empty fields list searches all of
// KeywordSearchFields.
func (s *SQLiteMetadataStore) SearchKeywords(ctx context.Context, keywords []string, fields []string, filters Filters, limit int) ([]KeywordResult, error) {
	if err := ValidateFilters(filters); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}
	if len(fields) == 0 {
		fields = KeywordSearchFields
	}
	for _, f := range fields {
		if fieldPriority[f] == 0 {
			return nil, railerr.Newf(railerr.KindValidation, "store.metadata",
				"unknown search field %q", f)
		}
	}

	match := buildMatchQuery(keywords, fields)
	if match == "" {
		return []KeywordResult{}, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, railerr.New(railerr.KindInternal, "store.metadata", "store closed")
	}

	query := `
		SELECT u.identifier, u.unit_type, u.namespace, u.file_path,
		       u.change_frequency, u.importance, u.method_names,
		       u.association_names, u.column_names, u.route_paths, u.raw
		FROM unit_fts f
		JOIN units u ON u.identifier = f.unit_id
		WHERE unit_fts MATCH ?`
	args := []any{match}

	for key, value := range filters {
		col := filterColumn(key)
		switch v := value.(type) {
		case string:
			query += fmt.Sprintf(" AND u.%s = ?", col)
			args = append(args, v)
		case []string:
			ph := strings.TrimSuffix(strings.Repeat("?,", len(v)), ",")
			query += fmt.Sprintf(" AND u.%s IN (%s)", col, ph)
			for _, member := range v {
				args = append(args, member)
			}
		}
	}
	// Over-fetch: scoring happens in Go and may reorder.
	query += " LIMIT ?"
	args = append(args, limit*4)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		// FTS5 rejects some token sequences outright; treat as no results.
		if strings.Contains(err.Error(), "fts5") || strings.Contains(err.Error(), "syntax error") {
			return []KeywordResult{}, nil
		}
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var results []KeywordResult
	for rows.Next() {
		meta, err := scanUnit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan keyword result: %w", err)
		}
		score, matched := scoreKeywordMatch(meta, keywords, fields)
		if score == 0 {
			continue
		}
		results = append(results, KeywordResult{
			ID:            meta.Identifier,
			MatchScore:    score,
			MatchedFields: matched,
			Metadata:      keywordMetadata(meta),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sortKeywordResults(results)
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Query returns identifiers matching the filters, sorted, up to limit.
func (s *SQLiteMetadataStore) Query(ctx context.Context, filters Filters, limit int) ([]string, error) {
	if err := ValidateFilters(filters); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, railerr.New(railerr.KindInternal, "store.metadata", "store closed")
	}

	query := "SELECT identifier FROM units WHERE 1=1"
	var args []any
	for key, value := range filters {
		col := filterColumn(key)
		switch v := value.(type) {
		case string:
			query += fmt.Sprintf(" AND %s = ?", col)
			args = append(args, v)
		case []string:
			ph := strings.TrimSuffix(strings.Repeat("?,", len(v)), ",")
			query += fmt.Sprintf(" AND %s IN (%s)", col, ph)
			for _, member := range v {
				args = append(args, member)
			}
		}
	}
	query += " ORDER BY identifier LIMIT ?"
	args = append(args, limit)

	return s.queryIdentifiers(ctx, query, args...)
}

// ListByType returns identifiers of a given type, sorted.
func (s *SQLiteMetadataStore) ListByType(ctx context.Context, unitType string, limit int) ([]string, error) {
	return s.Query(ctx, Filters{"type": unitType}, limit)
}

func (s *SQLiteMetadataStore) queryIdentifiers(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query identifiers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan identifier: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Delete removes a unit's metadata and FTS row. Deleting a missing unit is
// not an error.
func (s *SQLiteMetadataStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return railerr.New(railerr.KindInternal, "store.metadata", "store closed")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM units WHERE identifier = ?`, id); err != nil {
		return fmt.Errorf("delete unit %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM unit_fts WHERE unit_id = ?`, id); err != nil {
		return fmt.Errorf("delete fts row %s: %w", id, err)
	}
	return tx.Commit()
}

// GetState reads an engine state value; missing keys return NotFound.
func (s *SQLiteMetadataStore) GetState(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", railerr.New(railerr.KindInternal, "store.metadata", "store closed")
	}

	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM engine_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", railerr.Newf(railerr.KindNotFound, "store.metadata",
			"no state key %q", key)
	}
	if err != nil {
		return "", fmt.Errorf("get state %s: %w", key, err)
	}
	return value, nil
}

// SetState writes an engine state value.
func (s *SQLiteMetadataStore) SetState(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return railerr.New(railerr.KindInternal, "store.metadata", "store closed")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO engine_state (key, value) VALUES (?, ?)`, key, value)
	if err != nil {
		return fmt.Errorf("set state %s: %w", key, err)
	}
	return nil
}

// Close checkpoints the WAL and closes the database. Idempotent.
func (s *SQLiteMetadataStore) Close() error {
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

// buildMatchQuery assembles an FTS5 query of the form
// {field1 field2}: ("kw1" OR "kw2"). Keywords are quoted with internal
// quotes doubled, so user input never reaches the FTS5 query parser as
// syntax. Over-long or surplus keywords are dropped.
func buildMatchQuery(keywords, fields []string) string {
	var quoted []string
	for _, kw := range keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" || len(kw) > maxKeywordLength {
			continue
		}
		quoted = append(quoted, `"`+strings.ReplaceAll(kw, `"`, `""`)+`"`)
		if len(quoted) == maxKeywords {
			break
		}
	}
	if len(quoted) == 0 {
		return ""
	}
	return fmt.Sprintf("{%s}: (%s)",
		strings.Join(fields, " "), strings.Join(quoted, " OR "))
}

// scoreKeywordMatch re-checks matches in Go and weights them by field
// priority. FTS5 found the candidates; this pass decides ordering and the
// matched-field attribution.
func scoreKeywordMatch(meta *UnitMetadata, keywords, fields []string) (float64, []string) {
	fieldValues := map[string][]string{
		"identifier":        {meta.Identifier},
		"method_names":      meta.MethodNames,
		"association_names": meta.AssociationNames,
		"column_names":      meta.ColumnNames,
		"route_paths":       meta.RoutePaths,
	}

	var score float64
	var matched []string
	for _, field := range fields {
		values := fieldValues[field]
		hit := false
		for _, kw := range keywords {
			lkw := strings.ToLower(kw)
			for _, v := range values {
				if strings.Contains(strings.ToLower(v), lkw) {
					hit = true
					score += fieldPriority[field]
					break
				}
			}
			if hit {
				break
			}
		}
		if hit {
			matched = append(matched, field)
		}
	}
	return score, matched
}

func sortKeywordResults(results []KeywordResult) {
	// Score desc, identifier asc for determinism.
	sort.Slice(results, func(i, j int) bool {
		if results[i].MatchScore != results[j].MatchScore {
			return results[i].MatchScore > results[j].MatchScore
		}
		return results[i].ID < results[j].ID
	})
}

func keywordMetadata(meta *UnitMetadata) map[string]any {
	return map[string]any{
		"type":             meta.Type,
		"namespace":        meta.Namespace,
		"file_path":        meta.FilePath,
		"change_frequency": meta.ChangeFrequency,
		"importance":       meta.Importance,
	}
}

func marshalNames(names []string) string {
	if names == nil {
		names = []string{}
	}
	b, _ := json.Marshal(names)
	return string(b)
}

func unmarshalNames(s string) []string {
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}

// rowScanner covers both sql.Row and sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanUnit(row rowScanner) (*UnitMetadata, error) {
	var meta UnitMetadata
	var methods, assocs, cols, routes, raw string
	err := row.Scan(&meta.Identifier, &meta.Type, &meta.Namespace,
		&meta.FilePath, &meta.ChangeFrequency, &meta.Importance,
		&methods, &assocs, &cols, &routes, &raw)
	if err != nil {
		return nil, err
	}
	meta.MethodNames = unmarshalNames(methods)
	meta.AssociationNames = unmarshalNames(assocs)
	meta.ColumnNames = unmarshalNames(cols)
	meta.RoutePaths = unmarshalNames(routes)
	if raw != "" && raw != "{}" {
		_ = json.Unmarshal([]byte(raw), &meta.Raw)
	}
	return &meta, nil
}
