// Package feedback persists retrieval feedback as append-only JSONL, one
// file per UTC day, and derives prioritized improvement signals from it.
package feedback

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	railerr "github.com/railscope/railscope/internal/errors"
)

// Entry kinds.
const (
	KindRating  = "rating"
	KindGap     = "gap"
	KindExplain = "explain"
)

// Entry is one feedback record. Kind decides which fields are populated.
type Entry struct {
	Kind string    `json:"kind"`
	At   time.Time `json:"at"`

	Query string `json:"query,omitempty"`

	// Rating fields.
	Rating  string   `json:"rating,omitempty"`
	Missing []string `json:"missing,omitempty"`
	Notes   string   `json:"notes,omitempty"`

	// Gap fields.
	Description        string `json:"description,omitempty"`
	ExpectedType       string `json:"expected_type,omitempty"`
	ExpectedIdentifier string `json:"expected_identifier,omitempty"`

	// Explain fields.
	ResultCount    int             `json:"result_count,omitempty"`
	TopScore       float64         `json:"top_score,omitempty"`
	TruncatedUnits []string        `json:"truncated_units,omitempty"`
	Trace          json.RawMessage `json:"trace,omitempty"`
}

var validRatings = map[string]bool{
	"helpful":   true,
	"partial":   true,
	"unhelpful": true,
	"wrong":     true,
}

// Store appends feedback entries to per-day JSONL files. Appends within one
// process are serialized; the per-line JSON format keeps concurrent
// processes from corrupting each other beyond line interleaving.
type Store struct {
	dir string

	mu sync.Mutex

	// now is swapped in tests.
	now func() time.Time
}

// NewStore creates a feedback store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir, now: time.Now}
}

// AddRating records a retrieval rating.
func (s *Store) AddRating(query, rating string, missing []string, notes string) error {
	if !validRatings[rating] {
		return railerr.Newf(railerr.KindValidation, "feedback.rating",
			"unknown rating %q", rating)
	}
	if query == "" {
		return railerr.New(railerr.KindValidation, "feedback.rating", "empty query")
	}
	return s.append(Entry{
		Kind:    KindRating,
		Query:   query,
		Rating:  rating,
		Missing: missing,
		Notes:   notes,
	})
}

// ReportGap records a missing-knowledge report.
func (s *Store) ReportGap(description, query, expectedType, expectedIdentifier string) error {
	if description == "" {
		return railerr.New(railerr.KindValidation, "feedback.gap", "empty description")
	}
	return s.append(Entry{
		Kind:               KindGap,
		Query:              query,
		Description:        description,
		ExpectedType:       expectedType,
		ExpectedIdentifier: expectedIdentifier,
	})
}

// RecordExplain records a retrieval diagnostic: result count, top score,
// which units were truncated, and the raw trace.
func (s *Store) RecordExplain(query string, resultCount int, topScore float64,
	truncated []string, trace any) error {

	var raw json.RawMessage
	if trace != nil {
		data, err := json.Marshal(trace)
		if err != nil {
			return railerr.Wrap(railerr.KindInternal, "feedback.explain", err)
		}
		raw = data
	}
	return s.append(Entry{
		Kind:           KindExplain,
		Query:          query,
		ResultCount:    resultCount,
		TopScore:       topScore,
		TruncatedUnits: truncated,
		Trace:          raw,
	})
}

// append stamps and writes one entry to the current UTC day file.
func (s *Store) append(e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e.At = s.now().UTC()
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return railerr.Wrap(railerr.KindInternal, "feedback.append", err)
	}
	path := filepath.Join(s.dir, e.At.Format("2006-01-02")+".jsonl")

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return railerr.Wrap(railerr.KindInternal, "feedback.append", err)
	}
	defer f.Close()

	data, err := json.Marshal(e)
	if err != nil {
		return railerr.Wrap(railerr.KindInternal, "feedback.append", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return railerr.Wrap(railerr.KindInternal, "feedback.append", err)
	}
	return nil
}

// Window reads all entries from the day files covering [since, now].
// Malformed lines are skipped rather than failing the scan.
func (s *Store) Window(since time.Time) ([]Entry, error) {
	var entries []Entry
	for day := since.UTC().Truncate(24 * time.Hour); !day.After(s.now().UTC()); day = day.Add(24 * time.Hour) {
		path := filepath.Join(s.dir, day.Format("2006-01-02")+".jsonl")
		f, err := os.Open(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, railerr.Wrap(railerr.KindInternal, "feedback.window", err)
		}

		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			var e Entry
			if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
				continue
			}
			if e.At.Before(since) {
				continue
			}
			entries = append(entries, e)
		}
		f.Close()
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].At.Before(entries[j].At) })
	return entries, nil
}
