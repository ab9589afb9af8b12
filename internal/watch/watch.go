// Package watch closes the loop between the extractor and the index: it
// watches the extraction tree, coalesces bursts of file events, and triggers
// an incremental reindex of exactly the changed units.
package watch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/railscope/railscope/internal/index"
	"github.com/railscope/railscope/internal/unit"
)

// DefaultDebounce is the coalescing window for file events. Extractor runs
// rewrite many unit files in a burst; one reindex per burst is enough.
const DefaultDebounce = 500 * time.Millisecond

// Indexer is the slice of the index pipeline the watcher drives.
type Indexer interface {
	IndexIncremental(ctx context.Context, ids []string) (*index.Report, error)
}

// Stats is the watcher state surfaced in status output.
type Stats struct {
	Running      bool      `json:"running"`
	LastTrigger  time.Time `json:"last_trigger,omitempty"`
	TriggerCount int       `json:"trigger_count"`
	Pending      int       `json:"pending"`
}

// Watcher triggers incremental reindexing when the extraction tree changes.
type Watcher struct {
	units    *unit.Store
	indexer  Indexer
	root     string
	debounce time.Duration

	mu       sync.Mutex
	pending  map[string]bool // changed unit ids
	reload   bool            // manifest or index files changed
	timer    *time.Timer
	running  bool
	triggers int
	lastAt   time.Time
}

// New creates a watcher over the extraction tree at root. A zero debounce
// uses the default window.
func New(units *unit.Store, indexer Indexer, root string, debounce time.Duration) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		units:    units,
		indexer:  indexer,
		root:     root,
		debounce: debounce,
		pending:  map[string]bool{},
	}
}

// Run watches until the context is cancelled. It is a blocking call; run it
// in its own goroutine.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	if err := fsw.Add(w.root); err != nil {
		return err
	}
	entries, err := os.ReadDir(w.root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			if err := fsw.Add(filepath.Join(w.root, e.Name())); err != nil {
				slog.Warn("watch subdirectory failed",
					slog.String("dir", e.Name()),
					slog.String("error", err.Error()))
			}
		}
	}

	w.mu.Lock()
	w.running = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.running = false
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
	}()

	slog.Info("watching extraction tree", slog.String("root", w.root))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			// New type directories appear when the extractor learns a new
			// unit type; start watching them immediately.
			if event.Op.Has(fsnotify.Create) {
				if info, statErr := os.Stat(event.Name); statErr == nil && info.IsDir() {
					_ = fsw.Add(event.Name)
					continue
				}
			}
			w.observe(ctx, event)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("watcher error", slog.String("error", err.Error()))
		}
	}
}

// observe records one file event and (re)arms the debounce timer.
func (w *Watcher) observe(ctx context.Context, event fsnotify.Event) {
	if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) &&
		!event.Op.Has(fsnotify.Remove) && !event.Op.Has(fsnotify.Rename) {
		return
	}

	base := filepath.Base(event.Name)
	w.mu.Lock()
	defer w.mu.Unlock()

	switch {
	case base == "manifest.json" || base == "_index.json":
		w.reload = true
	default:
		id, ok := unit.IdentifierFromFileName(base)
		if !ok {
			return
		}
		w.pending[id] = true
	}

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() { w.flush(ctx) })
}

// flush reloads the tree if needed and reindexes the coalesced batch.
func (w *Watcher) flush(ctx context.Context) {
	w.mu.Lock()
	ids := make([]string, 0, len(w.pending))
	for id := range w.pending {
		ids = append(ids, id)
	}
	reload := w.reload
	w.pending = map[string]bool{}
	w.reload = false
	w.mu.Unlock()

	if len(ids) == 0 && !reload {
		return
	}
	sort.Strings(ids)

	if reload {
		if err := w.units.Reload(); err != nil {
			slog.Error("extraction tree reload failed", slog.String("error", err.Error()))
			return
		}
		// An index rewrite can add units without touching prior events.
		if len(ids) == 0 {
			ids = w.units.AllIDs()
		}
	}

	report, err := w.indexer.IndexIncremental(ctx, ids)
	w.mu.Lock()
	w.triggers++
	w.lastAt = time.Now().UTC()
	w.mu.Unlock()

	if err != nil {
		slog.Error("watch-triggered reindex failed",
			slog.Int("units", len(ids)),
			slog.String("error", err.Error()))
		return
	}
	slog.Info("watch-triggered reindex",
		slog.Int("units", len(ids)),
		slog.Int("chunks_embedded", report.ChunksEmbed),
		slog.Int("units_deleted", report.UnitsDeleted))
}

// Stats returns the current watcher counters.
func (w *Watcher) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Stats{
		Running:      w.running,
		LastTrigger:  w.lastAt,
		TriggerCount: w.triggers,
		Pending:      len(w.pending),
	}
}
