package watch

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/railscope/railscope/internal/index"
	"github.com/railscope/railscope/internal/unit"
)

type recordingIndexer struct {
	mu    sync.Mutex
	calls [][]string
}

func (r *recordingIndexer) IndexIncremental(ctx context.Context, ids []string) (*index.Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, ids)
	return &index.Report{UnitsSeen: len(ids)}, nil
}

func (r *recordingIndexer) snapshot() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]string, len(r.calls))
	copy(out, r.calls)
	return out
}

func writeTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	manifest := `{"schema_version":1,"extracted_at":"2026-08-20T00:00:00Z","counts":{"models":1},"git_sha":"abc"}`
	require.NoError(t, os.WriteFile(filepath.Join(root, "manifest.json"), []byte(manifest), 0o644))

	dir := filepath.Join(root, "models")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	writeUnit(t, dir, "User", "class User\nend\n")
	idx, err := json.Marshal([]unit.IndexEntry{{Identifier: "User"}})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "_index.json"), idx, 0o644))
	return root
}

func writeUnit(t *testing.T, dir, id, source string) {
	t.Helper()
	u := unit.ExtractedUnit{
		Identifier: id,
		Type:       unit.TypeModel,
		SourceCode: source,
		SourceHash: unit.HashContent(source),
		Metadata:   map[string]any{},
	}
	body, err := json.Marshal(u)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, unit.FileNameFor(id)), body, 0o644))
}

func startWatcher(t *testing.T, root string, rec *recordingIndexer) *Watcher {
	t.Helper()
	units, err := unit.NewStore(root)
	require.NoError(t, err)

	w := New(units, rec, root, 50*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = w.Run(ctx) }()

	require.Eventually(t, func() bool { return w.Stats().Running },
		2*time.Second, 10*time.Millisecond)
	return w
}

func TestWatcher(t *testing.T) {
	t.Run("changed unit file triggers an incremental reindex of that id", func(t *testing.T) {
		root := writeTree(t)
		rec := &recordingIndexer{}
		w := startWatcher(t, root, rec)

		writeUnit(t, filepath.Join(root, "models"), "User", "class User\n  validates :email\nend\n")

		require.Eventually(t, func() bool { return len(rec.snapshot()) > 0 },
			2*time.Second, 10*time.Millisecond)
		assert.Equal(t, []string{"User"}, rec.snapshot()[0])
		assert.Equal(t, 1, w.Stats().TriggerCount)
	})

	t.Run("a burst of writes coalesces into one trigger", func(t *testing.T) {
		root := writeTree(t)
		rec := &recordingIndexer{}
		w := startWatcher(t, root, rec)

		dir := filepath.Join(root, "models")
		writeUnit(t, dir, "User", "class User # v2\nend\n")
		writeUnit(t, dir, "Order", "class Order\nend\n")
		writeUnit(t, dir, "User", "class User # v3\nend\n")

		require.Eventually(t, func() bool { return w.Stats().TriggerCount > 0 },
			2*time.Second, 10*time.Millisecond)
		// Allow a second debounce window to pass; no further triggers may
		// arrive for the same burst.
		time.Sleep(150 * time.Millisecond)
		calls := rec.snapshot()
		require.Len(t, calls, 1)
		assert.ElementsMatch(t, []string{"Order", "User"}, calls[0])
	})

	t.Run("non-unit files are ignored", func(t *testing.T) {
		root := writeTree(t)
		rec := &recordingIndexer{}
		w := startWatcher(t, root, rec)

		require.NoError(t, os.WriteFile(filepath.Join(root, "models", "notes.txt"), []byte("x"), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(root, "models", "_scratch.json"), []byte("{}"), 0o644))

		time.Sleep(200 * time.Millisecond)
		assert.Empty(t, rec.snapshot())
		assert.Equal(t, 0, w.Stats().TriggerCount)
	})

	t.Run("index rewrite reloads the store before reindexing", func(t *testing.T) {
		root := writeTree(t)
		rec := &recordingIndexer{}
		w := startWatcher(t, root, rec)

		dir := filepath.Join(root, "models")
		writeUnit(t, dir, "Order", "class Order\nend\n")
		idx, err := json.Marshal([]unit.IndexEntry{{Identifier: "User"}, {Identifier: "Order"}})
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, "_index.json"), idx, 0o644))

		require.Eventually(t, func() bool { return w.Stats().TriggerCount > 0 },
			2*time.Second, 10*time.Millisecond)
		calls := rec.snapshot()
		require.NotEmpty(t, calls)
		assert.Contains(t, calls[0], "Order")
	})
}
