package pipeline

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

	"github.com/railscope/railscope/internal/embed"
	railerr "github.com/railscope/railscope/internal/errors"
	"github.com/railscope/railscope/internal/index"
	"github.com/railscope/railscope/internal/resilience"
	"github.com/railscope/railscope/internal/store"
	"github.com/railscope/railscope/internal/unit"
)

func writeExtractionTree(t *testing.T, sources map[string]string) string {
	t.Helper()
	root := t.TempDir()

	manifest := map[string]any{
		"schema_version": 1,
		"extracted_at":   time.Now().UTC().Format(time.RFC3339),
		"counts":         map[string]int{"models": len(sources)},
		"git_sha":        "abc123",
	}
	data, err := json.Marshal(manifest)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(root, "manifest.json"), data, 0o644))

	dir := filepath.Join(root, "models")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	var entries []unit.IndexEntry
	for id, src := range sources {
		u := unit.ExtractedUnit{
			Identifier: id,
			Type:       unit.TypeModel,
			FilePath:   "app/models/" + id + ".rb",
			SourceCode: src,
			SourceHash: unit.HashContent(src),
			Metadata:   map[string]any{"git": map[string]any{"change_frequency": "active"}},
		}
		body, err := json.Marshal(u)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, unit.FileNameFor(id)), body, 0o644))
		entries = append(entries, unit.IndexEntry{Identifier: id})
	}
	idxData, err := json.Marshal(entries)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "_index.json"), idxData, 0o644))
	return root
}

type harness struct {
	root     string
	units    *unit.Store
	vectors  *store.HNSWVectorStore
	metadata *store.SQLiteMetadataStore
	graphs   *store.SQLiteGraphStore
	indexer  *index.Indexer
	breakers *resilience.Registry
	provider *embed.StaticProvider
}

func (h *harness) checkpointPath() string {
	return filepath.Join(h.root, ".railscope", "checkpoint.json")
}

func newHarness(t *testing.T, sources map[string]string) *harness {
	t.Helper()
	root := writeExtractionTree(t, sources)

	units, err := unit.NewStore(root)
	require.NoError(t, err)

	provider := embed.NewStaticProvider()
	vectors, err := store.NewHNSWVectorStore(store.HNSWConfig{Dimensions: embed.StaticDimensions})
	require.NoError(t, err)
	metadata, err := store.NewSQLiteMetadataStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = metadata.Close() })
	graphs, err := store.NewSQLiteGraphStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = graphs.Close() })

	breakers := resilience.NewRegistry(5, time.Second)
	ix := index.New(units, provider, vectors, metadata, graphs, breakers, index.Options{
		CheckpointPath: filepath.Join(root, ".railscope", "checkpoint.json"),
		BatchSize:      4,
	})
	return &harness{
		root: root, units: units, vectors: vectors, metadata: metadata,
		graphs: graphs, indexer: ix, breakers: breakers, provider: provider,
	}
}

func TestLock(t *testing.T) {
	t.Run("concurrent acquires yield exactly one winner", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), ".pipeline.lock")

		const contenders = 8
		locks := make([]*Lock, contenders)
		results := make([]error, contenders)
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := 0; i < contenders; i++ {
			locks[i] = NewLock(path, time.Minute, time.Hour)
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				results[i] = locks[i].Acquire("test", "embed")
			}(i)
		}
		close(start)
		wg.Wait()

		winners := 0
		for i, err := range results {
			if err == nil {
				winners++
				require.NoError(t, locks[i].Release())
			} else {
				assert.True(t, railerr.IsKind(err, railerr.KindLockContention))
			}
		}
		assert.Equal(t, 1, winners)
	})

	t.Run("payload records agent, operation, pid, and heartbeat", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), ".pipeline.lock")
		l := NewLock(path, time.Minute, time.Hour)
		require.NoError(t, l.Acquire("operator", "extract"))
		defer func() { _ = l.Release() }()

		holder, err := l.Holder()
		require.NoError(t, err)
		require.NotNil(t, holder)
		assert.Equal(t, "operator", holder.Agent)
		assert.Equal(t, "extract", holder.Operation)
		assert.Equal(t, os.Getpid(), holder.PID)
		assert.False(t, holder.HeartbeatAt.IsZero())
		assert.NotEmpty(t, holder.Host)
	})

	t.Run("release removes the lock file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), ".pipeline.lock")
		l := NewLock(path, time.Minute, time.Hour)
		require.NoError(t, l.Acquire("operator", "embed"))
		require.NoError(t, l.Release())

		_, err := os.Stat(path)
		assert.True(t, os.IsNotExist(err))

		// The path is free for the next acquire.
		require.NoError(t, l.Acquire("operator", "embed"))
		require.NoError(t, l.Release())
	})

	t.Run("stale lock of a dead same-host holder is taken over", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), ".pipeline.lock")
		host, _ := os.Hostname()
		stale := LockInfo{
			Agent:       "crashed",
			Operation:   "embed",
			StartedAt:   time.Now().Add(-3 * time.Hour),
			PID:         1 << 30, // beyond any pid_max
			HeartbeatAt: time.Now().Add(-2 * time.Hour),
			Host:        host,
		}
		data, err := json.Marshal(stale)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(path, data, 0o644))

		l := NewLock(path, time.Minute, time.Hour)
		require.NoError(t, l.Acquire("operator", "embed"))
		require.NoError(t, l.Release())
	})

	t.Run("recent heartbeat is never taken over even if the pid is dead", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), ".pipeline.lock")
		host, _ := os.Hostname()
		live := LockInfo{
			Agent:       "other",
			Operation:   "embed",
			StartedAt:   time.Now(),
			PID:         1 << 30,
			HeartbeatAt: time.Now(),
			Host:        host,
		}
		data, err := json.Marshal(live)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(path, data, 0o644))

		l := NewLock(path, time.Minute, time.Hour)
		err = l.Acquire("operator", "embed")
		assert.True(t, railerr.IsKind(err, railerr.KindLockContention))
	})

	t.Run("live same-host holder keeps the lock past the threshold", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), ".pipeline.lock")
		host, _ := os.Hostname()
		// Our own pid is alive, so even an ancient heartbeat must not allow
		// takeover.
		held := LockInfo{
			Agent:       "other",
			Operation:   "embed",
			StartedAt:   time.Now().Add(-3 * time.Hour),
			PID:         os.Getpid(),
			HeartbeatAt: time.Now().Add(-2 * time.Hour),
			Host:        host,
		}
		data, err := json.Marshal(held)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(path, data, 0o644))

		l := NewLock(path, time.Minute, time.Hour)
		err = l.Acquire("operator", "embed")
		assert.True(t, railerr.IsKind(err, railerr.KindLockContention))
	})
}

func TestGuard(t *testing.T) {
	t.Run("second full run within the window is a cooldown error", func(t *testing.T) {
		g := NewGuard(filepath.Join(t.TempDir(), ".pipeline_guard.json"), 300*time.Second)

		require.NoError(t, g.CheckFull("extract"))
		require.NoError(t, g.RecordFull("extract"))

		err := g.CheckFull("extract")
		assert.True(t, railerr.IsKind(err, railerr.KindCooldown))
	})

	t.Run("incremental runs never touch the timer", func(t *testing.T) {
		g := NewGuard(filepath.Join(t.TempDir(), ".pipeline_guard.json"), 300*time.Second)
		require.NoError(t, g.RecordFull("extract"))

		before, err := g.State()
		require.NoError(t, err)

		// Incremental runs call neither CheckFull nor RecordFull, so the
		// recorded timestamp is untouched and the cooldown still applies.
		after, err := g.State()
		require.NoError(t, err)
		assert.Equal(t, before.LastFullExtract, after.LastFullExtract)
		assert.True(t, railerr.IsKind(g.CheckFull("extract"), railerr.KindCooldown))
	})

	t.Run("expired cooldown admits the next full run", func(t *testing.T) {
		g := NewGuard(filepath.Join(t.TempDir(), ".pipeline_guard.json"), 300*time.Second)
		require.NoError(t, g.RecordFull("embed"))

		g.now = func() time.Time { return time.Now().Add(301 * time.Second) }
		assert.NoError(t, g.CheckFull("embed"))
	})

	t.Run("extract and embed cooldowns are independent", func(t *testing.T) {
		g := NewGuard(filepath.Join(t.TempDir(), ".pipeline_guard.json"), 300*time.Second)
		require.NoError(t, g.RecordFull("extract"))

		assert.NoError(t, g.CheckFull("embed"))
		assert.Error(t, g.CheckFull("extract"))
	})

	t.Run("state survives a new guard over the same file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), ".pipeline_guard.json")
		require.NoError(t, NewGuard(path, time.Minute).RecordFull("extract"))

		state, err := NewGuard(path, time.Minute).State()
		require.NoError(t, err)
		assert.False(t, state.LastFullExtract.IsZero())
	})
}

func TestValidator(t *testing.T) {
	ctx := context.Background()

	t.Run("clean after a full index run", func(t *testing.T) {
		h := newHarness(t, map[string]string{"User": "class User\nend\n"})
		_, err := h.indexer.IndexAll(ctx)
		require.NoError(t, err)

		report, err := NewValidator(h.units, h.vectors, h.checkpointPath()).Validate(ctx)
		require.NoError(t, err)
		assert.True(t, report.Clean(), "missing=%v orphaned=%v mismatch=%v stale=%v",
			report.Missing, report.Orphaned, report.HashMismatch, report.StaleVectors)
	})

	t.Run("unindexed unit reports missing", func(t *testing.T) {
		h := newHarness(t, map[string]string{"User": "class User\nend\n"})

		report, err := NewValidator(h.units, h.vectors, h.checkpointPath()).Validate(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"User"}, report.Missing)
	})

	t.Run("edited unit reports hash mismatch", func(t *testing.T) {
		h := newHarness(t, map[string]string{"User": "class User\nend\n"})
		_, err := h.indexer.IndexAll(ctx)
		require.NoError(t, err)

		u := unit.ExtractedUnit{
			Identifier: "User",
			Type:       unit.TypeModel,
			SourceCode: "class User\n  validates :email\nend\n",
			Metadata:   map[string]any{},
		}
		u.SourceHash = unit.HashContent(u.SourceCode)
		body, err := json.Marshal(u)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(
			filepath.Join(h.root, "models", unit.FileNameFor("User")), body, 0o644))
		require.NoError(t, h.units.Reload())

		report, err := NewValidator(h.units, h.vectors, h.checkpointPath()).Validate(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"User"}, report.HashMismatch)
	})

	t.Run("checkpoint entry without a unit reports orphaned", func(t *testing.T) {
		h := newHarness(t, map[string]string{"User": "class User\nend\n"})
		_, err := h.indexer.IndexAll(ctx)
		require.NoError(t, err)

		cp, err := index.LoadCheckpoint(h.checkpointPath())
		require.NoError(t, err)
		cp.Units["Ghost"] = "deadbeef"
		require.NoError(t, cp.Save(h.checkpointPath()))

		report, err := NewValidator(h.units, h.vectors, h.checkpointPath()).Validate(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"Ghost"}, report.Orphaned)
	})

	t.Run("vector without a checkpoint chunk reports stale", func(t *testing.T) {
		h := newHarness(t, map[string]string{"User": "class User\nend\n"})
		_, err := h.indexer.IndexAll(ctx)
		require.NoError(t, err)

		vec, err := h.provider.Embed(ctx, "leftover")
		require.NoError(t, err)
		require.NoError(t, h.vectors.Upsert(ctx, "Ghost:whole:0:feedface", vec,
			store.VectorMetadata{Parent: "Ghost"}))

		report, err := NewValidator(h.units, h.vectors, h.checkpointPath()).Validate(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"Ghost:whole:0:feedface"}, report.StaleVectors)
	})
}

func TestRepairer(t *testing.T) {
	ctx := context.Background()

	newRepairer := func(h *harness, lock *Lock) *Repairer {
		return NewRepairer(h.indexer, h.vectors, h.units,
			NewValidator(h.units, h.vectors, h.checkpointPath()), lock)
	}

	t.Run("missing embeddings repairs from a validation pass", func(t *testing.T) {
		h := newHarness(t, map[string]string{"User": "class User\nend\n"})
		lock := NewLock(filepath.Join(h.root, ".pipeline.lock"), time.Minute, time.Hour)

		// Write the checkpoint file so the repairer's validator sees the
		// tree as fully missing.
		report, err := newRepairer(h, lock).Repair(ctx, RepairMissingEmbeddings, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"User"}, report.Affected)
		require.NotNil(t, report.Index)
		assert.Greater(t, report.Index.ChunksEmbed, 0)
		assert.Greater(t, h.vectors.Count(), 0)
	})

	t.Run("orphaned vectors are deleted", func(t *testing.T) {
		h := newHarness(t, map[string]string{"User": "class User\nend\n"})
		lock := NewLock(filepath.Join(h.root, ".pipeline.lock"), time.Minute, time.Hour)
		_, err := h.indexer.IndexAll(ctx)
		require.NoError(t, err)

		vec, err := h.provider.Embed(ctx, "leftover")
		require.NoError(t, err)
		require.NoError(t, h.vectors.Upsert(ctx, "Ghost:whole:0:feedface", vec,
			store.VectorMetadata{Parent: "Ghost"}))
		before := h.vectors.Count()

		report, err := newRepairer(h, lock).Repair(ctx, RepairOrphanedVectors, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"Ghost:whole:0:feedface"}, report.Affected)
		assert.Equal(t, before-1, h.vectors.Count())
	})

	t.Run("stale units force a re-embed despite matching hashes", func(t *testing.T) {
		h := newHarness(t, map[string]string{"User": "class User\nend\n"})
		lock := NewLock(filepath.Join(h.root, ".pipeline.lock"), time.Minute, time.Hour)
		_, err := h.indexer.IndexAll(ctx)
		require.NoError(t, err)

		report, err := newRepairer(h, lock).Repair(ctx, RepairStaleUnits, []string{"User"})
		require.NoError(t, err)
		require.NotNil(t, report.Index)
		assert.Greater(t, report.Index.ChunksEmbed, 0, "invalidation must defeat hash gating")
	})

	t.Run("stale units without identifiers is a validation error", func(t *testing.T) {
		h := newHarness(t, map[string]string{"User": "class User\nend\n"})
		lock := NewLock(filepath.Join(h.root, ".pipeline.lock"), time.Minute, time.Hour)

		_, err := newRepairer(h, lock).Repair(ctx, RepairStaleUnits, nil)
		assert.True(t, railerr.IsKind(err, railerr.KindValidation))
	})

	t.Run("repair refuses to run while the lock is held", func(t *testing.T) {
		h := newHarness(t, map[string]string{"User": "class User\nend\n"})
		lockPath := filepath.Join(h.root, ".pipeline.lock")

		other := NewLock(lockPath, time.Minute, time.Hour)
		require.NoError(t, other.Acquire("other", "embed"))
		defer func() { _ = other.Release() }()

		_, err := newRepairer(h, NewLock(lockPath, time.Minute, time.Hour)).
			Repair(ctx, RepairCountMismatch, nil)
		assert.True(t, railerr.IsKind(err, railerr.KindLockContention))
	})

	t.Run("unknown issue is rejected", func(t *testing.T) {
		h := newHarness(t, map[string]string{"User": "class User\nend\n"})
		lock := NewLock(filepath.Join(h.root, ".pipeline.lock"), time.Minute, time.Hour)

		_, err := newRepairer(h, lock).Repair(ctx, "defragment", nil)
		assert.True(t, railerr.IsKind(err, railerr.KindValidation))
	})
}

func TestStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("aggregates manifest, checkpoint, guard, and breakers", func(t *testing.T) {
		h := newHarness(t, map[string]string{"User": "class User\nend\n"})
		_, err := h.indexer.IndexAll(ctx)
		require.NoError(t, err)

		lock := NewLock(filepath.Join(h.root, ".pipeline.lock"), time.Minute, time.Hour)
		guard := NewGuard(filepath.Join(h.root, ".pipeline_guard.json"), time.Minute)
		require.NoError(t, guard.RecordFull("embed"))

		report, err := NewStatus(h.units, h.indexer, lock, guard, h.breakers).Report(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, report.TotalUnits)
		assert.Equal(t, 1, report.IndexedUnits)
		assert.Greater(t, report.EmbeddedChunks, 0)
		assert.Equal(t, "static-hash-256", report.ProviderModel)
		assert.Nil(t, report.Lock)
		assert.False(t, report.Guard.LastFullEmbed.IsZero())
		assert.NotEmpty(t, report.Breakers)
	})

	t.Run("reports the current lock holder", func(t *testing.T) {
		h := newHarness(t, map[string]string{"User": "class User\nend\n"})
		_, err := h.indexer.IndexAll(ctx)
		require.NoError(t, err)

		lock := NewLock(filepath.Join(h.root, ".pipeline.lock"), time.Minute, time.Hour)
		require.NoError(t, lock.Acquire("operator", "embed"))
		defer func() { _ = lock.Release() }()

		guard := NewGuard(filepath.Join(h.root, ".pipeline_guard.json"), time.Minute)
		report, err := NewStatus(h.units, h.indexer, lock, guard, h.breakers).Report(ctx)
		require.NoError(t, err)
		require.NotNil(t, report.Lock)
		assert.Equal(t, "operator", report.Lock.Agent)
	})
}

func TestHealth(t *testing.T) {
	ctx := context.Background()

	t.Run("shallow check probes the stores only", func(t *testing.T) {
		h := newHarness(t, map[string]string{"User": "class User\nend\n"})

		probes := NewHealth(h.units, h.provider, h.vectors, h.metadata, h.graphs).
			Check(ctx, false)
		require.Len(t, probes, 4)
		for _, p := range probes {
			assert.True(t, p.OK, "probe %s: %s", p.Component, p.Detail)
			assert.NotEqual(t, "embedder", p.Component)
		}
	})

	t.Run("deep check exercises the embedder", func(t *testing.T) {
		h := newHarness(t, map[string]string{"User": "class User\nend\n"})

		probes := NewHealth(h.units, h.provider, h.vectors, h.metadata, h.graphs).
			Check(ctx, true)
		require.Len(t, probes, 5)
		last := probes[len(probes)-1]
		assert.Equal(t, "embedder", last.Component)
		assert.True(t, last.OK, last.Detail)
	})
}
