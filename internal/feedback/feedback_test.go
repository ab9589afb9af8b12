package feedback

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	railerr "github.com/railscope/railscope/internal/errors"
)

func TestStore(t *testing.T) {
	t.Run("appends one JSONL line per entry into the UTC day file", func(t *testing.T) {
		dir := t.TempDir()
		s := NewStore(dir)
		fixed := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
		s.now = func() time.Time { return fixed }

		require.NoError(t, s.AddRating("checkout flow", "helpful", nil, ""))
		require.NoError(t, s.ReportGap("discount codes missing", "discounts", "model", "DiscountCode"))

		data, err := os.ReadFile(filepath.Join(dir, "2026-08-24.jsonl"))
		require.NoError(t, err)
		lines := 0
		for _, b := range data {
			if b == '\n' {
				lines++
			}
		}
		assert.Equal(t, 2, lines)
	})

	t.Run("rejects unknown ratings", func(t *testing.T) {
		s := NewStore(t.TempDir())
		err := s.AddRating("query", "amazing", nil, "")
		assert.True(t, railerr.IsKind(err, railerr.KindValidation))
	})

	t.Run("window reads across day files and skips garbage lines", func(t *testing.T) {
		dir := t.TempDir()
		s := NewStore(dir)

		day1 := time.Date(2026, 8, 23, 10, 0, 0, 0, time.UTC)
		day2 := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

		s.now = func() time.Time { return day1 }
		require.NoError(t, s.AddRating("old query", "partial", nil, ""))

		s.now = func() time.Time { return day2 }
		require.NoError(t, s.AddRating("new query", "helpful", nil, ""))

		// A corrupted line must not break the scan.
		f, err := os.OpenFile(filepath.Join(dir, "2026-08-24.jsonl"),
			os.O_WRONLY|os.O_APPEND, 0o644)
		require.NoError(t, err)
		_, err = f.WriteString("{not json\n")
		require.NoError(t, err)
		require.NoError(t, f.Close())

		entries, err := s.Window(day1.Add(-time.Hour))
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "old query", entries[0].Query)
		assert.Equal(t, "new query", entries[1].Query)

		recent, err := s.Window(day2.Add(-time.Hour))
		require.NoError(t, err)
		require.Len(t, recent, 1)
		assert.Equal(t, "new query", recent[0].Query)
	})

	t.Run("explain entries round-trip the trace payload", func(t *testing.T) {
		s := NewStore(t.TempDir())
		fixed := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
		s.now = func() time.Time { return fixed }

		require.NoError(t, s.RecordExplain("checkout", 3, 0.82,
			[]string{"CheckoutService"}, map[string]string{"strategy": "hybrid"}))

		entries, err := s.Window(fixed.Add(-time.Minute))
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, KindExplain, entries[0].Kind)
		assert.Equal(t, 3, entries[0].ResultCount)
		assert.JSONEq(t, `{"strategy":"hybrid"}`, string(entries[0].Trace))
	})
}

func TestGapDetector(t *testing.T) {
	d := NewGapDetector()

	t.Run("zero result queries rank high", func(t *testing.T) {
		signals := d.Detect([]Entry{
			{Kind: KindExplain, Query: "sidekiq jobs", ResultCount: 0},
			{Kind: KindExplain, Query: "sidekiq jobs", ResultCount: 0},
		})
		require.Len(t, signals, 1)
		assert.Equal(t, "high", signals[0].Priority)
		assert.Equal(t, SignalZeroResults, signals[0].Kind)
		assert.Equal(t, 2, signals[0].Count)
	})

	t.Run("low top score is medium, only when there were results", func(t *testing.T) {
		signals := d.Detect([]Entry{
			{Kind: KindExplain, Query: "weak match", ResultCount: 4, TopScore: 0.41},
			{Kind: KindExplain, Query: "strong match", ResultCount: 4, TopScore: 0.91},
		})
		require.Len(t, signals, 1)
		assert.Equal(t, "medium", signals[0].Priority)
		assert.Equal(t, "weak match", signals[0].Subject)
	})

	t.Run("identifier reported missing three times becomes a high signal", func(t *testing.T) {
		entries := []Entry{
			{Kind: KindGap, ExpectedIdentifier: "DiscountCode"},
			{Kind: KindRating, Rating: "partial", Missing: []string{"DiscountCode"}},
			{Kind: KindGap, ExpectedIdentifier: "DiscountCode"},
			{Kind: KindGap, ExpectedIdentifier: "OnlyOnce"},
		}
		signals := d.Detect(entries)
		require.Len(t, signals, 1)
		assert.Equal(t, SignalRepeatedGap, signals[0].Kind)
		assert.Equal(t, "DiscountCode", signals[0].Subject)
		assert.Equal(t, 3, signals[0].Count)
	})

	t.Run("chronic truncation is low priority", func(t *testing.T) {
		entries := []Entry{
			{Kind: KindExplain, ResultCount: 1, TopScore: 0.9, TruncatedUnits: []string{"Order"}},
			{Kind: KindExplain, ResultCount: 1, TopScore: 0.9, TruncatedUnits: []string{"Order"}},
			{Kind: KindExplain, ResultCount: 1, TopScore: 0.9, TruncatedUnits: []string{"Order"}},
		}
		signals := d.Detect(entries)
		require.Len(t, signals, 1)
		assert.Equal(t, "low", signals[0].Priority)
		assert.Equal(t, SignalChronicTruncation, signals[0].Kind)
	})

	t.Run("signals order by priority then count", func(t *testing.T) {
		entries := []Entry{
			{Kind: KindExplain, Query: "nothing", ResultCount: 0},
			{Kind: KindExplain, Query: "weak", ResultCount: 2, TopScore: 0.3},
			{Kind: KindExplain, Query: "weak", ResultCount: 2, TopScore: 0.3},
		}
		signals := d.Detect(entries)
		require.Len(t, signals, 2)
		assert.Equal(t, "high", signals[0].Priority)
		assert.Equal(t, "medium", signals[1].Priority)
	})
}
