package embed

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/railscope/railscope/internal/config"
	railerr "github.com/railscope/railscope/internal/errors"
)

// countingProvider wraps the static provider and counts inner calls, with an
// optional scripted failure sequence.
type countingProvider struct {
	StaticProvider
	calls    atomic.Int64
	failures atomic.Int64
	failWith error
}

func (c *countingProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	c.calls.Add(1)
	if c.failures.Load() > 0 {
		c.failures.Add(-1)
		return nil, c.failWith
	}
	return c.StaticProvider.Embed(ctx, text)
}

func (c *countingProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	c.calls.Add(1)
	if c.failures.Load() > 0 {
		c.failures.Add(-1)
		return nil, c.failWith
	}
	return c.StaticProvider.EmbedBatch(ctx, texts)
}

func TestStaticProviderDeterministic(t *testing.T) {
	p := NewStaticProvider()
	ctx := context.Background()

	a, err := p.Embed(ctx, "checkout payment order")
	require.NoError(t, err)
	b, err := p.Embed(ctx, "checkout payment order")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, StaticDimensions)

	// Case folding makes tokenization insensitive to casing.
	c, err := p.Embed(ctx, "CHECKOUT Payment ORDER")
	require.NoError(t, err)
	assert.Equal(t, a, c)

	d, err := p.Embed(ctx, "refund webhook")
	require.NoError(t, err)
	assert.NotEqual(t, a, d)
}

func TestStaticProviderNormalized(t *testing.T) {
	p := NewStaticProvider()
	vec, err := p.Embed(context.Background(), "order total line items")
	require.NoError(t, err)

	var sumSquares float64
	for _, v := range vec {
		sumSquares += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(sumSquares), 1e-5)

	// An empty text yields the zero vector, passed through unnormalized.
	zero, err := p.Embed(context.Background(), "")
	require.NoError(t, err)
	for _, v := range zero {
		assert.Zero(t, v)
	}
}

func TestCachedServesHits(t *testing.T) {
	inner := &countingProvider{}
	cached := NewCached(inner, 16)
	ctx := context.Background()

	first, err := cached.Embed(ctx, "order total")
	require.NoError(t, err)
	second, err := cached.Embed(ctx, "order total")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), inner.calls.Load())
}

func TestCachedBatchForwardsOnlyMisses(t *testing.T) {
	inner := &countingProvider{}
	cached := NewCached(inner, 16)
	ctx := context.Background()

	warm, err := cached.Embed(ctx, "order")
	require.NoError(t, err)

	vecs, err := cached.EmbedBatch(ctx, []string{"order", "payment", "refund"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Equal(t, warm, vecs[0])
	// One warm call plus one batch call for the two misses.
	assert.Equal(t, int64(2), inner.calls.Load())

	// Everything is now cached; no further inner calls.
	_, err = cached.EmbedBatch(ctx, []string{"payment", "refund"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), inner.calls.Load())
}

func TestRetryableRecoversFromTransient(t *testing.T) {
	inner := &countingProvider{
		failWith: railerr.New(railerr.KindTransient, "embed.test", "connection reset"),
	}
	inner.failures.Store(2)
	r := NewRetryable(inner, RetryConfig{
		MaxAttempts:  4,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
	})

	vec, err := r.Embed(context.Background(), "order")
	require.NoError(t, err)
	assert.Len(t, vec, StaticDimensions)
	assert.Equal(t, int64(3), inner.calls.Load())
}

func TestRetryableNeverRetriesValidation(t *testing.T) {
	inner := &countingProvider{
		failWith: railerr.New(railerr.KindValidation, "embed.test", "bad model"),
	}
	inner.failures.Store(10)
	r := NewRetryable(inner, RetryConfig{
		MaxAttempts:  4,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
	})

	_, err := r.Embed(context.Background(), "order")
	assert.Equal(t, railerr.KindValidation, railerr.KindOf(err))
	assert.Equal(t, int64(1), inner.calls.Load())
}

func TestRetryableExhaustsAttempts(t *testing.T) {
	inner := &countingProvider{
		failWith: railerr.New(railerr.KindTransient, "embed.test", "timeout"),
	}
	inner.failures.Store(10)
	r := NewRetryable(inner, RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
	})

	_, err := r.EmbedBatch(context.Background(), []string{"order"})
	assert.Equal(t, railerr.KindTransient, railerr.KindOf(err))
	assert.Equal(t, int64(3), inner.calls.Load())
}

func TestRetryableHonoursCancellation(t *testing.T) {
	inner := &countingProvider{}
	r := NewRetryable(inner, RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Embed(ctx, "order")
	assert.Equal(t, railerr.KindCancelled, railerr.KindOf(err))
	assert.Zero(t, inner.calls.Load())
}

func ollamaTestServer(t *testing.T, dims int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/embed":
			var req embedRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			resp := embedResponse{Embeddings: make([][]float32, len(req.Input))}
			for i := range req.Input {
				vec := make([]float32, dims)
				vec[i%dims] = 1
				resp.Embeddings[i] = vec
			}
			require.NoError(t, json.NewEncoder(w).Encode(resp))
		case "/api/tags":
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func TestOllamaProvider(t *testing.T) {
	srv := ollamaTestServer(t, 8)
	defer srv.Close()

	p := NewOllamaProvider(OllamaConfig{Host: srv.URL, Model: "nomic-embed-text", BatchSize: 2})
	defer func() { _ = p.Close() }()
	ctx := context.Background()

	assert.Zero(t, p.Dimensions())
	assert.True(t, p.Available(ctx))

	// Five texts at batch size two exercise the batch splitter.
	vecs, err := p.EmbedBatch(ctx, []string{"a", "b", "c", "d", "e"})
	require.NoError(t, err)
	require.Len(t, vecs, 5)
	for _, v := range vecs {
		assert.Len(t, v, 8)
	}
	assert.Equal(t, 8, p.Dimensions())
}

func TestOllamaProviderErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	p := NewOllamaProvider(OllamaConfig{Host: srv.URL, Model: "missing"})
	defer func() { _ = p.Close() }()

	_, err := p.Embed(context.Background(), "order")
	assert.Equal(t, railerr.KindValidation, railerr.KindOf(err))

	require.NoError(t, p.Close())
	_, err = p.EmbedBatch(context.Background(), []string{"order"})
	assert.Equal(t, railerr.KindInternal, railerr.KindOf(err))
}

func TestOllamaProviderTransientStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := NewOllamaProvider(OllamaConfig{Host: srv.URL, Model: "nomic-embed-text"})
	defer func() { _ = p.Close() }()

	_, err := p.Embed(context.Background(), "order")
	assert.Equal(t, railerr.KindTransient, railerr.KindOf(err))
	assert.True(t, railerr.IsRetryable(err))
}

func TestNewFromConfig(t *testing.T) {
	p := NewFromConfig(config.EmbeddingConfig{Provider: "static"})
	defer func() { _ = p.Close() }()
	assert.Equal(t, "static-hash-256", p.ModelName())
	assert.Equal(t, StaticDimensions, p.Dimensions())

	// Unknown providers degrade to the static fallback instead of failing.
	p2 := NewFromConfig(config.EmbeddingConfig{Provider: "acme"})
	defer func() { _ = p2.Close() }()
	assert.Equal(t, "static-hash-256", p2.ModelName())
}
