package embed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize is the LRU entry count for the embedding cache. Query
// embeddings repeat heavily (the classifier cache normalizes queries first),
// so a small cache gets a high hit rate.
const DefaultCacheSize = 4096

// Cached wraps a provider with an LRU cache keyed by content hash. Indexing
// rarely benefits (hash gating already skips unchanged chunks) but query-time
// embedding of repeated queries does.
type Cached struct {
	inner Provider
	cache *lru.Cache[string, []float32]
}

var _ Provider = (*Cached)(nil)

// NewCached wraps inner with an LRU cache of the given size.
func NewCached(inner Provider, size int) *Cached {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, _ := lru.New[string, []float32](size)
	return &Cached{inner: inner, cache: cache}
}

func cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Embed returns the cached vector when present.
func (c *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	key := cacheKey(text)
	if vec, ok := c.cache.Get(key); ok {
		return vec, nil
	}
	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, vec)
	return vec, nil
}

// EmbedBatch serves cached entries and forwards only the misses, stitching
// results back in input order.
func (c *Cached) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missTexts []string
	var missIdx []int

	for i, t := range texts {
		if vec, ok := c.cache.Get(cacheKey(t)); ok {
			out[i] = vec
			continue
		}
		missTexts = append(missTexts, t)
		missIdx = append(missIdx, i)
	}

	if len(missTexts) > 0 {
		vecs, err := c.inner.EmbedBatch(ctx, missTexts)
		if err != nil {
			return nil, err
		}
		for j, vec := range vecs {
			out[missIdx[j]] = vec
			c.cache.Add(cacheKey(missTexts[j]), vec)
		}
	}
	return out, nil
}

// Dimensions delegates to the wrapped provider.
func (c *Cached) Dimensions() int { return c.inner.Dimensions() }

// ModelName delegates to the wrapped provider.
func (c *Cached) ModelName() string { return c.inner.ModelName() }

// Available delegates to the wrapped provider.
func (c *Cached) Available(ctx context.Context) bool { return c.inner.Available(ctx) }

// Close delegates to the wrapped provider.
func (c *Cached) Close() error { return c.inner.Close() }
