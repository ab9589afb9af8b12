// Package embed defines the embedding provider interface and its wrappers:
// an Ollama-style HTTP provider, a deterministic offline fallback, retry with
// exponential backoff, and an LRU cache keyed by content hash.
package embed

import (
	"context"
	"math"
	"time"
)

const (
	// DefaultBatchSize is the default texts-per-call batch size.
	DefaultBatchSize = 32

	// MaxBatchSize caps a single provider call.
	MaxBatchSize = 256

	// DefaultMaxRetries is the default retry attempt count for transient
	// provider failures.
	DefaultMaxRetries = 3

	// DefaultTimeout is the per-call timeout for HTTP providers.
	DefaultTimeout = 60 * time.Second

	// StaticDimensions is the vector dimension of the offline fallback.
	StaticDimensions = 256
)

// Provider generates vector embeddings for text.
type Provider interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts; results map back
	// to inputs by order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding dimension.
	Dimensions() int

	// ModelName returns the model identifier.
	ModelName() string

	// Available checks if the provider is ready; used by health probes.
	Available(ctx context.Context) bool

	// Close releases resources.
	Close() error
}

// normalizeVector scales v to unit length. Zero vectors pass through.
func normalizeVector(v []float32) []float32 {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	magnitude := math.Sqrt(sumSquares)
	if magnitude == 0 {
		return v
	}
	normalized := make([]float32, len(v))
	for i, val := range v {
		normalized[i] = float32(float64(val) / magnitude)
	}
	return normalized
}
