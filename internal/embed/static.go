package embed

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"strings"
)

// StaticProvider produces deterministic embeddings from token hashes. It has
// no semantic quality but keeps retrieval functional offline and gives tests
// a provider with stable output.
type StaticProvider struct{}

var _ Provider = (*StaticProvider)(nil)

// NewStaticProvider returns the offline fallback provider.
func NewStaticProvider() *StaticProvider { return &StaticProvider{} }

// Embed hashes each whitespace token into a fixed-dimension bag-of-words
// vector, normalized to unit length.
func (s *StaticProvider) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, StaticDimensions)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		sum := sha256.Sum256([]byte(tok))
		idx := binary.BigEndian.Uint32(sum[:4]) % StaticDimensions
		sign := float32(1)
		if sum[4]&1 == 1 {
			sign = -1
		}
		vec[idx] += sign
	}
	return normalizeVector(vec), nil
}

// EmbedBatch embeds each text independently.
func (s *StaticProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := s.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// Dimensions returns the fixed static dimension.
func (s *StaticProvider) Dimensions() int { return StaticDimensions }

// ModelName identifies the fallback in checkpoints and status output.
func (s *StaticProvider) ModelName() string { return "static-hash-256" }

// Available always reports true; the provider has no backend.
func (s *StaticProvider) Available(context.Context) bool { return true }

// Close is a no-op.
func (s *StaticProvider) Close() error { return nil }
