package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	railerr "github.com/railscope/railscope/internal/errors"
)

// OllamaConfig configures the Ollama HTTP provider.
type OllamaConfig struct {
	Host       string        // API endpoint, default http://localhost:11434
	Model      string        // embedding model name
	Dimensions int           // 0 auto-detects from the first embedding
	BatchSize  int           // texts per /api/embed call
	Timeout    time.Duration // per-request timeout
}

// OllamaProvider generates embeddings through Ollama's /api/embed endpoint.
type OllamaProvider struct {
	client    *http.Client
	transport *http.Transport
	config    OllamaConfig

	mu     sync.RWMutex
	dims   int
	closed bool
}

var _ Provider = (*OllamaProvider)(nil)

// NewOllamaProvider creates the provider. Dimension detection is deferred to
// the first embedding call so construction never blocks on the backend.
func NewOllamaProvider(cfg OllamaConfig) *OllamaProvider {
	if cfg.Host == "" {
		cfg.Host = "http://localhost:11434"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchSize > MaxBatchSize {
		cfg.BatchSize = MaxBatchSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	transport := &http.Transport{
		MaxIdleConns:        4,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     10 * time.Second,
	}
	return &OllamaProvider{
		// No client-level timeout: per-request contexts carry deadlines so
		// the retriever's apportioned deadline is authoritative.
		client:    &http.Client{Transport: transport},
		transport: transport,
		config:    cfg,
		dims:      cfg.Dimensions,
	}
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed generates an embedding for a single text.
func (p *OllamaProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch generates embeddings for texts, splitting into provider-sized
// batches and mapping results back by input order.
func (p *OllamaProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, railerr.New(railerr.KindInternal, "embed.ollama", "provider closed")
	}
	p.mu.RUnlock()

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += p.config.BatchSize {
		end := start + p.config.BatchSize
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := p.callEmbed(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (p *OllamaProvider) callEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := railerr.FromContext(ctx, "embed.ollama"); err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	body, err := json.Marshal(embedRequest{Model: p.config.Model, Input: texts})
	if err != nil {
		return nil, railerr.Wrap(railerr.KindInternal, "embed.ollama", err)
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, p.config.Host+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, railerr.Wrap(railerr.KindInternal, "embed.ollama", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		if ctxErr := railerr.FromContext(ctx, "embed.ollama"); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, railerr.Wrap(railerr.KindTransient, "embed.ollama", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		kind := railerr.KindTransient
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			kind = railerr.KindValidation
		}
		return nil, railerr.Newf(kind, "embed.ollama", "status %d: %s", resp.StatusCode, string(raw))
	}

	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, railerr.Wrap(railerr.KindTransient, "embed.ollama", err)
	}
	if len(parsed.Embeddings) != len(texts) {
		return nil, railerr.Newf(railerr.KindTransient, "embed.ollama",
			"embedding count mismatch: want %d got %d", len(texts), len(parsed.Embeddings))
	}

	for i := range parsed.Embeddings {
		parsed.Embeddings[i] = normalizeVector(parsed.Embeddings[i])
	}

	p.mu.Lock()
	if p.dims == 0 && len(parsed.Embeddings) > 0 {
		p.dims = len(parsed.Embeddings[0])
	}
	p.mu.Unlock()

	return parsed.Embeddings, nil
}

// Dimensions returns the embedding dimension (0 until first detection when
// not configured).
func (p *OllamaProvider) Dimensions() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.dims
}

// ModelName returns the configured model identifier.
func (p *OllamaProvider) ModelName() string { return p.config.Model }

// Available probes the backend with a cheap tags listing.
func (p *OllamaProvider) Available(ctx context.Context) bool {
	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, p.config.Host+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// Close releases idle connections.
func (p *OllamaProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.transport.CloseIdleConnections()
	return nil
}

// String describes the provider for logs.
func (p *OllamaProvider) String() string {
	return fmt.Sprintf("ollama(%s@%s)", p.config.Model, p.config.Host)
}
