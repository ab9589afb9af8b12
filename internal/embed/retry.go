package embed

import (
	"context"
	"log/slog"
	"time"

	railerr "github.com/railscope/railscope/internal/errors"
)

// RetryConfig configures exponential backoff for transient provider errors.
type RetryConfig struct {
	MaxAttempts  int           // total attempts including the first
	InitialDelay time.Duration // delay before the first retry
	MaxDelay     time.Duration // backoff cap
}

// DefaultRetryConfig returns the 1s/2s/4s/8s-capped schedule.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  DefaultMaxRetries + 1,
		InitialDelay: 1 * time.Second,
		MaxDelay:     8 * time.Second,
	}
}

// Retryable wraps a provider with exponential backoff on transient errors.
// Validation and cancellation errors are never retried; on exhaustion the
// last error bubbles up.
type Retryable struct {
	inner Provider
	cfg   RetryConfig
}

var _ Provider = (*Retryable)(nil)

// NewRetryable wraps inner with the given retry configuration.
func NewRetryable(inner Provider, cfg RetryConfig) *Retryable {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxRetries + 1
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 8 * time.Second
	}
	return &Retryable{inner: inner, cfg: cfg}
}

// Embed retries the single-text call.
func (r *Retryable) Embed(ctx context.Context, text string) ([]float32, error) {
	var vec []float32
	err := r.withRetry(ctx, "embed", func() error {
		var callErr error
		vec, callErr = r.inner.Embed(ctx, text)
		return callErr
	})
	return vec, err
}

// EmbedBatch retries the batch call. Providers return all-or-nothing per
// call, so a retry re-submits the whole batch; the indexer keeps partial
// progress by committing smaller batches.
func (r *Retryable) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var vecs [][]float32
	err := r.withRetry(ctx, "embed_batch", func() error {
		var callErr error
		vecs, callErr = r.inner.EmbedBatch(ctx, texts)
		return callErr
	})
	return vecs, err
}

func (r *Retryable) withRetry(ctx context.Context, op string, fn func() error) error {
	delay := r.cfg.InitialDelay
	var lastErr error

	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		if err := railerr.FromContext(ctx, "embed.retry."+op); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !railerr.IsRetryable(lastErr) {
			return lastErr
		}
		if attempt == r.cfg.MaxAttempts {
			break
		}

		slog.Debug("embedding call failed, retrying",
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", lastErr.Error()))

		select {
		case <-ctx.Done():
			return railerr.Wrap(railerr.KindCancelled, "embed.retry."+op, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
		if delay > r.cfg.MaxDelay {
			delay = r.cfg.MaxDelay
		}
	}
	return lastErr
}

// Dimensions delegates to the wrapped provider.
func (r *Retryable) Dimensions() int { return r.inner.Dimensions() }

// ModelName delegates to the wrapped provider.
func (r *Retryable) ModelName() string { return r.inner.ModelName() }

// Available delegates to the wrapped provider.
func (r *Retryable) Available(ctx context.Context) bool { return r.inner.Available(ctx) }

// Close delegates to the wrapped provider.
func (r *Retryable) Close() error { return r.inner.Close() }
