package embed

import (
	"log/slog"

	"github.com/railscope/railscope/internal/config"
)

// NewFromConfig builds the configured provider stack: base provider wrapped
// with retry and an LRU cache. Unknown providers fall back to static with a
// warning rather than failing startup.
func NewFromConfig(cfg config.EmbeddingConfig) Provider {
	var base Provider
	switch cfg.Provider {
	case "ollama":
		base = NewOllamaProvider(OllamaConfig{
			Host:       cfg.Host,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
			BatchSize:  cfg.BatchSize,
		})
	case "static":
		base = NewStaticProvider()
	default:
		slog.Warn("unknown embedding provider, using static fallback",
			slog.String("provider", cfg.Provider))
		base = NewStaticProvider()
	}

	retryCfg := DefaultRetryConfig()
	if cfg.MaxRetries > 0 {
		retryCfg.MaxAttempts = cfg.MaxRetries + 1
	}
	return NewCached(NewRetryable(base, retryCfg), DefaultCacheSize)
}
