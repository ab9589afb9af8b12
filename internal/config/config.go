// Package config loads the immutable Railscope configuration record.
// Precedence: built-in defaults < railscope.yaml < environment variables.
// The record is passed by value to component constructors and is never read
// globally after bootstrap.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete engine configuration.
type Config struct {
	// OutputDir is the root of the extraction tree (env: OUTPUT_DIR).
	OutputDir string `yaml:"output_dir"`

	Search    SearchConfig    `yaml:"search"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Assembly  AssemblyConfig  `yaml:"assembly"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Server    ServerConfig    `yaml:"server"`
}

// SearchConfig tunes the executor and ranker.
type SearchConfig struct {
	// RRFConstant is the RRF smoothing parameter k. Default 60.
	RRFConstant int `yaml:"rrf_constant"`

	// GraphExpansionTopK is how many top candidates seed depth-1 graph
	// expansion. Default 5.
	GraphExpansionTopK int `yaml:"graph_expansion_top_k"`

	// CandidateLimit is the per-strategy result cap. Default 30.
	CandidateLimit int `yaml:"candidate_limit"`

	// Ranker signal weights. Zero values fall back to defaults
	// (rrf 0.40, keyword 0.20, recency 0.15, importance 0.10,
	// type 0.10, diversity 0.05).
	WeightRRF        float64 `yaml:"weight_rrf"`
	WeightKeyword    float64 `yaml:"weight_keyword"`
	WeightRecency    float64 `yaml:"weight_recency"`
	WeightImportance float64 `yaml:"weight_importance"`
	WeightTypeMatch  float64 `yaml:"weight_type_match"`
	WeightDiversity  float64 `yaml:"weight_diversity"`
}

// EmbeddingConfig configures the embedding provider.
type EmbeddingConfig struct {
	// Provider selects the backend: "ollama" or "static".
	Provider string `yaml:"provider"`

	// Host is the provider endpoint for HTTP backends.
	Host string `yaml:"host"`

	// Model is the embedding model name.
	Model string `yaml:"model"`

	// Dimensions is the vector dimension; 0 auto-detects.
	Dimensions int `yaml:"dimensions"`

	// BatchSize caps texts per provider call. Default 32.
	BatchSize int `yaml:"batch_size"`

	// MaxInFlight bounds concurrent embedding batches. Default 2.
	MaxInFlight int `yaml:"max_in_flight"`

	// MaxRetries for transient provider failures. Default 3.
	MaxRetries int `yaml:"max_retries"`

	// CharCeiling is the per-text character ceiling enforced by the text
	// preparer. Default 8000 (≈2000 tokens at divisor 4).
	CharCeiling int `yaml:"char_ceiling"`
}

// AssemblyConfig configures the context assembler.
type AssemblyConfig struct {
	// TokenBudget is the default overall budget. Per-call values override.
	TokenBudget int `yaml:"token_budget"`

	// Format selects the adapter: "markdown", "xml", or "plain".
	Format string `yaml:"format"`
}

// PipelineConfig configures the operator control plane.
type PipelineConfig struct {
	// Cooldown between full pipeline runs. Default 300s.
	Cooldown time.Duration `yaml:"cooldown"`

	// LockStaleAfter is when a lock with no heartbeat is considered stale.
	// Default 1h.
	LockStaleAfter time.Duration `yaml:"lock_stale_after"`

	// HeartbeatInterval for the lock holder. Default 30s.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// BreakerThreshold is consecutive failures before a circuit opens.
	// Default 5.
	BreakerThreshold int `yaml:"breaker_threshold"`

	// BreakerReset is the open-state timeout before a half-open trial.
	// Default 30s.
	BreakerReset time.Duration `yaml:"breaker_reset"`
}

// ServerConfig configures the tool server and CLI.
type ServerConfig struct {
	// Deadline is the overall per-request deadline (env: DEADLINE_MS).
	// Default 30s.
	Deadline time.Duration `yaml:"deadline"`

	// LogLevel: debug, info, warn, error (env: LOG_LEVEL).
	LogLevel string `yaml:"log_level"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		OutputDir: filepath.Join("tmp", "codebase_index"),
		Search: SearchConfig{
			RRFConstant:        60,
			GraphExpansionTopK: 5,
			CandidateLimit:     30,
			WeightRRF:          0.40,
			WeightKeyword:      0.20,
			WeightRecency:      0.15,
			WeightImportance:   0.10,
			WeightTypeMatch:    0.10,
			WeightDiversity:    0.05,
		},
		Embedding: EmbeddingConfig{
			Provider:    "ollama",
			Host:        "http://localhost:11434",
			Model:       "nomic-embed-text",
			BatchSize:   32,
			MaxInFlight: 2,
			MaxRetries:  3,
			CharCeiling: 8000,
		},
		Assembly: AssemblyConfig{
			TokenBudget: 8000,
			Format:      "markdown",
		},
		Pipeline: PipelineConfig{
			Cooldown:          300 * time.Second,
			LockStaleAfter:    time.Hour,
			HeartbeatInterval: 30 * time.Second,
			BreakerThreshold:  5,
			BreakerReset:      30 * time.Second,
		},
		Server: ServerConfig{
			Deadline: 30 * time.Second,
			LogLevel: "info",
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file, and
// environment overrides. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Defaults apply.
		case err != nil:
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables onto the configuration.
func applyEnv(cfg *Config) {
	if v := os.Getenv("OUTPUT_DIR"); v != "" {
		cfg.OutputDir = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Server.LogLevel = v
	}
	if v := os.Getenv("DEADLINE_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.Server.Deadline = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("RAILSCOPE_EMBED_PROVIDER"); v != "" {
		cfg.Embedding.Provider = v
	}
	if v := os.Getenv("RAILSCOPE_EMBED_HOST"); v != "" {
		cfg.Embedding.Host = v
	}
	if v := os.Getenv("RAILSCOPE_EMBED_MODEL"); v != "" {
		cfg.Embedding.Model = v
	}
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	if c.OutputDir == "" {
		return fmt.Errorf("output_dir must not be empty")
	}
	if c.Search.RRFConstant <= 0 {
		return fmt.Errorf("search.rrf_constant must be positive")
	}
	if c.Embedding.BatchSize <= 0 {
		return fmt.Errorf("embedding.batch_size must be positive")
	}
	switch c.Assembly.Format {
	case "markdown", "xml", "plain":
	default:
		return fmt.Errorf("assembly.format must be markdown, xml, or plain")
	}
	if c.Assembly.TokenBudget <= 0 {
		return fmt.Errorf("assembly.token_budget must be positive")
	}
	return nil
}

// IndexDir returns the directory holding engine-materialized state
// (vector store, metadata database, checkpoint).
func (c Config) IndexDir() string {
	return filepath.Join(c.OutputDir, ".railscope")
}

// LockPath returns the pipeline lock file path.
func (c Config) LockPath() string {
	return filepath.Join(c.OutputDir, ".pipeline.lock")
}

// GuardPath returns the pipeline guard state file path.
func (c Config) GuardPath() string {
	return filepath.Join(c.OutputDir, ".pipeline_guard.json")
}

// FeedbackDir returns the feedback log directory.
func (c Config) FeedbackDir() string {
	return filepath.Join(c.OutputDir, "feedback")
}
