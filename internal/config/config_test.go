package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 60, cfg.Search.RRFConstant)
	assert.Equal(t, "markdown", cfg.Assembly.Format)
	assert.Equal(t, 8000, cfg.Assembly.TokenBudget)
	assert.Equal(t, 300*time.Second, cfg.Pipeline.Cooldown)
	assert.Equal(t, "ollama", cfg.Embedding.Provider)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Search.RRFConstant, cfg.Search.RRFConstant)
}

func TestLoadFileOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "railscope.yaml")
	body := `
output_dir: /srv/extract
search:
  rrf_constant: 90
embedding:
  provider: static
assembly:
  token_budget: 4000
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/extract", cfg.OutputDir)
	assert.Equal(t, 90, cfg.Search.RRFConstant)
	assert.Equal(t, "static", cfg.Embedding.Provider)
	assert.Equal(t, 4000, cfg.Assembly.TokenBudget)
	// Untouched fields keep their defaults.
	assert.Equal(t, "markdown", cfg.Assembly.Format)
	assert.Equal(t, 32, cfg.Embedding.BatchSize)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "railscope.yaml")
	require.NoError(t, os.WriteFile(path, []byte("output_dir: [oops"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("OUTPUT_DIR", "/env/extract")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("DEADLINE_MS", "1500")
	t.Setenv("RAILSCOPE_EMBED_PROVIDER", "static")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/env/extract", cfg.OutputDir)
	assert.Equal(t, "debug", cfg.Server.LogLevel)
	assert.Equal(t, 1500*time.Millisecond, cfg.Server.Deadline)
	assert.Equal(t, "static", cfg.Embedding.Provider)
}

func TestEnvIgnoresBadDeadline(t *testing.T) {
	t.Setenv("DEADLINE_MS", "soon")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Server.Deadline, cfg.Server.Deadline)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.OutputDir = ""
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Search.RRFConstant = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Assembly.Format = "html"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Assembly.TokenBudget = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Embedding.BatchSize = 0
	assert.Error(t, cfg.Validate())
}

func TestDerivedPaths(t *testing.T) {
	cfg := Default()
	cfg.OutputDir = "/srv/extract"
	assert.Equal(t, filepath.Join("/srv/extract", ".railscope"), cfg.IndexDir())
	assert.Equal(t, filepath.Join("/srv/extract", ".pipeline.lock"), cfg.LockPath())
	assert.Equal(t, filepath.Join("/srv/extract", ".pipeline_guard.json"), cfg.GuardPath())
	assert.Equal(t, filepath.Join("/srv/extract", "feedback"), cfg.FeedbackDir())
}
