package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	railerr "github.com/railscope/railscope/internal/errors"
	"github.com/railscope/railscope/internal/unit"
)

type cliFixture struct {
	id     string
	typ    unit.Type
	dir    string
	source string
	deps   []unit.Dependency
}

var cliFixtures = []cliFixture{
	{
		id: "CheckoutService", typ: unit.TypeService, dir: "services",
		source: "class CheckoutService\n  def call\n    checkout payment order total\n  end\nend\n",
		deps:   []unit.Dependency{{Target: "Order", Kind: "uses"}},
	},
	{
		id: "Order", typ: unit.TypeModel, dir: "models",
		source: "class Order\n  order total line_items checkout\nend\n",
	},
}

// writeWorkspace lays out an extraction tree plus a railscope.yaml pointing
// at it, and returns the config path.
func writeWorkspace(t *testing.T) string {
	t.Helper()
	root := t.TempDir()

	counts := map[string]int{}
	byDir := map[string][]cliFixture{}
	for _, f := range cliFixtures {
		counts[f.dir]++
		byDir[f.dir] = append(byDir[f.dir], f)
	}
	manifest := map[string]any{
		"schema_version": 1,
		"extracted_at":   "2026-08-20T00:00:00Z",
		"counts":         counts,
		"git_sha":        "deadbeefcafe",
	}
	data, err := json.Marshal(manifest)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(root, "manifest.json"), data, 0o644))

	for dir, fs := range byDir {
		require.NoError(t, os.MkdirAll(filepath.Join(root, dir), 0o755))
		var entries []unit.IndexEntry
		for _, f := range fs {
			u := unit.ExtractedUnit{
				Identifier:   f.id,
				Type:         f.typ,
				FilePath:     fmt.Sprintf("app/%s/%s.rb", dir, f.id),
				SourceCode:   f.source,
				SourceHash:   unit.HashContent(f.source),
				Dependencies: f.deps,
				Metadata:     map[string]any{},
			}
			body, err := json.Marshal(u)
			require.NoError(t, err)
			require.NoError(t, os.WriteFile(
				filepath.Join(root, dir, unit.FileNameFor(f.id)), body, 0o644))
			entries = append(entries, unit.IndexEntry{Identifier: f.id})
		}
		idxData, err := json.Marshal(entries)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(root, dir, "_index.json"), idxData, 0o644))
	}

	cfgPath := filepath.Join(t.TempDir(), "railscope.yaml")
	cfg := fmt.Sprintf("output_dir: %s\nembedding:\n  provider: static\n", root)
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o644))
	return cfgPath
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := NewRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "railscope")

	out, err = runCLI(t, "version", "--json")
	require.NoError(t, err)
	var info map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Contains(t, info, "go_version")
}

func TestIndexCommand(t *testing.T) {
	cfgPath := writeWorkspace(t)

	out, err := runCLI(t, "--config", cfgPath, "index")
	require.NoError(t, err)
	assert.NotEmpty(t, out)

	// A second full run inside the cooldown window must be refused.
	_, err = runCLI(t, "--config", cfgPath, "index")
	require.Error(t, err)
	assert.Equal(t, railerr.KindCooldown, railerr.KindOf(err))
	assert.Equal(t, 4, railerr.KindOf(err).ExitCode())
}

func TestIndexCommandValidation(t *testing.T) {
	cfgPath := writeWorkspace(t)

	_, err := runCLI(t, "--config", cfgPath, "index", "--mode", "incremental")
	require.Error(t, err)
	assert.Equal(t, railerr.KindValidation, railerr.KindOf(err))

	_, err = runCLI(t, "--config", cfgPath, "index", "--mode", "turbo")
	require.Error(t, err)
	assert.Equal(t, railerr.KindValidation, railerr.KindOf(err))
}

func TestIndexCommandIncremental(t *testing.T) {
	cfgPath := writeWorkspace(t)

	_, err := runCLI(t, "--config", cfgPath, "index")
	require.NoError(t, err)

	out, err := runCLI(t, "--config", cfgPath, "index",
		"--mode", "incremental", "--id", "Order")
	require.NoError(t, err)
	assert.NotEmpty(t, out)
}

func TestStatusCommand(t *testing.T) {
	cfgPath := writeWorkspace(t)
	_, err := runCLI(t, "--config", cfgPath, "index")
	require.NoError(t, err)

	out, err := runCLI(t, "--config", cfgPath, "status", "--json")
	require.NoError(t, err)

	var report struct {
		TotalUnits   int  `json:"total_units"`
		IndexedUnits int  `json:"indexed_units"`
		Stale        bool `json:"stale"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, 2, report.TotalUnits)
	assert.Equal(t, 2, report.IndexedUnits)
	assert.False(t, report.Stale)
}

func TestSearchCommand(t *testing.T) {
	cfgPath := writeWorkspace(t)
	_, err := runCLI(t, "--config", cfgPath, "index")
	require.NoError(t, err)

	out, err := runCLI(t, "--config", cfgPath, "search", "checkout", "payment", "--json")
	require.NoError(t, err)

	var res struct {
		Bundle map[string]any `json:"bundle"`
		Trace  map[string]any `json:"trace"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.NotNil(t, res.Bundle)
	assert.NotNil(t, res.Trace)
}

func TestDiagnoseCommand(t *testing.T) {
	cfgPath := writeWorkspace(t)
	_, err := runCLI(t, "--config", cfgPath, "index")
	require.NoError(t, err)

	out, err := runCLI(t, "--config", cfgPath, "diagnose")
	require.NoError(t, err)
	assert.NotEmpty(t, out)
}

func TestRepairCommandValidation(t *testing.T) {
	cfgPath := writeWorkspace(t)
	_, err := runCLI(t, "--config", cfgPath, "index")
	require.NoError(t, err)

	_, err = runCLI(t, "--config", cfgPath, "repair", "bogus")
	require.Error(t, err)
	assert.Equal(t, railerr.KindValidation, railerr.KindOf(err))
}
