// Package index drives the extract-prepare-embed-upsert pipeline: full and
// incremental indexing gated by content hashes, with a persisted checkpoint.
package index

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// CheckpointSchemaVersion identifies the checkpoint file layout.
const CheckpointSchemaVersion = 1

// Checkpoint records what has been embedded: unit source hashes and chunk
// content hashes. A chunk whose stored hash matches the current content is
// skipped on reindex.
type Checkpoint struct {
	SchemaVersion int    `json:"schema_version"`
	HeaderSchema  int    `json:"header_schema_version"`
	ProviderModel string `json:"provider_model"`
	Dimensions    int    `json:"dimensions"`

	EmbeddedAt time.Time `json:"embedded_at"`

	// Units maps unit identifier to source_hash.
	Units map[string]string `json:"units"`
	// Chunks maps chunk id to content_hash.
	Chunks map[string]string `json:"chunks"`
}

// NewCheckpoint returns an empty checkpoint for the given provider identity.
func NewCheckpoint(model string, dimensions, headerSchema int) *Checkpoint {
	return &Checkpoint{
		SchemaVersion: CheckpointSchemaVersion,
		HeaderSchema:  headerSchema,
		ProviderModel: model,
		Dimensions:    dimensions,
		Units:         map[string]string{},
		Chunks:        map[string]string{},
	}
}

// LoadCheckpoint reads a checkpoint from path. A missing file returns nil
// with no error; the caller starts fresh.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("parse checkpoint: %w", err)
	}
	if cp.Units == nil {
		cp.Units = map[string]string{}
	}
	if cp.Chunks == nil {
		cp.Chunks = map[string]string{}
	}
	return &cp, nil
}

// Save writes the checkpoint atomically (temp file + rename).
func (cp *Checkpoint) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return os.Rename(tmp, path)
}

// Compatible reports whether the checkpoint was produced under the same
// provider model, dimension, and header schema. Incompatible checkpoints
// force a full re-embed.
func (cp *Checkpoint) Compatible(model string, dimensions, headerSchema int) bool {
	return cp.SchemaVersion == CheckpointSchemaVersion &&
		cp.ProviderModel == model &&
		cp.Dimensions == dimensions &&
		cp.HeaderSchema == headerSchema
}

// DropUnit removes a unit and all of its chunk entries.
func (cp *Checkpoint) DropUnit(id string) {
	delete(cp.Units, id)
	prefix := id + ":"
	for chunkID := range cp.Chunks {
		if strings.HasPrefix(chunkID, prefix) {
			delete(cp.Chunks, chunkID)
		}
	}
}
