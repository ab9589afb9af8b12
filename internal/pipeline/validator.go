package pipeline

import (
	"context"
	"sort"
	"time"

	railerr "github.com/railscope/railscope/internal/errors"
	"github.com/railscope/railscope/internal/index"
	"github.com/railscope/railscope/internal/store"
	"github.com/railscope/railscope/internal/unit"
)

// ValidationReport lists index drift found by a validation pass. Every slice
// is sorted for stable output.
type ValidationReport struct {
	// Missing units are in the extraction tree but not in the checkpoint.
	Missing []string `json:"missing"`
	// Orphaned units are in the checkpoint but no longer in the tree.
	Orphaned []string `json:"orphaned"`
	// HashMismatch units changed on disk since they were embedded.
	HashMismatch []string `json:"hash_mismatch"`
	// StaleVectors are vector ids with no matching checkpoint chunk entry.
	StaleVectors []string `json:"stale_vectors"`

	CheckedAt time.Time `json:"checked_at"`
}

// Clean reports whether no drift was found.
func (r *ValidationReport) Clean() bool {
	return len(r.Missing) == 0 && len(r.Orphaned) == 0 &&
		len(r.HashMismatch) == 0 && len(r.StaleVectors) == 0
}

// Validator recomputes source hashes over the extraction tree and compares
// them against the checkpoint and the vector store.
type Validator struct {
	units          *unit.Store
	vectors        store.VectorStore
	checkpointPath string
}

// NewValidator wires a validator.
func NewValidator(units *unit.Store, vectors store.VectorStore, checkpointPath string) *Validator {
	return &Validator{units: units, vectors: vectors, checkpointPath: checkpointPath}
}

// Validate walks the tree and emits a drift report. A missing checkpoint is
// not an error: every unit reports as missing.
func (v *Validator) Validate(ctx context.Context) (*ValidationReport, error) {
	cp, err := index.LoadCheckpoint(v.checkpointPath)
	if err != nil {
		return nil, railerr.Wrap(railerr.KindCorruption, "pipeline.validate", err)
	}
	if cp == nil {
		cp = index.NewCheckpoint("", 0, 0)
	}

	report := &ValidationReport{CheckedAt: time.Now().UTC()}

	present := map[string]bool{}
	for _, id := range v.units.AllIDs() {
		if err := railerr.FromContext(ctx, "pipeline.validate"); err != nil {
			return nil, err
		}
		present[id] = true

		u, err := v.units.Get(ctx, id)
		if err != nil {
			report.Missing = append(report.Missing, id)
			continue
		}
		recorded, ok := cp.Units[id]
		switch {
		case !ok:
			report.Missing = append(report.Missing, id)
		case recorded != u.SourceHash:
			report.HashMismatch = append(report.HashMismatch, id)
		case u.SourceHash != "" && u.SourceHash != unit.HashContent(u.SourceCode):
			// The artifact's declared hash no longer matches its body; the
			// embed is based on content that was since edited in place.
			report.HashMismatch = append(report.HashMismatch, id)
		}
	}

	for id := range cp.Units {
		if !present[id] {
			report.Orphaned = append(report.Orphaned, id)
		}
	}

	for _, vecID := range v.vectors.AllIDs() {
		if _, ok := cp.Chunks[vecID]; !ok {
			report.StaleVectors = append(report.StaleVectors, vecID)
		}
	}

	sort.Strings(report.Missing)
	sort.Strings(report.Orphaned)
	sort.Strings(report.HashMismatch)
	sort.Strings(report.StaleVectors)
	return report, nil
}
