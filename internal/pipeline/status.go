package pipeline

import (
	"context"
	"time"

	railerr "github.com/railscope/railscope/internal/errors"
	"github.com/railscope/railscope/internal/index"
	"github.com/railscope/railscope/internal/resilience"
	"github.com/railscope/railscope/internal/unit"
)

// StatusReport aggregates the state an operator needs to decide between
// doing nothing, running incremental, and running full.
type StatusReport struct {
	SchemaVersion int            `json:"schema_version"`
	ExtractedAt   time.Time      `json:"extracted_at"`
	GitSHA        string         `json:"git_sha"`
	UnitCounts    map[string]int `json:"unit_counts"`
	TotalUnits    int            `json:"total_units"`

	IndexedUnits   int       `json:"indexed_units"`
	EmbeddedChunks int       `json:"embedded_chunks"`
	ProviderModel  string    `json:"provider_model,omitempty"`
	EmbeddedAt     time.Time `json:"embedded_at,omitempty"`

	// Stale means the extraction tree is newer than the last embed run.
	Stale      bool `json:"stale"`
	QueueDepth int  `json:"queue_depth"`

	Lock     *LockInfo                   `json:"lock,omitempty"`
	Guard    GuardState                  `json:"guard"`
	Breakers []resilience.ComponentState `json:"breakers"`
}

// Status aggregates manifest, checkpoint, lock, guard, and breaker state.
type Status struct {
	units    *unit.Store
	indexer  *index.Indexer
	lock     *Lock
	guard    *Guard
	breakers *resilience.Registry
}

// NewStatus wires a status reporter.
func NewStatus(units *unit.Store, indexer *index.Indexer, lock *Lock,
	guard *Guard, breakers *resilience.Registry) *Status {
	return &Status{units: units, indexer: indexer, lock: lock, guard: guard, breakers: breakers}
}

// Report builds the current status snapshot.
func (s *Status) Report(ctx context.Context) (*StatusReport, error) {
	if err := railerr.FromContext(ctx, "pipeline.status"); err != nil {
		return nil, err
	}

	m := s.units.Manifest()
	report := &StatusReport{
		SchemaVersion: m.SchemaVersion,
		ExtractedAt:   m.ExtractedAt,
		GitSHA:        m.GitSHA,
		UnitCounts:    m.Counts,
		TotalUnits:    s.units.Count(),
		QueueDepth:    s.indexer.QueueDepth(),
		Breakers:      s.breakers.States(),
	}

	if cp := s.indexer.Checkpoint(); cp != nil {
		report.IndexedUnits = len(cp.Units)
		report.EmbeddedChunks = len(cp.Chunks)
		report.ProviderModel = cp.ProviderModel
		report.EmbeddedAt = cp.EmbeddedAt
		report.Stale = m.ExtractedAt.After(cp.EmbeddedAt)
	} else {
		report.Stale = report.TotalUnits > 0
	}

	holder, err := s.lock.Holder()
	if err != nil {
		return nil, err
	}
	report.Lock = holder

	guard, err := s.guard.State()
	if err != nil {
		return nil, err
	}
	report.Guard = guard

	return report, nil
}
