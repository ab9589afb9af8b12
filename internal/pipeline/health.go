package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/railscope/railscope/internal/embed"
	railerr "github.com/railscope/railscope/internal/errors"
	"github.com/railscope/railscope/internal/store"
	"github.com/railscope/railscope/internal/unit"
)

// Probe is one subsystem health result.
type Probe struct {
	Component string        `json:"component"`
	OK        bool          `json:"ok"`
	Detail    string        `json:"detail,omitempty"`
	Latency   time.Duration `json:"latency"`
}

// Health runs cheap per-backend probes. The embedding provider is only
// exercised on a deep check since a probe call costs a real model invocation.
type Health struct {
	units    *unit.Store
	provider embed.Provider
	vectors  store.VectorStore
	metadata store.MetadataStore
	graphs   store.GraphStore
}

// NewHealth wires a health checker.
func NewHealth(units *unit.Store, provider embed.Provider, vectors store.VectorStore,
	metadata store.MetadataStore, graphs store.GraphStore) *Health {
	return &Health{units: units, provider: provider, vectors: vectors,
		metadata: metadata, graphs: graphs}
}

// Check probes every backend and returns the results in a fixed order.
func (h *Health) Check(ctx context.Context, deep bool) []Probe {
	probes := []Probe{
		h.probe("unit_store", func() error {
			m := h.units.Manifest()
			if m.SchemaVersion == 0 {
				return fmt.Errorf("manifest missing or unversioned")
			}
			return nil
		}),
		h.probe("vector_store", func() error {
			h.vectors.Count()
			return nil
		}),
		h.probe("metadata_store", func() error {
			_, err := h.metadata.Query(ctx, nil, 1)
			return err
		}),
		h.probe("graph_store", func() error {
			_, err := h.graphs.DependenciesOf(ctx, "health-probe")
			if railerr.IsKind(err, railerr.KindNotFound) {
				return nil
			}
			return err
		}),
	}

	if deep {
		probes = append(probes, h.probe("embedder", func() error {
			if !h.provider.Available(ctx) {
				return fmt.Errorf("provider %s unavailable", h.provider.ModelName())
			}
			vec, err := h.provider.Embed(ctx, "health probe")
			if err != nil {
				return err
			}
			if len(vec) != h.provider.Dimensions() {
				return fmt.Errorf("dimension mismatch: got %d, want %d",
					len(vec), h.provider.Dimensions())
			}
			return nil
		}))
	}
	return probes
}

func (h *Health) probe(component string, fn func() error) Probe {
	start := time.Now()
	err := fn()
	p := Probe{Component: component, OK: err == nil, Latency: time.Since(start)}
	if err != nil {
		p.Detail = err.Error()
	}
	return p
}
