package resilience

import (
	"sort"
	"sync"
	"time"
)

// Well-known component names used across the engine.
const (
	ComponentEmbedder      = "embedder"
	ComponentVectorStore   = "vector_store"
	ComponentMetadataStore = "metadata_store"
	ComponentGraphStore    = "graph_store"
)

// Registry holds one breaker per external component.
type Registry struct {
	maxFailures  int
	resetTimeout time.Duration

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry applying the given defaults to every
// breaker it mints.
func NewRegistry(maxFailures int, resetTimeout time.Duration) *Registry {
	return &Registry{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		breakers:     make(map[string]*Breaker),
	}
}

// For returns the breaker for a component, creating it on first use.
func (r *Registry) For(component string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[component]; ok {
		return b
	}
	b := NewBreaker(component,
		WithMaxFailures(r.maxFailures),
		WithResetTimeout(r.resetTimeout))
	r.breakers[component] = b
	return b
}

// ComponentState reports a breaker's state for status output.
type ComponentState struct {
	Component string `json:"component"`
	State     string `json:"state"`
	Failures  int    `json:"failures"`
}

// States returns the state of every registered breaker, sorted by name.
func (r *Registry) States() []ComponentState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ComponentState, 0, len(r.breakers))
	for name, b := range r.breakers {
		out = append(out, ComponentState{
			Component: name,
			State:     b.State().String(),
			Failures:  b.Failures(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Component < out[j].Component })
	return out
}
