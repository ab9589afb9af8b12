// Package resilience provides per-component circuit breakers that isolate
// failing backends: embedding providers and each store get their own breaker.
package resilience

import (
	"sync"
	"time"

	railerr "github.com/railscope/railscope/internal/errors"
)

// State is the circuit breaker state.
type State int

const (
	// StateClosed allows requests; the normal state.
	StateClosed State = iota
	// StateOpen blocks requests after sustained failure.
	StateOpen
	// StateHalfOpen allows a single trial after the reset timeout.
	StateHalfOpen
)

// String returns the wire name of the state.
func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Breaker is a mutex-guarded three-state circuit breaker. The failure count
// is incremented under the same lock that guards state transitions, so
// concurrent callers never lose increments.
type Breaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	trialActive bool // a half-open trial is in flight
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithMaxFailures sets consecutive failures before the circuit opens.
func WithMaxFailures(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.maxFailures = n
		}
	}
}

// WithResetTimeout sets the open-state duration before a half-open trial.
func WithResetTimeout(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.resetTimeout = d
		}
	}
}

// NewBreaker creates a breaker. Defaults: 5 failures, 30 second reset.
func NewBreaker(name string, opts ...Option) *Breaker {
	b := &Breaker{
		name:         name,
		maxFailures:  5,
		resetTimeout: 30 * time.Second,
		state:        StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the component name.
func (b *Breaker) Name() string { return b.name }

// State returns the effective state, accounting for reset-timeout expiry.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.effectiveState()
}

// effectiveState must be called with the lock held.
func (b *Breaker) effectiveState() State {
	if b.state == StateOpen && time.Since(b.lastFailure) > b.resetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Open reports whether calls would currently be rejected.
func (b *Breaker) Open() bool {
	return b.State() == StateOpen
}

// Call executes op through the breaker. When open it returns a CircuitOpen
// error without invoking op. Half-open admits exactly one trial: success
// closes the circuit, failure re-opens it; concurrent callers during a trial
// are rejected as open.
func (b *Breaker) Call(op func() error) error {
	b.mu.Lock()
	switch b.effectiveState() {
	case StateOpen:
		b.mu.Unlock()
		return railerr.Newf(railerr.KindCircuitOpen, "breaker."+b.name,
			"circuit open after %d consecutive failures", b.maxFailures)
	case StateHalfOpen:
		if b.trialActive {
			b.mu.Unlock()
			return railerr.Newf(railerr.KindCircuitOpen, "breaker."+b.name,
				"half-open trial already in flight")
		}
		b.state = StateHalfOpen
		b.trialActive = true
		b.mu.Unlock()

		err := op()

		b.mu.Lock()
		b.trialActive = false
		if err != nil {
			b.state = StateOpen
			b.lastFailure = time.Now()
			b.mu.Unlock()
			return err
		}
		b.failures = 0
		b.state = StateClosed
		b.mu.Unlock()
		return nil
	default: // closed
		b.mu.Unlock()

		err := op()

		b.mu.Lock()
		defer b.mu.Unlock()
		if err != nil {
			b.failures++
			b.lastFailure = time.Now()
			if b.failures >= b.maxFailures {
				b.state = StateOpen
			}
			return err
		}
		b.failures = 0
		b.state = StateClosed
		return nil
	}
}
