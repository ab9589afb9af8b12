package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	railerr "github.com/railscope/railscope/internal/errors"
)

// GuardState is the persisted cooldown record. Incremental runs never touch
// it, so they cannot reset the timer.
type GuardState struct {
	LastFullExtract time.Time `json:"last_full_extract"`
	LastFullEmbed   time.Time `json:"last_full_embed"`
}

// Guard enforces the cooldown between full pipeline runs. The state file is
// protected by an advisory flock so concurrent operators never race a
// read-modify-write.
type Guard struct {
	path     string
	cooldown time.Duration
	fl       *flock.Flock

	// now is swapped in tests.
	now func() time.Time
}

// NewGuard creates a guard over the state file at path. A zero cooldown
// falls back to 300s.
func NewGuard(path string, cooldown time.Duration) *Guard {
	if cooldown <= 0 {
		cooldown = 300 * time.Second
	}
	return &Guard{
		path:     path,
		cooldown: cooldown,
		fl:       flock.New(path + ".flock"),
		now:      time.Now,
	}
}

// CheckFull returns a Cooldown error when a full run of the given operation
// ("extract" or "embed") was recorded within the cooldown window.
func (g *Guard) CheckFull(operation string) error {
	return g.withLock(func(state *GuardState) error {
		last := state.lastFor(operation)
		if last.IsZero() {
			return nil
		}
		elapsed := g.now().Sub(last)
		if elapsed < g.cooldown {
			remaining := g.cooldown - elapsed
			return railerr.Newf(railerr.KindCooldown, "pipeline.guard",
				"full %s ran %s ago, retry in %s or run incremental",
				operation, elapsed.Round(time.Second), remaining.Round(time.Second))
		}
		return nil
	})
}

// RecordFull stamps the completion time of a full run.
func (g *Guard) RecordFull(operation string) error {
	return g.withLock(func(state *GuardState) error {
		switch operation {
		case "extract":
			state.LastFullExtract = g.now().UTC()
		case "embed":
			state.LastFullEmbed = g.now().UTC()
		default:
			return railerr.Newf(railerr.KindValidation, "pipeline.guard",
				"unknown operation %q", operation)
		}
		return g.save(state)
	})
}

// State reads the current guard state.
func (g *Guard) State() (GuardState, error) {
	var out GuardState
	err := g.withLock(func(state *GuardState) error {
		out = *state
		return nil
	})
	return out, err
}

func (gs *GuardState) lastFor(operation string) time.Time {
	if operation == "extract" {
		return gs.LastFullExtract
	}
	return gs.LastFullEmbed
}

// withLock runs fn with the state file flocked and the current state loaded.
func (g *Guard) withLock(fn func(*GuardState) error) error {
	if err := os.MkdirAll(filepath.Dir(g.path), 0o755); err != nil {
		return railerr.Wrap(railerr.KindInternal, "pipeline.guard", err)
	}
	if err := g.fl.Lock(); err != nil {
		return railerr.Wrap(railerr.KindInternal, "pipeline.guard", err)
	}
	defer func() { _ = g.fl.Unlock() }()

	state, err := g.load()
	if err != nil {
		return err
	}
	return fn(state)
}

func (g *Guard) load() (*GuardState, error) {
	data, err := os.ReadFile(g.path)
	if os.IsNotExist(err) {
		return &GuardState{}, nil
	}
	if err != nil {
		return nil, railerr.Wrap(railerr.KindInternal, "pipeline.guard", err)
	}
	var state GuardState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, railerr.Wrap(railerr.KindCorruption, "pipeline.guard",
			fmt.Errorf("parse guard state: %w", err))
	}
	return &state, nil
}

func (g *Guard) save(state *GuardState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return railerr.Wrap(railerr.KindInternal, "pipeline.guard", err)
	}
	tmp := g.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return railerr.Wrap(railerr.KindInternal, "pipeline.guard", err)
	}
	if err := os.Rename(tmp, g.path); err != nil {
		return railerr.Wrap(railerr.KindInternal, "pipeline.guard", err)
	}
	return nil
}
