// Package pipeline is the operator control plane: the system-wide write lock,
// the full-run cooldown guard, status aggregation, index validation, and
// scoped repairs.
package pipeline

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	railerr "github.com/railscope/railscope/internal/errors"
)

// LockInfo is the JSON payload written into the lock file by its holder.
type LockInfo struct {
	Agent       string    `json:"agent"`
	Operation   string    `json:"operation"`
	StartedAt   time.Time `json:"started_at"`
	PID         int       `json:"pid"`
	HeartbeatAt time.Time `json:"heartbeat_at"`
	Host        string    `json:"host"`
}

// Lock is the system-wide advisory lock guarding write operations (extract,
// embed, repair). Acquisition is atomic through exclusive file creation, not
// a read-then-write check. The holder refreshes a heartbeat inside the
// payload; a contender may take over only when the heartbeat is older than
// the stale threshold and the holder can be confirmed dead.
type Lock struct {
	path           string
	heartbeatEvery time.Duration
	staleAfter     time.Duration

	mu   sync.Mutex
	held bool
	stop chan struct{}
	done chan struct{}
}

// NewLock creates a lock manager for the given path. Zero durations fall
// back to a 30s heartbeat and a 1h stale threshold.
func NewLock(path string, heartbeatEvery, staleAfter time.Duration) *Lock {
	if heartbeatEvery <= 0 {
		heartbeatEvery = 30 * time.Second
	}
	if staleAfter <= 0 {
		staleAfter = time.Hour
	}
	return &Lock{path: path, heartbeatEvery: heartbeatEvery, staleAfter: staleAfter}
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Acquire takes the lock for the given agent and operation. Returns a
// LockContention error when another live holder owns it.
func (l *Lock) Acquire(agent, operation string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return railerr.New(railerr.KindLockContention, "pipeline.lock",
			"lock already held by this process")
	}

	err := l.create(agent, operation)
	if os.IsExist(err) {
		holder, readErr := l.readInfo()
		if readErr == nil && holder != nil && l.isStale(holder) {
			slog.Warn("taking over stale pipeline lock",
				slog.String("holder_agent", holder.Agent),
				slog.Int("holder_pid", holder.PID),
				slog.Time("heartbeat_at", holder.HeartbeatAt))
			if rmErr := os.Remove(l.path); rmErr != nil && !os.IsNotExist(rmErr) {
				return railerr.Wrap(railerr.KindInternal, "pipeline.lock", rmErr)
			}
			err = l.create(agent, operation)
		}
	}
	if os.IsExist(err) {
		e := railerr.New(railerr.KindLockContention, "pipeline.lock",
			"pipeline lock held by another process")
		if holder, readErr := l.readInfo(); readErr == nil && holder != nil {
			e = e.WithDetail("holder_agent", holder.Agent).
				WithDetail("holder_operation", holder.Operation)
		}
		return e
	}
	if err != nil {
		return railerr.Wrap(railerr.KindInternal, "pipeline.lock", err)
	}

	l.held = true
	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	go l.heartbeat(l.stop, l.done)
	return nil
}

// create writes the lock file with O_EXCL so two contenders cannot both
// succeed on an empty path.
func (l *Lock) create(agent, operation string) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	host, _ := os.Hostname()
	now := time.Now().UTC()
	info := LockInfo{
		Agent:       agent,
		Operation:   operation,
		StartedAt:   now,
		PID:         os.Getpid(),
		HeartbeatAt: now,
		Host:        host,
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	_, err = f.Write(data)
	return err
}

// Release stops the heartbeat and removes the lock file. Safe to call when
// the lock is not held.
func (l *Lock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return nil
	}
	close(l.stop)
	<-l.done
	l.held = false
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return railerr.Wrap(railerr.KindInternal, "pipeline.lock", err)
	}
	return nil
}

// Holder reads the current lock payload. A missing lock file returns nil
// with no error.
func (l *Lock) Holder() (*LockInfo, error) {
	info, err := l.readInfo()
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, railerr.Wrap(railerr.KindInternal, "pipeline.lock", err)
	}
	return info, nil
}

func (l *Lock) readInfo() (*LockInfo, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, err
	}
	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("parse lock payload: %w", err)
	}
	return &info, nil
}

// isStale reports whether a holder's lock may be taken over: the heartbeat
// must be older than the stale threshold AND the holder confirmed dead. A
// holder on another host can never be confirmed dead from here, so its lock
// is only forced once the heartbeat exceeds twice the threshold.
func (l *Lock) isStale(info *LockInfo) bool {
	age := time.Since(info.HeartbeatAt)
	if age < l.staleAfter {
		return false
	}
	host, _ := os.Hostname()
	if info.Host != host {
		return age >= 2*l.staleAfter
	}
	return !processAlive(info.PID)
}

// heartbeat rewrites the payload with a fresh timestamp until stopped.
func (l *Lock) heartbeat(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			info, err := l.readInfo()
			if err != nil {
				slog.Warn("lock heartbeat read failed", slog.String("error", err.Error()))
				continue
			}
			info.HeartbeatAt = time.Now().UTC()
			data, err := json.MarshalIndent(info, "", "  ")
			if err != nil {
				continue
			}
			if err := os.WriteFile(l.path, data, 0o644); err != nil {
				slog.Warn("lock heartbeat write failed", slog.String("error", err.Error()))
			}
		}
	}
}

// processAlive checks PID liveness with signal 0. FindProcess always
// succeeds on Unix, so the signal probe is the real check.
func processAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
