// Package workercell implements the generic worker-cell primitive (C3): a
// GC'd wrapper around one external ML subprocess with idle-timeout teardown
// and a readiness probe, reusable across TTS and RVC backends.
//
// The original design describes an actor `select { message | timeout_future
// | channel_closed }` loop; this implementation gets the same externally
// observable behaviour (state absent after `timeout` of inactivity, re-init
// on next access, timer re-armed on every access) with a mutex and a
// `time.Timer` instead of a hand-rolled future, which is the idiomatic Go
// shape for "do X unless something else happens first" — compare the
// teacher's `internal/session.Reconnector`, whose monitor goroutine plus
// `time.After` backoff is the same "reset a timer on activity" idea applied
// to reconnection instead of idle GC.
package workercell

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrClosed is returned by Get once the cell has been permanently closed.
var ErrClosed = errors.New("workercell: cell is closed")

// Initializer is the contract a worker-cell payload must satisfy: spawn (or
// otherwise acquire) whatever external resource it wraps, and release it.
type Initializer interface {
	// Init acquires the resource, blocking until it is ready or ctx expires.
	Init(ctx context.Context) error
	// Kill releases the resource. Called at most once per Init.
	Kill()
}

// Cell holds zero or one live instance of S, tearing it down after timeout
// of inactivity and re-initialising it lazily on the next Get. The idle
// deadline uses "now >= last access + timeout" semantics: the timer is
// armed for exactly timeout after every access, so it only ever fires at or
// after the deadline, never before.
type Cell[S Initializer] struct {
	factory func() S
	timeout time.Duration

	mu         sync.Mutex
	state      S
	present    bool
	lastAccess time.Time
	timer      *time.Timer
	closed     bool
}

// New creates a Cell that lazily builds instances of S via factory and GCs
// them after timeout of inactivity.
func New[S Initializer](factory func() S, timeout time.Duration) *Cell[S] {
	return &Cell[S]{factory: factory, timeout: timeout}
}

// Get returns the live state, initialising it first if absent. The idle
// timer is reset on every call, so an in-flight caller that holds onto the
// returned state across a slow operation effectively extends the deadline
// for the next caller too — matching spec's "worker-cell timeout is
// re-armed on every access" ordering guarantee.
func (c *Cell[S]) Get(ctx context.Context) (S, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero S
	if c.closed {
		return zero, ErrClosed
	}

	if !c.present {
		s := c.factory()
		if err := s.Init(ctx); err != nil {
			return zero, fmt.Errorf("workercell: init: %w", err)
		}
		c.state = s
		c.present = true
	}

	c.lastAccess = time.Now()
	c.armTimerLocked()
	return c.state, nil
}

// Kill tears down the live state, if any, and cancels the idle timer. The
// cell remains usable: the next Get re-initialises a fresh instance.
func (c *Cell[S]) Kill() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.killLocked()
}

// Close permanently disables the cell after tearing down any live state.
func (c *Cell[S]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.killLocked()
	c.closed = true
}

func (c *Cell[S]) killLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.present {
		c.state.Kill()
		var zero S
		c.state = zero
		c.present = false
	}
}

func (c *Cell[S]) armTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.timeout, c.onIdleTimeout)
}

func (c *Cell[S]) onIdleTimeout() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.present || c.closed {
		return
	}
	if time.Since(c.lastAccess) < c.timeout {
		// A concurrent Get raced the timer firing; it already re-armed for
		// the remaining time, nothing to do here.
		return
	}
	c.state.Kill()
	var zero S
	c.state = zero
	c.present = false
}

// Present reports whether a live instance currently exists, for tests and
// diagnostics.
func (c *Cell[S]) Present() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.present
}
