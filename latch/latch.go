// Package latch provides the short-held, per-node exclusive locks used by the
// tree, the cleaner and the evictor. A latch is not a transactional lock: it is
// never held across a blocking wait for another latch higher in the tree.
package latch

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// Counter tracks how many latches are currently held in one environment.
// Tests use it to assert that an operation released everything it took.
type Counter struct {
	held atomic.Int64
}

// Held returns the number of latches currently held.
func (c *Counter) Held() int64 {
	if c == nil {
		return 0
	}
	return c.held.Load()
}

func (c *Counter) inc() {
	if c != nil {
		c.held.Add(1)
	}
}

func (c *Counter) dec() {
	if c != nil {
		c.held.Add(-1)
	}
}

// Latch is an exclusive latch with blocking and non-blocking acquire.
// The zero value is usable but not counted; use New to attach a Counter.
type Latch struct {
	mu      sync.Mutex
	owned   atomic.Bool
	counter *Counter
}

// New returns a latch reporting to counter (which may be nil).
func New(counter *Counter) *Latch {
	return &Latch{counter: counter}
}

// Acquire blocks until the latch is held.
func (l *Latch) Acquire() {
	l.mu.Lock()
	l.owned.Store(true)
	l.counter.inc()
}

// TryAcquire takes the latch only if it is free right now.
func (l *Latch) TryAcquire() bool {
	if !l.mu.TryLock() {
		return false
	}
	l.owned.Store(true)
	l.counter.inc()
	return true
}

// ErrReleaseFree is the panic value of releasing a latch nobody holds.
var ErrReleaseFree = errors.New("latch: release of free latch")

// Release gives the latch back. Releasing a free latch panics with
// ErrReleaseFree and leaves the latch and its counter as they were.
func (l *Latch) Release() {
	if !l.owned.CompareAndSwap(true, false) {
		panic(ErrReleaseFree)
	}
	l.counter.dec()
	l.mu.Unlock()
}

// IsHeld reports whether somebody holds the latch. It is a racy snapshot
// suitable for selection heuristics and assertions, never for correctness.
func (l *Latch) IsHeld() bool {
	return l.owned.Load()
}
