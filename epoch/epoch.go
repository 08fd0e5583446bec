// Package epoch defers the destruction of shared resources (log segments the
// cleaner has emptied) until no reader that might still reach them is active.
//
// Readers bracket their work with Enter/Exit. A resource is retired at the
// current epoch and the epoch is advanced; it is destroyed once every reader
// that entered at or before the retirement epoch has exited.
package epoch

import (
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// CleanupFunc destroys a retired resource.
type CleanupFunc func() error

// window tracks when a resource was retired (xmax) and how to destroy it.
type window struct {
	id      string
	xmax    uint64
	cleanup CleanupFunc
}

// Manager is owned by one environment. The zero value is not usable; call
// NewManager.
type Manager struct {
	current atomic.Uint64

	// readers counts active readers per epoch.
	readers sync.Map // uint64 -> *atomic.Int32

	mu      sync.Mutex
	retired map[string]*window
}

// NewManager starts at epoch 1 so that 0 can mean "never".
func NewManager() *Manager {
	m := &Manager{retired: make(map[string]*window)}
	m.current.Store(1)
	return m
}

// Enter pins the current epoch and returns it. Pair every Enter with Exit.
func (m *Manager) Enter() uint64 {
	for {
		e := m.current.Load()
		c, _ := m.readers.LoadOrStore(e, &atomic.Int32{})
		c.(*atomic.Int32).Add(1)
		if e == m.current.Load() {
			return e
		}
		// The epoch moved while we registered, retry on the new one.
		c.(*atomic.Int32).Add(-1)
	}
}

// Exit unpins an epoch returned by Enter.
func (m *Manager) Exit(e uint64) {
	if c, ok := m.readers.Load(e); ok {
		c.(*atomic.Int32).Add(-1)
	}
}

// Current returns the current epoch.
func (m *Manager) Current() uint64 {
	return m.current.Load()
}

// Advance bumps the epoch and returns the new value.
func (m *Manager) Advance() uint64 {
	return m.current.Add(1)
}

// OldestActive returns the oldest epoch with a pinned reader, or MaxUint64
// when nobody is reading.
func (m *Manager) OldestActive() uint64 {
	oldest := ^uint64(0)
	m.readers.Range(func(k, v any) bool {
		e := k.(uint64)
		if v.(*atomic.Int32).Load() > 0 {
			oldest = min(oldest, e)
		} else if e < m.current.Load() {
			// Drained and no longer enterable.
			m.readers.Delete(e)
		}
		return true
	})
	return oldest
}

// Retire schedules cleanup for id once all current readers are gone. Retiring
// the same id twice keeps the first registration.
func (m *Manager) Retire(id string, cleanup CleanupFunc) {
	m.mu.Lock()
	if _, ok := m.retired[id]; !ok {
		m.retired[id] = &window{id: id, xmax: m.current.Load(), cleanup: cleanup}
	}
	m.mu.Unlock()
	// New readers land in a later epoch and can never see the resource.
	m.Advance()
}

// IsRetired reports whether id is waiting for cleanup.
func (m *Manager) IsRetired(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.retired[id]
	return ok
}

// Pending returns the number of retired resources not yet destroyed.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.retired)
}

// TryCleanup destroys every retired resource no active reader can reach and
// returns the ids it destroyed. A failing cleanup is dropped from tracking and
// its error reported; the caller decides whether to retry.
func (m *Manager) TryCleanup() ([]string, error) {
	oldest := m.OldestActive()

	m.mu.Lock()
	var ready []*window
	for id, w := range m.retired {
		if w.xmax < oldest {
			ready = append(ready, w)
			delete(m.retired, id)
		}
	}
	m.mu.Unlock()

	var result *multierror.Error
	done := make([]string, 0, len(ready))
	for _, w := range ready {
		if err := w.cleanup(); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "cleanup %s", w.id))
			continue
		}
		done = append(done, w.id)
	}
	return done, result.ErrorOrNil()
}

// Stats is a debugging snapshot.
func (m *Manager) Stats() map[string]any {
	readers := make(map[uint64]int32)
	m.readers.Range(func(k, v any) bool {
		readers[k.(uint64)] = v.(*atomic.Int32).Load()
		return true
	})
	return map[string]any{
		"current_epoch": m.Current(),
		"oldest_active": m.OldestActive(),
		"readers":       readers,
		"pending":       m.Pending(),
	}
}
