package evictor

import "sync/atomic"

// Budget tracks cached bytes against the configured cache size.
type Budget struct {
	used     atomic.Int64
	max      atomic.Int64
	critical int64 // percent over max at which operations evict inline
	onOver   func()
}

// NewBudget returns a budget of max bytes. onOver, if set, is called when an
// addition crosses the limit.
func NewBudget(max int64, criticalPercent int, onOver func()) *Budget {
	b := &Budget{critical: int64(criticalPercent), onOver: onOver}
	b.max.Store(max)
	return b
}

// Add records a change in cached bytes.
func (b *Budget) Add(delta int64) {
	now := b.used.Add(delta)
	if delta > 0 && b.onOver != nil {
		if m := b.max.Load(); now > m && now-delta <= m {
			b.onOver()
		}
	}
}

func (b *Budget) Used() int64 { return b.used.Load() }
func (b *Budget) Max() int64  { return b.max.Load() }

// SetMax changes the cache size.
func (b *Budget) SetMax(max int64) { b.max.Store(max) }

// Over reports whether the cache exceeds its size.
func (b *Budget) Over() bool { return b.used.Load() > b.max.Load() }

// CriticalLevel is the usage past which operations must evict before going on.
func (b *Budget) CriticalLevel() int64 {
	m := b.max.Load()
	return m + m*b.critical/100
}

// Critical reports whether usage is past CriticalLevel.
func (b *Budget) Critical() bool { return b.used.Load() > b.CriticalLevel() }
