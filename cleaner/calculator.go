package cleaner

import (
	"io"
	"log/slog"
	"math"
	"sync"
)

// probeCloseEnough is the correction at or above which an estimate is deemed
// good and probing slows down.
const probeCloseEnough = 0.9

// Adjustment describes one comparison of an estimated summary against the
// summary a full read of the segment produced.
type Adjustment struct {
	Seq        uint64
	Segment    uint32
	Probe      bool
	Estimated  FileSummary
	True       FileSummary
	EstUtil    float64
	TrueUtil   float64
	Correction float64
	// Prior is the factor before this adjustment; it stays in force when
	// Rejected is set.
	Prior    float64
	Rejected bool
}

// AdjustmentObserver is told about every adjustment, rejected or not.
type AdjustmentObserver func(Adjustment)

// CalculatorState is the part of the calculator that survives a restart.
type CalculatorState struct {
	Correction  float64 `msgpack:"cf"`
	Interval    int     `msgpack:"iv"`
	SinceAdjust int     `msgpack:"sa"`
	LastProbed  uint32  `msgpack:"lp"`
	HasProbed   bool    `msgpack:"hp"`
	Adjustments uint64  `msgpack:"ad"`
}

// Calculator owns the correction factor applied to estimated utilization and
// decides when a segment must be probed to refresh it.
type Calculator struct {
	mu          sync.Mutex
	correction  float64
	minInterval int
	maxInterval int
	interval    int
	sinceAdjust int
	lastProbed  uint32
	hasProbed   bool
	seq         uint64
	rejected    uint64
	probes      uint64

	observer AdjustmentObserver
	logger   *slog.Logger
}

// NewCalculator starts with no correction and the minimum probe interval,
// counted in segments written since the last adjustment.
func NewCalculator(minInterval, maxInterval int, observer AdjustmentObserver, logger *slog.Logger) *Calculator {
	minInterval = max(minInterval, 1)
	maxInterval = max(maxInterval, minInterval)
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Calculator{
		correction:  math.NaN(),
		minInterval: minInterval,
		maxInterval: maxInterval,
		interval:    minInterval,
		observer:    observer,
		logger:      logger,
	}
}

// Correction returns the factor in force; NaN until the first adjustment.
func (c *Calculator) Correction() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.correction
}

// Interval returns the current probe interval.
func (c *Calculator) Interval() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interval
}

// Adjustments returns how many adjustments ran and how many were rejected.
func (c *Calculator) Adjustments() (total, rejected uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq, c.rejected
}

// Probes returns how many probes were picked.
func (c *Calculator) Probes() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.probes
}

// OnNewSegment advances the probe clock.
func (c *Calculator) OnNewSegment() {
	c.mu.Lock()
	c.sinceAdjust++
	c.mu.Unlock()
}

// ProbeDue reports whether enough segments went by without an adjustment.
func (c *Calculator) ProbeDue() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sinceAdjust >= c.interval
}

// PickProbe chooses the oldest of segs (ascending) that is not the head and
// not the segment probed last time.
func (c *Calculator) PickProbe(segs []uint32, head uint32) (uint32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, seg := range segs {
		if seg >= head || (c.hasProbed && seg == c.lastProbed) {
			continue
		}
		c.lastProbed = seg
		c.hasProbed = true
		c.probes++
		return seg, true
	}
	return 0, false
}

// Adjust compares the estimate of seg against the truth a full read found
// and updates the correction factor. An estimate that counts more obsolete
// records than actually exist is bookkeeping damage rather than drift, so it
// is rejected and the prior factor kept.
func (c *Calculator) Adjust(seg uint32, estimated, actual FileSummary, probe bool) Adjustment {
	c.mu.Lock()
	c.seq++
	a := Adjustment{
		Seq:       c.seq,
		Segment:   seg,
		Probe:     probe,
		Estimated: estimated,
		True:      actual,
		EstUtil:   estimated.Utilization(),
		TrueUtil:  actual.Utilization(),
		Prior:     c.correction,
	}

	switch {
	case estimated.ObsoleteLNCount > actual.ObsoleteLNCount:
		a.Rejected = true
	case a.EstUtil == 0:
		if a.TrueUtil <= 1 {
			a.Correction = 1
		} else {
			a.Correction = a.TrueUtil
		}
	default:
		a.Correction = a.TrueUtil / a.EstUtil
	}
	if !a.Rejected && (math.IsNaN(a.Correction) || math.IsInf(a.Correction, 0)) {
		a.Rejected = true
	}

	if a.Rejected {
		c.rejected++
		a.Correction = c.correction
	} else {
		c.correction = a.Correction
		c.sinceAdjust = 0
		switch {
		case a.Correction < probeCloseEnough:
			c.interval = c.minInterval
		case probe:
			c.interval = min(c.interval*2, c.maxInterval)
		}
	}
	observer := c.observer
	c.mu.Unlock()

	if a.Rejected {
		c.logger.Warn("CORRECTION_REJECTED", "segment", seg, "estObsoleteLN", estimated.ObsoleteLNCount,
			"trueObsoleteLN", actual.ObsoleteLNCount, "kept", a.Prior)
	} else {
		c.logger.Debug("CORRECTION_ADJUSTED", "segment", seg, "probe", probe, "estUtil", a.EstUtil,
			"trueUtil", a.TrueUtil, "correction", a.Correction)
	}
	if observer != nil {
		observer(a)
	}
	return a
}

// State captures what must survive a restart.
func (c *Calculator) State() CalculatorState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CalculatorState{
		Correction:  c.correction,
		Interval:    c.interval,
		SinceAdjust: c.sinceAdjust,
		LastProbed:  c.lastProbed,
		HasProbed:   c.hasProbed,
		Adjustments: c.seq,
	}
}

// Restore reinstates a saved state.
func (c *Calculator) Restore(s CalculatorState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.correction = s.Correction
	c.interval = min(max(s.Interval, c.minInterval), c.maxInterval)
	c.sinceAdjust = s.SinceAdjust
	c.lastProbed = s.LastProbed
	c.hasProbed = s.HasProbed
	c.seq = s.Adjustments
}
