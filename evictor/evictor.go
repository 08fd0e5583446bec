// Package evictor keeps the cached part of the trees within its memory
// budget. Victims are chosen by approximate LRU over a bounded scan of the
// resident node list; cache modes add targeted evictions right after an
// operation.
package evictor

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/twlk9/lskv/tree"
)

// Trigger says why nodes were evicted.
type Trigger uint8

const (
	TriggerManual Trigger = iota
	TriggerCritical
	TriggerCacheMode
	TriggerBackground
	numTriggers
)

func (t Trigger) String() string {
	switch t {
	case TriggerManual:
		return "manual"
	case TriggerCritical:
		return "critical"
	case TriggerCacheMode:
		return "cachemode"
	case TriggerBackground:
		return "background"
	}
	return "unknown"
}

// Triggers lists every trigger, for metrics labels.
var Triggers = []Trigger{TriggerManual, TriggerCritical, TriggerCacheMode, TriggerBackground}

// Hooks observe eviction. Both may be nil.
type Hooks struct {
	// BeforeEvict runs for a chosen victim before anything is latched.
	BeforeEvict func(n *tree.Node)
	// AfterFlush runs after a dirty victim was logged and before it is
	// detached from its parent.
	AfterFlush func(n *tree.Node)
}

// Config configures an Evictor.
type Config struct {
	NodesPerScan int
	LRUOnly      bool
	// ReadOnly environments can never write a dirty node out.
	ReadOnly bool
	// EvictBytes is how far under the cache size a batch aims.
	EvictBytes int64
	Interval   time.Duration
	Disabled   bool
	Hooks      Hooks
	Logger     *slog.Logger
}

// Stats are the evictor's counters.
type Stats struct {
	NodesEvicted map[Trigger]int64
	BytesEvicted int64
	LNsEvicted   int64
	NodesFlushed int64
	Batches      int64
	Scanned      int64
}

// maxFruitlessScans bounds how many scans in a row may come back empty
// before a batch gives up and leaves the rest to the next invocation.
const maxFruitlessScans = 3

// Evictor evicts cached nodes and record values.
type Evictor struct {
	cfg      Config
	env      *tree.Env
	budget   *Budget
	selector *TargetSelector
	logger   *slog.Logger
	fatal    func(error)

	enabled atomic.Bool
	// batchMu keeps one batch at a time so concurrent critical callers do
	// not evict twice what they need.
	batchMu sync.Mutex

	evicted [numTriggers]atomic.Int64
	bytes   atomic.Int64
	lns     atomic.Int64
	flushed atomic.Int64
	batches atomic.Int64

	wakeupChan chan struct{}
	closeChan  chan struct{}
	wg         sync.WaitGroup
	mu         sync.Mutex
	started    bool
	closed     bool
}

// New builds an evictor over env's resident nodes. fatal is called when a
// dirty victim cannot be written.
func New(cfg Config, env *tree.Env, budget *Budget, fatal func(error)) *Evictor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	e := &Evictor{
		cfg:        cfg,
		env:        env,
		budget:     budget,
		selector:   NewTargetSelector(cfg.NodesPerScan, cfg.LRUOnly),
		logger:     logger.With("component", "evictor"),
		fatal:      fatal,
		wakeupChan: make(chan struct{}, 1),
		closeChan:  make(chan struct{}),
	}
	e.enabled.Store(!cfg.Disabled)
	if budget.onOver == nil {
		budget.onOver = e.Schedule
	}
	return e
}

// Budget returns the memory budget.
func (e *Evictor) Budget() *Budget { return e.budget }

// SetEnabled turns background eviction on or off without a restart.
func (e *Evictor) SetEnabled(on bool) {
	e.enabled.Store(on)
	if on {
		e.Schedule()
	}
}

// Enabled reports whether background eviction is on.
func (e *Evictor) Enabled() bool { return e.enabled.Load() }

func (e *Evictor) isRoot(n *tree.Node) bool {
	t, ok := e.env.Tree(n.DB())
	if !ok {
		// The database is being dropped; its nodes go with it.
		return true
	}
	return t.IsRoot(n)
}

// evictNode evicts one chosen node and accounts for it. It returns the bytes
// released.
func (e *Evictor) evictNode(n *tree.Node, trigger Trigger) (int64, error) {
	t, ok := e.env.Tree(n.DB())
	if !ok {
		return 0, nil
	}
	if e.cfg.Hooks.BeforeEvict != nil {
		e.cfg.Hooks.BeforeEvict(n)
	}
	afterFlush := func(n *tree.Node) {
		e.flushed.Add(1)
		if e.cfg.Hooks.AfterFlush != nil {
			e.cfg.Hooks.AfterFlush(n)
		}
	}
	freed, err := t.Evict(n, !e.cfg.ReadOnly, afterFlush)
	if err != nil {
		err = errors.Wrapf(err, "flush node %d of db %d on eviction", n.ID(), n.DB())
		e.logger.Error("FATAL: eviction flush failed", "node", n.ID(), "db", n.DB(), "error", err)
		if e.fatal != nil {
			e.fatal(err)
		}
		return 0, err
	}
	if freed > 0 {
		e.evicted[trigger].Add(1)
		e.bytes.Add(freed)
	}
	return freed, nil
}

// EvictBatch evicts until usage is at or below target. It stops early, with
// no error, when scans keep finding nothing to evict; the cursor is kept so
// the next batch continues from there.
func (e *Evictor) EvictBatch(trigger Trigger, target int64) (int, error) {
	e.batchMu.Lock()
	defer e.batchMu.Unlock()
	e.batches.Add(1)

	nodes, fruitless := 0, 0
	for e.budget.Used() > target && fruitless < maxFruitlessScans {
		n := e.selector.Select(e.env.INList(), e.isRoot, e.cfg.ReadOnly)
		if n == nil {
			fruitless++
			continue
		}
		freed, err := e.evictNode(n, trigger)
		if err != nil {
			return nodes, err
		}
		if freed == 0 {
			fruitless++
			continue
		}
		fruitless = 0
		nodes++
	}
	if nodes > 0 {
		e.logger.Debug("EVICTION_BATCH", "trigger", trigger.String(), "nodes", nodes,
			"used", e.budget.Used(), "target", target)
	}
	return nodes, nil
}

// Background runs a batch if the cache is over budget.
func (e *Evictor) Background() (int, error) {
	if !e.budget.Over() {
		return 0, nil
	}
	return e.EvictBatch(TriggerBackground, e.target())
}

// Manual runs a batch on request, whether or not the cache is over budget.
func (e *Evictor) Manual() (int, error) {
	return e.EvictBatch(TriggerManual, e.target())
}

// Critical is called by an operation, holding no latches, before it goes on.
// Past the critical level it evicts inline until usage is back under the
// cache size.
func (e *Evictor) Critical() error {
	if !e.budget.Critical() {
		return nil
	}
	_, err := e.EvictBatch(TriggerCritical, e.budget.Max())
	return err
}

func (e *Evictor) target() int64 {
	return max(e.budget.Max()-e.cfg.EvictBytes, 0)
}

// EvictBIN evicts a leaf the operation just left (EvictBIN mode).
func (e *Evictor) EvictBIN(bin *tree.Node) error {
	_, err := e.evictNode(bin, TriggerCacheMode)
	return err
}

// MakeCold evicts a leaf the operation just left, but only when the cache
// is over budget (MakeCold mode).
func (e *Evictor) MakeCold(bin *tree.Node) error {
	if !e.budget.Over() {
		return nil
	}
	_, err := e.evictNode(bin, TriggerCacheMode)
	return err
}

// EvictLN drops the cached value of key from bin (EvictLN mode).
func (e *Evictor) EvictLN(t *tree.Tree, bin *tree.Node, key []byte) {
	if t.EvictLN(bin, key) > 0 {
		e.lns.Add(1)
	}
}

// Stats snapshots the counters.
func (e *Evictor) Stats() Stats {
	s := Stats{
		NodesEvicted: make(map[Trigger]int64, numTriggers),
		BytesEvicted: e.bytes.Load(),
		LNsEvicted:   e.lns.Load(),
		NodesFlushed: e.flushed.Load(),
		Batches:      e.batches.Load(),
		Scanned:      e.selector.Scanned(),
	}
	for _, t := range Triggers {
		s.NodesEvicted[t] = e.evicted[t].Load()
	}
	return s
}

// Evicted returns the nodes evicted for one trigger.
func (e *Evictor) Evicted(t Trigger) int64 { return e.evicted[t].Load() }

// Start launches the background worker.
func (e *Evictor) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started || e.closed {
		return
	}
	e.started = true
	e.wg.Add(1)
	go e.evictorWorker()
}

// Schedule wakes the worker without blocking.
func (e *Evictor) Schedule() {
	select {
	case e.wakeupChan <- struct{}{}:
	default:
	}
}

// Close stops the worker.
func (e *Evictor) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.closeChan)
	e.mu.Unlock()
	e.wg.Wait()
}

func (e *Evictor) evictorWorker() {
	defer e.wg.Done()
	var tick <-chan time.Time
	if e.cfg.Interval > 0 {
		t := time.NewTicker(e.cfg.Interval)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-e.closeChan:
			return
		case <-e.wakeupChan:
		case <-tick:
		}
		if !e.enabled.Load() {
			continue
		}
		if _, err := e.Background(); err != nil {
			return
		}
	}
}
