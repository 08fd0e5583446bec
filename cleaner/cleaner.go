package cleaner

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Config configures a Cleaner.
type Config struct {
	// Dir holds the log segments.
	Dir string
	// MinUtilization is the percentage below which a segment is cleaned.
	MinUtilization    int
	BacklogAlertCount int
	BacklogAlertFloor int
	ProbeMinInterval  int
	ProbeMaxInterval  int
	LazyMigration     bool
	// Threads bounds how many segments one pass cleans concurrently.
	Threads int
	// Interval is how often the background worker looks for work.
	Interval time.Duration
	Disabled bool
	Observer AdjustmentObserver
	Hooks    Hooks
	Logger   *slog.Logger
}

// Stats are the cleaner's counters.
type Stats struct {
	Runs            int64
	SegmentsCleaned int64
	SegmentsProbed  int64
	SegmentsDeleted int64
	EntriesRead     int64
	EntriesMigrated int64
	Backlog         int
	Alerts          int64
	Correction      float64
	Adjustments     uint64
	Rejected        uint64
	ProbeInterval   int
}

// Cleaner ties the profile, calculator, selector and processor together and
// runs them from a background worker or on demand.
type Cleaner struct {
	cfg       Config
	logger    *slog.Logger
	profile   *Profile
	calc      *Calculator
	selector  *Selector
	processor *Processor

	head  func() uint32
	fatal func(error)

	enabled atomic.Bool
	minUtil atomic.Int64
	runMu   sync.Mutex

	wakeupChan chan struct{}
	closeChan  chan struct{}
	wg         sync.WaitGroup
	mu         sync.Mutex
	started    bool
	closed     bool

	runs     atomic.Int64
	cleaned  atomic.Int64
	probed   atomic.Int64
	deleted  atomic.Int64
	read     atomic.Int64
	migrated atomic.Int64
}

// New builds a cleaner. head returns the segment currently being appended
// to, which is never cleaned. fatal is called with any error that must take
// the environment down.
func New(cfg Config, profile *Profile, index Index, head func() uint32, fatal func(error)) *Cleaner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With("component", "cleaner")
	if cfg.Threads < 1 {
		cfg.Threads = 1
	}
	calc := NewCalculator(cfg.ProbeMinInterval, cfg.ProbeMaxInterval, cfg.Observer, logger)
	c := &Cleaner{
		cfg:        cfg,
		logger:     logger,
		profile:    profile,
		calc:       calc,
		selector:   NewSelector(cfg.BacklogAlertCount, cfg.BacklogAlertFloor, logger),
		processor:  NewProcessor(cfg.Dir, profile, calc, index, cfg.LazyMigration, cfg.Hooks, logger),
		head:       head,
		fatal:      fatal,
		wakeupChan: make(chan struct{}, 1),
		closeChan:  make(chan struct{}),
	}
	c.enabled.Store(!cfg.Disabled)
	c.minUtil.Store(int64(cfg.MinUtilization))
	return c
}

func (c *Cleaner) Profile() *Profile       { return c.profile }
func (c *Cleaner) Calculator() *Calculator { return c.calc }
func (c *Cleaner) Selector() *Selector     { return c.selector }

// SetEnabled turns the background worker on or off without a restart.
func (c *Cleaner) SetEnabled(on bool) {
	c.enabled.Store(on)
	if on {
		c.Schedule()
	}
}

// Enabled reports whether background cleaning is on.
func (c *Cleaner) Enabled() bool { return c.enabled.Load() }

// SetMinUtilization changes the cleaning threshold.
func (c *Cleaner) SetMinUtilization(pct int) {
	c.minUtil.Store(int64(pct))
	c.Schedule()
}

// OnNewSegment is wired to the log's segment rotation.
func (c *Cleaner) OnNewSegment(uint32) {
	c.calc.OnNewSegment()
	c.Schedule()
}

// Start launches the background worker.
func (c *Cleaner) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.closed {
		return
	}
	c.started = true
	c.wg.Add(1)
	go c.cleanerWorker()
}

// Schedule wakes the worker without blocking.
func (c *Cleaner) Schedule() {
	select {
	case c.wakeupChan <- struct{}{}:
	default:
	}
}

// Close stops the worker and waits for the pass in flight.
func (c *Cleaner) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.closeChan)
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Cleaner) cleanerWorker() {
	defer c.wg.Done()
	c.logger.Debug("CLEANER_STARTED", "threads", c.cfg.Threads)

	var tick <-chan time.Time
	if c.cfg.Interval > 0 {
		t := time.NewTicker(c.cfg.Interval)
		defer t.Stop()
		tick = t.C
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-c.closeChan
		cancel()
	}()

	for {
		select {
		case <-c.closeChan:
			c.logger.Debug("CLEANER_STOPPED")
			return
		case <-c.wakeupChan:
		case <-tick:
		}
		if !c.enabled.Load() {
			continue
		}
		if _, err := c.RunOnce(ctx); err != nil {
			if IsFatal(err) {
				// The environment is gone; nothing more to do here.
				return
			}
			if !errors.Is(err, context.Canceled) {
				c.logger.Warn("CLEANER_RUN_FAILED", "error", err)
			}
		}
	}
}

// RunOnce is one scheduler invocation: refresh the queue from the profile,
// evaluate the backlog alert, probe if one is due and nothing else is
// queued, then clean up to Threads segments in parallel. It returns how many
// segments were cleaned.
func (c *Cleaner) RunOnce(ctx context.Context) (int, error) {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	c.runs.Add(1)

	head := c.head()
	cands := c.profile.Candidates(float64(c.minUtil.Load()), c.calc.Correction(), func(seg uint32) bool {
		return seg >= head || c.selector.Busy(seg)
	})
	c.selector.Refresh(cands)
	c.selector.ObserveBacklog(ctx)

	if c.selector.Backlog() == 0 && c.calc.ProbeDue() {
		if err := c.probe(ctx, head); err != nil {
			return 0, err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Threads)
	var cleaned atomic.Int64
	for i := 0; i < c.cfg.Threads; i++ {
		seg, ok := c.selector.Next()
		if !ok {
			break
		}
		g.Go(func() error {
			ok, err := c.cleanSegment(gctx, seg)
			if ok {
				cleaned.Add(1)
			}
			return err
		})
	}
	err := g.Wait()
	return int(cleaned.Load()), err
}

func (c *Cleaner) probe(ctx context.Context, head uint32) error {
	var segs []uint32
	for _, seg := range c.profile.Segments() {
		if !c.selector.Busy(seg) {
			segs = append(segs, seg)
		}
	}
	seg, ok := c.calc.PickProbe(segs, head)
	if !ok {
		return nil
	}
	res, err := c.processor.Process(ctx, seg, true)
	if err != nil {
		return c.failed(seg, err, false)
	}
	c.probed.Add(1)
	c.read.Add(int64(res.Entries))
	c.logger.Info("SEGMENT_PROBED", "segment", seg, "estUtil", res.Adjustment.EstUtil,
		"trueUtil", res.Adjustment.TrueUtil, "correction", res.Adjustment.Correction,
		"rejected", res.Adjustment.Rejected, "nextInterval", c.calc.Interval())
	return nil
}

func (c *Cleaner) cleanSegment(ctx context.Context, seg uint32) (bool, error) {
	res, err := c.processor.Process(ctx, seg, false)
	if err != nil {
		return false, c.failed(seg, err, true)
	}
	c.selector.Done(seg, true)
	c.cleaned.Add(1)
	c.read.Add(int64(res.Entries))
	c.migrated.Add(int64(res.Migrated))
	c.logger.Info("SEGMENT_CLEANED", "segment", seg, "entries", res.Entries, "migrated", res.Migrated,
		"obsolete", res.Obsolete, "trueUtil", res.Adjustment.TrueUtil, "duration", res.Duration)
	return true, nil
}

// failed sorts a processing error: fatal ones go to the environment,
// cancellation puts the segment back, anything else (an unreadable segment)
// drops it from this round.
func (c *Cleaner) failed(seg uint32, err error, queued bool) error {
	switch {
	case IsFatal(err):
		c.logger.Error("FATAL: cleaner migration failed", "segment", seg, "error", err)
		if c.fatal != nil {
			c.fatal(err)
		}
		if queued {
			c.selector.Done(seg, false)
		}
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		if queued {
			c.selector.Requeue(seg)
		}
		return err
	default:
		c.logger.Warn("SEGMENT_CLEAN_FAILED", "segment", seg, "error", err)
		if queued {
			c.selector.Done(seg, false)
		}
		return nil
	}
}

// Clean runs passes until one cleans nothing.
func (c *Cleaner) Clean(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := c.RunOnce(ctx)
		total += n
		if err != nil || n == 0 {
			return total, err
		}
	}
}

// InjectFileForCleaning queues seg ahead of the candidate scan.
func (c *Cleaner) InjectFileForCleaning(seg uint32) bool {
	ok := c.selector.Inject(seg)
	if ok {
		c.Schedule()
	}
	return ok
}

// CleanedSegments lists the segments cleaned so far. A checkpoint takes this
// list before it flushes and passes it to Promote once it is durable.
func (c *Cleaner) CleanedSegments() []uint32 {
	return c.selector.Cleaned()
}

// Promote makes segs deletable. Segments cleaned after the list was taken
// wait for the next checkpoint.
func (c *Cleaner) Promote(segs []uint32) []uint32 {
	out := c.selector.Promote(segs)
	if len(out) > 0 {
		c.logger.Debug("SEGMENTS_DELETABLE", "segments", out)
	}
	return out
}

// RetireDeletable hands every deletable segment that blocked does not hold
// back to retire, and returns how many were handed over. Held segments stay
// deletable and are looked at again next time.
func (c *Cleaner) RetireDeletable(blocked func(seg uint32) bool, retire func(seg uint32)) int {
	n := 0
	for _, seg := range c.selector.Deletable() {
		if blocked != nil && blocked(seg) {
			c.logger.Debug("SEGMENT_DELETE_DEFERRED", "segment", seg)
			continue
		}
		c.selector.Retire(seg)
		retire(seg)
		n++
	}
	return n
}

// SegmentDeleted forgets a segment whose file was removed.
func (c *Cleaner) SegmentDeleted(seg uint32) {
	c.selector.Deleted(seg)
	c.profile.Remove(seg)
	c.deleted.Add(1)
	c.logger.Info("SEGMENT_DELETED", "segment", seg)
}

// Stats snapshots the counters.
func (c *Cleaner) Stats() Stats {
	adj, rej := c.calc.Adjustments()
	return Stats{
		Runs:            c.runs.Load(),
		SegmentsCleaned: c.cleaned.Load(),
		SegmentsProbed:  c.probed.Load(),
		SegmentsDeleted: c.deleted.Load(),
		EntriesRead:     c.read.Load(),
		EntriesMigrated: c.migrated.Load(),
		Backlog:         c.selector.Backlog(),
		Alerts:          c.selector.Alerts(),
		Correction:      c.calc.Correction(),
		Adjustments:     adj,
		Rejected:        rej,
		ProbeInterval:   c.calc.Interval(),
	}
}
