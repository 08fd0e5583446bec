package lskv

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/twlk9/lskv/cleaner"
	"github.com/twlk9/lskv/compression"
	"github.com/twlk9/lskv/epoch"
	"github.com/twlk9/lskv/evictor"
	"github.com/twlk9/lskv/latch"
	"github.com/twlk9/lskv/logfile"
	"github.com/twlk9/lskv/meta"
	"github.com/twlk9/lskv/metrics"
	"github.com/twlk9/lskv/tree"
)

// DB is one environment: a log directory holding any number of named
// databases, the cache they share, and the cleaner and evictor that keep the
// log and the cache bounded.
type DB struct {
	options          *Options
	defaultWriteOpts *WriteOptions
	path             string
	logger           *slog.Logger

	lock   Locker
	reader *readerLock

	log     *logfile.Log
	meta    *meta.Store
	latches latch.Counter
	env     *tree.Env
	profile *cleaner.Profile
	budget  *evictor.Budget
	cleaner *cleaner.Cleaner
	evictor *evictor.Evictor
	epochs  *epoch.Manager
	metrics *prometheus.Registry

	// opMu is held shared by record operations and cleaner migrations and
	// exclusively by checkpoints and database removal.
	opMu sync.RWMutex

	// dbMu guards registry changes and nextDBID.
	dbMu      sync.Mutex
	databases *xsync.MapOf[string, *Database]
	byID      *xsync.MapOf[uint32, *Database]
	nextDBID  uint32

	// cpMu keeps one checkpoint at a time.
	cpMu           sync.Mutex
	cpSeq          uint64
	lastCheckpoint atomic.Int64
	cpChan         chan struct{}

	failMu  sync.Mutex
	failErr error

	closed atomic.Bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// invalidError is returned by every operation once the environment failed.
type invalidError struct {
	cause error
}

func (e *invalidError) Error() string        { return ErrEnvironmentInvalid.Error() + ": " + e.cause.Error() }
func (e *invalidError) Unwrap() error        { return e.cause }
func (e *invalidError) Is(target error) bool { return target == ErrEnvironmentInvalid }

// Open opens the environment in opts.Path, creating it if allowed. A writable
// environment takes the directory's LOCK exclusively; a read-only one leaves
// a reader lock file so the writer keeps the segments it may read.
func Open(opts *Options) (*DB, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if err := opts.Validate(); err != nil {
		logger.Error("Options did not validate", "error", err)
		return nil, err
	}

	exists := false
	if _, err := os.Stat(opts.Path); err == nil {
		exists = true
	}
	if opts.ErrorIfExists && exists {
		return nil, errors.Errorf("environment already exists at %s", opts.Path)
	}
	if !exists && (!opts.CreateIfMissing || opts.ReadOnly) {
		return nil, errors.Errorf("environment does not exist at %s", opts.Path)
	}
	if !opts.ReadOnly {
		if err := os.MkdirAll(opts.Path, 0755); err != nil {
			return nil, errors.Wrapf(err, "create environment directory %s", opts.Path)
		}
	}

	db := &DB{
		options:          opts,
		defaultWriteOpts: &WriteOptions{Sync: opts.Sync},
		path:             opts.Path,
		logger:           logger,
		meta:             meta.New(opts.Path, opts.ReadOnly, logger),
		profile:          cleaner.NewProfile(),
		epochs:           epoch.NewManager(),
		databases:        xsync.NewMapOf[string, *Database](),
		byID:             xsync.NewMapOf[uint32, *Database](),
		nextDBID:         1,
		cpChan:           make(chan struct{}, 1),
		done:             make(chan struct{}),
	}

	if !opts.ReadOnly {
		lock, err := newFileLocker(opts.Path)
		if err != nil {
			return nil, err
		}
		if err := lock.Lock(); err != nil {
			return nil, err
		}
		db.lock = lock
	}

	if err := db.open(); err != nil {
		db.release()
		return nil, err
	}

	if !opts.ReadOnly {
		db.cleaner.Start()
		db.wg.Add(1)
		go db.checkpointer()
	}
	db.evictor.Start()
	return db, nil
}

func (db *DB) open() error {
	opts := db.options
	codec, err := compression.NewCodec(opts.Compression)
	if err != nil {
		return err
	}

	db.log, err = logfile.Open(logfile.Options{
		Dir:         opts.Path,
		SegmentSize: opts.SegmentSize,
		ReadOnly:    opts.ReadOnly,
		OpenFiles:   opts.MaxOpenFiles,
		OnNewSegment: func(num uint32) {
			if c := db.cleaner; c != nil {
				c.OnNewSegment(num)
			}
		},
		WriteHook: opts.WriteHook,
		Logger:    db.logger,
	})
	if err != nil {
		return err
	}

	if opts.ReadOnly {
		db.reader, err = acquireReaderLock(opts.Path, db.log.CurrentSegment())
		if err != nil {
			return err
		}
	}

	db.budget = evictor.NewBudget(opts.CacheSize, opts.CriticalPercent, nil)
	db.env = tree.NewEnv(tree.Config{
		Log:        db.log,
		Codec:      codec,
		MaxEntries: opts.MaxEntriesPerNode,
		Tracker:    db.profile,
		Memory:     db.budget,
		Latches:    &db.latches,
		Logger:     db.logger,
	})
	db.evictor = evictor.New(evictor.Config{
		NodesPerScan: opts.NodesPerScan,
		LRUOnly:      opts.LRUOnly,
		ReadOnly:     opts.ReadOnly,
		EvictBytes:   opts.EvictBytes,
		Interval:     opts.EvictorInterval,
		Disabled:     opts.DisableEvictor,
		Hooks:        opts.EvictorHooks,
		Logger:       db.logger,
	}, db.env, db.budget, db.invalidate)
	db.cleaner = cleaner.New(cleaner.Config{
		Dir:               opts.Path,
		MinUtilization:    opts.MinUtilization,
		BacklogAlertCount: opts.BacklogAlertCount,
		BacklogAlertFloor: opts.BacklogAlertFloor,
		ProbeMinInterval:  opts.ProbeMinInterval,
		ProbeMaxInterval:  opts.ProbeMaxInterval,
		LazyMigration:     opts.LazyMigration,
		Threads:           opts.CleanerThreads,
		Interval:          opts.CleanerInterval,
		Disabled:          opts.DisableCleaner || opts.ReadOnly,
		Observer:          opts.AdjustmentObserver,
		Hooks:             opts.CleanerHooks,
		Logger:            db.logger,
	}, db.profile, db, db.log.CurrentSegment, db.invalidate)

	if err := db.recover(); err != nil {
		return err
	}
	db.lastCheckpoint.Store(db.log.BytesWritten())
	db.metrics = metrics.NewRegistry(db)
	return nil
}

// recover loads the last checkpoint and replays the log written after it.
func (db *DB) recover() error {
	st, err := db.meta.Load()
	if errors.Is(err, meta.ErrNotFound) {
		st = &meta.State{}
		err = nil
	}
	if err != nil {
		return errors.Wrap(err, "load metadata")
	}

	db.profile.Load(st.Utilization)
	db.cleaner.Calculator().Restore(st.Calculator)
	db.cpSeq = st.Checkpoint.Seq
	if st.Checkpoint.NextDBID > 0 {
		db.nextDBID = st.Checkpoint.NextDBID
	}
	for _, row := range st.Databases {
		d := db.newDatabase(row.ID, row.Name, CacheMode(row.CacheMode), logfile.LSN(row.RootLSN))
		db.databases.Store(d.name, d)
		db.byID.Store(d.id, d)
	}

	segs, err := db.log.Segments()
	if err != nil {
		return err
	}
	onDisk := make(map[uint32]bool, len(segs))
	for _, seg := range segs {
		onDisk[seg] = true
	}
	for _, seg := range db.profile.Segments() {
		if !onDisk[seg] {
			// Deleted after the checkpoint was taken.
			db.profile.Remove(seg)
		}
	}

	start := logfile.LSN(st.Checkpoint.StartLSN)
	end := logfile.LSN(st.Checkpoint.EndLSN)
	replayed := 0
	for i, seg := range segs {
		if seg < start.Segment() {
			continue
		}
		err := logfile.ScanSegment(db.path, seg, func(e *logfile.Entry) error {
			if e.LSN < start {
				return nil
			}
			fresh := e.LSN >= end
			if fresh {
				db.profile.CountNew(e.LSN, e.Kind, e.Size)
				if e.Kind.IsNode() {
					// The checkpoint's roots cannot reach a node logged after it.
					db.profile.CountObsolete(e.LSN, e.Kind, e.Size)
				}
			}
			if !e.Kind.IsLN() {
				return nil
			}
			d, ok := db.byID.Load(e.DB)
			if !ok {
				if fresh {
					db.profile.CountObsolete(e.LSN, e.Kind, e.Size)
				}
				return nil
			}
			replayed++
			return d.tree.Redo(e, fresh)
		})
		if errors.Is(err, logfile.ErrCorruptEntry) && i == len(segs)-1 {
			// A torn tail is only trimmed by a writer; a reader stops short.
			db.logger.Warn("LOG_TAIL_TORN", "segment", seg, "error", err)
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "replay segment %d", seg)
		}
	}
	db.logger.Info("RECOVERED", "checkpoint", st.Checkpoint.Seq, "start", start.String(),
		"end", end.String(), "replayed", replayed, "databases", len(st.Databases))
	return nil
}

// release undoes a partial Open.
func (db *DB) release() {
	if db.log != nil {
		db.log.Close()
	}
	if db.reader != nil {
		db.reader.Release()
	}
	if db.lock != nil {
		db.lock.Unlock()
	}
}

// Close stops the background workers, writes a final checkpoint and releases
// the directory. Safe to call multiple times.
func (db *DB) Close() error {
	if db.closed.Swap(true) {
		return nil
	}
	close(db.done)
	db.wg.Wait()
	db.cleaner.Close()
	db.evictor.Close()

	var result *multierror.Error
	if !db.options.ReadOnly && db.failure() == nil {
		// Segments stay on disk until the next open; their rows then match
		// what this checkpoint saved.
		if err := db.checkpoint(false); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := db.log.Close(); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "close log"))
	}
	if db.reader != nil {
		if err := db.reader.Release(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if db.lock != nil {
		if err := db.lock.Unlock(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// invalidate records the first fatal failure. Every later operation fails
// with ErrEnvironmentInvalid wrapping it.
func (db *DB) invalidate(err error) {
	db.failMu.Lock()
	defer db.failMu.Unlock()
	if db.failErr != nil {
		return
	}
	db.failErr = err
	db.logger.Error("FATAL: environment invalidated", "error", err)
}

func (db *DB) failure() error {
	db.failMu.Lock()
	defer db.failMu.Unlock()
	return db.failErr
}

// fail invalidates the environment with err and returns what the caller of
// the failed operation should see.
func (db *DB) fail(err error) error {
	db.invalidate(err)
	return &invalidError{cause: db.failure()}
}

// usable returns nil if operations may proceed.
func (db *DB) usable() error {
	if db.closed.Load() {
		return ErrDBClosed
	}
	if err := db.failure(); err != nil {
		return &invalidError{cause: err}
	}
	return nil
}

// enter admits one operation: it evicts inline when the cache is past its
// critical level and then takes the operation lock shared. The caller holds
// no latches and must call db.opMu.RUnlock when done.
func (db *DB) enter(write bool) error {
	if err := db.usable(); err != nil {
		return err
	}
	if write && db.options.ReadOnly {
		return ErrReadOnly
	}
	if err := db.evictor.Critical(); err != nil {
		return db.fail(err)
	}
	db.opMu.RLock()
	return nil
}

// ProcessEntry is called by the cleaner for every entry of a segment it
// reads. Entries of removed databases are obsolete.
func (db *DB) ProcessEntry(e *logfile.Entry, mode tree.MigrateMode) (bool, error) {
	db.opMu.RLock()
	defer db.opMu.RUnlock()
	d, ok := db.byID.Load(e.DB)
	if !ok {
		return false, nil
	}
	if e.Kind.IsNode() {
		return d.tree.ProcessNode(e, mode)
	}
	return d.tree.ProcessLN(e, mode)
}

// Checkpoint makes everything written so far recoverable from the metadata
// file alone, then lets go of the segments the cleaner emptied before it
// started.
func (db *DB) Checkpoint() error {
	if err := db.usable(); err != nil {
		return err
	}
	if db.options.ReadOnly {
		return ErrReadOnly
	}
	return db.checkpoint(true)
}

func (db *DB) checkpoint(deleteSegments bool) error {
	db.cpMu.Lock()
	defer db.cpMu.Unlock()
	began := time.Now()

	db.opMu.Lock()
	start := db.log.Head()
	// Only segments cleaned before the flush have their migrations in it.
	cleaned := db.cleaner.CleanedSegments()
	written, err := db.env.FlushDirty()
	if err == nil {
		err = db.log.Sync()
	}
	if err != nil {
		db.opMu.Unlock()
		return db.fail(errors.Wrap(err, "checkpoint flush"))
	}
	end := db.log.Head()
	db.cpSeq++
	cp := meta.Checkpoint{
		Seq:      db.cpSeq,
		StartLSN: uint64(start),
		EndLSN:   uint64(end),
		UnixNano: began.UnixNano(),
	}
	db.dbMu.Lock()
	cp.NextDBID = db.nextDBID
	rows := db.registryRowsLocked()
	db.dbMu.Unlock()
	calc := db.cleaner.Calculator().State()
	changed, removed := db.profile.Flush()
	db.opMu.Unlock()

	if err := db.meta.Save(cp, rows, calc, changed, removed); err != nil {
		return db.fail(errors.Wrap(err, "save checkpoint"))
	}
	db.lastCheckpoint.Store(db.log.BytesWritten())
	promoted := db.cleaner.Promote(cleaned)
	db.logger.Info("CHECKPOINT", "seq", cp.Seq, "start", start.String(), "end", end.String(),
		"nodes_written", written, "rows", len(changed), "deletable", len(promoted),
		"duration", time.Since(began))

	if deleteSegments {
		db.deleteSegments()
	}
	return nil
}

func (db *DB) registryRowsLocked() []meta.Database {
	rows := make([]meta.Database, 0, db.databases.Size())
	db.databases.Range(func(_ string, d *Database) bool {
		rows = append(rows, meta.Database{
			ID:        d.id,
			Name:      d.name,
			RootLSN:   uint64(d.tree.RootLSN()),
			CacheMode: uint8(d.CacheMode()),
		})
		return true
	})
	return rows
}

func segmentID(seg uint32) string {
	return "segment-" + strconv.FormatUint(uint64(seg), 10)
}

// deleteSegments removes deletable segments nobody can still read. Segments
// a read-only process may read stay until its lock goes away; segments an
// in-process reader may reach wait for its epoch to end.
func (db *DB) deleteSegments() {
	floor, held, err := readerFloor(db.path)
	if err != nil {
		db.logger.Warn("READER_LOCK_SCAN_FAILED", "error", err)
		return
	}
	blocked := func(seg uint32) bool { return held && seg <= floor }
	db.cleaner.RetireDeletable(blocked, func(seg uint32) {
		db.epochs.Retire(segmentID(seg), func() error {
			if err := db.log.DeleteSegment(seg); err != nil {
				return err
			}
			db.cleaner.SegmentDeleted(seg)
			return nil
		})
	})
	if _, err := db.epochs.TryCleanup(); err != nil {
		db.logger.Warn("SEGMENT_DELETE_FAILED", "error", err)
	}
}

// maybeCheckpoint wakes the checkpointer once enough log was written.
func (db *DB) maybeCheckpoint() {
	if db.options.CheckpointBytes <= 0 {
		return
	}
	if db.log.BytesWritten()-db.lastCheckpoint.Load() < db.options.CheckpointBytes {
		return
	}
	select {
	case db.cpChan <- struct{}{}:
	default:
	}
}

// checkpointer runs background checkpoints and retries deferred deletions.
func (db *DB) checkpointer() {
	defer db.wg.Done()
	t := time.NewTicker(db.options.CleanerInterval)
	defer t.Stop()
	for {
		select {
		case <-db.cpChan:
			if db.failure() != nil {
				return
			}
			if err := db.checkpoint(true); err != nil {
				db.logger.Error("background checkpoint failed", "error", err)
				return
			}
		case <-t.C:
			if db.failure() != nil {
				return
			}
			// Cleaned segments only become deletable through a checkpoint,
			// and an idle store writes nothing that would trigger one.
			if len(db.cleaner.CleanedSegments()) == 0 {
				db.deleteSegments()
				continue
			}
			if err := db.checkpoint(true); err != nil {
				db.logger.Error("background checkpoint failed", "error", err)
				return
			}
		case <-db.done:
			return
		}
	}
}

// Clean runs the cleaner until no segment qualifies and returns how many
// segments it cleaned. Their files go away after the next checkpoint.
func (db *DB) Clean(ctx context.Context) (int, error) {
	if err := db.usable(); err != nil {
		return 0, err
	}
	if db.options.ReadOnly {
		return 0, ErrReadOnly
	}
	n, err := db.cleaner.Clean(ctx)
	if cleaner.IsFatal(err) {
		return n, db.fail(err)
	}
	return n, err
}

// InjectFileForCleaning queues seg for cleaning ahead of the usual candidates.
// It returns false if the segment is already on its way.
func (db *DB) InjectFileForCleaning(seg uint32) bool {
	if db.options.ReadOnly || db.usable() != nil {
		return false
	}
	return db.cleaner.InjectFileForCleaning(seg)
}

// EvictMemory runs one manual eviction batch and returns the nodes evicted.
func (db *DB) EvictMemory() (int, error) {
	if err := db.usable(); err != nil {
		return 0, err
	}
	n, err := db.evictor.Manual()
	if err != nil {
		return n, db.fail(err)
	}
	return n, nil
}

// SetCleanerEnabled turns background cleaning on or off.
func (db *DB) SetCleanerEnabled(on bool) {
	if db.options.ReadOnly {
		return
	}
	db.cleaner.SetEnabled(on)
}

// SetEvictorEnabled turns background eviction on or off. Critical eviction
// always runs.
func (db *DB) SetEvictorEnabled(on bool) {
	db.evictor.SetEnabled(on)
}

// SetMinUtilization changes the cleaning threshold at runtime.
func (db *DB) SetMinUtilization(pct int) error {
	if pct < 0 || pct > 90 {
		return ErrInvalidMinUtilization
	}
	db.cleaner.SetMinUtilization(pct)
	return nil
}

// Path returns the environment directory.
func (db *DB) Path() string { return db.path }
