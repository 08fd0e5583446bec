package lskv

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/twlk9/lskv/cleaner"
	"github.com/twlk9/lskv/compression"
	"github.com/twlk9/lskv/evictor"
	"github.com/twlk9/lskv/logfile"
)

const (
	KiB = 1024
	MiB = KiB * 1024
	GiB = MiB * 1024
)

// Default values.
var (
	DefaultSegmentSize       int64 = 10 * MiB
	DefaultCacheSize         int64 = 64 * MiB
	DefaultEvictBytes        int64 = 512 * KiB
	DefaultCriticalPercent         = 5
	DefaultNodesPerScan            = 10
	DefaultMaxEntriesPerNode       = 128
	DefaultMinUtilization          = 50
	DefaultBacklogAlertCount       = 5
	DefaultBacklogAlertFloor       = 10
	DefaultProbeMinInterval        = 5
	DefaultProbeMaxInterval        = 100
	DefaultCleanerThreads          = 1
	DefaultCleanerInterval         = 30 * time.Second
	DefaultEvictorInterval         = 5 * time.Second
	DefaultCheckpointBytes   int64 = 20 * MiB
	DefaultMaxOpenFiles            = 64
)

// Options holds configuration options for an environment.
type Options struct {
	// Directory holding the log segments, the metadata file and the locks.
	Path string

	// SegmentSize is the capacity of one log segment.
	SegmentSize int64

	// MaxOpenFiles bounds the segment handles kept for random reads.
	MaxOpenFiles int

	// CacheSize is the memory budget for resident nodes and record values.
	CacheSize int64

	// EvictBytes is how far below CacheSize a background or manual batch
	// trims the cache.
	EvictBytes int64

	// CriticalPercent is how far over CacheSize (in percent) usage may go
	// before operations evict inline, on their own thread.
	CriticalPercent int

	// NodesPerScan is how many resident nodes one victim selection looks at.
	NodesPerScan int

	// LRUOnly ranks victims by generation alone. Otherwise leaves go before
	// internal nodes and clean nodes before dirty ones.
	LRUOnly bool

	// MaxEntriesPerNode is the branching factor of the index.
	MaxEntriesPerNode int

	// CacheMode is the environment-wide default cache mode.
	CacheMode CacheMode

	// CacheModeStrategy resolves CacheDynamic. It is called once per
	// operation.
	CacheModeStrategy evictor.Strategy

	// MinUtilization is the percentage of live bytes below which a segment
	// is cleaned.
	MinUtilization int

	// A backlog alert fires after BacklogAlertCount consecutive cleaner runs
	// during which the backlog grew, if it reached BacklogAlertFloor.
	BacklogAlertCount int
	BacklogAlertFloor int

	// Probe interval bounds, counted in segments written.
	ProbeMinInterval int
	ProbeMaxInterval int

	// LazyMigration defers rewriting live records found by the cleaner until
	// their leaf is next written.
	LazyMigration bool

	// CleanerThreads bounds how many segments are cleaned concurrently.
	CleanerThreads int

	// How often the background workers look for work when nothing woke them.
	CleanerInterval time.Duration
	EvictorInterval time.Duration

	// CheckpointBytes runs a background checkpoint every so many bytes of
	// log written. 0 disables write-driven checkpoints; segments the cleaner
	// finished are still checkpointed every CleanerInterval.
	CheckpointBytes int64

	DisableCleaner bool
	DisableEvictor bool

	// Compression of record values.
	Compression compression.Config

	// Sync makes every write wait for the log to reach the disk.
	Sync bool

	// Database creation/existence options
	CreateIfMissing bool
	ErrorIfExists   bool

	// ReadOnly opens the environment without writing anything. Several
	// read-only processes may run next to one writer.
	ReadOnly bool

	// Observers and fault injection. All default to nil.
	AdjustmentObserver cleaner.AdjustmentObserver
	CleanerHooks       cleaner.Hooks
	EvictorHooks       evictor.Hooks
	WriteHook          logfile.WriteHook

	// Structured logger
	Logger *slog.Logger
}

// DefaultOptions returns a new Options struct with sensible defaults.
func DefaultOptions() *Options {
	return &Options{
		SegmentSize:       DefaultSegmentSize,
		MaxOpenFiles:      DefaultMaxOpenFiles,
		CacheSize:         DefaultCacheSize,
		EvictBytes:        DefaultEvictBytes,
		CriticalPercent:   DefaultCriticalPercent,
		NodesPerScan:      DefaultNodesPerScan,
		MaxEntriesPerNode: DefaultMaxEntriesPerNode,
		CacheMode:         CacheDefault,
		MinUtilization:    DefaultMinUtilization,
		BacklogAlertCount: DefaultBacklogAlertCount,
		BacklogAlertFloor: DefaultBacklogAlertFloor,
		ProbeMinInterval:  DefaultProbeMinInterval,
		ProbeMaxInterval:  DefaultProbeMaxInterval,
		CleanerThreads:    DefaultCleanerThreads,
		CleanerInterval:   DefaultCleanerInterval,
		EvictorInterval:   DefaultEvictorInterval,
		CheckpointBytes:   DefaultCheckpointBytes,
		Compression:       compression.DefaultConfig(),
		Sync:              true,
		CreateIfMissing:   true,
		Logger:            DefaultLogger(),
	}
}

// Validate checks if the options are valid and returns an error if not.
func (o *Options) Validate() error {
	if o.Path == "" {
		return ErrInvalidPath
	}
	if o.SegmentSize < 4*KiB || o.SegmentSize > 1*GiB {
		return ErrInvalidSegmentSize
	}
	if o.CacheSize <= 0 {
		return ErrInvalidCacheSize
	}
	if o.EvictBytes < 0 || o.EvictBytes >= o.CacheSize {
		return ErrInvalidEvictBytes
	}
	if o.CriticalPercent < 0 {
		return ErrInvalidCriticalPercent
	}
	if o.NodesPerScan <= 0 {
		return ErrInvalidNodesPerScan
	}
	if o.MaxEntriesPerNode < 3 {
		return ErrInvalidMaxEntries
	}
	if o.CacheMode == CacheUnset || o.CacheMode > CacheDynamic {
		return ErrInvalidCacheMode
	}
	if o.CacheMode == CacheDynamic && o.CacheModeStrategy == nil {
		return ErrInvalidCacheMode
	}
	if o.MinUtilization < 0 || o.MinUtilization > 90 {
		return ErrInvalidMinUtilization
	}
	if o.BacklogAlertCount <= 0 || o.BacklogAlertFloor < 0 {
		return ErrInvalidBacklogAlert
	}
	if o.ProbeMinInterval <= 0 || o.ProbeMaxInterval < o.ProbeMinInterval {
		return ErrInvalidProbeInterval
	}
	if o.CleanerThreads <= 0 {
		return ErrInvalidCleanerThreads
	}
	if o.CleanerInterval <= 0 || o.EvictorInterval <= 0 {
		return ErrInvalidInterval
	}
	if o.CheckpointBytes < 0 {
		return ErrInvalidCheckpointBytes
	}
	if o.MaxOpenFiles <= 0 {
		return ErrInvalidMaxOpenFiles
	}
	return nil
}

// Clone creates a copy of the options.
func (o *Options) Clone() *Options {
	if o == nil {
		return DefaultOptions()
	}
	clone := *o
	return &clone
}

// Helpful Logger functions

// replaceLevel renders the cleaner's alert level as ALERT instead of ERROR+4.
func replaceLevel(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == cleaner.LevelAlert {
			a.Value = slog.StringValue("ALERT")
		}
	}
	return a
}

// NewLogger returns a text logger on w at level, with the cleaner's alert
// level rendered as ALERT.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level, ReplaceAttr: replaceLevel}))
}

func DefaultLogger() *slog.Logger {
	return NewLogger(os.Stdout, slog.LevelWarn)
}
