package lskv

import "github.com/twlk9/lskv/evictor"

// CacheMode biases how an operation affects the cache.
type CacheMode = evictor.CacheMode

// Cache modes.
const (
	CacheUnset     = evictor.Unset
	CacheDefault   = evictor.Default
	CacheUnchanged = evictor.Unchanged
	CacheKeepHot   = evictor.KeepHot
	CacheMakeCold  = evictor.MakeCold
	CacheEvictLN   = evictor.EvictLN
	CacheEvictBIN  = evictor.EvictBIN
	CacheDynamic   = evictor.Dynamic
)

// WriteOptions controls the behavior of write operations
type WriteOptions struct {
	// Sync makes the write wait until the log entry is on disk. When false
	// the entry reaches the disk with the next synced write, checkpoint or
	// segment rotation.
	Sync bool

	// CacheMode overrides the database's cache mode for this write.
	CacheMode CacheMode
}

// DefaultWriteOptions returns the default write options
func DefaultWriteOptions() *WriteOptions {
	return &WriteOptions{Sync: true}
}

// Predefined WriteOptions
var (
	// Sync is a predefined WriteOptions that forces sync on every write
	Sync = &WriteOptions{Sync: true}

	// NoSync is a predefined WriteOptions that uses async writes
	NoSync = &WriteOptions{Sync: false}
)

// ReadOptions controls the behavior of read operations
type ReadOptions struct {
	// CacheMode overrides the database's cache mode for this read.
	CacheMode CacheMode
}

// DefaultReadOptions returns the default read options
func DefaultReadOptions() *ReadOptions {
	return &ReadOptions{}
}

// ParseCacheMode accepts cache mode names such as "EVICT_BIN",
// case-insensitively.
func ParseCacheMode(s string) (CacheMode, error) {
	return evictor.ParseCacheMode(s)
}
