package lskv

import (
	"github.com/pkg/errors"

	"github.com/twlk9/lskv/tree"
)

// Error definitions for the environment.
var (
	// ErrNotFound is returned when a key is not found
	ErrNotFound = tree.ErrNotFound

	// ErrDBClosed is returned when operating on a closed environment
	ErrDBClosed = errors.New("environment is closed")

	// ErrDBAlreadyOpen is returned when another process holds the writer lock
	ErrDBAlreadyOpen = errors.New("environment is already open by another process")

	// ErrReadOnly is returned when attempting to write to a read-only environment
	ErrReadOnly = errors.New("environment is read-only")

	// ErrEnvironmentInvalid is returned by every operation after a fatal
	// failure. The first cause is wrapped inside.
	ErrEnvironmentInvalid = errors.New("environment invalidated")

	// ErrInvalidKey is returned when a key is empty or too large
	ErrInvalidKey = errors.New("invalid key")

	// ErrInvalidValue is returned when a value is too large
	ErrInvalidValue = errors.New("invalid value")

	// ErrDatabaseNotFound is returned for an unknown or removed database
	ErrDatabaseNotFound = errors.New("database not found")

	// ErrDatabaseExists is returned by OpenDatabase with Exclusive set
	ErrDatabaseExists = errors.New("database already exists")

	// ErrCursorClosed is returned by a closed cursor
	ErrCursorClosed = errors.New("cursor is closed")

	// Configuration validation errors
	ErrInvalidPath            = errors.New("invalid environment path")
	ErrInvalidSegmentSize     = errors.New("invalid segment size")
	ErrInvalidCacheSize       = errors.New("invalid cache size")
	ErrInvalidEvictBytes      = errors.New("invalid evict bytes")
	ErrInvalidCriticalPercent = errors.New("invalid critical percent")
	ErrInvalidNodesPerScan    = errors.New("invalid nodes per scan")
	ErrInvalidMaxEntries      = errors.New("invalid max entries per node")
	ErrInvalidCacheMode       = errors.New("invalid cache mode")
	ErrInvalidMinUtilization  = errors.New("invalid min utilization")
	ErrInvalidBacklogAlert    = errors.New("invalid backlog alert settings")
	ErrInvalidProbeInterval   = errors.New("invalid probe interval")
	ErrInvalidCleanerThreads  = errors.New("invalid cleaner threads")
	ErrInvalidInterval        = errors.New("invalid worker interval")
	ErrInvalidCheckpointBytes = errors.New("invalid checkpoint bytes")
	ErrInvalidMaxOpenFiles    = errors.New("invalid max open files")
)

// MaxKeySize and MaxValueSize bound what one record may hold.
const (
	MaxKeySize   = 16 * KiB
	MaxValueSize = 64 * MiB
)

func validKey(key []byte) bool   { return len(key) > 0 && len(key) <= MaxKeySize }
func validValue(val []byte) bool { return len(val) <= MaxValueSize }
