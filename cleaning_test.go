package lskv

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twlk9/lskv/cleaner"
	"github.com/twlk9/lskv/logfile"
	"github.com/twlk9/lskv/tree"
)

// churn overwrites keys records rounds times. With 100 byte values a round
// of 30 keys fills about one 4 KiB segment, so every round but the last
// leaves an almost empty segment behind.
func churn(t *testing.T, sv *StateValidator, keys, rounds int) {
	t.Helper()
	for r := 0; r < rounds; r++ {
		for i := 0; i < keys; i++ {
			sv.Put([]byte(fmt.Sprintf("key-%03d", i)), bytes.Repeat([]byte{byte('a' + r%26)}, 100))
		}
	}
}

func segmentExists(db *DB, seg uint32) bool {
	_, err := os.Stat(logfile.SegmentPath(db.Path(), seg))
	return err == nil
}

func TestCleanDeletesSegmentsAfterCheckpoint(t *testing.T) {
	db := openTest(t, testOptions(t))
	defer db.Close()
	sv := NewStateValidator(t, openDB(t, db, "main"))
	churn(t, sv, 30, 5)
	require.NoError(t, db.Checkpoint())

	n, err := db.Clean(t.Context())
	require.NoError(t, err)
	require.Positive(t, n)
	assert.Positive(t, db.CleanerStats().SegmentsCleaned)
	assert.True(t, segmentExists(db, 1), "cleaned segments stay until a checkpoint")
	assert.Zero(t, db.CleanerStats().SegmentsDeleted)

	require.NoError(t, db.Checkpoint())
	assert.Positive(t, db.CleanerStats().SegmentsDeleted)
	assert.False(t, segmentExists(db, 1))
	_, ok := db.UtilizationSummary().Segments[1]
	assert.False(t, ok, "deleted segments lose their row")
	sv.ValidateConsistency()
}

func TestUtilizationSurvivesReopen(t *testing.T) {
	opts := testOptions(t)
	opts.MinUtilization = 60
	db := openTest(t, opts)
	sv := NewStateValidator(t, openDB(t, db, "main"))
	churn(t, sv, 30, 6)
	require.NoError(t, db.Checkpoint())
	_, err := db.Clean(t.Context())
	require.NoError(t, err)
	churn(t, sv, 10, 2)
	require.NoError(t, db.Checkpoint())

	before := db.UtilizationSummary()
	beforeState := db.cleaner.Calculator().State()
	require.NoError(t, db.Close())

	db = openTest(t, opts)
	defer db.Close()
	after := db.UtilizationSummary()
	assert.Equal(t, before.Total, after.Total)
	assert.Equal(t, before.Segments, after.Segments)
	assert.Equal(t, math.Float64bits(before.Correction), math.Float64bits(after.Correction),
		"correction %v became %v", before.Correction, after.Correction)
	afterState := db.cleaner.Calculator().State()
	assert.Equal(t, beforeState.Interval, afterState.Interval)
	assert.Equal(t, beforeState.SinceAdjust, afterState.SinceAdjust)

	d, err := db.OpenDatabase("main", nil)
	require.NoError(t, err)
	sv.Rebind(d)
	sv.ValidateConsistency()
}

// A leaf evicted while the lazy cleaner has just marked one of its records
// must be flushed with the record rewritten, not dropped.
func TestLazyMigrationSurvivesEviction(t *testing.T) {
	var (
		mu        sync.Mutex
		db        *DB
		target    *tree.Node
		hookRan   bool
		wasDirty  bool
		wasMarked bool
		evictErr  error
	)
	opts := testOptions(t)
	opts.MaxEntriesPerNode = 5
	opts.LazyMigration = true
	opts.CleanerHooks = cleaner.Hooks{
		AfterEntry: func(seg uint32, e *logfile.Entry, live bool) {
			mu.Lock()
			defer mu.Unlock()
			if seg != 1 || !live || string(e.Key) != "key-000" || target == nil {
				return
			}
			hookRan = true
			target.Latch().Acquire()
			wasDirty = target.Dirty()
			for i := 0; i < target.NumSlots(); i++ {
				if string(target.SlotKey(i)) == "key-000" {
					wasMarked = target.SlotPendingMigration(i)
				}
			}
			target.Latch().Release()
			evictErr = db.evictor.EvictBIN(target)
		},
	}
	db = openTest(t, opts)
	defer db.Close()
	d := openDB(t, db, "main")
	sv := NewStateValidator(t, d)

	// key-000 is written once, first, so its only record sits in segment 1.
	sv.Put([]byte("key-000"), []byte("the record that must not be lost"))
	for r := 0; r < 4; r++ {
		for i := 1; i < 30; i++ {
			sv.Put([]byte(fmt.Sprintf("key-%03d", i)), bytes.Repeat([]byte{'x'}, 100))
		}
	}
	require.NoError(t, db.Checkpoint())

	_, bin, err := d.tree.Get([]byte("key-000"), tree.DefaultTouch, true)
	require.NoError(t, err)
	bin.Latch().Acquire()
	require.False(t, bin.Dirty(), "checkpoint left the leaf clean")
	lastBefore := bin.LastLSN()
	bin.Latch().Release()
	mu.Lock()
	target = bin
	mu.Unlock()

	require.True(t, db.InjectFileForCleaning(1))
	_, err = db.Clean(t.Context())
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.True(t, hookRan, "cleaner never met the record")
	require.NoError(t, evictErr)
	assert.True(t, wasDirty, "marking a record dirties its leaf")
	assert.True(t, wasMarked)
	assert.False(t, db.env.INList().Contains(bin), "leaf was evicted")
	assert.NotEqual(t, lastBefore, bin.LastLSN(), "leaf was flushed on the way out")

	_, reloaded, err := d.tree.Get([]byte("key-000"), tree.DefaultTouch, true)
	require.NoError(t, err)
	reloaded.Latch().Acquire()
	for i := 0; i < reloaded.NumSlots(); i++ {
		if string(reloaded.SlotKey(i)) == "key-000" {
			assert.False(t, reloaded.SlotPendingMigration(i))
			assert.Greater(t, reloaded.SlotLSN(i).Segment(), uint32(1), "record was rewritten")
		}
	}
	reloaded.Latch().Release()
	sv.ValidateConsistency()

	// And it is still there once segment 1 is gone.
	require.NoError(t, db.Checkpoint())
	assert.False(t, segmentExists(db, 1))
	sv.ValidateConsistency()
}

func TestReadOnlyProcessHoldsSegments(t *testing.T) {
	opts := testOptions(t)
	db := openTest(t, opts)
	defer db.Close()
	sv := NewStateValidator(t, openDB(t, db, "main"))
	churn(t, sv, 30, 5)
	require.NoError(t, db.Checkpoint())

	ro := opts.Clone()
	ro.ReadOnly = true
	reader := openTest(t, ro)

	n, err := db.Clean(t.Context())
	require.NoError(t, err)
	require.Positive(t, n)
	require.NoError(t, db.Checkpoint())
	assert.Zero(t, db.CleanerStats().SegmentsDeleted, "the reader may still read them")
	assert.True(t, segmentExists(db, 1))

	rd, err := reader.OpenDatabase("main", nil)
	require.NoError(t, err)
	_, err = rd.Get([]byte("key-000"), nil)
	require.NoError(t, err)
	require.NoError(t, reader.Close())

	require.NoError(t, db.Checkpoint())
	assert.Positive(t, db.CleanerStats().SegmentsDeleted)
	assert.False(t, segmentExists(db, 1))
	sv.ValidateConsistency()
}

func TestOpenCursorHoldsSegments(t *testing.T) {
	db := openTest(t, testOptions(t))
	defer db.Close()
	d := openDB(t, db, "main")
	sv := NewStateValidator(t, d)
	churn(t, sv, 30, 5)
	require.NoError(t, db.Checkpoint())

	c, err := d.NewCursor(nil)
	require.NoError(t, err)
	require.True(t, c.First())

	n, err := db.Clean(t.Context())
	require.NoError(t, err)
	require.Positive(t, n)
	require.NoError(t, db.Checkpoint())
	assert.Zero(t, db.CleanerStats().SegmentsDeleted)
	assert.True(t, segmentExists(db, 1))
	assert.Positive(t, db.epochs.Pending())

	for c.Next() {
	}
	require.NoError(t, c.Err())
	require.NoError(t, c.Close())

	require.NoError(t, db.Checkpoint())
	assert.Positive(t, db.CleanerStats().SegmentsDeleted)
	assert.False(t, segmentExists(db, 1))
	assert.Zero(t, db.epochs.Pending())
}

func TestBackgroundCleaningAndCheckpoints(t *testing.T) {
	opts := testOptions(t)
	opts.DisableCleaner = false
	opts.CleanerInterval = 20 * time.Millisecond
	opts.CheckpointBytes = 16 * KiB
	db := openTest(t, opts)
	defer db.Close()
	sv := NewStateValidator(t, openDB(t, db, "main"))

	churn(t, sv, 30, 12)
	require.Eventually(t, func() bool {
		return db.CleanerStats().SegmentsDeleted > 0
	}, 10*time.Second, 20*time.Millisecond, "background cleaning and checkpoints never freed a segment")
	sv.ValidateConsistency()
}

func TestIdleStoreCheckpointsCleanedSegments(t *testing.T) {
	opts := testOptions(t)
	opts.CleanerInterval = 20 * time.Millisecond
	opts.CheckpointBytes = 0
	db := openTest(t, opts)
	defer db.Close()
	sv := NewStateValidator(t, openDB(t, db, "main"))
	churn(t, sv, 30, 5)
	require.NoError(t, db.Checkpoint())

	n, err := db.Clean(t.Context())
	require.NoError(t, err)
	require.Positive(t, n)

	// No more writes and no explicit checkpoint from here on.
	require.Eventually(t, func() bool {
		return db.CleanerStats().SegmentsDeleted > 0
	}, 5*time.Second, 20*time.Millisecond, "cleaned segments stayed behind on an idle store")
	assert.Empty(t, db.cleaner.CleanedSegments())
	assert.False(t, segmentExists(db, 1))
	sv.ValidateConsistency()
}
