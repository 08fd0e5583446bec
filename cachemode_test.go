package lskv

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twlk9/lskv/evictor"
	"github.com/twlk9/lskv/tree"
)

// threeLeaves builds the tree [1,2] [3,4] [5..8] under one root.
func threeLeaves(t *testing.T) (*DB, *Database, *tree.Node) {
	t.Helper()
	opts := testOptions(t)
	opts.MaxEntriesPerNode = 5
	db := openTest(t, opts)
	t.Cleanup(func() { db.Close() })
	d := openDB(t, db, "modes")
	for i := 1; i <= 8; i++ {
		require.NoError(t, d.Put([]byte(fmt.Sprint(i)), []byte(fmt.Sprintf("value-%d", i)), nil))
	}
	root := d.tree.RootNode()
	require.NotNil(t, root)
	root.Latch().Acquire()
	slots := root.NumSlots()
	root.Latch().Release()
	require.Equal(t, 3, slots)
	return db, d, root
}

func child(n *tree.Node, i int) *tree.Node {
	n.Latch().Acquire()
	defer n.Latch().Release()
	return n.Child(i)
}

func valueResident(n *tree.Node, i int) bool {
	n.Latch().Acquire()
	defer n.Latch().Release()
	return n.SlotValueResident(i)
}

func read(t *testing.T, d *Database, key string, mode CacheMode) {
	t.Helper()
	v, err := d.Get([]byte(key), &ReadOptions{CacheMode: mode})
	require.NoError(t, err)
	assert.Equal(t, "value-"+key, string(v))
}

func TestCacheModeScenarios(t *testing.T) {
	t.Run("default bumps without evicting", func(t *testing.T) {
		db, d, root := threeLeaves(t)
		left, middle, right := child(root, 0), child(root, 1), child(root, 2)
		gRoot, gLeft, gMiddle, gRight := root.Generation(), left.Generation(), middle.Generation(), right.Generation()
		resident := db.env.INList().Len()

		read(t, d, "1", CacheDefault)
		read(t, d, "8", CacheDefault)

		assert.Greater(t, left.Generation(), gLeft)
		assert.Greater(t, right.Generation(), gRight)
		assert.Greater(t, root.Generation(), gRoot)
		assert.Equal(t, gMiddle, middle.Generation())
		assert.Equal(t, resident, db.env.INList().Len(), "nothing evicted")
		assert.Same(t, left, child(root, 0))
		assert.Same(t, right, child(root, 2))
	})

	t.Run("evict bin drops the outer leaves", func(t *testing.T) {
		db, d, root := threeLeaves(t)
		left, middle, right := child(root, 0), child(root, 1), child(root, 2)
		gRoot, gMiddle := root.Generation(), middle.Generation()

		read(t, d, "1", CacheEvictBIN)
		read(t, d, "8", CacheEvictBIN)

		assert.Nil(t, child(root, 0))
		assert.Nil(t, child(root, 2))
		assert.False(t, db.env.INList().Contains(left))
		assert.False(t, db.env.INList().Contains(right))
		assert.Same(t, middle, child(root, 1))
		assert.Equal(t, gMiddle, middle.Generation())
		assert.Equal(t, gRoot, root.Generation())
		assert.NotZero(t, db.EvictorStats().NodesFlushed, "dirty leaves are written before they go")

		// Still readable from the log.
		read(t, d, "1", CacheDefault)
		read(t, d, "8", CacheDefault)
	})

	t.Run("keep hot pins the touched leaves", func(t *testing.T) {
		_, d, root := threeLeaves(t)
		read(t, d, "1", CacheKeepHot)
		read(t, d, "8", CacheKeepHot)
		assert.Equal(t, tree.MaxGeneration, child(root, 0).Generation())
		assert.Equal(t, tree.MaxGeneration, child(root, 2).Generation())
		assert.NotEqual(t, tree.MaxGeneration, child(root, 1).Generation())
	})

	t.Run("a later default read unpins a hot leaf", func(t *testing.T) {
		db, d, root := threeLeaves(t)
		left := child(root, 0)
		read(t, d, "1", CacheKeepHot)
		require.Equal(t, tree.MaxGeneration, left.Generation())

		_, err := db.evictor.EvictBatch(evictor.TriggerManual, 0)
		require.NoError(t, err)
		assert.True(t, db.env.INList().Contains(left), "pinned leaves survive a full sweep")
		assert.Nil(t, child(root, 2))

		read(t, d, "1", CacheDefault)
		assert.Less(t, left.Generation(), tree.MaxGeneration)
		_, err = db.evictor.EvictBatch(evictor.TriggerManual, 0)
		require.NoError(t, err)
		assert.False(t, db.env.INList().Contains(left))
		assert.Nil(t, child(root, 0))
		read(t, d, "1", CacheDefault)
	})

	t.Run("unchanged leaves generations alone", func(t *testing.T) {
		_, d, root := threeLeaves(t)
		left := child(root, 0)
		gRoot, gLeft := root.Generation(), left.Generation()
		read(t, d, "2", CacheUnchanged)
		assert.Equal(t, gRoot, root.Generation())
		assert.Equal(t, gLeft, left.Generation())
	})

	t.Run("make cold keeps the leaf while under budget", func(t *testing.T) {
		_, d, root := threeLeaves(t)
		left := child(root, 0)
		read(t, d, "1", CacheMakeCold)
		assert.Zero(t, left.Generation())
		assert.Same(t, left, child(root, 0))
	})

	t.Run("database mode applies when the operation has none", func(t *testing.T) {
		_, d, root := threeLeaves(t)
		require.NoError(t, d.SetCacheMode(CacheEvictBIN))
		read(t, d, "8", CacheUnset)
		assert.Nil(t, child(root, 2))
		read(t, d, "1", CacheDefault)
		assert.NotNil(t, child(root, 0), "the operation's mode wins")
	})
}

func TestCursorCacheModes(t *testing.T) {
	t.Run("evict ln drops the value it leaves", func(t *testing.T) {
		_, d, root := threeLeaves(t)
		left := child(root, 0)
		c, err := d.NewCursor(&ReadOptions{CacheMode: CacheEvictLN})
		require.NoError(t, err)
		require.True(t, c.First())
		assert.True(t, valueResident(left, 0), "still on record 1")
		require.True(t, c.Next())
		assert.False(t, valueResident(left, 0))
		assert.True(t, valueResident(left, 1))
		require.NoError(t, c.Close())
		assert.False(t, valueResident(left, 1), "closing leaves the record too")
	})

	t.Run("evict bin waits until the cursor leaves the leaf", func(t *testing.T) {
		_, d, root := threeLeaves(t)
		left, middle := child(root, 0), child(root, 1)
		c, err := d.NewCursor(&ReadOptions{CacheMode: CacheEvictBIN})
		require.NoError(t, err)
		require.True(t, c.First())
		require.True(t, c.Next())
		assert.Equal(t, "2", string(c.Key()))
		assert.Same(t, left, child(root, 0), "same leaf, nothing evicted")
		require.True(t, c.Next())
		assert.Equal(t, "3", string(c.Key()))
		assert.Nil(t, child(root, 0))
		assert.Same(t, middle, child(root, 1))
		require.NoError(t, c.Close())
		assert.Nil(t, child(root, 1))
	})
}
