package tree

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twlk9/lskv/latch"
	"github.com/twlk9/lskv/logfile"
)

type recordingTracker struct {
	mu       sync.Mutex
	new      map[logfile.LSN]int
	obsolete map[logfile.LSN]int
}

func newRecordingTracker() *recordingTracker {
	return &recordingTracker{new: map[logfile.LSN]int{}, obsolete: map[logfile.LSN]int{}}
}

func (r *recordingTracker) CountNew(lsn logfile.LSN, _ logfile.Kind, size int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.new[lsn] = size
}

func (r *recordingTracker) CountObsolete(lsn logfile.LSN, _ logfile.Kind, size int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.obsolete[lsn] = size
}

func (r *recordingTracker) isObsolete(lsn logfile.LSN) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.obsolete[lsn]
	return ok
}

type memCounter struct {
	mu    sync.Mutex
	bytes int64
}

func (m *memCounter) Add(d int64) {
	m.mu.Lock()
	m.bytes += d
	m.mu.Unlock()
}

func (m *memCounter) get() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bytes
}

func newTestEnv(t *testing.T, maxEntries int) (*Env, *recordingTracker, *memCounter) {
	t.Helper()
	l, err := logfile.Open(logfile.Options{Dir: t.TempDir(), SegmentSize: 64 << 10})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	tr := newRecordingTracker()
	mem := &memCounter{}
	env := NewEnv(Config{
		Log:        l,
		MaxEntries: maxEntries,
		Tracker:    tr,
		Memory:     mem,
		Latches:    &latch.Counter{},
	})
	return env, tr, mem
}

func slotLSN(t *testing.T, tr *Tree, key string) logfile.LSN {
	t.Helper()
	bin, _, err := tr.descend([]byte(key), BINLevel, Touch{GenKeep, GenKeep}, false)
	require.NoError(t, err)
	defer bin.latch.Release()
	idx, ok := bin.findExact([]byte(key))
	require.True(t, ok, "key %s", key)
	return bin.slots[idx].LSN
}

func leafKeys(n *Node) []string {
	n.latch.Acquire()
	defer n.latch.Release()
	var out []string
	for _, s := range n.slots {
		out = append(out, string(s.Key))
	}
	return out
}

func TestPutGetDelete(t *testing.T) {
	env, tr, _ := newTestEnv(t, 8)
	tree := env.OpenTree(1, logfile.NullLSN)

	_, err := tree.Put([]byte("a"), []byte("1"), DefaultTouch)
	require.NoError(t, err)
	_, err = tree.Put([]byte("b"), []byte("2"), DefaultTouch)
	require.NoError(t, err)

	v, bin, err := tree.Get([]byte("a"), DefaultTouch, true)
	require.NoError(t, err)
	assert.Equal(t, "1", string(v))
	assert.True(t, bin.IsBIN())

	old := slotLSN(t, tree, "a")
	_, err = tree.Put([]byte("a"), []byte("11"), DefaultTouch)
	require.NoError(t, err)
	assert.True(t, tr.isObsolete(old), "overwritten record must be obsolete")

	_, err = tree.Delete([]byte("b"), DefaultTouch)
	require.NoError(t, err)
	_, _, err = tree.Get([]byte("b"), DefaultTouch, true)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = tree.Delete([]byte("b"), DefaultTouch)
	assert.ErrorIs(t, err, ErrNotFound)

	v, _, err = tree.Get([]byte("a"), DefaultTouch, true)
	require.NoError(t, err)
	assert.Equal(t, "11", string(v))
}

func TestOverwriteDoesNotSplit(t *testing.T) {
	env, _, _ := newTestEnv(t, 5)
	tree := env.OpenTree(1, logfile.NullLSN)
	for i := 1; i <= 5; i++ {
		_, err := tree.Put([]byte(fmt.Sprint(i)), []byte("v"), DefaultTouch)
		require.NoError(t, err)
	}
	root := tree.RootNode()
	require.True(t, root.IsBIN())
	require.Equal(t, 5, root.NumSlots())
	resident := env.INList().Len()

	for i := 1; i <= 5; i++ {
		_, err := tree.Put([]byte(fmt.Sprint(i)), []byte("again"), DefaultTouch)
		require.NoError(t, err)
	}
	assert.Same(t, root, tree.RootNode())
	assert.Equal(t, 5, root.NumSlots())
	assert.Equal(t, resident, env.INList().Len())

	// A sixth key does need the room.
	_, err := tree.Put([]byte("6"), []byte("v"), DefaultTouch)
	require.NoError(t, err)
	assert.NotSame(t, root, tree.RootNode())
	assert.Equal(t, 2, tree.RootNode().Level())
	v, _, err := tree.Get([]byte("3"), DefaultTouch, true)
	require.NoError(t, err)
	assert.Equal(t, "again", string(v))
}

func TestSplitShape(t *testing.T) {
	env, _, _ := newTestEnv(t, 5)
	tree := env.OpenTree(1, logfile.NullLSN)
	for i := 1; i <= 8; i++ {
		_, err := tree.Put([]byte(fmt.Sprint(i)), []byte("v"), DefaultTouch)
		require.NoError(t, err)
	}

	root := tree.RootNode()
	require.NotNil(t, root)
	assert.Equal(t, 2, root.Level())
	require.Equal(t, 3, root.NumSlots())

	want := [][]string{{"1", "2"}, {"3", "4"}, {"5", "6", "7", "8"}}
	for i, keys := range want {
		child := root.Child(i)
		require.NotNil(t, child)
		assert.True(t, child.IsBIN())
		assert.Equal(t, keys, leafKeys(child))
	}
}

func TestRootSplitGrowsTree(t *testing.T) {
	env, _, _ := newTestEnv(t, 4)
	tree := env.OpenTree(1, logfile.NullLSN)
	for i := 0; i < 200; i++ {
		_, err := tree.Put([]byte(fmt.Sprintf("k%04d", i)), []byte("v"), DefaultTouch)
		require.NoError(t, err)
	}
	assert.Greater(t, tree.RootNode().Level(), 2)
	for i := 0; i < 200; i++ {
		v, _, err := tree.Get([]byte(fmt.Sprintf("k%04d", i)), DefaultTouch, false)
		require.NoError(t, err)
		assert.Equal(t, "v", string(v))
	}
}

func TestNextWalksAcrossLeaves(t *testing.T) {
	env, _, _ := newTestEnv(t, 4)
	tree := env.OpenTree(1, logfile.NullLSN)
	for i := 0; i < 30; i++ {
		_, err := tree.Put([]byte(fmt.Sprintf("k%02d", i)), []byte{byte(i)}, DefaultTouch)
		require.NoError(t, err)
	}
	// Empty out a whole leaf in the middle.
	for i := 10; i < 16; i++ {
		_, err := tree.Delete([]byte(fmt.Sprintf("k%02d", i)), DefaultTouch)
		require.NoError(t, err)
	}

	var got []string
	from, strict := []byte(nil), false
	for {
		k, v, _, err := tree.Next(from, strict, DefaultTouch, false)
		if err == ErrNotFound {
			break
		}
		require.NoError(t, err)
		require.Len(t, v, 1)
		got = append(got, string(k))
		from, strict = k, true
	}
	assert.Len(t, got, 24)
	assert.Equal(t, "k00", got[0])
	assert.Equal(t, "k09", got[9])
	assert.Equal(t, "k16", got[10])
	assert.Equal(t, "k29", got[23])
}

func TestEvictAndRefetch(t *testing.T) {
	env, _, mem := newTestEnv(t, 4)
	tree := env.OpenTree(1, logfile.NullLSN)
	for i := 0; i < 20; i++ {
		_, err := tree.Put([]byte(fmt.Sprintf("k%02d", i)), []byte("value"), DefaultTouch)
		require.NoError(t, err)
	}
	before := mem.get()
	resident := env.INList().Len()

	_, bin, err := tree.Get([]byte("k00"), DefaultTouch, true)
	require.NoError(t, err)

	var flushed []*Node
	freed, err := tree.Evict(bin, true, func(n *Node) { flushed = append(flushed, n) })
	require.NoError(t, err)
	assert.Positive(t, freed)
	assert.Equal(t, []*Node{bin}, flushed, "dirty BIN is logged before it is detached")
	assert.Equal(t, resident-1, env.INList().Len())
	assert.Equal(t, before-freed, mem.get())

	misses := env.CacheMisses()
	v, _, err := tree.Get([]byte("k00"), DefaultTouch, true)
	require.NoError(t, err)
	assert.Equal(t, "value", string(v))
	assert.Greater(t, env.CacheMisses(), misses)
}

func TestEvictRefusesBusyOrParentNodes(t *testing.T) {
	env, _, _ := newTestEnv(t, 4)
	tree := env.OpenTree(1, logfile.NullLSN)
	for i := 0; i < 20; i++ {
		_, err := tree.Put([]byte(fmt.Sprintf("k%02d", i)), []byte("value"), DefaultTouch)
		require.NoError(t, err)
	}

	root := tree.RootNode()
	freed, err := tree.Evict(root, true, nil)
	require.NoError(t, err)
	assert.Zero(t, freed, "root is never evicted")

	_, bin, err := tree.Get([]byte("k19"), DefaultTouch, false)
	require.NoError(t, err)
	freed, err = tree.Evict(bin, false, nil)
	require.NoError(t, err)
	assert.Zero(t, freed, "dirty node without flush permission stays")

	bin.Latch().Acquire()
	freed, err = tree.Evict(bin, true, nil)
	bin.Latch().Release()
	require.NoError(t, err)
	assert.Zero(t, freed, "latched node is skipped")
}

func TestEvictLN(t *testing.T) {
	env, _, _ := newTestEnv(t, 8)
	tree := env.OpenTree(1, logfile.NullLSN)
	bin, err := tree.Put([]byte("a"), []byte("hello"), DefaultTouch)
	require.NoError(t, err)

	assert.Equal(t, int64(5), tree.EvictLN(bin, []byte("a")))
	assert.Zero(t, tree.EvictLN(bin, []byte("a")))

	v, _, err := tree.Get([]byte("a"), DefaultTouch, false)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(v))
}

func TestProcessLN(t *testing.T) {
	env, tr, _ := newTestEnv(t, 8)
	tree := env.OpenTree(1, logfile.NullLSN)
	_, err := tree.Put([]byte("a"), []byte("one"), DefaultTouch)
	require.NoError(t, err)
	first := slotLSN(t, tree, "a")
	_, err = tree.Put([]byte("a"), []byte("two"), DefaultTouch)
	require.NoError(t, err)
	second := slotLSN(t, tree, "a")

	e1, err := env.Log().Read(first)
	require.NoError(t, err)
	e2, err := env.Log().Read(second)
	require.NoError(t, err)

	live, err := tree.ProcessLN(e1, Eager)
	require.NoError(t, err)
	assert.False(t, live)

	live, err = tree.ProcessLN(e2, CheckOnly)
	require.NoError(t, err)
	assert.True(t, live)
	assert.Equal(t, second, slotLSN(t, tree, "a"))

	live, err = tree.ProcessLN(e2, Eager)
	require.NoError(t, err)
	assert.True(t, live)
	moved := slotLSN(t, tree, "a")
	assert.Greater(t, moved, second)
	assert.True(t, tr.isObsolete(second))

	v, _, err := tree.Get([]byte("a"), DefaultTouch, false)
	require.NoError(t, err)
	assert.Equal(t, "two", string(v))
}

func TestLazyMigrationHappensOnLog(t *testing.T) {
	env, tr, _ := newTestEnv(t, 8)
	tree := env.OpenTree(1, logfile.NullLSN)
	bin, err := tree.Put([]byte("a"), []byte("one"), DefaultTouch)
	require.NoError(t, err)
	_, err = env.FlushDirty()
	require.NoError(t, err)

	lsn := slotLSN(t, tree, "a")
	e, err := env.Log().Read(lsn)
	require.NoError(t, err)
	// Not resident: the rewrite must read the old entry.
	tree.EvictLN(bin, []byte("a"))

	live, err := tree.ProcessLN(e, Lazy)
	require.NoError(t, err)
	assert.True(t, live)
	assert.Equal(t, lsn, slotLSN(t, tree, "a"), "lazy migration leaves the slot alone")

	bin.Latch().Acquire()
	assert.True(t, bin.Dirty())
	assert.True(t, bin.SlotPendingMigration(0))
	bin.Latch().Release()

	_, err = env.FlushDirty()
	require.NoError(t, err)
	moved := slotLSN(t, tree, "a")
	assert.Greater(t, moved, lsn)
	assert.True(t, tr.isObsolete(lsn))

	bin.Latch().Acquire()
	assert.False(t, bin.SlotPendingMigration(0))
	bin.Latch().Release()

	v, _, err := tree.Get([]byte("a"), DefaultTouch, false)
	require.NoError(t, err)
	assert.Equal(t, "one", string(v))
}

func TestProcessNode(t *testing.T) {
	env, _, _ := newTestEnv(t, 4)
	tree := env.OpenTree(1, logfile.NullLSN)
	for i := 0; i < 10; i++ {
		_, err := tree.Put([]byte(fmt.Sprintf("k%02d", i)), []byte("v"), DefaultTouch)
		require.NoError(t, err)
	}
	_, err := env.FlushDirty()
	require.NoError(t, err)

	rootLSN := tree.RootLSN()
	require.NotEqual(t, logfile.NullLSN, rootLSN)
	rootEntry, err := env.Log().Read(rootLSN)
	require.NoError(t, err)

	_, bin, err := tree.Get([]byte("k00"), DefaultTouch, false)
	require.NoError(t, err)
	bin.Latch().Acquire()
	binLSN := bin.LastLSN()
	bin.Latch().Release()
	binEntry, err := env.Log().Read(binLSN)
	require.NoError(t, err)

	live, err := tree.ProcessNode(binEntry, Eager)
	require.NoError(t, err)
	assert.True(t, live)
	bin.Latch().Acquire()
	assert.Greater(t, bin.LastLSN(), binLSN)
	bin.Latch().Release()

	live, err = tree.ProcessNode(binEntry, CheckOnly)
	require.NoError(t, err)
	assert.False(t, live, "old image is superseded")

	live, err = tree.ProcessNode(rootEntry, Eager)
	require.NoError(t, err)
	assert.True(t, live)
	assert.Greater(t, tree.RootLSN(), rootLSN)
}

func TestReopenFromRootLSN(t *testing.T) {
	env, _, _ := newTestEnv(t, 4)
	tree := env.OpenTree(1, logfile.NullLSN)
	for i := 0; i < 25; i++ {
		_, err := tree.Put([]byte(fmt.Sprintf("k%02d", i)), []byte(fmt.Sprint(i)), DefaultTouch)
		require.NoError(t, err)
	}
	_, err := env.FlushDirty()
	require.NoError(t, err)
	rootLSN := tree.RootLSN()

	// A second environment over the same log sees the same records.
	other := NewEnv(Config{Log: env.Log(), MaxEntries: 4})
	reopened := other.OpenTree(1, rootLSN)
	for i := 0; i < 25; i++ {
		v, _, err := reopened.Get([]byte(fmt.Sprintf("k%02d", i)), DefaultTouch, false)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprint(i), string(v))
	}
}

func TestRedo(t *testing.T) {
	env, tr, _ := newTestEnv(t, 4)
	tree := env.OpenTree(1, logfile.NullLSN)

	put := func(key, val string) *logfile.Entry {
		e := &logfile.Entry{Kind: logfile.KindLN, DB: 1, Key: []byte(key), Payload: []byte(val)}
		_, err := env.Log().Append(e)
		require.NoError(t, err)
		return e
	}
	a1 := put("a", "1")
	a2 := put("a", "2")
	b1 := put("b", "1")
	del := &logfile.Entry{Kind: logfile.KindDeletedLN, DB: 1, Key: []byte("b")}
	_, err := env.Log().Append(del)
	require.NoError(t, err)

	for _, e := range []*logfile.Entry{a1, a2, b1, del} {
		require.NoError(t, tree.Redo(e, true))
	}
	// Replaying an older entry again changes nothing.
	require.NoError(t, tree.Redo(a1, true))

	v, _, err := tree.Get([]byte("a"), DefaultTouch, false)
	require.NoError(t, err)
	assert.Equal(t, "2", string(v))
	_, _, err = tree.Get([]byte("b"), DefaultTouch, false)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.True(t, tr.isObsolete(a1.LSN))
	assert.True(t, tr.isObsolete(b1.LSN))
	assert.True(t, tr.isObsolete(del.LSN))
	assert.False(t, tr.isObsolete(a2.LSN))
}

func TestCountAllObsoleteAndDrop(t *testing.T) {
	env, tr, mem := newTestEnv(t, 4)
	tree := env.OpenTree(7, logfile.NullLSN)
	var lsns []logfile.LSN
	for i := 0; i < 12; i++ {
		_, err := tree.Put([]byte(fmt.Sprintf("k%02d", i)), []byte("v"), DefaultTouch)
		require.NoError(t, err)
		lsns = append(lsns, slotLSN(t, tree, fmt.Sprintf("k%02d", i)))
	}
	_, err := env.FlushDirty()
	require.NoError(t, err)

	require.NoError(t, tree.CountAllObsolete())
	for _, l := range lsns {
		assert.True(t, tr.isObsolete(l))
	}
	assert.True(t, tr.isObsolete(tree.RootLSN()))

	env.DropTree(7)
	_, ok := env.Tree(7)
	assert.False(t, ok)
	assert.Zero(t, env.INList().Len())
	assert.Zero(t, mem.get())
}

func TestConcurrentPuts(t *testing.T) {
	env, _, _ := newTestEnv(t, 6)
	tree := env.OpenTree(1, logfile.NullLSN)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_, err := tree.Put([]byte(fmt.Sprintf("w%d-%03d", w, i)), []byte("v"), DefaultTouch)
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()
	assert.Zero(t, env.Latches().Held())

	n := 0
	from, strict := []byte(nil), false
	for {
		k, _, _, err := tree.Next(from, strict, DefaultTouch, false)
		if err == ErrNotFound {
			break
		}
		require.NoError(t, err)
		n++
		from, strict = k, true
	}
	assert.Equal(t, 400, n)
}
