package evictor

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twlk9/lskv/latch"
	"github.com/twlk9/lskv/logfile"
	"github.com/twlk9/lskv/tree"
)

type testEnv struct {
	env    *tree.Env
	tree   *tree.Tree
	budget *Budget
	log    *logfile.Log
}

func newTestEnv(t *testing.T, maxEntries int, cacheSize int64, hook logfile.WriteHook) *testEnv {
	t.Helper()
	l, err := logfile.Open(logfile.Options{Dir: t.TempDir(), SegmentSize: 1 << 20, WriteHook: hook})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	budget := NewBudget(cacheSize, 50, nil)
	env := tree.NewEnv(tree.Config{Log: l, MaxEntries: maxEntries, Memory: budget, Latches: &latch.Counter{}})
	return &testEnv{env: env, tree: env.OpenTree(1, logfile.NullLSN), budget: budget, log: l}
}

func (te *testEnv) fill(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := te.tree.Put([]byte(fmt.Sprintf("k%04d", i)), make([]byte, 64), tree.DefaultTouch)
		require.NoError(t, err)
	}
}

func TestResolve(t *testing.T) {
	hot := func() CacheMode { return KeepHot }
	assert.Equal(t, Default, Resolve(Unset, Unset, Unset, nil))
	assert.Equal(t, EvictLN, Resolve(Unset, Unset, EvictLN, nil))
	assert.Equal(t, MakeCold, Resolve(Unset, MakeCold, EvictLN, nil))
	assert.Equal(t, Unchanged, Resolve(Unchanged, MakeCold, EvictLN, nil))
	assert.Equal(t, KeepHot, Resolve(Dynamic, Unset, Unset, hot))
	assert.Equal(t, KeepHot, Resolve(Unset, Dynamic, Unset, hot))
	assert.Equal(t, Default, Resolve(Dynamic, Unset, Unset, nil))
	assert.Equal(t, Default, Resolve(Dynamic, Unset, Unset, func() CacheMode { return Dynamic }))

	calls := 0
	Resolve(Dynamic, Unset, Unset, func() CacheMode { calls++; return EvictBIN })
	assert.Equal(t, 1, calls, "strategy is asked once per operation")
}

func TestParseCacheMode(t *testing.T) {
	for m := Default; m <= Dynamic; m++ {
		got, err := ParseCacheMode(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
	got, err := ParseCacheMode(" evict_bin ")
	require.NoError(t, err)
	assert.Equal(t, EvictBIN, got)
	_, err = ParseCacheMode("lukewarm")
	assert.ErrorIs(t, err, ErrUnknownCacheMode)
}

func TestModeTouch(t *testing.T) {
	assert.Equal(t, tree.DefaultTouch, Default.Touch())
	assert.Equal(t, tree.DefaultTouch, EvictLN.Touch())
	assert.Equal(t, tree.Touch{Upper: tree.GenKeep, Leaf: tree.GenMin}, MakeCold.Touch())
	assert.Equal(t, tree.Touch{Upper: tree.GenMax, Leaf: tree.GenMax}, KeepHot.Touch())
	assert.Equal(t, tree.Touch{Upper: tree.GenKeep, Leaf: tree.GenKeep}, EvictBIN.Touch())
	assert.False(t, EvictBIN.CacheValue())
	assert.True(t, Default.CacheValue())
}

func TestBudget(t *testing.T) {
	overs := 0
	b := NewBudget(1000, 20, func() { overs++ })
	b.Add(900)
	assert.False(t, b.Over())
	b.Add(200)
	assert.True(t, b.Over())
	assert.False(t, b.Critical())
	assert.Equal(t, int64(1200), b.CriticalLevel())
	b.Add(200)
	assert.True(t, b.Critical())
	assert.Equal(t, 1, overs, "only crossing the limit signals")
	b.Add(-1300)
	assert.Zero(t, b.Used())
}

func TestTargetSelectorCursorWraps(t *testing.T) {
	te := newTestEnv(t, 4, 1<<30, nil)
	te.fill(t, 40)
	total := te.env.INList().Len()
	require.Greater(t, total, 8)

	s := NewTargetSelector(4, true)
	seen := map[uint64]int{}
	s.mu.Lock()
	for i := 0; i < total; i++ {
		for _, n := range s.nextBatch(te.env.INList()) {
			seen[n.ID()]++
		}
	}
	s.mu.Unlock()
	// total batches of 4 visit every node and come around again.
	assert.Len(t, seen, total)
	for id, c := range seen {
		assert.GreaterOrEqual(t, c, 3, "node %d", id)
	}
}

func TestTargetSelectorScanIsBounded(t *testing.T) {
	te := newTestEnv(t, 4, 1<<30, nil)
	te.fill(t, 40)
	list := te.env.INList()
	total := list.Len()
	require.Greater(t, total, 8)

	s := NewTargetSelector(4, true)
	s.mu.Lock()
	defer s.mu.Unlock()
	require.Len(t, s.nextBatch(list), 4)
	assert.Equal(t, int64(1), s.passes)
	assert.Len(t, s.pass, total-4, "the rest of the pass waits in the snapshot")

	// A node that leaves the cache mid pass is not offered.
	gone := s.pass[0]
	require.True(t, list.Remove(gone))
	batch := s.nextBatch(list)
	assert.Len(t, batch, 4)
	assert.NotContains(t, batch, gone)
	assert.Len(t, s.pass, total-9)
	assert.Equal(t, int64(1), s.passes, "no new walk of the list")
	assert.Equal(t, int64(8), s.scanned)

	// Cached again, it is back on the next pass.
	list.Add(gone)
	s.pass = nil
	require.Len(t, s.nextBatch(list), 4)
	assert.Equal(t, int64(2), s.passes)
	assert.Same(t, gone, s.pass[0])
}

func TestTargetSelectorRanking(t *testing.T) {
	te := newTestEnv(t, 4, 1<<30, nil)
	te.fill(t, 20)
	isRoot := func(n *tree.Node) bool { return te.tree.IsRoot(n) }

	t.Run("level aware prefers clean leaves", func(t *testing.T) {
		_, err := te.env.FlushDirty()
		require.NoError(t, err)
		_, bin, err := te.tree.Get([]byte("k0019"), tree.DefaultTouch, true)
		require.NoError(t, err)
		// Make one leaf dirty and the coldest of all.
		_, err = te.tree.Put([]byte("k0019"), []byte("x"), tree.Touch{Upper: tree.GenKeep, Leaf: tree.GenMin})
		require.NoError(t, err)

		s := NewTargetSelector(1000, false)
		victim := s.Select(te.env.INList(), isRoot, false)
		require.NotNil(t, victim)
		assert.True(t, victim.IsBIN())
		assert.NotEqual(t, bin, victim, "clean nodes go before dirty ones")

		lru := NewTargetSelector(1000, true)
		assert.Equal(t, bin, lru.Select(te.env.INList(), isRoot, false), "pure LRU takes the coldest")
	})

	t.Run("skips latched pinned and parents", func(t *testing.T) {
		s := NewTargetSelector(1000, true)
		var latched []*tree.Node
		te.env.INList().Range(func(n *tree.Node) bool {
			if n.IsBIN() {
				if len(latched)%2 == 0 {
					n.SetGeneration(tree.MaxGeneration)
				}
				n.Latch().Acquire()
				latched = append(latched, n)
			}
			return true
		})
		assert.Nil(t, s.Select(te.env.INList(), isRoot, false), "INs with cached children never go")
		for _, n := range latched {
			n.Latch().Release()
		}
	})
}

func TestReadOnlyAllDirtyYieldsNothing(t *testing.T) {
	te := newTestEnv(t, 4, 100, nil)
	te.fill(t, 20)
	ev := New(Config{NodesPerScan: 8, ReadOnly: true}, te.env, te.budget, nil)

	n, err := ev.Manual()
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Greater(t, te.budget.Used(), te.budget.Max())
	assert.Equal(t, int64(1), ev.Stats().Batches)
}

func TestEvictBatch(t *testing.T) {
	te := newTestEnv(t, 4, 1<<30, nil)
	te.fill(t, 100)
	used := te.budget.Used()
	te.budget.SetMax(used / 2)

	var flushed int
	ev := New(Config{NodesPerScan: 64, EvictBytes: 1024, Hooks: Hooks{
		AfterFlush: func(*tree.Node) { flushed++ },
	}}, te.env, te.budget, nil)

	n, err := ev.Background()
	require.NoError(t, err)
	assert.Positive(t, n)
	assert.LessOrEqual(t, te.budget.Used(), te.budget.Max()-1024)
	assert.Equal(t, int64(n), ev.Evicted(TriggerBackground))
	assert.Equal(t, int64(flushed), ev.Stats().NodesFlushed)
	assert.Positive(t, flushed, "never-logged leaves are written before they go")
	assert.Zero(t, te.env.Latches().Held())

	for i := 0; i < 100; i++ {
		v, _, err := te.tree.Get([]byte(fmt.Sprintf("k%04d", i)), tree.DefaultTouch, false)
		require.NoError(t, err)
		assert.Len(t, v, 64)
	}
}

func TestCriticalEviction(t *testing.T) {
	te := newTestEnv(t, 4, 1<<30, nil)
	te.fill(t, 60)
	ev := New(Config{NodesPerScan: 64}, te.env, te.budget, nil)

	te.budget.SetMax(te.budget.Used() * 9 / 10)
	require.NoError(t, ev.Critical())
	assert.Zero(t, ev.Evicted(TriggerCritical), "over budget but not critical")

	te.budget.SetMax(te.budget.Used() / 3)
	require.NoError(t, ev.Critical())
	assert.Positive(t, ev.Evicted(TriggerCritical))
	assert.LessOrEqual(t, te.budget.Used(), te.budget.Max())
}

func TestFlushFailureIsFatal(t *testing.T) {
	var fail bool
	hook := func(e *logfile.Entry) error {
		if fail && e.Kind.IsNode() {
			return errors.New("injected write failure")
		}
		return nil
	}
	te := newTestEnv(t, 4, 1<<30, hook)
	te.fill(t, 20)

	var fatal error
	ev := New(Config{NodesPerScan: 64}, te.env, te.budget, func(err error) { fatal = err })
	fail = true
	te.budget.SetMax(1)
	_, err := ev.Manual()
	require.Error(t, err)
	require.Error(t, fatal)
	assert.Contains(t, fatal.Error(), "injected write failure")
	assert.Zero(t, te.env.Latches().Held())
}

func TestCacheModeActions(t *testing.T) {
	te := newTestEnv(t, 8, 1<<30, nil)
	te.fill(t, 5)
	ev := New(Config{NodesPerScan: 16}, te.env, te.budget, nil)

	_, bin, err := te.tree.Get([]byte("k0001"), tree.DefaultTouch, true)
	require.NoError(t, err)

	ev.EvictLN(te.tree, bin, []byte("k0001"))
	assert.Equal(t, int64(1), ev.Stats().LNsEvicted)

	require.NoError(t, ev.MakeCold(bin))
	assert.True(t, te.env.INList().Contains(bin), "not over budget")

	require.NoError(t, ev.EvictBIN(bin))
	assert.False(t, te.env.INList().Contains(bin))
	assert.Equal(t, int64(1), ev.Evicted(TriggerCacheMode))
}
