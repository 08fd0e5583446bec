package tree

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/twlk9/lskv/logfile"
)

// latchParent returns n's parent latched together with the index of the slot
// holding n. The parent is nil when n is the root or is no longer attached.
func (t *Tree) latchParent(n *Node) (*Node, int, error) {
	parent, _, err := t.descend(n.idKey, n.level+1, Touch{Upper: GenKeep, Leaf: GenKeep}, false)
	if err != nil || parent == nil {
		return nil, 0, err
	}
	idx := parent.findChild(n.idKey)
	if parent.slots[idx].child != n {
		parent.latch.Release()
		return nil, 0, nil
	}
	return parent, idx, nil
}

// flushNode logs n if it is dirty and records the new LSN in its parent, or
// in the root pointer when n is the root.
func (t *Tree) flushNode(n *Node) error {
	t.rootMu.Lock()
	if t.root == n {
		defer t.rootMu.Unlock()
		n.latch.Acquire()
		defer n.latch.Release()
		if !n.dirty {
			return nil
		}
		lsn, err := t.logNodeLocked(n)
		if err != nil {
			return err
		}
		t.rootLSN = lsn
		return nil
	}
	t.rootMu.Unlock()

	parent, idx, err := t.latchParent(n)
	if err != nil || parent == nil {
		return err
	}
	defer parent.latch.Release()
	n.latch.Acquire()
	defer n.latch.Release()
	if !n.dirty {
		return nil
	}
	lsn, err := t.logNodeLocked(n)
	if err != nil {
		return err
	}
	parent.slots[idx].LSN = lsn
	parent.dirty = true
	return nil
}

// FlushDirty logs every dirty resident node, children before parents, so that
// once it returns every tree can be rebuilt from its root LSN alone.
func (e *Env) FlushDirty() (int, error) {
	byLevel := map[int][]*Node{}
	e.inList.Range(func(n *Node) bool {
		byLevel[n.level] = append(byLevel[n.level], n)
		return true
	})
	levels := make([]int, 0, len(byLevel))
	for l := range byLevel {
		levels = append(levels, l)
	}
	sort.Ints(levels)

	written := 0
	for _, level := range levels {
		nodes := byLevel[level]
		// Splits during the checkpoint may add dirty nodes; pick them up.
		if level > levels[0] {
			nodes = nodes[:0]
			e.inList.Range(func(n *Node) bool {
				if n.level == level {
					nodes = append(nodes, n)
				}
				return true
			})
		}
		for _, n := range nodes {
			n.latch.Acquire()
			dirty := n.dirty
			n.latch.Release()
			if !dirty {
				continue
			}
			t, ok := e.trees.Load(n.db)
			if !ok {
				continue
			}
			if err := t.flushNode(n); err != nil {
				return written, errors.Wrapf(err, "flush node %d of db %d", n.id, n.db)
			}
			written++
		}
	}
	return written, nil
}

// Evict detaches n from its tree and returns the bytes released. A dirty node
// is logged first when allowFlush is set, and afterFlush runs between the
// write and the detach. It returns 0 without error when n cannot go right
// now: it is the root, is latched by someone else, still has cached children,
// or is dirty and may not be flushed.
func (t *Tree) Evict(n *Node, allowFlush bool, afterFlush func(*Node)) (int64, error) {
	parent, idx, err := t.latchParent(n)
	if err != nil || parent == nil {
		return 0, err
	}
	defer parent.latch.Release()
	if !n.latch.TryAcquire() {
		return 0, nil
	}
	defer n.latch.Release()
	if !n.IsBIN() && n.HasResidentChildren() {
		return 0, nil
	}
	if n.dirty {
		if !allowFlush {
			return 0, nil
		}
		lsn, err := t.logNodeLocked(n)
		if err != nil {
			return 0, err
		}
		parent.slots[idx].LSN = lsn
		parent.dirty = true
		if afterFlush != nil {
			afterFlush(n)
		}
	}
	parent.slots[idx].child = nil
	freed := n.mem
	t.env.removeResident(n)
	return freed, nil
}

// CountAllObsolete reports every entry the tree references as obsolete. It is
// used when the database is removed; the caller guarantees no concurrent
// operations on it.
func (t *Tree) CountAllObsolete() error {
	t.rootMu.Lock()
	root, rootLSN := t.root, t.rootLSN
	t.rootMu.Unlock()
	if root == nil && rootLSN == logfile.NullLSN {
		return nil
	}
	return t.countSubtree(root, rootLSN)
}

func (t *Tree) countSubtree(n *Node, lsn logfile.LSN) error {
	var (
		level    int
		lsns     []logfile.LSN
		sizes    []int
		children []*Node
	)
	if n != nil {
		n.latch.Acquire()
		level, lsn = n.level, n.lastLSN
		for _, s := range n.slots {
			lsns = append(lsns, s.LSN)
			sizes = append(sizes, s.lnSize)
			children = append(children, s.child)
		}
		n.latch.Release()
	} else {
		e, err := t.env.log.Read(lsn)
		if err != nil {
			return err
		}
		var keys [][]byte
		level, _, keys, lsns, err = DecodeImage(e)
		if err != nil {
			return err
		}
		sizes = make([]int, len(keys))
		children = make([]*Node, len(keys))
	}

	kind := logfile.KindIN
	if level == BINLevel {
		kind = logfile.KindBIN
	}
	if lsn != logfile.NullLSN {
		t.env.tracker.CountObsolete(lsn, kind, 0)
	}
	for i, l := range lsns {
		if level == BINLevel {
			if l != logfile.NullLSN {
				t.env.tracker.CountObsolete(l, logfile.KindLN, sizes[i])
			}
			continue
		}
		if children[i] == nil && l == logfile.NullLSN {
			continue
		}
		if err := t.countSubtree(children[i], l); err != nil {
			return err
		}
	}
	return nil
}

// Redo applies a record entry met while replaying the log after a crash.
// Entries older than what the tree already points at are ignored. When
// countObsolete is set the entries it supersedes are reported obsolete; it is
// off for the part of the log the last checkpoint already accounted for.
func (t *Tree) Redo(e *logfile.Entry, countObsolete bool) error {
	if !e.Kind.IsLN() {
		return nil
	}
	bin, _, err := t.descend(e.Key, BINLevel, DefaultTouch, e.Kind == logfile.KindLN)
	if err != nil {
		return err
	}
	defer bin.latch.Release()

	idx, ok := bin.findExact(e.Key)
	switch e.Kind {
	case logfile.KindLN:
		if ok {
			s := bin.slots[idx]
			if s.LSN >= e.LSN {
				return nil
			}
			if countObsolete {
				t.env.tracker.CountObsolete(s.LSN, logfile.KindLN, s.lnSize)
			}
			s.LSN = e.LSN
			s.value = nil
			s.lnSize = e.Size
			s.migrate = false
		} else {
			bin.insertSlot(idx, &Slot{Key: cloneBytes(e.Key), LSN: e.LSN, lnSize: e.Size})
		}
	case logfile.KindDeletedLN:
		if countObsolete {
			t.env.tracker.CountObsolete(e.LSN, logfile.KindDeletedLN, e.Size)
		}
		if !ok || bin.slots[idx].LSN >= e.LSN {
			return nil
		}
		if countObsolete {
			t.env.tracker.CountObsolete(bin.slots[idx].LSN, logfile.KindLN, bin.slots[idx].lnSize)
		}
		bin.removeSlot(idx)
	}
	bin.dirty = true
	t.env.updateMem(bin)
	return nil
}
