package tree

import (
	"bytes"
	"sync"

	"github.com/pkg/errors"

	"github.com/twlk9/lskv/compression"
	"github.com/twlk9/lskv/logfile"
)

// ErrNotFound is returned when a key has no record.
var ErrNotFound = errors.New("key not found")

// Tree is the index of one database. The root pointer and its LSN are guarded
// by rootMu, which is always taken before the root's latch.
type Tree struct {
	env *Env
	db  uint32

	rootMu  sync.Mutex
	root    *Node
	rootLSN logfile.LSN
}

// OpenTree registers the tree of database db. rootLSN is where its root was
// last logged, or NullLSN for a database that was never checkpointed.
func (e *Env) OpenTree(db uint32, rootLSN logfile.LSN) *Tree {
	t := &Tree{env: e, db: db, rootLSN: rootLSN}
	actual, _ := e.trees.LoadOrStore(db, t)
	return actual
}

// DropTree forgets the tree of db and every resident node it owns.
func (e *Env) DropTree(db uint32) {
	e.trees.Delete(db)
	e.inList.Range(func(n *Node) bool {
		if n.db == db {
			e.removeResident(n)
		}
		return true
	})
}

// DB returns the database id.
func (t *Tree) DB() uint32 { return t.db }

// RootLSN returns where the root was last logged.
func (t *Tree) RootLSN() logfile.LSN {
	t.rootMu.Lock()
	defer t.rootMu.Unlock()
	return t.rootLSN
}

// RootNode returns the resident root, or nil if it has not been loaded.
func (t *Tree) RootNode() *Node {
	t.rootMu.Lock()
	defer t.rootMu.Unlock()
	return t.root
}

// IsRoot reports whether n is the tree's root. Must not be called while
// holding a node latch.
func (t *Tree) IsRoot(n *Node) bool {
	t.rootMu.Lock()
	defer t.rootMu.Unlock()
	return t.root == n
}

// Child returns the resident child of slot i of an IN. Requires n's latch.
func (n *Node) Child(i int) *Node { return n.slots[i].child }

// loadRootLocked makes sure the root is resident. Requires rootMu.
func (t *Tree) loadRootLocked() error {
	if t.root != nil {
		return nil
	}
	if t.rootLSN == logfile.NullLSN {
		// Fresh tree: a root IN with one empty BIN covering every key.
		bin := t.env.newNode(t.db, BINLevel, nil)
		bin.dirty = true
		root := t.env.newNode(t.db, BINLevel+1, nil)
		root.slots = []*Slot{{child: bin}}
		root.dirty = true
		t.env.addResident(bin)
		t.env.addResident(root)
		t.root = root
		return nil
	}
	n, err := t.readNode(t.rootLSN)
	if err != nil {
		return errors.Wrapf(err, "load root of db %d", t.db)
	}
	t.env.addResident(n)
	t.root = n
	return nil
}

// readNode materializes a node from its logged image.
func (t *Tree) readNode(lsn logfile.LSN) (*Node, error) {
	if lsn == logfile.NullLSN {
		return nil, errors.Errorf("db %d: fetch of unlogged node", t.db)
	}
	e, err := t.env.log.Read(lsn)
	if err != nil {
		return nil, err
	}
	if !e.Kind.IsNode() {
		return nil, errors.Errorf("entry at %s is %s, not a node", lsn, e.Kind)
	}
	level, idKey, keys, lsns, err := DecodeImage(e)
	if err != nil {
		return nil, err
	}
	t.env.misses.Add(1)
	n := t.env.newNode(t.db, level, idKey)
	n.slots = make([]*Slot, len(keys))
	for i := range keys {
		n.slots[i] = &Slot{Key: keys[i], LSN: lsns[i]}
	}
	n.lastLSN = lsn
	return n, nil
}

// fetchChild returns the child of parent's slot idx, reading it from the log
// when it is not resident. Requires parent's latch; the read happens under it
// so nobody can change the slot while it is being filled.
func (t *Tree) fetchChild(parent *Node, idx int) (*Node, error) {
	s := parent.slots[idx]
	if s.child != nil {
		return s.child, nil
	}
	child, err := t.readNode(s.LSN)
	if err != nil {
		return nil, err
	}
	s.child = child
	t.env.addResident(child)
	return child, nil
}

// descend latch-couples from the root towards key and returns the node at
// stopLevel latched, together with the smallest key known to lie beyond it
// (nil when the node is the rightmost at its level). When split is set, full
// nodes are split on the way down so an insert always finds room.
// It returns a nil node when the tree is not tall enough to have stopLevel.
func (t *Tree) descend(key []byte, stopLevel int, touch Touch, split bool) (*Node, []byte, error) {
	t.rootMu.Lock()
	if err := t.loadRootLocked(); err != nil {
		t.rootMu.Unlock()
		return nil, nil, err
	}
	n := t.root
	n.latch.Acquire()
	if split && len(n.slots) >= t.env.maxEntries {
		n = t.splitRootLocked(n)
	}
	t.rootMu.Unlock()

	if n.level < stopLevel {
		n.latch.Release()
		return nil, nil, nil
	}
	if n.level == BINLevel {
		t.env.touch(n, touch.Leaf)
	} else {
		t.env.touch(n, touch.Upper)
	}

	var upper []byte
	for n.level > stopLevel {
		idx := n.findChild(key)
		if idx+1 < len(n.slots) {
			upper = n.slots[idx+1].Key
		}
		child, err := t.fetchChild(n, idx)
		if err != nil {
			n.latch.Release()
			return nil, nil, err
		}
		child.latch.Acquire()
		if split && len(child.slots) >= t.env.maxEntries {
			sib := t.splitChild(n, idx, child)
			if bytes.Compare(key, sib.idKey) >= 0 {
				child.latch.Release()
				sib.latch.Acquire()
				child = sib
			} else {
				upper = sib.idKey
			}
		}
		n.latch.Release()
		if child.level == BINLevel {
			t.env.touch(child, touch.Leaf)
		} else {
			t.env.touch(child, touch.Upper)
		}
		n = child
	}
	return n, upper, nil
}

// splitRootLocked grows the tree by one level. Requires rootMu and the old
// root's latch; returns the new root latched.
func (t *Tree) splitRootLocked(old *Node) *Node {
	root := t.env.newNode(t.db, old.level+1, nil)
	root.latch.Acquire()
	root.slots = []*Slot{{LSN: old.lastLSN, child: old}}
	root.dirty = true
	t.env.addResident(root)
	t.splitChild(root, 0, old)
	old.latch.Release()
	t.root = root
	// The new root has never been logged; the old image is now a child.
	t.rootLSN = logfile.NullLSN
	return root
}

// splitChild moves the upper half of child into a new right sibling and links
// it into parent after idx. Requires both latches; parent must have room.
func (t *Tree) splitChild(parent *Node, idx int, child *Node) *Node {
	mid := len(child.slots) / 2
	sepKey := child.slots[mid].Key
	sib := t.env.newNode(t.db, child.level, sepKey)
	sib.slots = append([]*Slot(nil), child.slots[mid:]...)
	sib.dirty = true
	child.slots = append([]*Slot(nil), child.slots[:mid]...)
	child.dirty = true

	parent.insertSlot(idx+1, &Slot{Key: sepKey, child: sib})
	parent.dirty = true

	t.env.addResident(sib)
	t.env.updateMem(child)
	t.env.updateMem(parent)
	return sib
}

func cloneBytes(b []byte) []byte {
	return append(make([]byte, 0, len(b)), b...)
}

func (t *Tree) decodeValue(e *logfile.Entry) ([]byte, error) {
	if e.Kind != logfile.KindLN {
		return nil, errors.Errorf("entry at %s is %s, not a record", e.LSN, e.Kind)
	}
	v, err := compression.Decode(nil, e.Payload, compression.Type(e.Codec))
	if err != nil {
		return nil, errors.Wrapf(err, "record at %s", e.LSN)
	}
	if v == nil {
		v = []byte{}
	}
	return v, nil
}

// readValueAndRelease returns the value of bin's slot idx and releases bin.
// A value that is not resident is read with the latch released and cached
// afterwards if the slot still points at the same LSN.
func (t *Tree) readValueAndRelease(bin *Node, idx int, cache bool) ([]byte, error) {
	s := bin.slots[idx]
	if s.value != nil {
		v := cloneBytes(s.value)
		bin.latch.Release()
		return v, nil
	}
	lsn, key := s.LSN, s.Key
	bin.latch.Release()

	e, err := t.env.log.Read(lsn)
	if err != nil {
		return nil, err
	}
	t.env.misses.Add(1)
	v, err := t.decodeValue(e)
	if err != nil {
		return nil, err
	}
	if cache {
		bin.latch.Acquire()
		if t.env.inList.Contains(bin) {
			if i, ok := bin.findExact(key); ok && bin.slots[i].LSN == lsn && bin.slots[i].value == nil {
				bin.slots[i].value = cloneBytes(v)
				bin.slots[i].lnSize = e.Size
				t.env.updateMem(bin)
			}
		}
		bin.latch.Release()
	}
	return v, nil
}

// Get returns the value of key and the BIN that holds it.
func (t *Tree) Get(key []byte, touch Touch, cache bool) ([]byte, *Node, error) {
	bin, _, err := t.descend(key, BINLevel, touch, false)
	if err != nil {
		return nil, nil, err
	}
	idx, ok := bin.findExact(key)
	if !ok {
		bin.latch.Release()
		return nil, bin, ErrNotFound
	}
	v, err := t.readValueAndRelease(bin, idx, cache)
	return v, bin, err
}

// Next returns the first record at or after from (strictly after when strict
// is set), walking across BINs as needed. ErrNotFound means the end.
func (t *Tree) Next(from []byte, strict bool, touch Touch, cache bool) (key, value []byte, bin *Node, err error) {
	for {
		bin, upper, err := t.descend(from, BINLevel, touch, false)
		if err != nil {
			return nil, nil, nil, err
		}
		idx := bin.findFrom(from, strict)
		if idx < len(bin.slots) {
			key = cloneBytes(bin.slots[idx].Key)
			value, err = t.readValueAndRelease(bin, idx, cache)
			return key, value, bin, err
		}
		bin.latch.Release()
		if upper == nil {
			return nil, nil, nil, ErrNotFound
		}
		from, strict = upper, false
	}
}

// Put logs a record and points key's slot at it. The BIN is returned for the
// caller's cache-mode follow-up.
func (t *Tree) Put(key, value []byte, touch Touch) (*Node, error) {
	bin, _, err := t.descend(key, BINLevel, touch, false)
	if err != nil {
		return nil, err
	}
	if _, ok := bin.findExact(key); !ok && len(bin.slots) >= t.env.maxEntries {
		// Only an insert into a full leaf needs room made on the way down.
		bin.latch.Release()
		if bin, _, err = t.descend(key, BINLevel, touch, true); err != nil {
			return nil, err
		}
	}
	defer bin.latch.Release()

	payload, codec := t.env.codec.Encode(nil, value)
	e := &logfile.Entry{Kind: logfile.KindLN, Codec: uint8(codec), DB: t.db, Key: key, Payload: payload}
	lsn, err := t.env.log.Append(e)
	if err != nil {
		return nil, err
	}
	t.env.tracker.CountNew(lsn, logfile.KindLN, e.Size)

	if idx, ok := bin.findExact(key); ok {
		s := bin.slots[idx]
		t.env.tracker.CountObsolete(s.LSN, logfile.KindLN, s.lnSize)
		s.LSN = lsn
		s.value = cloneBytes(value)
		s.lnSize = e.Size
		s.migrate = false
	} else {
		bin.insertSlot(idx, &Slot{Key: cloneBytes(key), LSN: lsn, value: cloneBytes(value), lnSize: e.Size})
	}
	bin.dirty = true
	t.env.updateMem(bin)
	return bin, nil
}

// Delete logs a tombstone and removes key's slot.
func (t *Tree) Delete(key []byte, touch Touch) (*Node, error) {
	bin, _, err := t.descend(key, BINLevel, touch, false)
	if err != nil {
		return nil, err
	}
	defer bin.latch.Release()

	idx, ok := bin.findExact(key)
	if !ok {
		return bin, ErrNotFound
	}
	e := &logfile.Entry{Kind: logfile.KindDeletedLN, DB: t.db, Key: key}
	lsn, err := t.env.log.Append(e)
	if err != nil {
		return nil, err
	}
	s := bin.slots[idx]
	t.env.tracker.CountNew(lsn, logfile.KindDeletedLN, e.Size)
	// Nothing ever points at a tombstone, so it is dead on arrival.
	t.env.tracker.CountObsolete(lsn, logfile.KindDeletedLN, e.Size)
	t.env.tracker.CountObsolete(s.LSN, logfile.KindLN, s.lnSize)
	bin.removeSlot(idx)
	bin.dirty = true
	t.env.updateMem(bin)
	return bin, nil
}

// EvictLN drops the cached value of key from bin and returns the bytes freed.
// The record's exact logged size is forgotten with it.
func (t *Tree) EvictLN(bin *Node, key []byte) int64 {
	bin.latch.Acquire()
	defer bin.latch.Release()
	idx, ok := bin.findExact(key)
	if !ok || bin.slots[idx].value == nil {
		return 0
	}
	freed := int64(len(bin.slots[idx].value))
	bin.slots[idx].value = nil
	bin.slots[idx].lnSize = 0
	t.env.updateMem(bin)
	return freed
}
