package tree

import (
	"github.com/pkg/errors"

	"github.com/twlk9/lskv/logfile"
)

// MigrateMode says what the cleaner wants done with a live entry.
type MigrateMode uint8

const (
	// CheckOnly only answers whether the entry is live.
	CheckOnly MigrateMode = iota
	// Eager rewrites the entry at the head of the log right away.
	Eager
	// Lazy marks the record and leaves the rewrite to the next time its BIN
	// is logged. Node entries are always migrated eagerly.
	Lazy
)

// ProcessLN decides whether the record entry e is still referenced by the
// tree and, unless mode is CheckOnly, migrates it. Tombstones are never live.
func (t *Tree) ProcessLN(e *logfile.Entry, mode MigrateMode) (bool, error) {
	if e.Kind != logfile.KindLN {
		return false, nil
	}
	bin, _, err := t.descend(e.Key, BINLevel, Touch{Upper: GenKeep, Leaf: GenKeep}, false)
	if err != nil {
		return false, err
	}
	defer bin.latch.Release()

	idx, ok := bin.findExact(e.Key)
	if !ok || bin.slots[idx].LSN != e.LSN {
		return false, nil
	}
	s := bin.slots[idx]
	switch mode {
	case Eager:
		ne := &logfile.Entry{Kind: logfile.KindLN, Codec: e.Codec, DB: t.db, Key: e.Key, Payload: e.Payload}
		lsn, err := t.env.log.Append(ne)
		if err != nil {
			return true, err
		}
		t.env.tracker.CountNew(lsn, logfile.KindLN, ne.Size)
		t.env.tracker.CountObsolete(e.LSN, logfile.KindLN, e.Size)
		s.LSN = lsn
		s.lnSize = ne.Size
		s.migrate = false
		bin.dirty = true
	case Lazy:
		s.migrate = true
		if s.lnSize <= 0 {
			s.lnSize = e.Size
		}
		bin.dirty = true
	}
	return true, nil
}

// ProcessNode decides whether the node image e is the one its parent (or the
// tree's root pointer) currently references and, unless mode is CheckOnly,
// logs a fresh copy of the node so the old image becomes obsolete.
func (t *Tree) ProcessNode(e *logfile.Entry, mode MigrateMode) (bool, error) {
	level, idKey, _, _, err := DecodeImage(e)
	if err != nil {
		return false, err
	}

	t.rootMu.Lock()
	if t.root == nil && t.rootLSN == e.LSN || t.root != nil && t.root.level == level {
		defer t.rootMu.Unlock()
		if t.rootLSN != e.LSN {
			return false, nil
		}
		if mode == CheckOnly {
			return true, nil
		}
		if err := t.loadRootLocked(); err != nil {
			return true, err
		}
		t.root.latch.Acquire()
		defer t.root.latch.Release()
		lsn, err := t.logNodeLocked(t.root)
		if err != nil {
			return true, err
		}
		t.rootLSN = lsn
		return true, nil
	}
	if t.root != nil && t.root.level < level {
		t.rootMu.Unlock()
		return false, nil
	}
	t.rootMu.Unlock()

	parent, _, err := t.descend(idKey, level+1, Touch{Upper: GenKeep, Leaf: GenKeep}, false)
	if err != nil {
		return false, err
	}
	if parent == nil {
		return false, nil
	}
	defer parent.latch.Release()

	idx := parent.findChild(idKey)
	s := parent.slots[idx]
	if s.LSN != e.LSN {
		return false, nil
	}
	if mode == CheckOnly {
		return true, nil
	}
	child, err := t.fetchChild(parent, idx)
	if err != nil {
		return true, err
	}
	child.latch.Acquire()
	defer child.latch.Release()
	lsn, err := t.logNodeLocked(child)
	if err != nil {
		return true, err
	}
	s.LSN = lsn
	parent.dirty = true
	return true, nil
}

// logNodeLocked writes n's image at the head of the log. A BIN first rewrites
// the records marked for lazy migration so the image never points into a
// segment that is about to go away. Requires n's latch.
func (t *Tree) logNodeLocked(n *Node) (logfile.LSN, error) {
	if n.IsBIN() {
		for _, s := range n.slots {
			if s.migrate {
				if err := t.migrateSlotLocked(s); err != nil {
					return logfile.NullLSN, err
				}
			}
		}
	}
	payload, err := n.marshal()
	if err != nil {
		return logfile.NullLSN, err
	}
	kind := logfile.KindIN
	if n.IsBIN() {
		kind = logfile.KindBIN
	}
	e := &logfile.Entry{Kind: kind, DB: t.db, Key: n.idKey, Payload: payload}
	lsn, err := t.env.log.Append(e)
	if err != nil {
		return logfile.NullLSN, err
	}
	t.env.tracker.CountNew(lsn, kind, e.Size)
	if n.lastLSN != logfile.NullLSN {
		t.env.tracker.CountObsolete(n.lastLSN, kind, 0)
	}
	n.lastLSN = lsn
	n.dirty = false
	t.env.nodeWrites.Add(1)
	t.env.updateMem(n)
	return lsn, nil
}

func (t *Tree) migrateSlotLocked(s *Slot) error {
	ne := &logfile.Entry{Kind: logfile.KindLN, DB: t.db, Key: s.Key}
	oldSize := s.lnSize
	if s.value != nil {
		payload, codec := t.env.codec.Encode(nil, s.value)
		ne.Payload, ne.Codec = payload, uint8(codec)
	} else {
		old, err := t.env.log.Read(s.LSN)
		if err != nil {
			return errors.Wrapf(err, "migrate %q", s.Key)
		}
		t.env.misses.Add(1)
		ne.Payload, ne.Codec = old.Payload, old.Codec
		oldSize = old.Size
	}
	lsn, err := t.env.log.Append(ne)
	if err != nil {
		return err
	}
	t.env.tracker.CountNew(lsn, logfile.KindLN, ne.Size)
	t.env.tracker.CountObsolete(s.LSN, logfile.KindLN, oldSize)
	s.LSN = lsn
	s.lnSize = ne.Size
	s.migrate = false
	return nil
}
