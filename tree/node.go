package tree

import (
	"bytes"
	"sort"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/twlk9/lskv/latch"
	"github.com/twlk9/lskv/logfile"
)

// BINLevel is the level of leaf nodes. Internal nodes sit at 2 and up.
const BINLevel = 1

// MaxGeneration marks a node that LRU must never pick (KEEP_HOT).
const MaxGeneration = ^uint64(0)

// Rough in-memory costs used for the cache budget.
const (
	nodeOverhead = 160
	slotOverhead = 56
)

// Slot is one entry of a node. In an IN it addresses a child node, in a BIN a
// record. LSN is always the durable address; child and value are the cached
// copies and may be nil.
type Slot struct {
	Key []byte
	LSN logfile.LSN

	child *Node

	value []byte
	// lnSize is the logged size of the record entry when we know it. It is
	// lost when the value is evicted and never written in node images.
	lnSize int
	// migrate marks a record the cleaner found live in a segment it is
	// emptying. The record is rewritten the next time the BIN is logged.
	migrate bool
}

// Node is an IN or BIN. Everything except gen is guarded by the latch.
type Node struct {
	id    uint64
	db    uint32
	level int
	// idKey is the key of the parent slot that refers to this node. It is
	// fixed for the node's lifetime and is how the parent is found again.
	idKey []byte

	latch *latch.Latch
	slots []*Slot
	dirty bool
	// lastLSN is where the node was last logged, NullLSN if never.
	lastLSN logfile.LSN
	mem     int64

	gen atomic.Uint64
}

func (n *Node) ID() uint64          { return n.id }
func (n *Node) DB() uint32          { return n.db }
func (n *Node) Level() int          { return n.level }
func (n *Node) IsBIN() bool         { return n.level == BINLevel }
func (n *Node) IDKey() []byte       { return n.idKey }
func (n *Node) Latch() *latch.Latch { return n.latch }

// Generation is the LRU clock value of the last touch. Readable without the latch.
func (n *Node) Generation() uint64 { return n.gen.Load() }

// SetGeneration overrides the LRU clock value.
func (n *Node) SetGeneration(g uint64) { n.gen.Store(g) }

// The accessors below require the node latch.

func (n *Node) Dirty() bool               { return n.dirty }
func (n *Node) LastLSN() logfile.LSN      { return n.lastLSN }
func (n *Node) NumSlots() int             { return len(n.slots) }
func (n *Node) MemSize() int64            { return n.mem }
func (n *Node) SlotKey(i int) []byte      { return n.slots[i].Key }
func (n *Node) SlotLSN(i int) logfile.LSN { return n.slots[i].LSN }

// SlotPendingMigration reports whether the record in slot i awaits a lazy rewrite.
func (n *Node) SlotPendingMigration(i int) bool { return n.slots[i].migrate }

// SlotValueResident reports whether the record value of slot i is cached.
func (n *Node) SlotValueResident(i int) bool { return n.slots[i].value != nil }

// HasResidentChildren reports whether any child of an IN is cached.
func (n *Node) HasResidentChildren() bool {
	for _, s := range n.slots {
		if s.child != nil {
			return true
		}
	}
	return false
}

// findChild returns the slot covering key: the last slot whose key is <= key.
// Slot 0 covers everything below slot 1.
func (n *Node) findChild(key []byte) int {
	i := sort.Search(len(n.slots), func(i int) bool {
		return bytes.Compare(n.slots[i].Key, key) > 0
	})
	if i == 0 {
		return 0
	}
	return i - 1
}

// findExact returns the slot holding key and whether it exists; when it does
// not, the index is where it would be inserted.
func (n *Node) findExact(key []byte) (int, bool) {
	i := sort.Search(len(n.slots), func(i int) bool {
		return bytes.Compare(n.slots[i].Key, key) >= 0
	})
	return i, i < len(n.slots) && bytes.Equal(n.slots[i].Key, key)
}

// findFrom returns the first slot with key >= from (or > from when strict).
func (n *Node) findFrom(from []byte, strict bool) int {
	return sort.Search(len(n.slots), func(i int) bool {
		c := bytes.Compare(n.slots[i].Key, from)
		if strict {
			return c > 0
		}
		return c >= 0
	})
}

func (n *Node) insertSlot(i int, s *Slot) {
	n.slots = append(n.slots, nil)
	copy(n.slots[i+1:], n.slots[i:])
	n.slots[i] = s
}

func (n *Node) removeSlot(i int) {
	copy(n.slots[i:], n.slots[i+1:])
	n.slots[len(n.slots)-1] = nil
	n.slots = n.slots[:len(n.slots)-1]
}

// computeMem recalculates the cache footprint of the node itself. Resident
// children are accounted for separately.
func (n *Node) computeMem() int64 {
	m := int64(nodeOverhead + len(n.idKey))
	for _, s := range n.slots {
		m += int64(slotOverhead + len(s.Key) + len(s.value))
	}
	return m
}

// nodeImage is the logged form of a node. Cached state is never written.
type nodeImage struct {
	Level int      `msgpack:"lv"`
	IDKey []byte   `msgpack:"id"`
	Keys  [][]byte `msgpack:"k"`
	LSNs  []uint64 `msgpack:"l"`
}

func (n *Node) marshal() ([]byte, error) {
	img := nodeImage{
		Level: n.level,
		IDKey: n.idKey,
		Keys:  make([][]byte, len(n.slots)),
		LSNs:  make([]uint64, len(n.slots)),
	}
	for i, s := range n.slots {
		img.Keys[i] = s.Key
		img.LSNs[i] = uint64(s.LSN)
	}
	b, err := msgpack.Marshal(&img)
	return b, errors.Wrap(err, "marshal node image")
}

// DecodeImage parses a logged node entry. It is exported for the cleaner and
// for offline tools that need the level and identifier key of an entry.
func DecodeImage(e *logfile.Entry) (level int, idKey []byte, keys [][]byte, lsns []logfile.LSN, err error) {
	var img nodeImage
	if err := msgpack.Unmarshal(e.Payload, &img); err != nil {
		return 0, nil, nil, nil, errors.Wrapf(err, "decode node image at %s", e.LSN)
	}
	if len(img.Keys) != len(img.LSNs) {
		return 0, nil, nil, nil, errors.Errorf("node image at %s: %d keys, %d lsns", e.LSN, len(img.Keys), len(img.LSNs))
	}
	lsns = make([]logfile.LSN, len(img.LSNs))
	for i, l := range img.LSNs {
		lsns[i] = logfile.LSN(l)
	}
	return img.Level, img.IDKey, img.Keys, lsns, nil
}
