// Package tree is the in-memory B+tree index over the log. Nodes cache what
// the log holds: every slot carries the durable LSN of its child or record and
// optionally the resident copy. Children never point back at their parents; a
// parent is found again by searching from the root with the child's
// identifier key.
package tree

import (
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/twlk9/lskv/compression"
	"github.com/twlk9/lskv/latch"
	"github.com/twlk9/lskv/logfile"
)

// Tracker receives utilization events for every entry the tree logs or
// supersedes. size <= 0 means the exact size is unknown.
type Tracker interface {
	CountNew(lsn logfile.LSN, kind logfile.Kind, size int)
	CountObsolete(lsn logfile.LSN, kind logfile.Kind, size int)
}

// MemoryTracker is told about every change in cached bytes.
type MemoryTracker interface {
	Add(delta int64)
}

type nopTracker struct{}

func (nopTracker) CountNew(logfile.LSN, logfile.Kind, int)      {}
func (nopTracker) CountObsolete(logfile.LSN, logfile.Kind, int) {}

type nopMemory struct{}

func (nopMemory) Add(int64) {}

// GenAction says what a touch does to a node's generation.
type GenAction uint8

const (
	GenBump GenAction = iota // move to the current clock
	GenKeep                  // leave unchanged
	GenMax                   // pin at MaxGeneration
	GenMin                   // drop to 0
)

// Touch is the generation policy of one operation: Upper applies to every
// internal node on the search path, Leaf to the BIN.
type Touch struct {
	Upper GenAction
	Leaf  GenAction
}

// DefaultTouch bumps everything on the path.
var DefaultTouch = Touch{Upper: GenBump, Leaf: GenBump}

// Config configures an Env.
type Config struct {
	Log        *logfile.Log
	Codec      *compression.Codec
	MaxEntries int
	Tracker    Tracker
	Memory     MemoryTracker
	Latches    *latch.Counter
	Logger     *slog.Logger
}

// Env holds what all trees of one environment share: the log, the resident
// node list, the LRU clock and the accounting hooks.
type Env struct {
	log        *logfile.Log
	codec      *compression.Codec
	maxEntries int
	tracker    Tracker
	memory     MemoryTracker
	latches    *latch.Counter
	logger     *slog.Logger

	inList *INList
	trees  *xsync.MapOf[uint32, *Tree]

	nextID atomic.Uint64
	clock  atomic.Uint64

	misses     atomic.Int64
	nodeWrites atomic.Int64
}

// NewEnv builds an Env. MaxEntries below 3 is raised to 3, the smallest
// fan-out a split can work with.
func NewEnv(cfg Config) *Env {
	e := &Env{
		log:        cfg.Log,
		codec:      cfg.Codec,
		maxEntries: max(cfg.MaxEntries, 3),
		tracker:    cfg.Tracker,
		memory:     cfg.Memory,
		latches:    cfg.Latches,
		logger:     cfg.Logger,
		inList:     NewINList(),
		trees:      xsync.NewMapOf[uint32, *Tree](),
	}
	if e.tracker == nil {
		e.tracker = nopTracker{}
	}
	if e.memory == nil {
		e.memory = nopMemory{}
	}
	if e.logger == nil {
		e.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return e
}

// Log returns the log the trees write to.
func (e *Env) Log() *logfile.Log { return e.log }

// INList returns the list of resident nodes.
func (e *Env) INList() *INList { return e.inList }

// Latches returns the held-latch counter shared by every node.
func (e *Env) Latches() *latch.Counter { return e.latches }

// Clock returns the current LRU clock.
func (e *Env) Clock() uint64 { return e.clock.Load() }

// CacheMisses counts node and record fetches from the log.
func (e *Env) CacheMisses() int64 { return e.misses.Load() }

// NodeWrites counts node images written to the log.
func (e *Env) NodeWrites() int64 { return e.nodeWrites.Load() }

// Tree returns the tree of database db, if it is open.
func (e *Env) Tree(db uint32) (*Tree, bool) {
	return e.trees.Load(db)
}

// Trees calls fn for every open tree.
func (e *Env) Trees(fn func(*Tree) bool) {
	e.trees.Range(func(_ uint32, t *Tree) bool { return fn(t) })
}

func (e *Env) touch(n *Node, a GenAction) {
	switch a {
	case GenBump:
		n.gen.Store(e.clock.Add(1))
	case GenMax:
		n.gen.Store(MaxGeneration)
	case GenMin:
		n.gen.Store(0)
	}
}

func (e *Env) newNode(db uint32, level int, idKey []byte) *Node {
	n := &Node{
		id:    e.nextID.Add(1),
		db:    db,
		level: level,
		idKey: idKey,
		latch: latch.New(e.latches),
	}
	n.gen.Store(e.clock.Add(1))
	return n
}

// addResident registers a node that just became cached. Called with n latched
// or before n is reachable.
func (e *Env) addResident(n *Node) {
	n.mem = n.computeMem()
	e.inList.Add(n)
	e.memory.Add(n.mem)
}

// updateMem recomputes n's footprint after a change. Requires n's latch.
func (e *Env) updateMem(n *Node) {
	m := n.computeMem()
	if d := m - n.mem; d != 0 {
		n.mem = m
		if e.inList.Contains(n) {
			e.memory.Add(d)
		}
	}
}

// removeResident forgets a node that is no longer cached.
func (e *Env) removeResident(n *Node) {
	if e.inList.Remove(n) {
		e.memory.Add(-n.mem)
	}
}

// INList is the set of resident nodes. Iteration is weakly consistent: nodes
// added or removed during a Range may or may not be visited.
type INList struct {
	nodes *xsync.MapOf[uint64, *Node]
}

// NewINList returns an empty list.
func NewINList() *INList {
	return &INList{nodes: xsync.NewMapOf[uint64, *Node]()}
}

func (l *INList) Add(n *Node) { l.nodes.Store(n.id, n) }

// Remove reports whether n was present.
func (l *INList) Remove(n *Node) bool {
	_, ok := l.nodes.LoadAndDelete(n.id)
	return ok
}

func (l *INList) Contains(n *Node) bool {
	_, ok := l.nodes.Load(n.id)
	return ok
}

func (l *INList) Len() int { return l.nodes.Size() }

// Range visits resident nodes until fn returns false.
func (l *INList) Range(fn func(*Node) bool) {
	l.nodes.Range(func(_ uint64, n *Node) bool { return fn(n) })
}
