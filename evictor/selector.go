package evictor

import (
	"cmp"
	"slices"
	"sync"

	"github.com/twlk9/lskv/tree"
)

// TargetSelector picks eviction victims. Each Select examines at most
// perScan resident nodes. A pass walks a snapshot of the INList in node-id
// order, taken when the previous pass ran out, so a scan costs perScan
// nodes rather than the whole list. Nodes cached after the snapshot are
// seen on the next pass.
type TargetSelector struct {
	mu      sync.Mutex
	pass    []*tree.Node
	perScan int
	lruOnly bool
	scanned int64
	passes  int64
}

// NewTargetSelector returns a selector. With lruOnly the lowest generation
// wins outright; otherwise lower levels go first, then clean nodes, then the
// lowest generation.
func NewTargetSelector(perScan int, lruOnly bool) *TargetSelector {
	return &TargetSelector{perScan: max(perScan, 1), lruOnly: lruOnly}
}

// Scanned returns how many nodes were examined in total.
func (s *TargetSelector) Scanned() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scanned
}

func (s *TargetSelector) snapshot(list *tree.INList) {
	s.pass = make([]*tree.Node, 0, list.Len())
	list.Range(func(n *tree.Node) bool {
		s.pass = append(s.pass, n)
		return true
	})
	slices.SortFunc(s.pass, func(a, b *tree.Node) int { return cmp.Compare(a.ID(), b.ID()) })
	s.passes++
}

// nextBatch returns the next perScan still-resident nodes of the pass,
// starting a new pass when this one is used up. Requires s.mu.
func (s *TargetSelector) nextBatch(list *tree.INList) []*tree.Node {
	batch := make([]*tree.Node, 0, s.perScan)
	wrapped := false
	for len(batch) < s.perScan {
		if len(s.pass) == 0 {
			if wrapped {
				break
			}
			s.snapshot(list)
			wrapped = true
			continue
		}
		n := s.pass[0]
		if wrapped && slices.Contains(batch, n) {
			// Fewer resident nodes than one batch.
			break
		}
		s.pass[0] = nil
		s.pass = s.pass[1:]
		if !list.Contains(n) {
			continue
		}
		batch = append(batch, n)
	}
	s.scanned += int64(len(batch))
	return batch
}

type candidate struct {
	node  *tree.Node
	level int
	dirty bool
	gen   uint64
}

func (s *TargetSelector) better(a, b candidate) bool {
	if s.lruOnly {
		return a.gen < b.gen
	}
	if a.level != b.level {
		return a.level < b.level
	}
	if a.dirty != b.dirty {
		return !a.dirty
	}
	return a.gen < b.gen
}

// Select scans one batch and returns the best victim, or nil when none of
// the scanned nodes can go. Nodes are skipped when they are pinned by
// KeepHot, are a root, are latched by someone else, or are INs that still
// have cached children. A read-only cache also skips dirty nodes, since it
// could not write them out.
func (s *TargetSelector) Select(list *tree.INList, isRoot func(*tree.Node) bool, readOnly bool) *tree.Node {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *candidate
	for _, n := range s.nextBatch(list) {
		gen := n.Generation()
		if gen == tree.MaxGeneration || isRoot(n) {
			continue
		}
		if !n.Latch().TryAcquire() {
			continue
		}
		c := candidate{node: n, level: n.Level(), dirty: n.Dirty(), gen: gen}
		parent := !n.IsBIN() && n.HasResidentChildren()
		n.Latch().Release()
		if parent || (readOnly && c.dirty) {
			continue
		}
		if best == nil || s.better(c, *best) {
			best = &c
		}
	}
	if best == nil {
		return nil
	}
	return best.node
}
