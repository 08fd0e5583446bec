package cleaner

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
)

// LevelAlert is the slog level of the backlog alert, above Error.
const LevelAlert = slog.LevelError + 4

// BacklogAlertMessage is the fixed message of the backlog alert. Monitoring
// greps for it.
const BacklogAlertMessage = "CLEANER_BACKLOG_ALERT"

type segState uint8

const (
	stateQueued segState = iota + 1
	stateInProgress
	// stateCleaned: every live entry was migrated, but the last checkpoint
	// still predates the migrations.
	stateCleaned
	// stateDeletable: a checkpoint covers the migrations; waiting for readers.
	stateDeletable
	// stateRetired: handed to the deleter.
	stateRetired
)

// Selector owns the cleaning queue, the backlog alert and the set of
// segments on their way to deletion.
type Selector struct {
	mu     sync.Mutex
	queue  []uint32
	states map[uint32]segState

	alertCount int
	alertFloor int
	lastSize   int
	streak     int
	alerts     int64

	logger *slog.Logger
}

// NewSelector returns an empty selector. An alert fires after alertCount
// consecutive growths of the backlog that leave it at alertFloor or more.
func NewSelector(alertCount, alertFloor int, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Selector{
		states:     make(map[uint32]segState),
		alertCount: max(alertCount, 1),
		alertFloor: alertFloor,
		logger:     logger,
	}
}

// Busy reports whether seg is already known to the selector, so candidate
// scans leave it alone.
func (s *Selector) Busy(seg uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.states[seg]
	return ok
}

// Refresh queues the new candidates behind what is already queued, keeping
// the whole queue in candidate order.
func (s *Selector) Refresh(cands []Candidate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order := make(map[uint32]int, len(cands))
	for i, c := range cands {
		order[c.Segment] = i
		if _, known := s.states[c.Segment]; !known {
			s.states[c.Segment] = stateQueued
			s.queue = append(s.queue, c.Segment)
		}
	}
	// Injected segments have no candidate rank and stay in front.
	sort.SliceStable(s.queue, func(i, j int) bool {
		oi, iok := order[s.queue[i]]
		oj, jok := order[s.queue[j]]
		if iok != jok {
			return !iok
		}
		return oi < oj
	})
}

// Inject queues seg ahead of everything else, outside the candidate scan.
func (s *Selector) Inject(seg uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, known := s.states[seg]; known {
		return false
	}
	s.states[seg] = stateQueued
	s.queue = append([]uint32{seg}, s.queue...)
	return true
}

// Next pops the next segment to clean.
func (s *Selector) Next() (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return 0, false
	}
	seg := s.queue[0]
	s.queue = s.queue[1:]
	s.states[seg] = stateInProgress
	return seg, true
}

// Done records the outcome of processing seg. A segment that was not cleaned
// (aborted, or a probe) is forgotten and may be picked again.
func (s *Selector) Done(seg uint32, cleaned bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cleaned {
		s.states[seg] = stateCleaned
	} else {
		delete(s.states, seg)
	}
}

// Requeue puts an in-progress segment back at the front.
func (s *Selector) Requeue(seg uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[seg] = stateQueued
	s.queue = append([]uint32{seg}, s.queue...)
}

// Cleaned returns the segments in the cleaned state, ascending.
func (s *Selector) Cleaned() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []uint32
	for seg, st := range s.states {
		if st == stateCleaned {
			out = append(out, seg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Promote moves the listed segments that are still cleaned to deletable and
// returns those it moved.
func (s *Selector) Promote(segs []uint32) []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []uint32
	for _, seg := range segs {
		if s.states[seg] == stateCleaned {
			s.states[seg] = stateDeletable
			out = append(out, seg)
		}
	}
	return out
}

// Deletable returns the segments waiting for their readers, ascending.
func (s *Selector) Deletable() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []uint32
	for seg, st := range s.states {
		if st == stateDeletable {
			out = append(out, seg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Retire marks a deletable segment as handed to the deleter.
func (s *Selector) Retire(seg uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.states[seg] == stateDeletable {
		s.states[seg] = stateRetired
	}
}

// Deleted forgets a segment whose file is gone.
func (s *Selector) Deleted(seg uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, seg)
}

// Backlog is the number of segments queued and not yet picked up.
func (s *Selector) Backlog() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Alerts returns how many backlog alerts fired.
func (s *Selector) Alerts() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alerts
}

// Counts returns the number of segments in each pipeline stage.
func (s *Selector) Counts() (queued, inProgress, cleaned, deletable int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.states {
		switch st {
		case stateQueued:
			queued++
		case stateInProgress:
			inProgress++
		case stateCleaned:
			cleaned++
		case stateDeletable, stateRetired:
			deletable++
		}
	}
	return
}

// ObserveBacklog runs the alert state machine for one scheduler invocation
// and reports whether it fired. The streak counts consecutive strict
// increases; any invocation without growth resets it.
func (s *Selector) ObserveBacklog(ctx context.Context) bool {
	s.mu.Lock()
	size := len(s.queue)
	fired := false
	if size > s.lastSize {
		s.streak++
	} else {
		s.streak = 0
	}
	s.lastSize = size
	streak := s.streak
	if s.streak >= s.alertCount && size >= s.alertFloor {
		fired = true
		s.alerts++
		s.streak = 0
	}
	s.mu.Unlock()

	if fired {
		s.logger.Log(ctx, LevelAlert, BacklogAlertMessage, "backlog", size, "increases", streak,
			"floor", s.alertFloor)
	}
	return fired
}
