package cleaner

import (
	"math"
	"sort"
	"sync"

	"github.com/twlk9/lskv/logfile"
)

// Profile maps segment numbers to their FileSummary. Updates land in memory;
// the rows touched since the last checkpoint are handed out by Flush so only
// those are written to the metadata store.
type Profile struct {
	mu      sync.Mutex
	rows    map[uint32]*FileSummary
	dirty   map[uint32]struct{}
	removed map[uint32]struct{}
}

// NewProfile returns an empty profile.
func NewProfile() *Profile {
	return &Profile{
		rows:    make(map[uint32]*FileSummary),
		dirty:   make(map[uint32]struct{}),
		removed: make(map[uint32]struct{}),
	}
}

// Load replaces the profile with rows read back from the metadata store.
func (p *Profile) Load(rows map[uint32]FileSummary) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rows = make(map[uint32]*FileSummary, len(rows))
	for seg, s := range rows {
		p.rows[seg] = &s
	}
	clear(p.dirty)
	clear(p.removed)
}

func (p *Profile) rowLocked(seg uint32) *FileSummary {
	s, ok := p.rows[seg]
	if !ok {
		s = &FileSummary{}
		p.rows[seg] = s
	}
	p.dirty[seg] = struct{}{}
	return s
}

// CountNew records an entry written at lsn.
func (p *Profile) CountNew(lsn logfile.LSN, kind logfile.Kind, size int) {
	if lsn == logfile.NullLSN {
		return
	}
	p.mu.Lock()
	p.rowLocked(lsn.Segment()).addNew(kind, size)
	p.mu.Unlock()
}

// CountObsolete records that the entry at lsn is no longer referenced. size
// <= 0 when the exact size is not known.
func (p *Profile) CountObsolete(lsn logfile.LSN, kind logfile.Kind, size int) {
	if lsn == logfile.NullLSN {
		return
	}
	seg := lsn.Segment()
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.rows[seg]
	if !ok {
		// Deleted already; nothing left to account.
		return
	}
	s.addObsolete(kind, size)
	p.dirty[seg] = struct{}{}
}

// Summary returns a copy of the row of seg.
func (p *Profile) Summary(seg uint32) FileSummary {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.rows[seg]; ok {
		return *s
	}
	return FileSummary{}
}

// Snapshot copies every row.
func (p *Profile) Snapshot() map[uint32]FileSummary {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[uint32]FileSummary, len(p.rows))
	for seg, s := range p.rows {
		out[seg] = *s
	}
	return out
}

// Aggregate sums all rows into the log-wide summary.
func (p *Profile) Aggregate() FileSummary {
	p.mu.Lock()
	defer p.mu.Unlock()
	var total FileSummary
	for _, s := range p.rows {
		total.Add(*s)
	}
	return total
}

// Segments returns the segment numbers that have a row, ascending.
func (p *Profile) Segments() []uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	segs := make([]uint32, 0, len(p.rows))
	for seg := range p.rows {
		segs = append(segs, seg)
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i] < segs[j] })
	return segs
}

// Remove drops the row of a deleted segment.
func (p *Profile) Remove(seg uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.rows, seg)
	delete(p.dirty, seg)
	p.removed[seg] = struct{}{}
}

// Flush returns the rows changed and the segments removed since the previous
// Flush, and starts a new change set.
func (p *Profile) Flush() (changed map[uint32]FileSummary, removed []uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	changed = make(map[uint32]FileSummary, len(p.dirty))
	for seg := range p.dirty {
		changed[seg] = *p.rows[seg]
	}
	for seg := range p.removed {
		removed = append(removed, seg)
	}
	clear(p.dirty)
	clear(p.removed)
	return changed, removed
}

// Candidate is a segment eligible for cleaning.
type Candidate struct {
	Segment     uint32
	Utilization float64
}

// Candidates returns the segments whose corrected utilization is below
// minUtil, lowest first and oldest first on ties. skip excludes segments the
// caller cannot clean right now (the head, segments already queued).
func (p *Profile) Candidates(minUtil float64, correction float64, skip func(uint32) bool) []Candidate {
	p.mu.Lock()
	var out []Candidate
	for seg, s := range p.rows {
		if s.IsEmpty() || (skip != nil && skip(seg)) {
			continue
		}
		u := Corrected(s.Utilization(), correction)
		if u < minUtil {
			out = append(out, Candidate{Segment: seg, Utilization: u})
		}
	}
	p.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Utilization != out[j].Utilization {
			return out[i].Utilization < out[j].Utilization
		}
		return out[i].Segment < out[j].Segment
	})
	return out
}

// Corrected applies a correction factor to an estimated utilization. NaN
// means no correction has been computed yet.
func Corrected(estimated, correction float64) float64 {
	if math.IsNaN(correction) {
		return estimated
	}
	return clampUtil(estimated * correction)
}
