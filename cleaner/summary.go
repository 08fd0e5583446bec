// Package cleaner reclaims log space. It keeps per-segment utilization
// estimates, corrects them against what a full read of a segment shows, picks
// segments whose live fraction has dropped below a threshold and migrates the
// entries in them that are still referenced so the segment can be deleted.
package cleaner

import (
	"github.com/twlk9/lskv/logfile"
)

// FileSummary holds the counters of one segment. IN sizes are not tracked for
// obsolete entries; they are assumed proportional to the IN total.
type FileSummary struct {
	TotalCount   int64 `msgpack:"tc"`
	TotalSize    int64 `msgpack:"ts"`
	TotalINCount int64 `msgpack:"tic"`
	TotalINSize  int64 `msgpack:"tis"`
	TotalLNCount int64 `msgpack:"tlc"`
	TotalLNSize  int64 `msgpack:"tls"`

	ObsoleteINCount int64 `msgpack:"oic"`
	ObsoleteLNCount int64 `msgpack:"olc"`
	// ObsoleteLNSize sums the exact sizes we knew; ObsoleteLNSizeCounted is
	// how many obsolete records contributed to it.
	ObsoleteLNSize        int64 `msgpack:"ols"`
	ObsoleteLNSizeCounted int64 `msgpack:"olsc"`

	MaxLNSize int64 `msgpack:"mls"`
}

// addNew counts an entry written to the segment.
func (s *FileSummary) addNew(kind logfile.Kind, size int) {
	s.TotalCount++
	s.TotalSize += int64(size)
	if kind.IsNode() {
		s.TotalINCount++
		s.TotalINSize += int64(size)
		return
	}
	s.TotalLNCount++
	s.TotalLNSize += int64(size)
	if int64(size) > s.MaxLNSize {
		s.MaxLNSize = int64(size)
	}
}

// addObsolete counts an entry of the segment becoming obsolete. size <= 0
// means unknown. The counters never exceed the totals they are part of.
func (s *FileSummary) addObsolete(kind logfile.Kind, size int) {
	if kind.IsNode() {
		if s.ObsoleteINCount < s.TotalINCount {
			s.ObsoleteINCount++
		}
		return
	}
	if s.ObsoleteLNCount >= s.TotalLNCount {
		return
	}
	s.ObsoleteLNCount++
	if size > 0 {
		s.ObsoleteLNSize += int64(size)
		s.ObsoleteLNSizeCounted++
	}
}

// Add accumulates o into s.
func (s *FileSummary) Add(o FileSummary) {
	s.TotalCount += o.TotalCount
	s.TotalSize += o.TotalSize
	s.TotalINCount += o.TotalINCount
	s.TotalINSize += o.TotalINSize
	s.TotalLNCount += o.TotalLNCount
	s.TotalLNSize += o.TotalLNSize
	s.ObsoleteINCount += o.ObsoleteINCount
	s.ObsoleteLNCount += o.ObsoleteLNCount
	s.ObsoleteLNSize += o.ObsoleteLNSize
	s.ObsoleteLNSizeCounted += o.ObsoleteLNSizeCounted
	s.MaxLNSize = max(s.MaxLNSize, o.MaxLNSize)
}

// IsEmpty reports whether nothing was ever counted.
func (s FileSummary) IsEmpty() bool { return s.TotalCount == 0 }

// ObsoleteINSize is the IN share of obsolete bytes.
func (s FileSummary) ObsoleteINSize() int64 {
	if s.TotalINCount == 0 {
		return 0
	}
	return s.TotalINSize * s.ObsoleteINCount / s.TotalINCount
}

// AverageRemainingLNSize estimates the size of a record whose size we do not
// know: the bytes not yet attributed to a known obsolete record spread over
// the records that contributed no size.
func (s FileSummary) AverageRemainingLNSize() float64 {
	n := s.TotalLNCount - s.ObsoleteLNSizeCounted
	if n <= 0 {
		return 0
	}
	return float64(s.TotalLNSize-s.ObsoleteLNSize) / float64(n)
}

// ObsoleteSize estimates obsolete bytes.
func (s FileSummary) ObsoleteSize() int64 {
	size := float64(s.ObsoleteINSize() + s.ObsoleteLNSize)
	if unknown := s.ObsoleteLNCount - s.ObsoleteLNSizeCounted; unknown > 0 {
		avg := s.AverageRemainingLNSize()
		if s.MaxLNSize > 0 && avg > float64(s.MaxLNSize) {
			avg = float64(s.MaxLNSize)
		}
		size += float64(unknown) * avg
	}
	if size > float64(s.TotalSize) {
		return s.TotalSize
	}
	return int64(size)
}

// Utilization is the estimated live percentage, 0 to 100. An empty summary
// is fully utilized.
func (s FileSummary) Utilization() float64 {
	if s.TotalSize <= 0 {
		return 100
	}
	return clampUtil(100 - 100*float64(s.ObsoleteSize())/float64(s.TotalSize))
}

func clampUtil(u float64) float64 {
	switch {
	case u < 0:
		return 0
	case u > 100:
		return 100
	}
	return u
}
