package metrics

import (
	"math"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twlk9/lskv/cleaner"
	"github.com/twlk9/lskv/evictor"
)

type staticSource struct {
	cleaner cleaner.Stats
	evictor evictor.Stats
	cache   CacheStats
	written int64
}

func (s *staticSource) CleanerStats() cleaner.Stats { return s.cleaner }
func (s *staticSource) EvictorStats() evictor.Stats { return s.evictor }
func (s *staticSource) CacheStats() CacheStats      { return s.cache }
func (s *staticSource) LogBytesWritten() int64      { return s.written }

func TestCollector(t *testing.T) {
	src := &staticSource{
		cleaner: cleaner.Stats{SegmentsCleaned: 3, Backlog: 2, Correction: math.NaN()},
		evictor: evictor.Stats{NodesEvicted: map[evictor.Trigger]int64{
			evictor.TriggerCritical:  4,
			evictor.TriggerCacheMode: 1,
		}},
		cache:   CacheStats{ResidentNodes: 12, UsedBytes: 4096, MaxBytes: 8192},
		written: 1 << 20,
	}
	reg := NewRegistry(src)

	n, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	// 18 single series plus one per trigger.
	assert.Equal(t, 18+len(evictor.Triggers), n)

	expected := `
# HELP lskv_evictor_nodes_evicted_total Nodes evicted, by trigger.
# TYPE lskv_evictor_nodes_evicted_total counter
lskv_evictor_nodes_evicted_total{trigger="background"} 0
lskv_evictor_nodes_evicted_total{trigger="cachemode"} 1
lskv_evictor_nodes_evicted_total{trigger="critical"} 4
lskv_evictor_nodes_evicted_total{trigger="manual"} 0
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "lskv_evictor_nodes_evicted_total"))

	expected = `
# HELP lskv_cleaner_segments_cleaned_total Segments whose live entries were migrated.
# TYPE lskv_cleaner_segments_cleaned_total counter
lskv_cleaner_segments_cleaned_total 3
# HELP lskv_cache_resident_nodes Nodes in the cache.
# TYPE lskv_cache_resident_nodes gauge
lskv_cache_resident_nodes 12
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"lskv_cleaner_segments_cleaned_total", "lskv_cache_resident_nodes"))

	// Values are read at scrape time.
	src.cache.ResidentNodes = 5
	expected = `
# HELP lskv_cache_resident_nodes Nodes in the cache.
# TYPE lskv_cache_resident_nodes gauge
lskv_cache_resident_nodes 5
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "lskv_cache_resident_nodes"))
}
