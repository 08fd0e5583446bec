// Package metrics exposes an environment's cleaner, evictor and cache
// counters as prometheus metrics. Values are read from the environment at
// scrape time; nothing is pushed on the hot path.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/twlk9/lskv/cleaner"
	"github.com/twlk9/lskv/evictor"
)

// CacheStats describes the cache at one instant.
type CacheStats struct {
	ResidentNodes int
	UsedBytes     int64
	MaxBytes      int64
	Misses        int64
	NodeWrites    int64
}

// Source is what the collector reads from.
type Source interface {
	CleanerStats() cleaner.Stats
	EvictorStats() evictor.Stats
	CacheStats() CacheStats
	LogBytesWritten() int64
}

const namespace = "lskv"

func desc(subsystem, name, help string, labels ...string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, labels, nil)
}

var (
	segmentsCleaned = desc("cleaner", "segments_cleaned_total", "Segments whose live entries were migrated.")
	segmentsProbed  = desc("cleaner", "segments_probed_total", "Segments read only to measure true utilization.")
	segmentsDeleted = desc("cleaner", "segments_deleted_total", "Segment files removed.")
	entriesMigrated = desc("cleaner", "entries_migrated_total", "Live entries rewritten at the log head.")
	backlog         = desc("cleaner", "backlog", "Segments queued for cleaning.")
	backlogAlerts   = desc("cleaner", "backlog_alerts_total", "Backlog alerts raised.")
	correction      = desc("cleaner", "correction_factor", "Factor applied to estimated utilization (NaN until the first adjustment).")
	adjustments     = desc("cleaner", "adjustments_total", "Utilization corrections computed.")
	rejected        = desc("cleaner", "adjustments_rejected_total", "Utilization corrections discarded as implausible.")

	nodesEvicted = desc("evictor", "nodes_evicted_total", "Nodes evicted, by trigger.", "trigger")
	lnsEvicted   = desc("evictor", "lns_evicted_total", "Record values dropped from the cache.")
	nodesFlushed = desc("evictor", "nodes_flushed_total", "Dirty nodes written out on eviction.")
	scanned      = desc("evictor", "nodes_scanned_total", "Nodes examined while looking for victims.")

	residentNodes = desc("cache", "resident_nodes", "Nodes in the cache.")
	usedBytes     = desc("cache", "bytes", "Bytes in the cache.")
	maxBytes      = desc("cache", "max_bytes", "Configured cache size.")
	misses        = desc("cache", "misses_total", "Nodes and records fetched from the log.")
	nodeWrites    = desc("log", "node_writes_total", "Node images written to the log.")
	logBytes      = desc("log", "bytes_written_total", "Bytes appended to the log since open.")
)

// Collector implements prometheus.Collector over a Source.
type Collector struct {
	src Source
}

// NewCollector returns a collector reading from src.
func NewCollector(src Source) *Collector {
	return &Collector{src: src}
}

// NewRegistry returns a registry holding only src's metrics.
func NewRegistry(src Source) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewCollector(src))
	return reg
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		segmentsCleaned, segmentsProbed, segmentsDeleted, entriesMigrated, backlog, backlogAlerts,
		correction, adjustments, rejected, nodesEvicted, lnsEvicted, nodesFlushed, scanned,
		residentNodes, usedBytes, maxBytes, misses, nodeWrites, logBytes,
	} {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	counter := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v, labels...)
	}
	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}

	cs := c.src.CleanerStats()
	counter(segmentsCleaned, float64(cs.SegmentsCleaned))
	counter(segmentsProbed, float64(cs.SegmentsProbed))
	counter(segmentsDeleted, float64(cs.SegmentsDeleted))
	counter(entriesMigrated, float64(cs.EntriesMigrated))
	gauge(backlog, float64(cs.Backlog))
	counter(backlogAlerts, float64(cs.Alerts))
	gauge(correction, cs.Correction)
	counter(adjustments, float64(cs.Adjustments))
	counter(rejected, float64(cs.Rejected))

	es := c.src.EvictorStats()
	for _, t := range evictor.Triggers {
		counter(nodesEvicted, float64(es.NodesEvicted[t]), t.String())
	}
	counter(lnsEvicted, float64(es.LNsEvicted))
	counter(nodesFlushed, float64(es.NodesFlushed))
	counter(scanned, float64(es.Scanned))

	cache := c.src.CacheStats()
	gauge(residentNodes, float64(cache.ResidentNodes))
	gauge(usedBytes, float64(cache.UsedBytes))
	gauge(maxBytes, float64(cache.MaxBytes))
	counter(misses, float64(cache.Misses))
	counter(nodeWrites, float64(cache.NodeWrites))
	counter(logBytes, float64(c.src.LogBytesWritten()))
}
