package lskv

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/twlk9/lskv/cleaner"
	"github.com/twlk9/lskv/evictor"
	"github.com/twlk9/lskv/metrics"
)

// UtilizationSummary is the utilization profile as the cleaner sees it.
type UtilizationSummary struct {
	// Total aggregates every segment.
	Total cleaner.FileSummary
	// Segments holds one row per segment.
	Segments map[uint32]cleaner.FileSummary
	// Correction is the factor applied to estimated utilization; NaN until
	// the first adjustment.
	Correction float64
}

// UtilizationSummary returns a snapshot of the utilization profile.
func (db *DB) UtilizationSummary() UtilizationSummary {
	return UtilizationSummary{
		Total:      db.profile.Aggregate(),
		Segments:   db.profile.Snapshot(),
		Correction: db.cleaner.Calculator().Correction(),
	}
}

// CleanerStats implements metrics.Source.
func (db *DB) CleanerStats() cleaner.Stats { return db.cleaner.Stats() }

// EvictorStats implements metrics.Source.
func (db *DB) EvictorStats() evictor.Stats { return db.evictor.Stats() }

// CacheStats implements metrics.Source.
func (db *DB) CacheStats() metrics.CacheStats {
	return metrics.CacheStats{
		ResidentNodes: db.env.INList().Len(),
		UsedBytes:     db.budget.Used(),
		MaxBytes:      db.budget.Max(),
		Misses:        db.env.CacheMisses(),
		NodeWrites:    db.env.NodeWrites(),
	}
}

// LogBytesWritten implements metrics.Source.
func (db *DB) LogBytesWritten() int64 { return db.log.BytesWritten() }

// Metrics returns a registry holding the environment's collectors, ready to
// be served by promhttp or gathered in tests.
func (db *DB) Metrics() prometheus.Gatherer { return db.metrics }

// GetStats returns a loosely structured snapshot for debugging and the CLI.
func (db *DB) GetStats() map[string]any {
	stats := make(map[string]any)
	stats["log_head"] = db.log.Head().String()
	stats["log_segment"] = db.log.CurrentSegment()
	stats["log_bytes_written"] = db.log.BytesWritten()

	cache := db.CacheStats()
	stats["cache"] = map[string]any{
		"resident_nodes": cache.ResidentNodes,
		"used_bytes":     cache.UsedBytes,
		"max_bytes":      cache.MaxBytes,
		"misses":         cache.Misses,
		"node_writes":    cache.NodeWrites,
		"latches_held":   db.latches.Held(),
	}

	cs := db.cleaner.Stats()
	queued, inProgress, cleaned, deletable := db.cleaner.Selector().Counts()
	stats["cleaner"] = map[string]any{
		"enabled":          db.cleaner.Enabled(),
		"runs":             cs.Runs,
		"segments_cleaned": cs.SegmentsCleaned,
		"segments_probed":  cs.SegmentsProbed,
		"segments_deleted": cs.SegmentsDeleted,
		"entries_read":     cs.EntriesRead,
		"entries_migrated": cs.EntriesMigrated,
		"backlog":          cs.Backlog,
		"alerts":           cs.Alerts,
		"correction":       cs.Correction,
		"adjustments":      cs.Adjustments,
		"rejected":         cs.Rejected,
		"probe_interval":   cs.ProbeInterval,
		"queued":           queued,
		"in_progress":      inProgress,
		"cleaned":          cleaned,
		"deletable":        deletable,
	}

	es := db.evictor.Stats()
	byTrigger := make(map[string]int64, len(es.NodesEvicted))
	for t, n := range es.NodesEvicted {
		byTrigger[t.String()] = n
	}
	stats["evictor"] = map[string]any{
		"enabled":       db.evictor.Enabled(),
		"nodes_evicted": byTrigger,
		"bytes_evicted": es.BytesEvicted,
		"lns_evicted":   es.LNsEvicted,
		"nodes_flushed": es.NodesFlushed,
		"batches":       es.Batches,
		"scanned":       es.Scanned,
	}

	util := db.profile.Aggregate()
	stats["utilization"] = map[string]any{
		"segments":      len(db.profile.Segments()),
		"total_bytes":   util.TotalSize,
		"obsolete_size": util.ObsoleteSize(),
		"estimated":     util.Utilization(),
	}
	stats["epoch"] = db.epochs.Stats()

	db.cpMu.Lock()
	stats["checkpoint_seq"] = db.cpSeq
	db.cpMu.Unlock()
	stats["databases"] = db.databases.Size()
	return stats
}
