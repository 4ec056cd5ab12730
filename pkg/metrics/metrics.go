// Package metrics holds the optimizer's monotonic counters and exports them to
// Prometheus.
//
// OptimizationMetrics is the source of truth. Components increment it with
// atomic adds on their hot paths, Snapshot reads it for Stats, and Collector
// reads it at scrape time, so there is no second copy of any counter.
package metrics

import (
	"sync/atomic"
	"time"
)

// Phase identifies a timed stage of the optimizer.
type Phase int

const (
	// PhaseContext covers cache-through context lookups.
	PhaseContext Phase = iota
	// PhasePlugin covers plugin function execution.
	PhasePlugin
	// PhaseWrite covers accepting a write into the cache and scheduler.
	PhaseWrite
	// PhaseFlush covers processing one batch on a worker.
	PhaseFlush

	numPhases
)

// String returns the phase label used in exported metrics.
func (p Phase) String() string {
	switch p {
	case PhaseContext:
		return "context"
	case PhasePlugin:
		return "plugin"
	case PhaseWrite:
		return "write"
	case PhaseFlush:
		return "flush"
	default:
		return "unknown"
	}
}

// Phases lists every phase in export order.
func Phases() []Phase {
	return []Phase{PhaseContext, PhasePlugin, PhaseWrite, PhaseFlush}
}

// OptimizationMetrics is a set of monotonically increasing counters.
// The zero value is ready to use and safe for concurrent use.
type OptimizationMetrics struct {
	cacheHits         atomic.Int64
	cacheMisses       atomic.Int64
	clusteringAvoided atomic.Int64
	batchesProcessed  atomic.Int64
	batchesFailed     atomic.Int64
	writesAccepted    atomic.Int64
	writesFlushed     atomic.Int64
	writesFailed      atomic.Int64
	writesRejected    atomic.Int64
	pluginCalls       atomic.Int64
	pluginFailures    atomic.Int64

	phaseNanos [numPhases]atomic.Int64
	phaseCount [numPhases]atomic.Int64
}

// New creates an empty metrics set.
func New() *OptimizationMetrics {
	return &OptimizationMetrics{}
}

// CacheHit records a context served from the cache.
func (m *OptimizationMetrics) CacheHit() { m.cacheHits.Add(1) }

// CacheMiss records a context that had to be constructed.
func (m *OptimizationMetrics) CacheMiss() { m.cacheMisses.Add(1) }

// ClusteringAvoided records n clustering passes saved by batching.
func (m *OptimizationMetrics) ClusteringAvoided(n int) {
	if n > 0 {
		m.clusteringAvoided.Add(int64(n))
	}
}

// BatchProcessed records a batch that finished flushing, successfully or not.
func (m *OptimizationMetrics) BatchProcessed(failed bool) {
	m.batchesProcessed.Add(1)
	if failed {
		m.batchesFailed.Add(1)
	}
}

// WriteAccepted records a write taken into a batch.
func (m *OptimizationMetrics) WriteAccepted() { m.writesAccepted.Add(1) }

// WritesFlushed records n entries acknowledged by the memory engine.
func (m *OptimizationMetrics) WritesFlushed(n int) { m.writesFlushed.Add(int64(n)) }

// WritesFailed records n entries lost to a failed flush.
func (m *OptimizationMetrics) WritesFailed(n int) { m.writesFailed.Add(int64(n)) }

// WriteRejected records a write refused after shutdown.
func (m *OptimizationMetrics) WriteRejected() { m.writesRejected.Add(1) }

// PluginCall records one plugin invocation and whether it failed.
func (m *OptimizationMetrics) PluginCall(failed bool) {
	m.pluginCalls.Add(1)
	if failed {
		m.pluginFailures.Add(1)
	}
}

// Observe adds d to the cumulative time spent in phase.
func (m *OptimizationMetrics) Observe(phase Phase, d time.Duration) {
	if phase < 0 || phase >= numPhases {
		return
	}
	m.phaseNanos[phase].Add(int64(d))
	m.phaseCount[phase].Add(1)
}

// Since is shorthand for Observe(phase, time.Since(start)).
func (m *OptimizationMetrics) Since(phase Phase, start time.Time) time.Duration {
	d := time.Since(start)
	m.Observe(phase, d)
	return d
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	CacheHits         int64                    `json:"cache_hits"`
	CacheMisses       int64                    `json:"cache_misses"`
	CacheHitRatio     float64                  `json:"cache_hit_ratio"`
	ClusteringAvoided int64                    `json:"clustering_avoided"`
	BatchesProcessed  int64                    `json:"batches_processed"`
	BatchesFailed     int64                    `json:"batches_failed"`
	WritesAccepted    int64                    `json:"writes_accepted"`
	WritesFlushed     int64                    `json:"writes_flushed"`
	WritesFailed      int64                    `json:"writes_failed"`
	WritesRejected    int64                    `json:"writes_rejected"`
	PluginCalls       int64                    `json:"plugin_calls"`
	PluginFailures    int64                    `json:"plugin_failures"`
	PhaseTime         map[string]time.Duration `json:"phase_time"`
	PhaseCount        map[string]int64         `json:"phase_count"`
}

// Snapshot copies the current counter values.
func (m *OptimizationMetrics) Snapshot() Snapshot {
	s := Snapshot{
		CacheHits:         m.cacheHits.Load(),
		CacheMisses:       m.cacheMisses.Load(),
		ClusteringAvoided: m.clusteringAvoided.Load(),
		BatchesProcessed:  m.batchesProcessed.Load(),
		BatchesFailed:     m.batchesFailed.Load(),
		WritesAccepted:    m.writesAccepted.Load(),
		WritesFlushed:     m.writesFlushed.Load(),
		WritesFailed:      m.writesFailed.Load(),
		WritesRejected:    m.writesRejected.Load(),
		PluginCalls:       m.pluginCalls.Load(),
		PluginFailures:    m.pluginFailures.Load(),
		PhaseTime:         make(map[string]time.Duration, numPhases),
		PhaseCount:        make(map[string]int64, numPhases),
	}
	if total := s.CacheHits + s.CacheMisses; total > 0 {
		s.CacheHitRatio = float64(s.CacheHits) / float64(total)
	}
	for _, p := range Phases() {
		s.PhaseTime[p.String()] = time.Duration(m.phaseNanos[p].Load())
		s.PhaseCount[p.String()] = m.phaseCount[p].Load()
	}
	return s
}
