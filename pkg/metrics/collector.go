package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultNamespace prefixes every exported metric name.
const DefaultNamespace = "memopt"

// GaugeFunc supplies a point-in-time value, such as cache size or queue depth.
type GaugeFunc func() float64

// Collector exports an OptimizationMetrics as Prometheus metrics.
//
// Counters are read at scrape time. Gauges registered with AddGauge are
// evaluated at scrape time too, so components can expose live sizes without
// pushing updates.
type Collector struct {
	m *OptimizationMetrics

	cacheRequests   *prometheus.Desc
	avoided         *prometheus.Desc
	batches         *prometheus.Desc
	writes          *prometheus.Desc
	pluginCalls     *prometheus.Desc
	phaseSeconds    *prometheus.Desc
	phaseOperations *prometheus.Desc

	namespace string
	gauges    []gauge
}

type gauge struct {
	desc *prometheus.Desc
	fn   GaugeFunc
}

// NewCollector creates a collector for m. An empty namespace uses
// DefaultNamespace.
func NewCollector(m *OptimizationMetrics, namespace string) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	name := func(n string) string { return prometheus.BuildFQName(namespace, "", n) }

	return &Collector{
		m:         m,
		namespace: namespace,
		cacheRequests: prometheus.NewDesc(name("cache_requests_total"),
			"Context cache lookups by result.", []string{"result"}, nil),
		avoided: prometheus.NewDesc(name("clustering_avoided_total"),
			"Clustering passes saved by batching writes.", nil, nil),
		batches: prometheus.NewDesc(name("batches_total"),
			"Batches flushed by outcome.", []string{"status"}, nil),
		writes: prometheus.NewDesc(name("writes_total"),
			"Memory writes by stage.", []string{"stage"}, nil),
		pluginCalls: prometheus.NewDesc(name("plugin_calls_total"),
			"Plugin invocations by outcome.", []string{"status"}, nil),
		phaseSeconds: prometheus.NewDesc(name("phase_seconds_total"),
			"Cumulative time spent per phase.", []string{"phase"}, nil),
		phaseOperations: prometheus.NewDesc(name("phase_operations_total"),
			"Operations timed per phase.", []string{"phase"}, nil),
	}
}

// AddGauge exports fn as a gauge named <namespace>_<name>. It must be called
// before the collector is registered.
func (c *Collector) AddGauge(name, help string, fn GaugeFunc) {
	c.gauges = append(c.gauges, gauge{
		desc: prometheus.NewDesc(prometheus.BuildFQName(c.namespace, "", name), help, nil, nil),
		fn:   fn,
	})
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.cacheRequests
	ch <- c.avoided
	ch <- c.batches
	ch <- c.writes
	ch <- c.pluginCalls
	ch <- c.phaseSeconds
	ch <- c.phaseOperations
	for _, g := range c.gauges {
		ch <- g.desc
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.m.Snapshot()
	counter := func(desc *prometheus.Desc, v int64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v), labels...)
	}

	counter(c.cacheRequests, s.CacheHits, "hit")
	counter(c.cacheRequests, s.CacheMisses, "miss")
	counter(c.avoided, s.ClusteringAvoided)
	counter(c.batches, s.BatchesProcessed-s.BatchesFailed, "success")
	counter(c.batches, s.BatchesFailed, "failure")
	counter(c.writes, s.WritesAccepted, "accepted")
	counter(c.writes, s.WritesFlushed, "flushed")
	counter(c.writes, s.WritesFailed, "failed")
	counter(c.writes, s.WritesRejected, "rejected")
	counter(c.pluginCalls, s.PluginCalls-s.PluginFailures, "success")
	counter(c.pluginCalls, s.PluginFailures, "failure")

	for _, p := range Phases() {
		ch <- prometheus.MustNewConstMetric(c.phaseSeconds, prometheus.CounterValue,
			s.PhaseTime[p.String()].Seconds(), p.String())
		counter(c.phaseOperations, s.PhaseCount[p.String()], p.String())
	}

	for _, g := range c.gauges {
		ch <- prometheus.MustNewConstMetric(g.desc, prometheus.GaugeValue, g.fn())
	}
}

// Register registers the collector with reg. A nil reg is a no-op.
func (c *Collector) Register(reg prometheus.Registerer) error {
	if reg == nil {
		return nil
	}
	return reg.Register(c)
}

var _ prometheus.Collector = (*Collector)(nil)
