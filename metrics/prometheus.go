package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// GlobalMetricsRegistry is the Prometheus metrics registry singleton
var GlobalMetricsRegistry *prometheus.Registry

// Domain collectors registered against GlobalMetricsRegistry. Components
// increment these directly rather than going through the Metrics
// interface above, which is scoped to a single operation.
var (
	CacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "partitioncache_cache_lookups_total",
		Help: "Cache lookups by partition key and outcome (hit, miss, error).",
	}, []string{"partition_key", "outcome"})

	FragmentsGenerated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "partitioncache_fragments_generated_total",
		Help: "Fragments emitted by the generator, by partition key.",
	}, []string{"partition_key"})

	FragmentExecutionSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "partitioncache_fragment_execution_seconds",
		Help:    "Wall-clock time spent executing a fragment against the target database.",
		Buckets: prometheus.DefBuckets,
	}, []string{"partition_key", "outcome"})

	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "partitioncache_queue_depth",
		Help: "Number of entries currently queued, by queue name (orig, frag).",
	}, []string{"queue"})
)

func init() {
	ResetGlobalMetricsRegistry()
}

// ResetGlobalMetricsRegistry resets GlobalMetricsRegistry to it's default value.
// This is needed by the unit tests that create many server instances and would try to register duplicate collectors in the registry
func ResetGlobalMetricsRegistry() {
	GlobalMetricsRegistry = prometheus.NewRegistry()
	GlobalMetricsRegistry.MustRegister(prometheus.NewGoCollector())
	GlobalMetricsRegistry.MustRegister(CacheLookups, FragmentsGenerated, FragmentExecutionSeconds, QueueDepth)
}
