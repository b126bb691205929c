package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PromExporter mirrors QueryMetrics' in-memory counters as Prometheus
// collectors on their own registry, so a caller can mount them under
// promhttp without colliding with prometheus.DefaultRegisterer (multiple
// projects/tests may construct a QueryMetrics in the same process).
type PromExporter struct {
	registry *prometheus.Registry

	queriesTotal      *prometheus.CounterVec
	zeroResultsTotal  prometheus.Counter
	latencySeconds    *prometheus.HistogramVec
	exactRepeatsTotal prometheus.Counter
	similarQueryTotal prometheus.Counter
}

// NewPromExporter registers a fresh set of query-telemetry collectors.
func NewPromExporter() *PromExporter {
	reg := prometheus.NewRegistry()

	e := &PromExporter{
		registry: reg,
		queriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oracle",
			Subsystem: "query",
			Name:      "total",
			Help:      "Total number of search queries served, by query type.",
		}, []string{"query_type"}),
		zeroResultsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "oracle",
			Subsystem: "query",
			Name:      "zero_result_total",
			Help:      "Total number of search queries that returned no results.",
		}),
		latencySeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "oracle",
			Subsystem: "query",
			Name:      "latency_seconds",
			Help:      "Search query latency in seconds, by query type.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"query_type"}),
		exactRepeatsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "oracle",
			Subsystem: "query",
			Name:      "exact_repeat_total",
			Help:      "Total number of queries that exactly repeat a recent query.",
		}),
		similarQueryTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "oracle",
			Subsystem: "query",
			Name:      "similar_total",
			Help:      "Total number of queries semantically similar to a recent query.",
		}),
	}

	reg.MustRegister(
		e.queriesTotal,
		e.zeroResultsTotal,
		e.latencySeconds,
		e.exactRepeatsTotal,
		e.similarQueryTotal,
	)
	return e
}

// Observe feeds a query event into the Prometheus collectors. Safe to
// call concurrently; the prometheus client types are thread-safe on
// their own.
func (e *PromExporter) Observe(event QueryEvent) {
	if e == nil {
		return
	}
	qt := string(event.QueryType)
	e.queriesTotal.WithLabelValues(qt).Inc()
	e.latencySeconds.WithLabelValues(qt).Observe(event.Latency.Seconds())
	if event.IsZeroResult() {
		e.zeroResultsTotal.Inc()
	}
}

// ObserveRepeat records an exact-repeat detection (SPIKE-004).
func (e *PromExporter) ObserveRepeat() {
	if e == nil {
		return
	}
	e.exactRepeatsTotal.Inc()
}

// ObserveSimilar records a semantically-similar-query detection (SPIKE-004).
func (e *PromExporter) ObserveSimilar() {
	if e == nil {
		return
	}
	e.similarQueryTotal.Inc()
}

// Registry returns the collector registry for mounting under promhttp.
func (e *PromExporter) Registry() *prometheus.Registry {
	return e.registry
}
