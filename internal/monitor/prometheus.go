package monitor

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "overwatch"

// PromMetrics holds the Prometheus collectors of the pipeline.
type PromMetrics struct {
	// Ingest
	PushesTotal   *prometheus.CounterVec // kind, outcome
	AuthFailures  *prometheus.CounterVec // reason
	IngestLatency *prometheus.HistogramVec

	// Enrichment
	EnrichTotal    *prometheus.CounterVec // kind, outcome
	EnrichLatency  *prometheus.HistogramVec
	QueueDepth     prometheus.Gauge
	QueueDropped   prometheus.Counter
	PendingRecords *prometheus.GaugeVec // kind
	PendingAge     *prometheus.GaugeVec // kind, seconds

	// Oracle
	OracleRequests *prometheus.CounterVec // outcome
	OracleLatency  prometheus.Histogram

	// Fan-out
	FanoutPublished *prometheus.CounterVec // message_type
	FanoutDropped   prometheus.Counter
	LiveSessions    prometheus.Gauge

	registry prometheus.Gatherer
}

// NewPromMetrics registers every collector with reg. Pass a fresh
// prometheus.NewRegistry() in tests.
func NewPromMetrics(reg *prometheus.Registry) *PromMetrics {
	f := promauto.With(reg)
	return &PromMetrics{
		PushesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "pushes_total",
			Help:      "Bot pushes by record kind and outcome",
		}, []string{"kind", "outcome"}),
		AuthFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "auth_failures_total",
			Help:      "Rejected bot pushes by failure reason",
		}, []string{"reason"}),
		IngestLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "latency_seconds",
			Help:      "Time to authenticate and store a push",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		EnrichTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "enrich",
			Name:      "tasks_total",
			Help:      "Enrichment attempts by record kind and outcome",
		}, []string{"kind", "outcome"}),
		EnrichLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "enrich",
			Name:      "latency_seconds",
			Help:      "Duration of one enrichment attempt",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}, []string{"kind"}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "enrich",
			Name:      "queue_depth",
			Help:      "Tasks waiting in the enrichment queue",
		}),
		QueueDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "enrich",
			Name:      "queue_dropped_total",
			Help:      "Tasks dropped because the queue was full",
		}),
		PendingRecords: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "enrich",
			Name:      "pending_records",
			Help:      "Records with updated=false",
		}, []string{"kind"}),
		PendingAge: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "enrich",
			Name:      "oldest_pending_seconds",
			Help:      "Age of the oldest record awaiting enrichment",
		}, []string{"kind"}),
		OracleRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "oracle",
			Name:      "requests_total",
			Help:      "Upstream price oracle fetches by outcome",
		}, []string{"outcome"}),
		OracleLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "oracle",
			Name:      "latency_seconds",
			Help:      "Upstream price oracle latency",
			Buckets:   prometheus.DefBuckets,
		}),
		FanoutPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "published_total",
			Help:      "Live messages published by type",
		}, []string{"message_type"}),
		FanoutDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "dropped_total",
			Help:      "Live messages dropped for slow subscribers",
		}),
		LiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "sessions",
			Help:      "Open live view sessions",
		}),
		registry: reg,
	}
}

// ObserveOracle is an oracle.Client Observe hook.
func (p *PromMetrics) ObserveOracle(outcome string, d time.Duration) {
	p.OracleRequests.WithLabelValues(outcome).Inc()
	p.OracleLatency.Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (p *PromMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
