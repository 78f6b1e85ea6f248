// Package monitoring exposes Prometheus instrumentation and the combined
// health snapshot for the collection pipeline.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collector pipeline instruments. Label "kind" is the
// event kind.
type Metrics struct {
	EventsReceived  *prometheus.CounterVec
	EventsProcessed *prometheus.CounterVec
	EventsFailed    *prometheus.CounterVec
	EventsRetried   *prometheus.CounterVec
	EventsDropped   *prometheus.CounterVec
	QueueDepth      prometheus.Gauge
	HandlerDuration *prometheus.HistogramVec
}

// NewMetrics registers the pipeline instruments on the given registerer.
// Pass prometheus.DefaultRegisterer in production; tests use a fresh
// registry to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EventsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "telemetry_events_received_total",
			Help: "Events accepted into the collection queue.",
		}, []string{"kind"}),
		EventsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "telemetry_events_processed_total",
			Help: "Events handled successfully.",
		}, []string{"kind"}),
		EventsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "telemetry_events_failed_total",
			Help: "Events that exhausted their retries.",
		}, []string{"kind"}),
		EventsRetried: f.NewCounterVec(prometheus.CounterOpts{
			Name: "telemetry_events_retried_total",
			Help: "Event handling attempts that were retried.",
		}, []string{"kind"}),
		EventsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "telemetry_events_dropped_total",
			Help: "Events rejected at submission (full queue or sampling).",
		}, []string{"kind"}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "telemetry_queue_depth",
			Help: "Events waiting in the collection queue.",
		}),
		HandlerDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "telemetry_handler_duration_seconds",
			Help:    "Per-event handler latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
	}
}
