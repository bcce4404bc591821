// Package telemetry registers the Prometheus instruments shared across the
// service and serves the /metrics endpoint.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	DeltasApplied    *prometheus.CounterVec // outcome: created/updated/deleted/error
	DeltaDuration    prometheus.Histogram
	FeedRefreshes    *prometheus.CounterVec // outcome, error category
	MirrorQueueDepth prometheus.Gauge
	MirrorDropped    prometheus.Counter
	MirrorDelivered  *prometheus.CounterVec // operation
	ProofRenders     *prometheus.CounterVec // format
	HTTPRequests     *prometheus.CounterVec // method, route, status
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		DeltasApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tempora",
			Name:      "delta_events_total",
			Help:      "Canonical event rows touched by delta application.",
		}, []string{"outcome"}),
		DeltaDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tempora",
			Name:      "delta_apply_seconds",
			Help:      "Latency of one delta batch commit.",
			Buckets:   prometheus.DefBuckets,
		}),
		FeedRefreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tempora",
			Name:      "feed_refreshes_total",
			Help:      "Feed refresh attempts by outcome and error category.",
		}, []string{"outcome", "category"}),
		MirrorQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "tempora",
			Name:      "mirror_queue_depth",
			Help:      "Write intents waiting in the mirror queue.",
		}),
		MirrorDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tempora",
			Name:      "mirror_dropped_total",
			Help:      "Write intents dropped because the queue was full.",
		}),
		MirrorDelivered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tempora",
			Name:      "mirror_delivered_total",
			Help:      "Write intents delivered to account clients.",
		}, []string{"operation"}),
		ProofRenders: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tempora",
			Name:      "proof_renders_total",
			Help:      "Proof documents rendered by format.",
		}, []string{"format"}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tempora",
			Name:      "http_requests_total",
			Help:      "API requests by method, route, and status class.",
		}, []string{"method", "route", "status"}),
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
