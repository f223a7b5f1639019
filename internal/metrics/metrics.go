// Package metrics registers the control plane's Prometheus collectors.
// Components increment these directly; the /metrics endpoint is served from
// the API router via promhttp.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// QueriesTotal counts accepted queries by mode and terminal outcome.
	QueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "synapse",
		Name:      "queries_total",
		Help:      "Accepted queries by mode and terminal outcome.",
	}, []string{"mode", "outcome"})

	// CacheOps counts cache hits, misses, and bypassed errors.
	CacheOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "synapse",
		Name:      "cache_ops_total",
		Help:      "Response cache operations.",
	}, []string{"op"})

	// EventsPublished counts bus events by kind.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "synapse",
		Name:      "events_published_total",
		Help:      "Events published to the bus by kind.",
	}, []string{"kind"})

	// EventsDropped counts per-subscriber drops under backpressure.
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "synapse",
		Name:      "events_dropped_total",
		Help:      "Events dropped from full subscriber queues.",
	})

	// ModelState tracks the numeric lifecycle state per model
	// (0=offline 1=starting 2=ready 3=processing 4=degraded 5=stopping).
	ModelState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "synapse",
		Name:      "model_state",
		Help:      "Lifecycle state per model.",
	}, []string{"model"})

	// ModelUtilization tracks in-flight reservations per model.
	ModelUtilization = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "synapse",
		Name:      "model_utilization",
		Help:      "In-flight reservations per model.",
	}, []string{"model"})

	// RetrievalLatency observes CGRAG retrieval latency in seconds.
	RetrievalLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "synapse",
		Name:      "retrieval_latency_seconds",
		Help:      "CGRAG retrieval latency.",
		Buckets:   prometheus.DefBuckets,
	})

	// AdmissionRejections counts router no-capacity rejections per tier.
	AdmissionRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "synapse",
		Name:      "admission_rejections_total",
		Help:      "Router admission rejections by attempted tier.",
	}, []string{"tier"})
)

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StateValue maps a lifecycle state string to its gauge value.
func StateValue(state string) float64 {
	switch state {
	case "OFFLINE":
		return 0
	case "STARTING":
		return 1
	case "READY":
		return 2
	case "PROCESSING":
		return 3
	case "DEGRADED":
		return 4
	case "STOPPING":
		return 5
	}
	return -1
}
