// Package metrics defines the Prometheus collectors exported by blink.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "blink"

var (
	// GenerationsTotal counts generation calls by backend and outcome.
	GenerationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "generation",
			Name:      "requests_total",
			Help:      "Total number of image generation requests",
		},
		[]string{"backend", "outcome"},
	)

	// GenerationDuration observes generation latency by backend.
	GenerationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "generation",
			Name:      "duration_seconds",
			Help:      "Image generation duration in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"backend"},
	)

	// QueryLookups counts query cache lookups by result (hit, miss, shared).
	QueryLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "query",
			Name:      "lookups_total",
			Help:      "Query cache lookups by result",
		},
		[]string{"result"},
	)

	// ActiveSessions is the number of live prompt sessions.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "active",
			Help:      "Number of active prompt sessions",
		},
	)

	// SSEConnections is the number of open event streams.
	SSEConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "web",
			Name:      "sse_connections",
			Help:      "Number of open server-sent event connections",
		},
	)

	// RateLimited counts requests rejected by the free-tier limiter.
	RateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "web",
			Name:      "rate_limited_total",
			Help:      "Generation requests rejected by the rate limiter",
		},
	)
)

// Handler returns the HTTP handler that serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
