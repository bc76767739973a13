// Package metrics exposes Prometheus collectors for the download pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Record metrics
	RecordsByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bookdrop_records",
			Help: "Number of tracked download records by state",
		},
		[]string{"state"},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bookdrop_queue_depth",
			Help: "Number of ids waiting in the download queue",
		},
	)

	InFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bookdrop_in_flight",
			Help: "Number of records currently held by a worker",
		},
	)

	EnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookdrop_enqueue_total",
			Help: "Download requests by result (created, duplicate, rejected)",
		},
		[]string{"result"},
	)

	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookdrop_transitions_total",
			Help: "State transitions by target state",
		},
		[]string{"to"},
	)

	RetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bookdrop_retries_total",
			Help: "Attempts rescheduled after a retryable failure",
		},
	)

	// Transfer metrics
	FetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bookdrop_fetch_duration_seconds",
			Help:    "Time spent streaming a download by outcome",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"outcome"},
	)

	FetchBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bookdrop_fetch_bytes_total",
			Help: "Bytes written by successful downloads",
		},
	)

	PostprocessDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bookdrop_postprocess_duration_seconds",
			Help:    "Time spent validating and converting downloads",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	// Source metrics
	SourceRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookdrop_source_requests_total",
			Help: "Catalog page requests by route and outcome",
		},
		[]string{"route", "outcome"},
	)

	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bookdrop_source_breaker_state",
			Help: "Circuit breaker state per host (0 = closed, 1 = half-open, 2 = open)",
		},
		[]string{"host"},
	)
)

func init() {
	prometheus.MustRegister(RecordsByState)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(InFlight)
	prometheus.MustRegister(EnqueuedTotal)
	prometheus.MustRegister(TransitionsTotal)
	prometheus.MustRegister(RetriesTotal)
	prometheus.MustRegister(FetchDuration)
	prometheus.MustRegister(FetchBytes)
	prometheus.MustRegister(PostprocessDuration)
	prometheus.MustRegister(SourceRequestsTotal)
	prometheus.MustRegister(BreakerState)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
