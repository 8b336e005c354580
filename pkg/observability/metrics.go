// Package observability provides Prometheus metrics and HTTP middleware
// for monitoring the parley gateway.
package observability

import "github.com/prometheus/client_golang/prometheus"

// LLMBuckets defines histogram buckets suited for LLM inference latencies,
// ranging from 100ms to 120s.
var LLMBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}

var (
	// RequestsTotal counts all HTTP requests by method, path, and status class.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_requests_total",
			Help: "Total requests",
		},
		[]string{"method", "path", "status"},
	)

	// RequestDuration records HTTP request duration in seconds by method and path.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "parley_request_duration_seconds",
			Help:    "Request duration",
			Buckets: LLMBuckets,
		},
		[]string{"method", "path"},
	)

	// StreamingConnections tracks streaming connections currently holding
	// an admission slot.
	StreamingConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "parley_streaming_connections_active",
			Help: "Streaming connections holding an admission slot",
		},
	)

	// AdmissionWaiting tracks turns currently queued for an admission slot.
	AdmissionWaiting = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "parley_admission_waiting",
			Help: "Turns waiting for a streaming admission slot",
		},
	)

	// StreamingFallbacks counts streaming attempts that fell back to a
	// non-streaming call.
	StreamingFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "parley_streaming_fallbacks_total",
			Help: "Streaming attempts that fell back to non-streaming",
		},
	)

	// EndpointRequestsTotal counts calls to the serving endpoint by mode
	// (streaming or blocking) and outcome.
	EndpointRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_endpoint_requests_total",
			Help: "Serving endpoint requests",
		},
		[]string{"mode", "status"},
	)

	// EndpointLatency records serving endpoint latency in seconds by mode.
	EndpointLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "parley_endpoint_latency_seconds",
			Help:    "Serving endpoint latency",
			Buckets: LLMBuckets,
		},
		[]string{"mode"},
	)

	// TimeToFirstToken records seconds from turn start to the first
	// streamed token.
	TimeToFirstToken = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "parley_time_to_first_token_seconds",
			Help:    "Time to first streamed token",
			Buckets: LLMBuckets,
		},
	)

	// RatingsTotal counts message rating updates by rating value.
	RatingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_ratings_total",
			Help: "Message rating updates",
		},
		[]string{"rating"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		StreamingConnections,
		AdmissionWaiting,
		StreamingFallbacks,
		EndpointRequestsTotal,
		EndpointLatency,
		TimeToFirstToken,
		RatingsTotal,
	)
}
