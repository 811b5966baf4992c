package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	PublishedCounter   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "autopit_requests_published_total", Help: "Service requests handed to the bus"}, []string{"backend"})
	PublishRejects     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "autopit_publish_rejects_total", Help: "Publishes the bus could not accept"}, []string{"backend"})
	RateLimitRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "autopit_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	RequestsCompleted  = prometheus.NewCounter(prometheus.CounterOpts{Name: "autopit_requests_completed_total", Help: "Requests that reached Complete"})
	RequestsFailed     = prometheus.NewCounter(prometheus.CounterOpts{Name: "autopit_requests_failed_total", Help: "Requests that reached Failed"})
	DecodeFailures     = prometheus.NewCounter(prometheus.CounterOpts{Name: "autopit_bus_decode_failures_total", Help: "Broker messages that could not be decoded"})
	Redeliveries       = prometheus.NewCounter(prometheus.CounterOpts{Name: "autopit_bus_redeliveries_total", Help: "Broker messages requeued after a failed handoff"})
	DeadLettered       = prometheus.NewCounter(prometheus.CounterOpts{Name: "autopit_bus_dead_letter_total", Help: "Broker messages moved to the dead-letter stream"})
	RecoveredRequests  = prometheus.NewCounter(prometheus.CounterOpts{Name: "autopit_requests_recovered_total", Help: "Stale Diagnosing requests republished at worker start"})
	QueueDepthGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "autopit_queue_depth", Help: "Requests buffered in the in-process queue"})
	InFlightGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "autopit_inflight", Help: "Requests currently being diagnosed"})
	ProcessingDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "autopit_processing_seconds",
		Help:    "Time from delivery to terminal status",
		Buckets: prometheus.DefBuckets,
	})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			PublishedCounter,
			PublishRejects,
			RateLimitRejects,
			RequestsCompleted,
			RequestsFailed,
			DecodeFailures,
			Redeliveries,
			DeadLettered,
			RecoveredRequests,
			QueueDepthGauge,
			InFlightGauge,
			ProcessingDuration,
		)
	})
	return promhttp.Handler()
}
