// Package metrics declares the Prometheus collectors exposed on the
// admin port's /metrics endpoint.
//
// Grounded on the retrieved pool's gateway telemetry package (a Metrics
// struct of CounterVec/HistogramVec/GaugeVec fields built and registered
// in one NewMetrics call), relabeled for admission and queueing instead
// of caching and circuit breakers.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds every collector the admission pipeline and proxy engine
// update as requests flow through.
type Metrics struct {
	RequestsTotal       *prometheus.CounterVec
	RequestDuration     *prometheus.HistogramVec
	ActiveRequests      prometheus.Gauge
	ActiveSSEStreams    prometheus.Gauge
	RateLimitRejects    *prometheus.CounterVec
	QueueDepth          prometheus.Gauge
	QueueWaitDuration    prometheus.Histogram
	QueuePreemptions    prometheus.Counter
	QueueTimeouts       prometheus.Counter
	SSEMessagesTotal    prometheus.Counter
	RequestsDroppedTotal prometheus.Counter
	DownstreamErrors    prometheus.Counter
}

// New creates and registers all collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pylon",
			Name:      "requests_total",
			Help:      "Total number of proxied HTTP requests by method, api, and status.",
		}, []string{"method", "api", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pylon",
			Name:      "request_duration_seconds",
			Help:      "End-to-end request duration in seconds, including any time spent queued.",
		}, []string{"method", "api"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pylon",
			Name:      "active_requests",
			Help:      "Number of requests currently admitted and in flight.",
		}),

		ActiveSSEStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pylon",
			Name:      "active_sse_streams",
			Help:      "Number of currently open SSE streams.",
		}),

		RateLimitRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pylon",
			Name:      "rate_limit_rejects_total",
			Help:      "Total requests rejected for exceeding a rate or concurrency cap, by reason.",
		}, []string{"reason"}),

		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pylon",
			Name:      "queue_depth",
			Help:      "Current number of requests waiting in the priority wait queue.",
		}),

		QueueWaitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pylon",
			Name:      "queue_wait_duration_seconds",
			Help:      "Time spent waiting in the priority wait queue before admission, timeout, or preemption.",
		}),

		QueuePreemptions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pylon",
			Name:      "queue_preemptions_total",
			Help:      "Total lower-priority waiters evicted to make room for a higher-priority arrival.",
		}),

		QueueTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pylon",
			Name:      "queue_timeouts_total",
			Help:      "Total waiters that exceeded the queue timeout before admission.",
		}),

		SSEMessagesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pylon",
			Name:      "sse_messages_total",
			Help:      "Total SSE frames forwarded to clients.",
		}),

		RequestsDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pylon",
			Name:      "requests_log_dropped_total",
			Help:      "Total request log records dropped because the recorder buffer was full.",
		}),

		DownstreamErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pylon",
			Name:      "downstream_errors_total",
			Help:      "Total requests that failed to reach or complete against the downstream backend.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.ActiveSSEStreams,
		m.RateLimitRejects,
		m.QueueDepth,
		m.QueueWaitDuration,
		m.QueuePreemptions,
		m.QueueTimeouts,
		m.SSEMessagesTotal,
		m.RequestsDroppedTotal,
		m.DownstreamErrors,
	)

	return m
}
