// Package metrics exposes Prometheus collectors for the HTTP surface and the
// worker pool.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	runsEnqueuedTotal          *prometheus.CounterVec
	runsRejectedTotal          *prometheus.CounterVec
	queueDepth                 prometheus.Gauge
	activeWorkers              prometheus.Gauge

	once sync.Once
)

// Init registers the collectors with the default registry. It is safe to
// call more than once.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"method", "route"},
		)

		runsEnqueuedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_runs_enqueued_total",
				Help: "Stage runs accepted by the API.",
			},
			[]string{"stage"},
		)

		runsRejectedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_runs_rejected_total",
				Help: "Stage runs refused because the queue was full.",
			},
			[]string{"stage"},
		)

		queueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "pipeline_queue_depth",
				Help: "Stage runs waiting for a worker.",
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "pipeline_active_workers",
				Help: "Workers currently executing a stage run.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest records one served request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveEnqueue records an accepted or rejected run request.
func ObserveEnqueue(stage string, accepted bool) {
	if runsEnqueuedTotal == nil {
		return
	}
	if accepted {
		runsEnqueuedTotal.WithLabelValues(stage).Inc()
		return
	}
	runsRejectedTotal.WithLabelValues(stage).Inc()
}

// SetQueueDepth records the number of queued runs.
func SetQueueDepth(n int) {
	if queueDepth == nil {
		return
	}
	queueDepth.Set(float64(n))
}

// IncActiveWorkers increments the active worker gauge.
func IncActiveWorkers() {
	if activeWorkers == nil {
		return
	}
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active worker gauge.
func DecActiveWorkers() {
	if activeWorkers == nil {
		return
	}
	activeWorkers.Dec()
}
