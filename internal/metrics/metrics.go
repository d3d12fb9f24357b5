// Package metrics exposes Prometheus collectors for the harvester service.
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
	harvesterTasksTotal          *prometheus.CounterVec
	harvesterArticlesTotal       prometheus.Counter
	harvesterActiveWorkers       prometheus.Gauge
	harvesterFetchSeconds        *prometheus.HistogramVec
	harvesterFetchDegradedTotal  *prometheus.CounterVec
	harvesterDeadLettersTotal    prometheus.Counter
	harvesterAggregateRetryTotal prometheus.Counter

	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	upstreamThrottleSeconds    prometheus.Histogram

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		harvesterTasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_tasks_total",
				Help: "Total number of work units processed, labeled by terminal status.",
			},
			[]string{"status"},
		)

		harvesterArticlesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_articles_total",
				Help: "Total number of articles fetched and persisted.",
			},
		)

		harvesterActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_active_workers",
				Help: "Number of workers currently processing a work unit.",
			},
		)

		harvesterFetchSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_fetch_duration_seconds",
				Help:    "Histogram of upstream fetch latencies, labeled by region.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"region"},
		)

		harvesterFetchDegradedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_fetch_degraded_total",
				Help: "Upstream fetches recovered as empty results, labeled by reason.",
			},
			[]string{"reason"},
		)

		harvesterDeadLettersTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_dead_letters_total",
				Help: "Work units moved to the dead-letter path after exhausting redelivery.",
			},
		)

		harvesterAggregateRetryTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_aggregate_retry_total",
				Help: "Aggregate status writes retried after losing a revision race.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		)

		upstreamThrottleSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "harvester_upstream_throttle_seconds",
				Help:    "Time spent waiting on the upstream rate limiter.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveTask increments the task counter for the given terminal status.
func ObserveTask(status string) {
	harvesterTasksTotal.WithLabelValues(status).Inc()
}

// AddArticles records persisted articles.
func AddArticles(n int) {
	if n > 0 {
		harvesterArticlesTotal.Add(float64(n))
	}
}

// ObserveFetch records the duration of an upstream fetch.
func ObserveFetch(region string, duration time.Duration) {
	harvesterFetchSeconds.WithLabelValues(region).Observe(duration.Seconds())
}

// ObserveFetchDegraded counts a fetch recovered as an empty result.
func ObserveFetchDegraded(reason string) {
	harvesterFetchDegradedTotal.WithLabelValues(reason).Inc()
}

// ObserveDeadLetter counts a unit handed to the dead-letter path.
func ObserveDeadLetter() {
	harvesterDeadLettersTotal.Inc()
}

// ObserveAggregateRetry counts a lost revision race on the aggregate.
func ObserveAggregateRetry() {
	harvesterAggregateRetryTotal.Inc()
}

// ObserveHTTPRequest records one served HTTP request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveUpstreamThrottle records time spent waiting on the rate limiter.
func ObserveUpstreamThrottle(duration time.Duration) {
	upstreamThrottleSeconds.Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	harvesterActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	harvesterActiveWorkers.Dec()
}
