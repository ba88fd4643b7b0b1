// Package metrics exposes Prometheus collectors for the fetch fleet.
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
	tasksTotal                 *prometheus.CounterVec
	queueDepth                 *prometheus.GaugeVec
	leaseGrantsTotal           prometheus.Counter
	leasesReclaimedTotal       *prometheus.CounterVec
	deadLettersTotal           prometheus.Counter
	heartbeatsTotal            prometheus.Counter
	workersByHealth            *prometheus.GaugeVec
	accessDelaySeconds         *prometheus.HistogramVec
	fetchDurationSeconds       *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		tasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_tasks_total",
				Help: "Total finished task attempts, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		queueDepth = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fleet_queue_depth",
				Help: "Current number of tasks in the queue, labeled by state.",
			},
			[]string{"state"},
		)

		leaseGrantsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "fleet_lease_grants_total",
				Help: "Total tasks handed to workers.",
			},
		)

		leasesReclaimedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_leases_reclaimed_total",
				Help: "Total leases force-expired, labeled by reason.",
			},
			[]string{"reason"},
		)

		deadLettersTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "fleet_dead_letters_total",
				Help: "Total tasks moved to the dead-letter set.",
			},
		)

		heartbeatsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "fleet_heartbeats_total",
				Help: "Total worker heartbeats received.",
			},
		)

		workersByHealth = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fleet_workers",
				Help: "Registered workers, labeled by health state.",
			},
			[]string{"health"},
		)

		accessDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fleet_access_delay_seconds",
				Help:    "Histogram of per-domain politeness waits.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fleet_fetch_duration_seconds",
				Help:    "Histogram of fetch latencies, labeled by outcome.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"outcome"},
		)

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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveTask counts a finished task attempt.
func ObserveTask(outcome string) {
	tasksTotal.WithLabelValues(outcome).Inc()
}

// SetQueueDepth records the current depth for one queue state.
func SetQueueDepth(state string, depth int) {
	queueDepth.WithLabelValues(state).Set(float64(depth))
}

// ObserveLeaseGrants counts tasks handed to a worker.
func ObserveLeaseGrants(n int) {
	if n > 0 {
		leaseGrantsTotal.Add(float64(n))
	}
}

// ObserveReclaims counts force-expired leases.
func ObserveReclaims(reason string, n int) {
	if n > 0 {
		leasesReclaimedTotal.WithLabelValues(reason).Add(float64(n))
	}
}

// ObserveDeadLetter counts a task entering the dead-letter set.
func ObserveDeadLetter() {
	deadLettersTotal.Inc()
}

// ObserveHeartbeat counts one worker heartbeat.
func ObserveHeartbeat() {
	heartbeatsTotal.Inc()
}

// SetWorkers records the worker count for one health state.
func SetWorkers(health string, n int) {
	workersByHealth.WithLabelValues(health).Set(float64(n))
}

// ObserveAccessDelay records a politeness wait.
func ObserveAccessDelay(domain string, d time.Duration) {
	accessDelaySeconds.WithLabelValues(domain).Observe(d.Seconds())
}

// ObserveFetch records a fetch latency.
func ObserveFetch(outcome string, d time.Duration) {
	fetchDurationSeconds.WithLabelValues(outcome).Observe(d.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
