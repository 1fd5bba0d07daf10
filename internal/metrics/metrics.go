// Package metrics exposes Prometheus collectors for the price monitor.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchesTotal               *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	extractionsTotal           *prometheus.CounterVec
	strategyConfidence         *prometheus.HistogramVec
	queueDepth                 prometheus.Gauge
	inFlightItems              prometheus.Gauge
	circuitState               *prometheus.GaugeVec
	alertsTotal                *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	intakeMessagesTotal        *prometheus.CounterVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// circuitValues maps circuit positions to gauge values.
var circuitValues = map[string]float64{
	"closed":    0,
	"half-open": 1,
	"open":      2,
}

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pricemon_fetches_total",
				Help: "Total page fetches, labeled by domain and outcome.",
			},
			[]string{"domain", "outcome"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pricemon_fetch_bytes_total",
				Help: "Total bytes fetched, labeled by domain.",
			},
			[]string{"domain"},
		)

		extractionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pricemon_extractions_total",
				Help: "Extraction attempts, labeled by winning strategy type and success.",
			},
			[]string{"strategy", "success"},
		)

		strategyConfidence = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pricemon_strategy_confidence",
				Help:    "Confidence of the strategy that produced each successful extraction.",
				Buckets: []float64{0.1, 0.3, 0.5, 0.7, 0.8, 0.9, 1},
			},
			[]string{"strategy"},
		)

		queueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "pricemon_queue_depth",
				Help: "Number of items waiting in the scheduler.",
			},
		)

		inFlightItems = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "pricemon_in_flight_items",
				Help: "Number of items handed to workers and not yet completed.",
			},
		)

		circuitState = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pricemon_circuit_state",
				Help: "Circuit position per domain (0 closed, 1 half-open, 2 open).",
			},
			[]string{"domain"},
		)

		alertsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pricemon_alerts_total",
				Help: "Alerts emitted, labeled by level and event.",
			},
			[]string{"level", "event"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "pricemon_active_workers",
				Help: "Number of workers currently processing an item.",
			},
		)

		intakeMessagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pricemon_intake_messages_total",
				Help: "Enqueue requests received from the intake subscription, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pricemon_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
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

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveFetch counts a fetch outcome for a domain.
func ObserveFetch(domain, outcome string, bytesFetched int) {
	Init()
	site := SanitizeSite(domain)
	fetchesTotal.WithLabelValues(site, outcome).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(site).Add(float64(bytesFetched))
	}
}

// ObserveExtraction counts an extraction and, on success, the confidence it carried.
func ObserveExtraction(strategy string, success bool, confidence float64) {
	Init()
	if strategy == "" {
		strategy = "none"
	}
	extractionsTotal.WithLabelValues(strategy, strconv.FormatBool(success)).Inc()
	if success {
		strategyConfidence.WithLabelValues(strategy).Observe(confidence)
	}
}

// SetQueueDepth records the scheduler backlog.
func SetQueueDepth(n int) {
	Init()
	queueDepth.Set(float64(n))
}

// SetInFlight records the number of items currently leased to workers.
func SetInFlight(n int) {
	Init()
	inFlightItems.Set(float64(n))
}

// SetCircuitState records the circuit position of a domain.
func SetCircuitState(domain, state string) {
	Init()
	circuitState.WithLabelValues(domain).Set(circuitValues[state])
}

// ObserveAlert counts an emitted alert.
func ObserveAlert(level, event string) {
	Init()
	alertsTotal.WithLabelValues(level, event).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveIntake counts one intake message outcome.
func ObserveIntake(outcome string) {
	Init()
	intakeMessagesTotal.WithLabelValues(outcome).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
