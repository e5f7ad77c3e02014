// Package metrics exposes Prometheus collectors for the crawl supervisor.
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
	webhooksTotal              *prometheus.CounterVec
	controlActionsTotal        *prometheus.CounterVec
	crawlerRequestsTotal       *prometheus.CounterVec
	crawlerRequestSeconds      *prometheus.HistogramVec
	sessionsSweptTotal         prometheus.Counter
	broadcastsTotal            *prometheus.CounterVec
	broadcastDroppedTotal      prometheus.Counter
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		webhooksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawl_supervisor_webhooks_total",
				Help: "Webhook events received, labeled by type and outcome.",
			},
			[]string{"type", "outcome"},
		)

		controlActionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawl_supervisor_control_actions_total",
				Help: "Operator control actions, labeled by action and result.",
			},
			[]string{"action", "result"},
		)

		crawlerRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawl_supervisor_crawler_requests_total",
				Help: "Calls to the external crawler API, labeled by endpoint and result.",
			},
			[]string{"endpoint", "result"},
		)

		crawlerRequestSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawl_supervisor_crawler_request_duration_seconds",
				Help:    "Histogram of crawler API latencies, labeled by endpoint.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"endpoint"},
		)

		sessionsSweptTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawl_supervisor_sessions_swept_total",
				Help: "Sessions marked failed by the staleness sweep.",
			},
		)

		broadcastsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawl_supervisor_broadcasts_total",
				Help: "Broadcast deliveries, labeled by kind, sink and result.",
			},
			[]string{"kind", "sink", "result"},
		)

		broadcastDroppedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawl_supervisor_broadcasts_dropped_total",
				Help: "Broadcasts dropped because the hub buffer was full.",
			},
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

// ObserveWebhook counts a webhook by type and outcome.
func ObserveWebhook(eventType, outcome string) {
	Init()
	webhooksTotal.WithLabelValues(eventType, outcome).Inc()
}

// ObserveControlAction counts an operator action.
func ObserveControlAction(action, result string) {
	Init()
	controlActionsTotal.WithLabelValues(action, result).Inc()
}

// ObserveCrawlerRequest records a crawler API call.
func ObserveCrawlerRequest(endpoint, result string, duration time.Duration) {
	Init()
	crawlerRequestsTotal.WithLabelValues(endpoint, result).Inc()
	crawlerRequestSeconds.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// AddSessionsSwept adds n to the stale-session counter.
func AddSessionsSwept(n int) {
	if n <= 0 {
		return
	}
	Init()
	sessionsSweptTotal.Add(float64(n))
}

// ObserveBroadcast counts one sink delivery.
func ObserveBroadcast(kind, sink, result string) {
	Init()
	broadcastsTotal.WithLabelValues(kind, sink, result).Inc()
}

// IncBroadcastDropped counts a broadcast dropped on overflow.
func IncBroadcastDropped() {
	Init()
	broadcastDroppedTotal.Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
