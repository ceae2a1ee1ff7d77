// Package metrics exposes Prometheus collectors for the gateway and the
// dispatch worker.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dunning_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dunning_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "route"},
	)

	jobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dunning_jobs_enqueued_total",
			Help: "Notification jobs enqueued by channel",
		},
		[]string{"channel"},
	)

	jobsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dunning_jobs_dispatched_total",
			Help: "Notification jobs finished by channel and outcome",
		},
		[]string{"channel", "outcome"},
	)

	connectorErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dunning_connector_errors_total",
			Help: "Connector failures by channel and error kind",
		},
		[]string{"channel", "kind"},
	)

	dispatchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dunning_dispatch_latency_seconds",
			Help:    "Time from enqueue to provider acknowledgement",
			Buckets: []float64{.1, .5, 1, 5, 10, 30, 60, 300, 900},
		},
		[]string{"channel"},
	)

	rateLimitWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dunning_dispatch_rate_limit_wait_seconds",
			Help:    "Time the worker waited for a dispatch slot",
			Buckets: []float64{0, .1, 1, 5, 15, 30, 60},
		},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dunning_queue_jobs",
			Help: "Jobs in the dispatch queue by state",
		},
		[]string{"state"},
	)

	webhookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dunning_webhook_events_total",
			Help: "Webhook deliveries by event type and result",
		},
		[]string{"event_type", "result"},
	)

	correlations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dunning_correlations_total",
			Help: "Inbound messages correlated by winning strategy",
		},
		[]string{"strategy"},
	)

	batchesCompleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dunning_batches_completed_total",
			Help: "Batches that reached COMPLETED",
		},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dunning_idempotency_hits_total",
			Help: "Requests served from the Idempotency-Key cache",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dunning_rate_limit_rejections_total",
			Help: "API requests rejected by the rate limiter",
		},
		[]string{"tenant_id"},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dunning_circuit_breaker_state",
			Help: "Connector circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"connector"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

func RecordJobEnqueued(channel string) {
	jobsEnqueued.WithLabelValues(channel).Inc()
}

// RecordJobDispatched records a finished job; outcome is "sent" or "failed".
func RecordJobDispatched(channel, outcome string, sinceEnqueue time.Duration) {
	jobsDispatched.WithLabelValues(channel, outcome).Inc()
	if sinceEnqueue > 0 {
		dispatchLatency.WithLabelValues(channel).Observe(sinceEnqueue.Seconds())
	}
}

func RecordConnectorError(channel, kind string) {
	connectorErrors.WithLabelValues(channel, kind).Inc()
}

func RecordRateLimitWait(d time.Duration) {
	rateLimitWait.Observe(d.Seconds())
}

// SetQueueDepth publishes the queue counters.
func SetQueueDepth(waiting, active, completed, failed int64) {
	queueDepth.WithLabelValues("waiting").Set(float64(waiting))
	queueDepth.WithLabelValues("active").Set(float64(active))
	queueDepth.WithLabelValues("completed").Set(float64(completed))
	queueDepth.WithLabelValues("failed").Set(float64(failed))
}

// RecordWebhook records a webhook delivery result such as "processed",
// "duplicate", "unauthorized" or "invalid".
func RecordWebhook(eventType, result string) {
	webhookEvents.WithLabelValues(eventType, result).Inc()
}

func RecordCorrelation(strategy string) {
	correlations.WithLabelValues(strategy).Inc()
}

func RecordBatchCompleted() {
	batchesCompleted.Inc()
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(tenantID string) {
	rateLimitRejections.WithLabelValues(tenantID).Inc()
}

func SetBreakerState(connector string, state int) {
	breakerState.WithLabelValues(connector).Set(float64(state))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware records request metrics labelled by chi route pattern so ids
// in the path do not explode cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		RecordRequest(r.Method, route, wrapped.status, time.Since(start))
	})
}
