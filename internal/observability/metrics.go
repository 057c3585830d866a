package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets       = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	transitionDurationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5}
	bodySizeBuckets           = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the service. It
// satisfies the recorder interfaces of the engine, the definition registry
// and the seeder.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Workflow metrics
	WorkflowStartsTotal      *prometheus.CounterVec
	WorkflowTransitionsTotal *prometheus.CounterVec
	WorkflowTransitionTime   *prometheus.HistogramVec
	WorkflowCompletionsTotal *prometheus.CounterVec
	WorkflowActiveInstances  *prometheus.GaugeVec

	// Sweep and notification metrics
	SweepTransitionsTotal    *prometheus.CounterVec
	SweepRunsTotal           prometheus.Counter
	NotificationIntentsTotal *prometheus.CounterVec

	// Definition metrics
	DefinitionCacheHitsTotal   prometheus.Counter
	DefinitionCacheMissesTotal prometheus.Counter
	DefinitionSeedsTotal       *prometheus.CounterVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kazi_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kazi_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kazi_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kazi_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		WorkflowStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kazi_workflow_starts_total",
			Help: "Total number of workflow instances started.",
		}, []string{"definition"}),
		WorkflowTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kazi_workflow_transitions_total",
			Help: "Total number of transition attempts by outcome.",
		}, []string{"definition", "trigger", "outcome"}),
		WorkflowTransitionTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kazi_workflow_transition_duration_seconds",
			Help:    "Transition execution time in seconds.",
			Buckets: transitionDurationBuckets,
		}, []string{"definition"}),
		WorkflowCompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kazi_workflow_completions_total",
			Help: "Total number of instances that reached a terminal state.",
		}, []string{"definition", "final_state"}),
		WorkflowActiveInstances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kazi_workflow_active_instances",
			Help: "Instances started minus instances completed since process start.",
		}, []string{"definition"}),

		SweepTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kazi_sweep_instances_total",
			Help: "Overdue instances handled by the SLA sweep by result.",
		}, []string{"result"}),
		SweepRunsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kazi_sweep_runs_total",
			Help: "Total number of SLA sweep runs.",
		}),
		NotificationIntentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kazi_notification_intents_total",
			Help: "Notification intents by delivery status.",
		}, []string{"status"}),

		DefinitionCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kazi_definition_cache_hits_total",
			Help: "Total definition cache hits.",
		}),
		DefinitionCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kazi_definition_cache_misses_total",
			Help: "Total definition cache misses.",
		}),
		DefinitionSeedsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kazi_definition_seeds_total",
			Help: "Catalog seeding runs by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		m.WorkflowStartsTotal,
		m.WorkflowTransitionsTotal,
		m.WorkflowTransitionTime,
		m.WorkflowCompletionsTotal,
		m.WorkflowActiveInstances,
		m.SweepTransitionsTotal,
		m.SweepRunsTotal,
		m.NotificationIntentsTotal,
		m.DefinitionCacheHitsTotal,
		m.DefinitionCacheMissesTotal,
		m.DefinitionSeedsTotal,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordWorkflowStart records a started instance.
func (m *Metrics) RecordWorkflowStart(definition string) {
	m.WorkflowStartsTotal.WithLabelValues(definition).Inc()
	m.WorkflowActiveInstances.WithLabelValues(definition).Inc()
}

// RecordTransition records a transition attempt.
func (m *Metrics) RecordTransition(definition, trigger, outcome string, duration time.Duration) {
	m.WorkflowTransitionsTotal.WithLabelValues(definition, trigger, outcome).Inc()
	m.WorkflowTransitionTime.WithLabelValues(definition).Observe(duration.Seconds())
}

// RecordWorkflowCompletion records an instance entering a terminal state.
func (m *Metrics) RecordWorkflowCompletion(definition, state string) {
	m.WorkflowCompletionsTotal.WithLabelValues(definition, state).Inc()
	m.WorkflowActiveInstances.WithLabelValues(definition).Dec()
}

// RecordSweep records the totals of one sweep run.
func (m *Metrics) RecordSweep(fired, skipped, failed int) {
	m.SweepRunsTotal.Inc()
	m.SweepTransitionsTotal.WithLabelValues("fired").Add(float64(fired))
	m.SweepTransitionsTotal.WithLabelValues("skipped").Add(float64(skipped))
	m.SweepTransitionsTotal.WithLabelValues("failed").Add(float64(failed))
}

// RecordNotificationIntents records count intents reaching status.
func (m *Metrics) RecordNotificationIntents(status string, count int) {
	m.NotificationIntentsTotal.WithLabelValues(status).Add(float64(count))
}

// RecordDefinitionCacheHit records a definition cache hit.
func (m *Metrics) RecordDefinitionCacheHit() {
	m.DefinitionCacheHitsTotal.Inc()
}

// RecordDefinitionCacheMiss records a definition cache miss.
func (m *Metrics) RecordDefinitionCacheMiss() {
	m.DefinitionCacheMissesTotal.Inc()
}

// RecordSeed records a seeding outcome.
func (m *Metrics) RecordSeed(outcome string) {
	m.DefinitionSeedsTotal.WithLabelValues(outcome).Inc()
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := newStatusRecorder(w)

		next.ServeHTTP(sw, r)

		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}
		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start), reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := rctx.RoutePattern()
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// statusRecorder captures the status code and body size written by a
// handler. Both HTTP middlewares in this package wrap responses with it.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int
	wroteHeader bool
}

func newStatusRecorder(w http.ResponseWriter) *statusRecorder {
	return &statusRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (w *statusRecorder) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	w.wroteHeader = true
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusRecorder) Unwrap() http.ResponseWriter { return w.ResponseWriter }
