package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets   = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}
	nodeDurationBuckets   = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	ledgerDurationBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1}
)

// Metrics holds all Prometheus metric instruments for the agent core.
// Recording helpers are safe to call on a nil *Metrics.
type Metrics struct {
	// HTTP metrics (ops server)
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Workflow metrics
	WorkflowRunsTotal       *prometheus.CounterVec
	WorkflowActive          prometheus.Gauge
	WorkflowInterruptsTotal *prometheus.CounterVec
	NodeExecutionsTotal     *prometheus.CounterVec
	NodeDuration            *prometheus.HistogramVec
	NodeRetriesTotal        *prometheus.CounterVec

	// Accounting metrics
	TokensTotal       *prometheus.CounterVec
	CostEstimateTotal prometheus.Counter

	// Ledger metrics
	LedgerAppendsTotal             *prometheus.CounterVec
	LedgerAppendDuration           prometheus.Histogram
	LedgerCASRetriesTotal          prometheus.Counter
	LedgerDedupHitsTotal           prometheus.Counter
	LedgerIntegrityViolationsTotal prometheus.Counter
	LedgerVerifiedRecords          prometheus.Gauge

	// Safety metrics
	SafetyDecisionsTotal *prometheus.CounterVec

	// Dependency metrics
	ToolInvocationsTotal    *prometheus.CounterVec
	ToolCircuitBreakerState *prometheus.GaugeVec
	GraphQueriesTotal       *prometheus.CounterVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_http_requests_total",
			Help: "Total number of ops HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sentinel_http_request_duration_seconds",
			Help:    "Ops HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),

		// Workflows
		WorkflowRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_workflow_runs_total",
			Help: "Total number of workflow runs by final status.",
		}, []string{"workflow_type", "status"}),
		WorkflowActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_workflow_active",
			Help: "Number of workflows currently executing.",
		}),
		WorkflowInterruptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_workflow_interrupts_total",
			Help: "Total number of workflow interrupts by reason.",
		}, []string{"reason"}),
		NodeExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_node_executions_total",
			Help: "Total number of node executions.",
		}, []string{"node", "status"}),
		NodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sentinel_node_duration_seconds",
			Help:    "Node execution duration in seconds.",
			Buckets: nodeDurationBuckets,
		}, []string{"node"}),
		NodeRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_node_retries_total",
			Help: "Total number of node retries.",
		}, []string{"node"}),

		// Accounting
		TokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_tokens_total",
			Help: "Total tokens recorded by direction.",
		}, []string{"direction"}),
		CostEstimateTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_cost_estimate_total",
			Help: "Running total of estimated cost.",
		}),

		// Ledger
		LedgerAppendsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_ledger_appends_total",
			Help: "Total number of ledger append attempts by outcome.",
		}, []string{"decision", "status"}),
		LedgerAppendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sentinel_ledger_append_duration_seconds",
			Help:    "Ledger append duration in seconds, including CAS retries.",
			Buckets: ledgerDurationBuckets,
		}),
		LedgerCASRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_ledger_cas_retries_total",
			Help: "Total number of ledger appends retried after losing the tail race.",
		}),
		LedgerDedupHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_ledger_dedup_hits_total",
			Help: "Total number of appends answered from the request-hash dedup cache.",
		}),
		LedgerIntegrityViolationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_ledger_integrity_violations_total",
			Help: "Total number of chain integrity violations detected.",
		}),
		LedgerVerifiedRecords: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_ledger_verified_records",
			Help: "Number of records covered by the last chain verification.",
		}),

		// Safety
		SafetyDecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_safety_decisions_total",
			Help: "Total number of recorded safety decisions.",
		}, []string{"decision"}),

		// Dependencies
		ToolInvocationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_tool_invocations_total",
			Help: "Total number of tool invocations.",
		}, []string{"tool", "status"}),
		ToolCircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sentinel_tool_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"tool"}),
		GraphQueriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_graph_queries_total",
			Help: "Total number of graph queries.",
		}, []string{"kind", "status"}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		// Workflows
		m.WorkflowRunsTotal,
		m.WorkflowActive,
		m.WorkflowInterruptsTotal,
		m.NodeExecutionsTotal,
		m.NodeDuration,
		m.NodeRetriesTotal,
		// Accounting
		m.TokensTotal,
		m.CostEstimateTotal,
		// Ledger
		m.LedgerAppendsTotal,
		m.LedgerAppendDuration,
		m.LedgerCASRetriesTotal,
		m.LedgerDedupHitsTotal,
		m.LedgerIntegrityViolationsTotal,
		m.LedgerVerifiedRecords,
		// Safety
		m.SafetyDecisionsTotal,
		// Dependencies
		m.ToolInvocationsTotal,
		m.ToolCircuitBreakerState,
		m.GraphQueriesTotal,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records ops HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
}

// RecordWorkflowStart marks a workflow as executing.
func (m *Metrics) RecordWorkflowStart() {
	if m == nil {
		return
	}
	m.WorkflowActive.Inc()
}

// RecordWorkflowEnd records the status a Run call left a workflow in.
func (m *Metrics) RecordWorkflowEnd(workflowType, status string) {
	if m == nil {
		return
	}
	m.WorkflowRunsTotal.WithLabelValues(workflowType, status).Inc()
	m.WorkflowActive.Dec()
}

// RecordInterrupt records a workflow pause.
func (m *Metrics) RecordInterrupt(reason string) {
	if m == nil {
		return
	}
	m.WorkflowInterruptsTotal.WithLabelValues(reason).Inc()
}

// RecordNodeExecution records one node execution.
func (m *Metrics) RecordNodeExecution(node, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.NodeExecutionsTotal.WithLabelValues(node, status).Inc()
	m.NodeDuration.WithLabelValues(node).Observe(duration.Seconds())
}

// RecordNodeRetry records a node retry.
func (m *Metrics) RecordNodeRetry(node string) {
	if m == nil {
		return
	}
	m.NodeRetriesTotal.WithLabelValues(node).Inc()
}

// RecordUsage records token and cost accounting.
func (m *Metrics) RecordUsage(inputTokens, outputTokens int, cost float64) {
	if m == nil {
		return
	}
	if inputTokens > 0 {
		m.TokensTotal.WithLabelValues("input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.TokensTotal.WithLabelValues("output").Add(float64(outputTokens))
	}
	if cost > 0 {
		m.CostEstimateTotal.Add(cost)
	}
}

// RecordLedgerAppend records a ledger append outcome.
func (m *Metrics) RecordLedgerAppend(decision, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.LedgerAppendsTotal.WithLabelValues(decision, status).Inc()
	m.LedgerAppendDuration.Observe(duration.Seconds())
	if status == "ok" {
		m.SafetyDecisionsTotal.WithLabelValues(decision).Inc()
	}
}

// RecordLedgerCASRetry records an append retried after a lost tail race.
func (m *Metrics) RecordLedgerCASRetry() {
	if m == nil {
		return
	}
	m.LedgerCASRetriesTotal.Inc()
}

// RecordLedgerDedupHit records an append answered from the dedup cache.
func (m *Metrics) RecordLedgerDedupHit() {
	if m == nil {
		return
	}
	m.LedgerDedupHitsTotal.Inc()
}

// RecordIntegrityViolation records a chain integrity violation.
func (m *Metrics) RecordIntegrityViolation() {
	if m == nil {
		return
	}
	m.LedgerIntegrityViolationsTotal.Inc()
}

// SetLedgerVerifiedRecords sets the size of the last verified chain.
func (m *Metrics) SetLedgerVerifiedRecords(n int) {
	if m == nil {
		return
	}
	m.LedgerVerifiedRecords.Set(float64(n))
}

// RecordToolInvocation records a tool invocation outcome.
func (m *Metrics) RecordToolInvocation(tool, status string) {
	if m == nil {
		return
	}
	m.ToolInvocationsTotal.WithLabelValues(tool, status).Inc()
}

// SetToolCircuitBreakerState sets the circuit breaker state for a tool.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetToolCircuitBreakerState(tool string, state float64) {
	if m == nil {
		return
	}
	m.ToolCircuitBreakerState.WithLabelValues(tool).Set(state)
}

// RecordGraphQuery records a graph query outcome.
func (m *Metrics) RecordGraphQuery(kind, status string) {
	if m == nil {
		return
	}
	m.GraphQueriesTotal.WithLabelValues(kind, status).Inc()
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start))
	})
}

// Handler returns the Prometheus HTTP handler for the given gatherer.
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
	pattern := strings.Join(rctx.RoutePatterns, "")
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	return w.ResponseWriter.Write(b)
}
