package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return InitMetrics(reg), reg
}

func TestInitMetrics_registersAllMetrics(t *testing.T) {
	m, reg := newTestMetrics(t)

	// Vec metrics only appear once a label set is observed.
	m.RecordHTTPRequest("GET", "/healthz", 200, time.Millisecond)
	m.RecordWorkflowEnd("chat", "COMPLETED")
	m.RecordInterrupt("turn_budget")
	m.RecordNodeExecution("router", "ok", time.Millisecond)
	m.RecordNodeRetry("rag_query")
	m.RecordUsage(1, 1, 0.1)
	m.RecordLedgerAppend("allow", "ok", time.Millisecond)
	m.RecordToolInvocation("retriever", "ok")
	m.SetToolCircuitBreakerState("retriever", 0)
	m.RecordGraphQuery("path", "ok")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	expected := []string{
		"sentinel_http_requests_total",
		"sentinel_http_request_duration_seconds",
		"sentinel_workflow_runs_total",
		"sentinel_workflow_active",
		"sentinel_workflow_interrupts_total",
		"sentinel_node_executions_total",
		"sentinel_node_duration_seconds",
		"sentinel_node_retries_total",
		"sentinel_tokens_total",
		"sentinel_cost_estimate_total",
		"sentinel_ledger_appends_total",
		"sentinel_ledger_append_duration_seconds",
		"sentinel_ledger_cas_retries_total",
		"sentinel_ledger_dedup_hits_total",
		"sentinel_ledger_integrity_violations_total",
		"sentinel_ledger_verified_records",
		"sentinel_safety_decisions_total",
		"sentinel_tool_invocations_total",
		"sentinel_tool_circuit_breaker_state",
		"sentinel_graph_queries_total",
	}
	for _, name := range expected {
		if !names[name] {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestRecordWorkflowLifecycle(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordWorkflowStart()
	m.RecordWorkflowStart()
	m.RecordWorkflowEnd("compliance_check", "COMPLETED")

	if v := testutil.ToFloat64(m.WorkflowActive); v != 1 {
		t.Errorf("active = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.WorkflowRunsTotal.WithLabelValues("compliance_check", "COMPLETED")); v != 1 {
		t.Errorf("runs = %v, want 1", v)
	}
}

func TestRecordLedgerAppend(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordLedgerAppend("block", "ok", 2*time.Millisecond)
	m.RecordLedgerAppend("block", "error", time.Millisecond)
	m.RecordLedgerCASRetry()
	m.RecordLedgerCASRetry()
	m.RecordLedgerDedupHit()

	if v := testutil.ToFloat64(m.LedgerAppendsTotal.WithLabelValues("block", "ok")); v != 1 {
		t.Errorf("appends ok = %v", v)
	}
	if v := testutil.ToFloat64(m.SafetyDecisionsTotal.WithLabelValues("block")); v != 1 {
		t.Errorf("safety decisions = %v, want 1 (failed appends do not count)", v)
	}
	if v := testutil.ToFloat64(m.LedgerCASRetriesTotal); v != 2 {
		t.Errorf("cas retries = %v", v)
	}
	if v := testutil.ToFloat64(m.LedgerDedupHitsTotal); v != 1 {
		t.Errorf("dedup hits = %v", v)
	}
}

func TestRecordIntegrity(t *testing.T) {
	m, _ := newTestMetrics(t)
	m.RecordIntegrityViolation()
	m.SetLedgerVerifiedRecords(42)

	if v := testutil.ToFloat64(m.LedgerIntegrityViolationsTotal); v != 1 {
		t.Errorf("violations = %v", v)
	}
	if v := testutil.ToFloat64(m.LedgerVerifiedRecords); v != 42 {
		t.Errorf("verified = %v", v)
	}
}

func TestRecordUsage_ignoresNonPositive(t *testing.T) {
	m, _ := newTestMetrics(t)
	m.RecordUsage(100, 0, 0)
	m.RecordUsage(0, 50, 0.25)

	if v := testutil.ToFloat64(m.TokensTotal.WithLabelValues("input")); v != 100 {
		t.Errorf("input tokens = %v", v)
	}
	if v := testutil.ToFloat64(m.TokensTotal.WithLabelValues("output")); v != 50 {
		t.Errorf("output tokens = %v", v)
	}
	if v := testutil.ToFloat64(m.CostEstimateTotal); v != 0.25 {
		t.Errorf("cost = %v", v)
	}
}

func TestSetToolCircuitBreakerState(t *testing.T) {
	m, _ := newTestMetrics(t)
	m.SetToolCircuitBreakerState("notifier", 2)
	if v := testutil.ToFloat64(m.ToolCircuitBreakerState.WithLabelValues("notifier")); v != 2 {
		t.Errorf("state = %v, want 2", v)
	}
}

func TestNilMetrics_noPanic(t *testing.T) {
	var m *Metrics
	m.RecordWorkflowStart()
	m.RecordWorkflowEnd("chat", "FAILED")
	m.RecordLedgerAppend("allow", "ok", time.Millisecond)
	m.RecordIntegrityViolation()
	m.RecordToolInvocation("x", "ok")
	m.RecordGraphQuery("node", "ok")
}

func TestMetricsMiddleware_recordsRoutePattern(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Get("/ledger/{seq}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ledger/17", nil))

	if v := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/ledger/{seq}", "404")); v != 1 {
		t.Errorf("requests = %v, want 1 with route pattern label", v)
	}
}

func TestMetricsMiddleware_fallsBackToPath(t *testing.T) {
	m, _ := newTestMetrics(t)
	h := m.MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/raw", nil))

	if v := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/raw", "200")); v != 1 {
		t.Errorf("requests = %v, want 1", v)
	}
}

func TestHandler_servesMetrics(t *testing.T) {
	m, reg := newTestMetrics(t)
	m.RecordIntegrityViolation()

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "sentinel_ledger_integrity_violations_total 1") {
		t.Error("metrics output should include the integrity violation counter")
	}
}
