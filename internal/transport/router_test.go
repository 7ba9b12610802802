package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/sentinel/internal/config"
	"github.com/pitabwire/sentinel/internal/ledger"
	"github.com/pitabwire/sentinel/internal/observability"
	"github.com/pitabwire/sentinel/internal/tools"
)

type fakeIntegrity struct {
	intact bool
	last   ledger.VerifyResult
}

func (f fakeIntegrity) Intact() bool                    { return f.intact }
func (f fakeIntegrity) LastResult() ledger.VerifyResult { return f.last }

func okCheck() observability.HealthChecker {
	return observability.HealthCheckFunc(func(context.Context) error { return nil })
}

func testDeps(t *testing.T) Dependencies {
	t.Helper()
	reg := prometheus.NewRegistry()
	toolReg := tools.NewRegistry(config.Defaults().Tools.CircuitBreaker, zap.NewNop(), nil)
	toolReg.Register(tools.Func{ToolName: "retriever", Fn: func(context.Context, tools.Input) (tools.Output, error) {
		return tools.Output{}, nil
	}})
	return Dependencies{
		Logger:    zap.NewNop(),
		Metrics:   observability.InitMetrics(reg),
		Gatherer:  reg,
		Readiness: observability.ReadinessChecks{LedgerStore: okCheck()},
		Integrity: fakeIntegrity{intact: true, last: ledger.VerifyResult{Valid: true, Checked: 4, FirstInvalid: -1}},
		Tools:     toolReg,
	}
}

func serve(r http.Handler, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func TestNewRouter_health(t *testing.T) {
	w := serve(NewRouter(testDeps(t)), http.MethodGet, "/healthz")
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	var body observability.HealthResponse
	json.NewDecoder(w.Body).Decode(&body)
	if body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
}

func TestNewRouter_ready(t *testing.T) {
	deps := testDeps(t)
	if w := serve(NewRouter(deps), http.MethodGet, "/readyz"); w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}

	deps.Readiness.DedupCache = observability.HealthCheckFunc(func(context.Context) error {
		return errors.New("redis down")
	})
	w := serve(NewRouter(deps), http.MethodGet, "/readyz")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestNewRouter_metrics(t *testing.T) {
	r := NewRouter(testDeps(t))
	serve(r, http.MethodGet, "/healthz")

	w := serve(r, http.MethodGet, "/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "sentinel_http_requests_total") {
		t.Error("metrics output is missing the HTTP request counter")
	}
}

func TestNewRouter_customMetricsPath(t *testing.T) {
	deps := testDeps(t)
	deps.MetricsPath = "/internal/metrics"
	r := NewRouter(deps)

	if w := serve(r, http.MethodGet, "/internal/metrics"); w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if w := serve(r, http.MethodGet, "/metrics"); w.Code != http.StatusNotFound {
		t.Errorf("default path status = %d, want 404", w.Code)
	}
}

func TestNewRouter_integrity(t *testing.T) {
	deps := testDeps(t)
	w := serve(NewRouter(deps), http.MethodGet, "/ledger/integrity")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body integrityResponse
	json.NewDecoder(w.Body).Decode(&body)
	if !body.Intact || body.Last.Checked != 4 {
		t.Errorf("body = %+v", body)
	}

	deps.Integrity = fakeIntegrity{last: ledger.VerifyResult{FirstInvalid: 2, Reason: "record hash mismatch"}}
	w = serve(NewRouter(deps), http.MethodGet, "/ledger/integrity")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 on a broken chain", w.Code)
	}

	deps.Integrity = nil
	w = serve(NewRouter(deps), http.MethodGet, "/ledger/integrity")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 without an auditor", w.Code)
	}
}

func TestNewRouter_tools(t *testing.T) {
	w := serve(NewRouter(testDeps(t)), http.MethodGet, "/tools")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body struct {
		Tools []toolStatus `json:"tools"`
	}
	json.NewDecoder(w.Body).Decode(&body)
	if len(body.Tools) != 1 || body.Tools[0].Name != "retriever" || body.Tools[0].Breaker != "closed" {
		t.Errorf("tools = %+v", body.Tools)
	}
}

func TestRequestID(t *testing.T) {
	r := NewRouter(testDeps(t))

	w := serve(r, http.MethodGet, "/healthz")
	if w.Header().Get("X-Correlation-Id") == "" {
		t.Error("expected a generated correlation ID")
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Correlation-Id", "corr-123")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if got := w.Header().Get("X-Correlation-Id"); got != "corr-123" {
		t.Errorf("X-Correlation-Id = %q, want corr-123", got)
	}
}

func TestRecovery(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	r := chi.NewRouter()
	r.Use(Recovery(zap.New(core)))
	r.Get("/boom", func(http.ResponseWriter, *http.Request) { panic("kaboom") })

	w := serve(r, http.MethodGet, "/boom")
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	if logs.FilterMessage("panic recovered").Len() != 1 {
		t.Error("expected the panic to be logged")
	}
}

func TestRequestLogging(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	deps := testDeps(t)
	deps.Logger = zap.New(core)

	serve(NewRouter(deps), http.MethodGet, "/tools")
	entries := logs.FilterMessage("request").All()
	if len(entries) != 1 {
		t.Fatalf("got %d request log entries, want 1", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["path"] != "/tools" || fields["status"] != int64(http.StatusOK) {
		t.Errorf("fields = %v", fields)
	}
}
