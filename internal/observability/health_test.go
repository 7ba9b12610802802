package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func healthy() HealthChecker {
	return HealthCheckFunc(func(context.Context) error { return nil })
}

func failing(msg string) HealthChecker {
	return HealthCheckFunc(func(context.Context) error { return errors.New(msg) })
}

func serveReady(t *testing.T, checks ReadinessChecks) (int, ReadinessResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	HandleReady(checks).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	var resp ReadinessResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	return rec.Code, resp
}

func TestHandleHealth_returnsOK(t *testing.T) {
	origVersion, origCommit := Version, Commit
	Version = "1.2.3"
	Commit = "abc1234"
	t.Cleanup(func() {
		Version = origVersion
		Commit = origCommit
	})

	rec := httptest.NewRecorder()
	HandleHealth().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if resp.Status != "ok" || resp.Version != "1.2.3" || resp.Commit != "abc1234" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestHandleReady_allHealthy(t *testing.T) {
	code, resp := serveReady(t, ReadinessChecks{
		LedgerStore: healthy(),
		DedupCache:  healthy(),
		GraphStore:  healthy(),
		ChainIntact: func() bool { return true },
	})

	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if resp.Status != "ready" {
		t.Errorf("status = %q, want ready", resp.Status)
	}
	for _, name := range []string{"ledger_store", "dedup_cache", "graph_store", "ledger_chain"} {
		if resp.Checks[name].Status != "ok" {
			t.Errorf("%s = %+v, want ok", name, resp.Checks[name])
		}
	}
}

func TestHandleReady_failures(t *testing.T) {
	tests := []struct {
		name   string
		checks ReadinessChecks
		failed string
	}{
		{"no ledger store", ReadinessChecks{}, "ledger_store"},
		{"ledger down", ReadinessChecks{LedgerStore: failing("connection refused")}, "ledger_store"},
		{"dedup down", ReadinessChecks{LedgerStore: healthy(), DedupCache: failing("redis: nil")}, "dedup_cache"},
		{"graph down", ReadinessChecks{LedgerStore: healthy(), GraphStore: failing("timeout")}, "graph_store"},
		{"chain broken", ReadinessChecks{LedgerStore: healthy(), ChainIntact: func() bool { return false }}, "ledger_chain"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, resp := serveReady(t, tt.checks)
			if code != http.StatusServiceUnavailable {
				t.Errorf("status = %d, want 503", code)
			}
			if resp.Status != "not_ready" {
				t.Errorf("status = %q, want not_ready", resp.Status)
			}
			check := resp.Checks[tt.failed]
			if check.Status != "error" || check.Error == "" {
				t.Errorf("%s = %+v, want error with message", tt.failed, check)
			}
		})
	}
}

func TestHandleReady_optionalChecksOmitted(t *testing.T) {
	_, resp := serveReady(t, ReadinessChecks{LedgerStore: healthy()})
	if len(resp.Checks) != 1 {
		t.Errorf("checks = %v, want only ledger_store", resp.Checks)
	}
}

func TestRunCheck_timesOut(t *testing.T) {
	slow := HealthCheckFunc(func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return nil
		}
	})

	parent, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	result := runCheck(parent, slow)
	if result.Status != "error" {
		t.Errorf("result = %+v, want error", result)
	}
}
