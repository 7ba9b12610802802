package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/sentinel/internal/ledger"
	"github.com/pitabwire/sentinel/internal/observability"
	"github.com/pitabwire/sentinel/internal/tools"
)

// IntegrityReporter exposes the latest ledger chain verification.
// *ledger.Auditor satisfies it.
type IntegrityReporter interface {
	Intact() bool
	LastResult() ledger.VerifyResult
}

// Dependencies holds everything the operations router serves.
type Dependencies struct {
	Logger      *zap.Logger
	Metrics     *observability.Metrics
	Gatherer    prometheus.Gatherer
	MetricsPath string
	Readiness   observability.ReadinessChecks
	Integrity   IntegrityReporter
	Tools       *tools.Registry
}

// NewRouter creates the operations router: liveness, readiness, Prometheus
// metrics, ledger integrity and tool breaker status. Nothing here mutates
// agent state.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(Recovery(logger))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(deps.Metrics.MetricsMiddleware)

	r.Get("/healthz", observability.HandleHealth())
	r.Get("/readyz", observability.HandleReady(deps.Readiness))

	if deps.Gatherer != nil {
		path := deps.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, observability.Handler(deps.Gatherer))
	}

	r.Group(func(r chi.Router) {
		r.Use(RequestLogging(logger))
		r.Get("/ledger/integrity", handleIntegrity(deps.Integrity))
		r.Get("/tools", handleTools(deps.Tools))
	})
	return r
}

type integrityResponse struct {
	Intact bool                `json:"intact"`
	Last   ledger.VerifyResult `json:"last"`
}

func handleIntegrity(rep IntegrityReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if rep == nil {
			WriteError(w, errNotConfigured("ledger auditor"))
			return
		}
		body := integrityResponse{Intact: rep.Intact(), Last: rep.LastResult()}
		status := http.StatusOK
		if !body.Intact {
			status = http.StatusServiceUnavailable
		}
		WriteJSON(w, status, body)
	}
}

type toolStatus struct {
	Name    string `json:"name"`
	Breaker string `json:"breaker"`
}

func handleTools(reg *tools.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if reg == nil {
			WriteError(w, errNotConfigured("tool registry"))
			return
		}
		names := reg.Names()
		out := make([]toolStatus, 0, len(names))
		for _, n := range names {
			st, _ := reg.BreakerState(n)
			out = append(out, toolStatus{Name: n, Breaker: st.String()})
		}
		WriteJSON(w, http.StatusOK, map[string]any{"tools": out})
	}
}
