package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dlpgate/inspector/internal/monitoring"
)

// healthProbeTimeout bounds the backend probe made by /healthz.
const healthProbeTimeout = 3 * time.Second

// Admin serves operational endpoints on the admin listener:
//
//	GET /healthz  proxy liveness plus backend health
//	GET /metrics  Prometheus scrape
//	GET /stats    JSON totals (loopback only)
//	GET /ca.pem   interception CA for client installation
type Admin struct {
	gatherer prometheus.Gatherer
	metrics  *monitoring.Metrics
	stats    StatsSource
	health   HealthChecker
	caPEM    []byte
	version  string
}

// AdminDeps are the Admin's collaborators. Any may be nil.
type AdminDeps struct {
	Gatherer prometheus.Gatherer
	Metrics  *monitoring.Metrics
	Stats    StatsSource
	Health   HealthChecker
	CAPEM    []byte
	Version  string
}

// NewAdmin creates the admin handler set.
func NewAdmin(deps AdminDeps) *Admin {
	return &Admin{
		gatherer: deps.Gatherer,
		metrics:  deps.Metrics,
		stats:    deps.Stats,
		health:   deps.Health,
		caPEM:    deps.CAPEM,
		version:  deps.Version,
	}
}

// Routes returns the admin router.
func (a *Admin) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.handleHealth)
	r.Get("/stats", a.handleStats)
	r.Get("/ca.pem", a.handleCA)
	if a.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

type healthResponse struct {
	Status  string `json:"status"`
	Time    string `json:"time"`
	Version string `json:"version,omitempty"`
	Backend string `json:"backend"`
	Error   string `json:"error,omitempty"`
}

// handleHealth reports "ok" while the backend is healthy. An unhealthy backend
// reports "degraded"; that is a 503 only when failing closed, because then
// conversational traffic is being blocked.
func (a *Admin) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:  "ok",
		Time:    time.Now().Format(time.RFC3339),
		Version: a.version,
		Backend: "unknown",
	}
	status := http.StatusOK

	if a.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthProbeTimeout)
		defer cancel()

		h, err := a.health.Health(ctx)
		switch {
		case err != nil:
			resp.Backend = "unreachable"
			resp.Error = err.Error()
		case h.Healthy():
			resp.Backend = "healthy"
		default:
			resp.Backend = "unhealthy"
		}
		if resp.Backend != "healthy" {
			resp.Status = "degraded"
			if a.health.FailClosed() {
				status = http.StatusServiceUnavailable
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func (a *Admin) handleCA(w http.ResponseWriter, _ *http.Request) {
	if len(a.caPEM) == 0 {
		http.Error(w, "interception CA not loaded", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Content-Disposition", `attachment; filename="inspector-ca.pem"`)
	_, _ = w.Write(a.caPEM)
}
