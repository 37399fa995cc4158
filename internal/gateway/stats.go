// Package gateway - stats.go exposes aggregated metrics as JSON.
//
// GET /stats returns in-process decision totals and, when the audit index is
// enabled, aggregates over the persisted audit trail.
package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/dlpgate/inspector/internal/audit"
)

// StatsResponse is the JSON response for GET /stats.
type StatsResponse struct {
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	StartedAt     string `json:"started_at"`

	Proxy struct {
		Exchanges int64 `json:"exchanges"`
		Allowed   int64 `json:"allowed"`
		Blocked   int64 `json:"blocked"`
		Flagged   int64 `json:"flagged"`
	} `json:"proxy"`

	// Audit is omitted when the audit index is disabled.
	Audit *audit.Stats `json:"audit,omitempty"`
}

// handleStats returns aggregated metrics as JSON.
// Restricted to localhost to prevent external access to operational metrics.
func (a *Admin) handleStats(w http.ResponseWriter, r *http.Request) {
	if !isLoopback(r.RemoteAddr) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	var resp StatsResponse
	summary := a.metrics.Summary()
	resp.Uptime = summary.Uptime
	resp.UptimeSeconds = summary.UptimeSeconds
	resp.StartedAt = summary.StartedAt
	resp.Proxy.Exchanges = summary.Exchanges
	resp.Proxy.Allowed = summary.Allowed
	resp.Proxy.Blocked = summary.Blocked
	resp.Proxy.Flagged = summary.Flagged

	if a.stats != nil {
		stats, err := a.stats.Stats(r.Context())
		switch {
		case err == nil:
			resp.Audit = &stats
		case errors.Is(err, audit.ErrIndexDisabled):
		default:
			log.Warn().Err(err).Msg("stats: audit index query failed")
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
