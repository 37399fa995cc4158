package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dlpgate/inspector/internal/audit"
	"github.com/dlpgate/inspector/internal/monitoring"
	"github.com/dlpgate/inspector/internal/policy"
)

type fakeHealth struct {
	status     policy.HealthStatus
	err        error
	failClosed bool
}

func (f fakeHealth) Health(context.Context) (policy.HealthStatus, error) { return f.status, f.err }
func (f fakeHealth) FailClosed() bool                                    { return f.failClosed }

type fakeStats struct {
	stats audit.Stats
	err   error
}

func (f fakeStats) Stats(context.Context) (audit.Stats, error) { return f.stats, f.err }

func serveAdmin(t *testing.T, a *Admin, path, remoteAddr string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if remoteAddr != "" {
		req.RemoteAddr = remoteAddr
	}
	rec := httptest.NewRecorder()
	a.Routes().ServeHTTP(rec, req)
	return rec
}

func TestAdmin_Health(t *testing.T) {
	tests := []struct {
		name        string
		health      HealthChecker
		wantCode    int
		wantStatus  string
		wantBackend string
	}{
		{
			name:        "no checker",
			wantCode:    http.StatusOK,
			wantStatus:  "ok",
			wantBackend: "unknown",
		},
		{
			name:        "healthy backend",
			health:      fakeHealth{status: policy.HealthStatus{Status: "healthy", ModelLoaded: true}},
			wantCode:    http.StatusOK,
			wantStatus:  "ok",
			wantBackend: "healthy",
		},
		{
			name:        "model not loaded, fail open",
			health:      fakeHealth{status: policy.HealthStatus{Status: "healthy"}},
			wantCode:    http.StatusOK,
			wantStatus:  "degraded",
			wantBackend: "unhealthy",
		},
		{
			name:        "unreachable, fail closed",
			health:      fakeHealth{err: errors.New("connection refused"), failClosed: true},
			wantCode:    http.StatusServiceUnavailable,
			wantStatus:  "degraded",
			wantBackend: "unreachable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAdmin(AdminDeps{Health: tt.health, Version: "v1.2.3"})
			rec := serveAdmin(t, a, "/healthz", "")

			assert.Equal(t, tt.wantCode, rec.Code)
			var body healthResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantStatus, body.Status)
			assert.Equal(t, tt.wantBackend, body.Backend)
			assert.Equal(t, "v1.2.3", body.Version)
			_, err := time.Parse(time.RFC3339, body.Time)
			assert.NoError(t, err)
		})
	}
}

func TestAdmin_StatsLoopbackOnly(t *testing.T) {
	a := NewAdmin(AdminDeps{Metrics: monitoring.NewMetrics(prometheus.NewRegistry())})

	rec := serveAdmin(t, a, "/stats", "203.0.113.9:4321")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAdmin_Stats(t *testing.T) {
	metrics := monitoring.NewMetrics(prometheus.NewRegistry())
	metrics.RecordExchange(monitoring.KindConversation)
	metrics.RecordExchange(monitoring.KindConversation)
	metrics.RecordExchange(monitoring.KindUpload)
	metrics.RecordDecision(monitoring.OutcomeBlocked, "pii_detected_1_entities", 10*time.Millisecond)
	metrics.RecordDecision(monitoring.OutcomeAllowed, "no_detection", 5*time.Millisecond)
	metrics.RecordDecision(monitoring.OutcomeFlagged, "pii_detected_2_entities", 5*time.Millisecond)

	t.Run("with audit index", func(t *testing.T) {
		a := NewAdmin(AdminDeps{
			Metrics: metrics,
			Stats: fakeStats{stats: audit.Stats{
				Total:    7,
				ByStatus: map[string]int64{"blocked": 3, "allowed": 4},
				ByReason: map[string]int64{"pii_detected": 3},
			}},
		})
		rec := serveAdmin(t, a, "/stats", "127.0.0.1:5000")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp StatsResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, int64(3), resp.Proxy.Exchanges)
		assert.Equal(t, int64(1), resp.Proxy.Blocked)
		assert.Equal(t, int64(1), resp.Proxy.Allowed)
		assert.Equal(t, int64(1), resp.Proxy.Flagged)
		assert.NotEmpty(t, resp.StartedAt)
		require.NotNil(t, resp.Audit)
		assert.Equal(t, int64(7), resp.Audit.Total)
		assert.Equal(t, int64(3), resp.Audit.ByStatus["blocked"])
	})

	t.Run("index disabled", func(t *testing.T) {
		a := NewAdmin(AdminDeps{Metrics: metrics, Stats: fakeStats{err: audit.ErrIndexDisabled}})
		rec := serveAdmin(t, a, "/stats", "127.0.0.1:5000")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp StatsResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Nil(t, resp.Audit)
	})
}

func TestAdmin_CA(t *testing.T) {
	pem := []byte("-----BEGIN CERTIFICATE-----\nMIIB\n-----END CERTIFICATE-----\n")

	rec := serveAdmin(t, NewAdmin(AdminDeps{CAPEM: pem}), "/ca.pem", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-pem-file", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "inspector-ca.pem")
	assert.Equal(t, pem, rec.Body.Bytes())

	rec = serveAdmin(t, NewAdmin(AdminDeps{}), "/ca.pem", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdmin_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(reg)
	metrics.RecordExchange(monitoring.KindConversation)

	rec := serveAdmin(t, NewAdmin(AdminDeps{Gatherer: reg, Metrics: metrics}), "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `inspector_exchanges_total{kind="conversation"} 1`)

	rec = serveAdmin(t, NewAdmin(AdminDeps{}), "/metrics", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
