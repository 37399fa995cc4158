package policy

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dlpgate/inspector/internal/config"
	"github.com/dlpgate/inspector/internal/exchange"
	"github.com/dlpgate/inspector/internal/monitoring"
)

func testBackendConfig(url string) config.BackendConfig {
	return config.BackendConfig{
		URL:           url,
		Timeout:       2 * time.Second,
		Attempts:      2,
		LinearStep:    time.Millisecond,
		RateLimitBase: time.Millisecond,
	}
}

func promptExchange(prompt string) *exchange.InspectedExchange {
	return &exchange.InspectedExchange{
		Prompt:   prompt,
		Metadata: exchange.Metadata{ClientIP: "10.0.0.7"},
	}
}

func TestDecide_BlocksOnPII(t *testing.T) {
	var got struct {
		Text string `json:"text"`
	}
	var headers http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, config.DetectPath, r.URL.Path)
		headers = r.Header.Clone()
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"has_pii":true,"reason":"pattern","details":"phone number found",` +
			`"entities":[{"type":"PHONE","value":"010-1234-5678","confidence":0.98,"token_count":5}]}`))
	}))
	defer srv.Close()

	cfg := testBackendConfig(srv.URL)
	cfg.APIKey = "secret-key"
	client := New(cfg)

	ex := promptExchange("  my phone is 010-1234-5678  ")
	ex.Files = []exchange.FileArtifact{{Filename: "notes.txt", ExtractedText: "file body"}}

	d, err := client.Decide(context.Background(), ex)
	require.NoError(t, err)

	assert.True(t, d.ShouldBlock)
	assert.Equal(t, "pii_detected_1_entities", d.Reason)
	require.NotNil(t, d.Detail)
	assert.Equal(t, headlinePII+"\n\nphone number found", d.Detail.Message)
	require.Len(t, d.Detail.Entities, 1)
	assert.Equal(t, "PHONE", d.Detail.Entities[0].Type)
	assert.Equal(t, 5, d.Detail.Entities[0].TokenCount)
	assert.Equal(t, "pattern", d.Detail.Reason)

	assert.Equal(t, "my phone is 010-1234-5678 file body", got.Text)
	assert.Equal(t, "secret-key", headers.Get("X-API-Key"))
	assert.Equal(t, "10.0.0.7", headers.Get("X-Forwarded-For"))
	assert.Equal(t, "application/json", headers.Get("Content-Type"))
}

func TestDecide_VerdictMapping(t *testing.T) {
	tests := []struct {
		name       string
		response   string
		wantBlock  bool
		wantReason string
	}{
		{
			name:       "clean",
			response:   `{"has_pii":false,"entities":[]}`,
			wantReason: exchange.ReasonNoDetection,
		},
		{
			name:       "pii and policy",
			response:   `{"has_pii":true,"policy_violation":true,"policy_judgment":"leak","entities":[{"type":"EMAIL","value":"a@b.c"}]}`,
			wantBlock:  true,
			wantReason: exchange.ReasonPIIAndPolicy,
		},
		{
			name:       "policy only with judgment",
			response:   `{"has_pii":false,"policy_violation":true,"policy_judgment":"confidential","policy_confidence":0.91}`,
			wantBlock:  true,
			wantReason: "policy_violation_confidential",
		},
		{
			name:       "policy only without judgment",
			response:   `{"has_pii":false,"policy_violation":true}`,
			wantBlock:  true,
			wantReason: "policy_violation_detected",
		},
		{
			name:       "older backend without policy fields",
			response:   `{"has_pii":true,"entities":[{"type":"A"},{"type":"B"}]}`,
			wantBlock:  true,
			wantReason: "pii_detected_2_entities",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tt.response))
			}))
			defer srv.Close()

			d, err := New(testBackendConfig(srv.URL)).Decide(context.Background(), promptExchange("hello"))
			require.NoError(t, err)
			assert.Equal(t, tt.wantBlock, d.ShouldBlock)
			assert.Equal(t, tt.wantReason, d.Reason)
			if !tt.wantBlock {
				assert.Nil(t, d.Detail)
			}
		})
	}
}

func TestDecide_PolicyConfidence(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"policy_violation":true,"policy_judgment":"secret","policy_confidence":0.875}`))
	}))
	defer srv.Close()

	d, err := New(testBackendConfig(srv.URL)).Decide(context.Background(), promptExchange("x"))
	require.NoError(t, err)
	require.NotNil(t, d.Detail.Confidence)
	assert.InDelta(t, 0.875, *d.Detail.Confidence, 1e-9)
	assert.Equal(t, "secret", d.Detail.Judgment)
	assert.True(t, d.Detail.PolicyViolation)
}

func TestDecide_DetailedMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"has_pii":true,"entities":[{"type":"EMAIL","value":"alice@example.com","confidence":0.9}]}`))
	}))
	defer srv.Close()

	cfg := testBackendConfig(srv.URL)
	cfg.DetailedMessage = true
	d, err := New(cfg).Decide(context.Background(), promptExchange("mail alice@example.com"))
	require.NoError(t, err)
	assert.Contains(t, d.Detail.Message, "Detected personal info:")
	assert.Contains(t, d.Detail.Message, "EMAIL: 'al***************'")
	assert.NotContains(t, d.Detail.Message, "alice@example.com")
}

func TestDecide_EmptyExchangeSkipsNetwork(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	ex := promptExchange("   \n\t ")
	ex.Files = []exchange.FileArtifact{{Filename: "image.png"}}

	d, err := New(testBackendConfig(srv.URL)).Decide(context.Background(), ex)
	require.NoError(t, err)
	assert.False(t, d.ShouldBlock)
	assert.Equal(t, exchange.ReasonNoContent, d.Reason)
	assert.Zero(t, hits.Load())
}

func TestDecide_ValidationErrorNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, `{"detail":"text too long"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	cfg := testBackendConfig(srv.URL)
	cfg.Attempts = 3
	cfg.FailClosed = true
	d, err := New(cfg).Decide(context.Background(), promptExchange("hello"))
	require.NoError(t, err)
	assert.False(t, d.ShouldBlock)
	assert.Equal(t, exchange.ReasonValidationError, d.Reason)
	assert.Equal(t, int32(1), hits.Load())
}

func TestDecide_RetriesAfterRateLimit(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"has_pii":false}`))
	}))
	defer srv.Close()

	reg := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(reg)

	d, err := New(testBackendConfig(srv.URL), WithMetrics(metrics)).Decide(context.Background(), promptExchange("hello"))
	require.NoError(t, err)
	assert.Equal(t, exchange.ReasonNoDetection, d.Reason)
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.BackendAttemptsTotal.WithLabelValues("rate_limited")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.BackendAttemptsTotal.WithLabelValues("ok")))
}

func TestDecide_TimeoutsFailClosed(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	cfg := testBackendConfig(srv.URL)
	cfg.Timeout = 50 * time.Millisecond
	cfg.FailClosed = true
	cfg.UnavailableMessage = "inspection unavailable"

	d, err := New(cfg).Decide(context.Background(), promptExchange("hello"))
	require.NoError(t, err)
	assert.True(t, d.ShouldBlock)
	assert.Equal(t, exchange.ReasonBackendUnavailable, d.Reason)
	require.NotNil(t, d.Detail)
	assert.Equal(t, "inspection unavailable", d.Detail.Message)
	assert.Equal(t, int32(2), hits.Load())
}

func TestDecide_ServerErrorsFailOpen(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testBackendConfig(srv.URL)
	cfg.Attempts = 3
	d, err := New(cfg).Decide(context.Background(), promptExchange("hello"))
	require.NoError(t, err)
	assert.False(t, d.ShouldBlock)
	assert.Equal(t, exchange.ReasonBackendUnavailable, d.Reason)
	assert.Nil(t, d.Detail)
	assert.Equal(t, int32(3), hits.Load())
}

func TestDecide_MalformedOKFailsClosed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "html error page", body: "<html><body>502 Bad Gateway</body></html>"},
		{name: "truncated", body: `{"has_pii":tr`},
		{name: "empty object", body: `{}`},
		{name: "empty body", body: ``},
		{name: "array", body: `[{"has_pii":true}]`},
		{name: "has_pii not boolean", body: `{"has_pii":"yes"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			metrics := monitoring.NewMetrics(prometheus.NewRegistry())
			cfg := testBackendConfig(srv.URL)
			cfg.FailClosed = true
			cfg.UnavailableMessage = "inspection unavailable"

			d, err := New(cfg, WithMetrics(metrics)).Decide(context.Background(), promptExchange("hello"))
			require.NoError(t, err)
			assert.True(t, d.ShouldBlock)
			assert.Equal(t, exchange.ReasonBackendUnavailable, d.Reason)
			assert.Equal(t, int32(2), hits.Load(), "a reply without a verdict is retried")
			assert.Equal(t, 2.0, testutil.ToFloat64(metrics.BackendAttemptsTotal.WithLabelValues("invalid")))
		})
	}
}

func TestDecide_MalformedOKFailOpenIsExplicit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	d, err := New(testBackendConfig(srv.URL)).Decide(context.Background(), promptExchange("hello"))
	require.NoError(t, err)
	assert.False(t, d.ShouldBlock)
	assert.Equal(t, exchange.ReasonBackendUnavailable, d.Reason, "must not read as no_detection")
}

func TestDecide_Any2xxIsSuccess(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantHits   int32
		wantReason string
	}{
		{name: "201 with verdict", status: http.StatusCreated, body: `{"has_pii":true,"entities":[{"type":"EMAIL"}]}`, wantHits: 1, wantReason: "pii_detected_1_entities"},
		{name: "202 clean", status: http.StatusAccepted, body: `{"has_pii":false}`, wantHits: 1, wantReason: exchange.ReasonNoDetection},
		{name: "204 has no verdict", status: http.StatusNoContent, wantHits: 2, wantReason: exchange.ReasonBackendUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			d, err := New(testBackendConfig(srv.URL)).Decide(context.Background(), promptExchange("hello"))
			require.NoError(t, err)
			assert.Equal(t, tt.wantReason, d.Reason)
			assert.Equal(t, tt.wantHits, hits.Load())
		})
	}
}

func TestCheckVerdict(t *testing.T) {
	assert.NoError(t, checkVerdict([]byte(`{"has_pii":false}`)))
	assert.NoError(t, checkVerdict([]byte(`{"policy_violation":true}`)))
	assert.Error(t, checkVerdict([]byte(`{"status":"ok"}`)))
	assert.Error(t, checkVerdict([]byte(`null`)))
}

func TestDecide_CancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"has_pii":false}`))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := testBackendConfig(srv.URL)
	cfg.FailClosed = true
	_, err := New(cfg).Decide(ctx, promptExchange("hello"))
	require.ErrorIs(t, err, context.Canceled)
}

func TestDecide_BreakerOpensAfterFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	reg := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(reg)
	cfg := testBackendConfig(srv.URL)
	cfg.FailClosed = true
	client := New(cfg, WithBreaker(1, time.Minute), WithMetrics(metrics))

	d, err := client.Decide(context.Background(), promptExchange("first"))
	require.NoError(t, err)
	assert.True(t, d.ShouldBlock)
	assert.Equal(t, int32(2), hits.Load())

	d, err = client.Decide(context.Background(), promptExchange("second"))
	require.NoError(t, err)
	assert.True(t, d.ShouldBlock)
	assert.Equal(t, exchange.ReasonBackendUnavailable, d.Reason)
	assert.Equal(t, int32(2), hits.Load(), "open breaker must not reach the backend")
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.BackendAttemptsTotal.WithLabelValues("breaker_open")))
}

func TestDecide_RateLimiterPassesThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"has_pii":false}`))
	}))
	defer srv.Close()

	client := New(testBackendConfig(srv.URL), WithRateLimit(1000, 5))
	for i := 0; i < 3; i++ {
		d, err := client.Decide(context.Background(), promptExchange("hello"))
		require.NoError(t, err)
		assert.Equal(t, exchange.ReasonNoDetection, d.Reason)
	}
}

func TestBackoff(t *testing.T) {
	c := &Client{linearStep: 500 * time.Millisecond, rateLimitBase: time.Second}
	limited := &StatusError{StatusCode: http.StatusTooManyRequests}
	other := &StatusError{StatusCode: http.StatusServiceUnavailable}

	assert.Equal(t, 500*time.Millisecond, c.backoff(0, other))
	assert.Equal(t, time.Second, c.backoff(1, other))
	assert.Equal(t, time.Second, c.backoff(0, limited))
	assert.Equal(t, 2*time.Second, c.backoff(1, limited))
	assert.Equal(t, 4*time.Second, c.backoff(2, limited))
}

func TestStatusError_Is(t *testing.T) {
	assert.ErrorIs(t, &StatusError{StatusCode: 429}, ErrRateLimited)
	assert.ErrorIs(t, &StatusError{StatusCode: 400}, ErrBadRequest)
	assert.NotErrorIs(t, &StatusError{StatusCode: 500}, ErrRateLimited)
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		healthy bool
	}{
		{"healthy", `{"status":"healthy","model_loaded":true}`, true},
		{"model not loaded", `{"status":"healthy","model_loaded":false}`, false},
		{"degraded", `{"status":"degraded","model_loaded":true}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, config.HealthPath, r.URL.Path)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			status, err := New(testBackendConfig(srv.URL)).Health(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.healthy, status.Healthy())
		})
	}
}

func TestHealth_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := New(testBackendConfig(url)).Health(context.Background())
	require.Error(t, err)
}
