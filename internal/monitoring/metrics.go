// Package monitoring - metrics.go provides operational counters.
//
// DESIGN: Metrics are registered on an injected prometheus.Registerer and
// scraped from the admin listener at /metrics:
//   - exchanges:        Requests per route class
//   - decisions:        Allow/block outcomes by reason class
//   - backend attempts: Individual policy calls by result
//   - decision latency: Wall time of the full decision round trip
//   - audit errors:     Swallowed audit write failures
//   - certs issued:     Leaf certificates minted for interception
//
// A few totals are mirrored in atomics so /stats can report them without
// scraping. Every method is nil-safe so components can run without metrics.
package monitoring

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the inspector.
type Metrics struct {
	startedAt time.Time

	ExchangesTotal       *prometheus.CounterVec
	DecisionsTotal       *prometheus.CounterVec
	BackendAttemptsTotal *prometheus.CounterVec
	DecisionDuration     prometheus.Histogram
	AuditErrorsTotal     prometheus.Counter
	CertsIssuedTotal     prometheus.Counter

	exchanges atomic.Int64
	blocked   atomic.Int64
	allowed   atomic.Int64
	flagged   atomic.Int64
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		startedAt: time.Now(),
		ExchangesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "inspector",
				Name:      "exchanges_total",
				Help:      "Total intercepted requests by route class",
			},
			[]string{"kind"}, // conversation/upload/passthrough
		),
		DecisionsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "inspector",
				Name:      "decisions_total",
				Help:      "Total policy decisions by outcome and reason class",
			},
			[]string{"outcome", "reason"},
		),
		BackendAttemptsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "inspector",
				Name:      "backend_attempts_total",
				Help:      "Total policy backend calls by result",
			},
			[]string{"result"}, // ok/rate_limited/bad_request/status/network/breaker_open
		),
		DecisionDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "inspector",
				Name:      "decision_duration_seconds",
				Help:      "Time spent waiting for a policy decision",
				Buckets:   prometheus.DefBuckets,
			},
		),
		AuditErrorsTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "inspector",
				Name:      "audit_errors_total",
				Help:      "Audit records that failed to persist",
			},
		),
		CertsIssuedTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "inspector",
				Name:      "certs_issued_total",
				Help:      "Leaf certificates generated for TLS interception",
			},
		),
	}
}

// RecordExchange counts a classified request.
func (m *Metrics) RecordExchange(kind Kind) {
	if m == nil {
		return
	}
	m.exchanges.Add(1)
	m.ExchangesTotal.WithLabelValues(string(kind)).Inc()
}

// RecordDecision counts a decision and its latency.
func (m *Metrics) RecordDecision(outcome Outcome, reason string, elapsed time.Duration) {
	if m == nil {
		return
	}
	switch outcome {
	case OutcomeBlocked:
		m.blocked.Add(1)
	case OutcomeFlagged:
		m.flagged.Add(1)
	default:
		m.allowed.Add(1)
	}
	m.DecisionsTotal.WithLabelValues(string(outcome), ReasonClass(reason)).Inc()
	m.DecisionDuration.Observe(elapsed.Seconds())
}

// RecordBackendAttempt counts one policy backend call.
func (m *Metrics) RecordBackendAttempt(result string) {
	if m == nil {
		return
	}
	m.BackendAttemptsTotal.WithLabelValues(result).Inc()
}

// RecordAuditError counts a swallowed audit failure.
func (m *Metrics) RecordAuditError() {
	if m == nil {
		return
	}
	m.AuditErrorsTotal.Inc()
}

// RecordCertIssued counts a generated leaf certificate.
func (m *Metrics) RecordCertIssued() {
	if m == nil {
		return
	}
	m.CertsIssuedTotal.Inc()
}

// ReasonClass folds per-count reason codes into a bounded label set,
// e.g. "pii_detected_3_entities" -> "pii_detected".
func ReasonClass(reason string) string {
	switch {
	case strings.HasPrefix(reason, "pii_detected_"):
		return "pii_detected"
	case strings.HasPrefix(reason, "policy_violation_"):
		return "policy_violation"
	default:
		return reason
	}
}

// Summary returns in-process totals for the /stats endpoint.
func (m *Metrics) Summary() SummaryStats {
	if m == nil {
		return SummaryStats{}
	}
	uptime := time.Since(m.startedAt)
	return SummaryStats{
		Uptime:        formatDuration(uptime),
		UptimeSeconds: int64(uptime.Seconds()),
		StartedAt:     m.startedAt.Format(time.RFC3339),
		Exchanges:     m.exchanges.Load(),
		Allowed:       m.allowed.Load(),
		Blocked:       m.blocked.Load(),
		Flagged:       m.flagged.Load(),
	}
}

// SummaryStats holds process-lifetime totals.
type SummaryStats struct {
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	StartedAt     string `json:"started_at"`
	Exchanges     int64  `json:"exchanges"`
	Allowed       int64  `json:"allowed"`
	Blocked       int64  `json:"blocked"`
	Flagged       int64  `json:"flagged"`
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}
