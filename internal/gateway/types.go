// Package gateway types - contracts between the pipeline and its collaborators.
//
// DESIGN: The gateway depends on small interfaces, not concrete clients, so
// each collaborator can be swapped in tests:
//   - Decider:       the policy round trip (*policy.Client)
//   - Recorder:      the audit trail (*audit.Sink)
//   - StatsSource:   audit aggregates for /stats (*audit.Sink)
//   - HealthChecker: backend health for /healthz (*policy.Client)
package gateway

import (
	"context"

	"github.com/dlpgate/inspector/internal/audit"
	"github.com/dlpgate/inspector/internal/exchange"
	"github.com/dlpgate/inspector/internal/policy"
)

// HeaderRequestID carries a caller-supplied request id.
const HeaderRequestID = "X-Request-ID"

// Decider returns exactly one decision per exchange. It returns an error only
// when ctx is done.
type Decider interface {
	Decide(ctx context.Context, ex *exchange.InspectedExchange) (exchange.Decision, error)
}

// Recorder persists one audit record per decided exchange. It never fails.
type Recorder interface {
	Record(ctx context.Context, rec audit.Record)
}

// StatsSource reports audit aggregates.
type StatsSource interface {
	Stats(ctx context.Context) (audit.Stats, error)
}

// HealthChecker probes the policy backend.
type HealthChecker interface {
	Health(ctx context.Context) (policy.HealthStatus, error)
	FailClosed() bool
}

type nopRecorder struct{}

func (nopRecorder) Record(context.Context, audit.Record) {}
