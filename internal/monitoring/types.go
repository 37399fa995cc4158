// Package monitoring - types.go defines shared types.
//
// DESIGN: These types are used by gateway/, policy/ and audit/.
// Defined here ONCE to avoid duplication and circular imports.
//
// TYPES:
//   - Kind:         Which route class handled a request
//   - Outcome:      Final disposition recorded in logs and metrics
//   - LoggerConfig: Logging configuration
package monitoring

// =============================================================================
// ROUTE AND OUTCOME TYPES - Used by gateway, metrics and audit
// =============================================================================

// Kind identifies the route class a request was classified into.
type Kind string

const (
	KindConversation Kind = "conversation"
	KindUpload       Kind = "upload"
	KindPassthrough  Kind = "passthrough"
)

// Outcome is the disposition of an inspected exchange.
type Outcome string

const (
	OutcomeAllowed Outcome = "allowed"
	OutcomeBlocked Outcome = "blocked"
	// OutcomeFlagged marks an upload the backend objected to. Uploads are observed, never blocked.
	OutcomeFlagged Outcome = "flagged"
)

// =============================================================================
// CONFIG TYPES
// =============================================================================

// LoggerConfig contains logging configuration.
type LoggerConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=json console auto"`
	Output string `yaml:"output"` // stdout, stderr, or file path
}
