// Package config - defaults.go centralizes magic numbers and default values.
//
// DESIGN: All default values that appear in multiple places should be defined here.
// This makes configuration more maintainable and auditable.
package config

import "time"

// =============================================================================
// TOKEN ESTIMATION
// =============================================================================

// TokenEstimateRatio is the approximate number of characters per token.
// Used for rough token counting when the BPE tables are unavailable.
const TokenEstimateRatio = 4

// DefaultTokenizerEncoding is the tiktoken encoding used for audit token counts.
const DefaultTokenizerEncoding = "cl100k_base"

// =============================================================================
// CLASSIFIER PATTERNS
// =============================================================================

// DefaultTargetHosts matches hosts whose conversational traffic is inspected.
const DefaultTargetHosts = `(^|\.)(chatgpt\.com|ab\.chatgpt\.com|ws\.chatgpt\.com|oaiusercontent\.com|upload\.openai\.com)$`

// DefaultUploadHosts matches asset/CDN hosts that receive file uploads.
const DefaultUploadHosts = `(^|\.)(upload\.openai\.com|oaiusercontent\.com|r2\.dev|cloudflarestorage\.com)$`

// DefaultConversationPath is the exact conversational-turn route.
const DefaultConversationPath = `^/backend-a(?:pi|non)/(?:f/)?conversation(?:$|/[^/]+$)`

// DefaultControlPath matches sibling control routes sharing the conversation prefix.
const DefaultControlPath = `^/backend-a(?:pi|non)/(?:f/)?conversation/(?:prepare|init|sentinel[^/]*)$`

// DefaultUploadPath matches file upload routes.
const DefaultUploadPath = `^/backend-a(?:pi|non)/files(?:$|/.*)|^/backend-a(?:pi|non)/attachments(?:$|/.*)|^/upload`

// =============================================================================
// POLICY BACKEND
// =============================================================================

// DefaultBackendURL is the policy service base URL.
const DefaultBackendURL = "http://127.0.0.1:8000"

// Backend API routes.
const (
	DetectPath      = "/api/v1/pii/detect"
	FileProcessPath = "/api/v1/file/process"
	HealthPath      = "/api/v1/pii/health"
)

// DefaultBackendTimeout bounds a single policy call.
const DefaultBackendTimeout = 10 * time.Second

// DefaultBackendAttempts is the total number of policy calls per exchange.
const DefaultBackendAttempts = 2

// DefaultLinearStep is the per-attempt step for network error backoff.
const DefaultLinearStep = 500 * time.Millisecond

// DefaultRateLimitBase is the first delay after an HTTP 429.
const DefaultRateLimitBase = 1 * time.Second

// DefaultBlockMessage is shown when the backend supplies no message of its own.
const DefaultBlockMessage = "Sensitive information was detected. This request has been blocked."

// DefaultUnavailableMessage is the block message used when failing closed.
const DefaultUnavailableMessage = "The inspection service is unavailable. This request has been blocked for safety."

// DefaultFileTextLimit caps text recovered by the local file processor.
const DefaultFileTextLimit = 1000

// =============================================================================
// CIRCUIT BREAKER AND RATE LIMITING
// =============================================================================

// DefaultBreakerFailures opens the breaker after this many consecutive failures.
const DefaultBreakerFailures = 5

// DefaultBreakerOpenTimeout is how long the breaker stays open before probing.
const DefaultBreakerOpenTimeout = 30 * time.Second

// DefaultRateLimit is backend calls per second.
const DefaultRateLimit = 50

// DefaultRateBurst is the limiter bucket size.
const DefaultRateBurst = 20

// =============================================================================
// AUDIT
// =============================================================================

// DefaultAuditDir is where JSONL audit files are written.
const DefaultAuditDir = "./logs"

// DefaultAuditBase prefixes main audit file names.
const DefaultAuditBase = "prompt"

// DefaultRetentionDays keeps main audit files this long.
const DefaultRetentionDays = 30

// DefaultBlockedRetentionDays keeps blocked-only audit files this long.
const DefaultBlockedRetentionDays = 7

// MaxAuditPromptLen caps prompt text in the main audit stream.
const MaxAuditPromptLen = 1000

// MaxBlockedPromptLen caps prompt text in the blocked stream.
const MaxBlockedPromptLen = 500

// DefaultCleanupInterval is the frequency for audit retention cleanup.
const DefaultCleanupInterval = 1 * time.Hour

// =============================================================================
// HTTP AND NETWORKING
// =============================================================================

// DefaultListenAddr is the proxy listen address.
const DefaultListenAddr = ":8080"

// DefaultAdminAddr serves health, metrics and stats.
const DefaultAdminAddr = "127.0.0.1:8081"

// DefaultBufferSize is the standard I/O buffer size.
const DefaultBufferSize = 4096

// DefaultDialTimeout is the TCP dial timeout.
const DefaultDialTimeout = 30 * time.Second

// DefaultUpstreamTimeout is how long the proxy waits for upstream response headers.
// The whole decision round trip must fit inside it.
const DefaultUpstreamTimeout = 120 * time.Second

// DefaultServerReadTimeout bounds reading a client request.
const DefaultServerReadTimeout = 60 * time.Second

// DefaultServerWriteTimeout for HTTP server (safe for streaming).
const DefaultServerWriteTimeout = 10 * time.Minute

// MaxRequestBodySize is the maximum request body buffered for inspection (50MB).
const MaxRequestBodySize = 50 * 1024 * 1024

// MaxErrorBodyLogLen limits error response body in logs to prevent bloat.
const MaxErrorBodyLogLen = 500

// =============================================================================
// TLS INTERCEPTION
// =============================================================================

// DefaultCACertPath and DefaultCAKeyPath locate the interception CA.
const (
	DefaultCACertPath = "./certs/ca.pem"
	DefaultCAKeyPath  = "./certs/ca-key.pem"
)

// DefaultCertTTL is how long a generated leaf certificate stays cached.
const DefaultCertTTL = 12 * time.Hour

// DefaultCAValidity is the lifetime of a freshly generated CA.
const DefaultCAValidity = 5 * 365 * 24 * time.Hour
