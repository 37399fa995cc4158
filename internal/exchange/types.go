// Package exchange - types.go defines the canonical inspection model.
//
// DESIGN: Every wire format the extractor understands (chat JSON, multipart,
// inline base64, raw upload bodies) is normalized into an InspectedExchange.
// The decision client, synthesizer and audit sink only ever see these types.
//
// TYPES:
//   - InspectedExchange: prompt + files + request metadata + thread linkage
//   - FileArtifact:      one attached file, owned by the exchange
//   - ThreadLinkage:     ids that tie a fabricated reply to the user turn
//   - Decision:          the single allow/block verdict for an exchange
package exchange

import (
	"net/http"
	"strings"
	"time"
)

// =============================================================================
// EXCHANGE
// =============================================================================

// InspectedExchange is the normalized view of one intercepted request.
// It lives only for the duration of the request.
type InspectedExchange struct {
	Prompt   string
	Files    []FileArtifact
	Metadata Metadata
	Parent   *ThreadLinkage
}

// Metadata describes where an exchange came from.
type Metadata struct {
	RequestID string
	ClientIP  string
	Host      string
	Path      string
	Timestamp time.Time
	Headers   http.Header
	// CDNRefs are asset URLs found in the body. They are recorded, never fetched.
	CDNRefs []string
}

// IsEmpty reports whether there is nothing to inspect.
func (e *InspectedExchange) IsEmpty() bool {
	return strings.TrimSpace(e.Prompt) == "" && len(e.Files) == 0
}

// InspectableText joins the prompt and every file's extracted text.
func (e *InspectedExchange) InspectableText() string {
	parts := make([]string, 0, len(e.Files)+1)
	parts = append(parts, e.Prompt)
	for _, f := range e.Files {
		if f.ExtractedText != "" {
			parts = append(parts, f.ExtractedText)
		}
	}
	return strings.Join(parts, " ")
}

// =============================================================================
// FILES
// =============================================================================

// FileSource records which extraction path produced a FileArtifact.
type FileSource string

const (
	SourceMultipart FileSource = "multipart"
	SourceBase64    FileSource = "base64"
	SourceBinary    FileSource = "binary"
)

// FileArtifact is a single file attached to an exchange.
type FileArtifact struct {
	Filename      string     `json:"filename"`
	ContentType   string     `json:"content_type"`
	FieldName     string     `json:"field_name,omitempty"`
	Raw           []byte     `json:"-"`
	ExtractedText string     `json:"-"`
	Size          int        `json:"size"`
	Source        FileSource `json:"source"`
}

// =============================================================================
// THREAD LINKAGE
// =============================================================================

// ThreadLinkage ties a fabricated reply to the conversation it answers.
type ThreadLinkage struct {
	ConversationID  string
	ParentMessageID string
	UserMessageID   string
	// UserCreateTime is the user turn's create_time in epoch seconds, when the client sent one.
	UserCreateTime *float64
}

// ParentID returns the explicit parent message id, falling back to the user message id.
func (l *ThreadLinkage) ParentID() string {
	if l == nil {
		return ""
	}
	if l.ParentMessageID != "" {
		return l.ParentMessageID
	}
	return l.UserMessageID
}

// =============================================================================
// DECISION
// =============================================================================

// Reason codes shared by the decision client, gateway and audit sink.
const (
	ReasonNoContent          = "no_content"
	ReasonNoDetection        = "no_detection"
	ReasonValidationError    = "validation_error"
	ReasonBackendUnavailable = "backend_unavailable"
	ReasonPIIAndPolicy       = "pii_and_policy_violation"
)

// Entity is one piece of sensitive data reported by the policy backend.
type Entity struct {
	Type       string  `json:"type"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
	TokenCount int     `json:"token_count"`
}

// Detail carries the raw backend verdict for messaging and audit.
type Detail struct {
	Message         string   `json:"message,omitempty"`
	Entities        []Entity `json:"entities,omitempty"`
	Reason          string   `json:"reason,omitempty"`
	PolicyViolation bool     `json:"policy_violation"`
	Judgment        string   `json:"policy_judgment,omitempty"`
	Confidence      *float64 `json:"policy_confidence,omitempty"`
}

// Decision is the verdict for a single exchange. Treat it as immutable.
type Decision struct {
	ShouldBlock bool
	Reason      string
	Detail      *Detail
}

// Allow builds a non-blocking decision.
func Allow(reason string) Decision {
	return Decision{Reason: reason}
}

// Block builds a blocking decision.
func Block(reason string, detail *Detail) Decision {
	return Decision{ShouldBlock: true, Reason: reason, Detail: detail}
}
