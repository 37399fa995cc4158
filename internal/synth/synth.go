// Package synth fabricates the streamed assistant turn returned for a blocked exchange.
//
// DESIGN: A block is framed exactly like a completed chat turn so the client
// renders it in the thread instead of surfacing a transport error:
//
//	data: {"message":{...,"end_turn":true,...},"conversation_id":"..."}
//
//	data: [DONE]
//
// The envelope reuses the user turn's conversation and parent ids, and its
// timestamp trails the user turn by a fixed lead so ordering survives clock skew.
//
// FILES:
//   - synth.go:  envelope types, Synthesize, WriteBlock
//   - stream.go: event-stream parsing for verification and tests
package synth

import (
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dlpgate/inspector/internal/exchange"
	"github.com/dlpgate/inspector/internal/utils"
)

const (
	// DefaultModelSlug is reported in the fabricated message metadata.
	DefaultModelSlug = "gpt-4"

	// DefaultLead is added to the user turn's create_time.
	DefaultLead = 1200 * time.Millisecond

	// stopToken is the end-of-turn token the client expects in finish_details.
	stopToken = 100260

	// DoneMarker terminates the event stream.
	DoneMarker = "[DONE]"
)

// =============================================================================
// ENVELOPE
// =============================================================================

// Envelope is one event-stream frame of a chat turn.
type Envelope struct {
	Message        Message `json:"message"`
	ConversationID string  `json:"conversation_id"`
	Error          *string `json:"error"`
}

// Message is the assistant turn carried in an Envelope.
type Message struct {
	ID         string          `json:"id"`
	Author     Author          `json:"author"`
	CreateTime float64         `json:"create_time"`
	UpdateTime float64         `json:"update_time"`
	Content    Content         `json:"content"`
	Status     string          `json:"status"`
	EndTurn    bool            `json:"end_turn"`
	Weight     float64         `json:"weight"`
	Metadata   MessageMetadata `json:"metadata"`
	Recipient  string          `json:"recipient"`
	Parent     string          `json:"parent,omitempty"`
}

type Author struct {
	Role     string         `json:"role"`
	Name     *string        `json:"name"`
	Metadata map[string]any `json:"metadata"`
}

type Content struct {
	ContentType string   `json:"content_type"`
	Parts       []string `json:"parts"`
}

type FinishDetails struct {
	Type       string `json:"type"`
	StopTokens []int  `json:"stop_tokens"`
}

type MessageMetadata struct {
	FinishDetails FinishDetails    `json:"finish_details"`
	IsComplete    bool             `json:"is_complete"`
	ModelSlug     string           `json:"model_slug"`
	ParentID      *string          `json:"parent_id"`
	Timestamp     string           `json:"timestamp_"`
	BlockDetails  *exchange.Detail `json:"block_details,omitempty"`
}

// =============================================================================
// SYNTHESIZER
// =============================================================================

// Synthesizer builds block responses. Safe for concurrent use.
type Synthesizer struct {
	modelSlug string
	lead      time.Duration
	now       func() time.Time
}

// Option configures the Synthesizer.
type Option func(*Synthesizer)

// WithModelSlug overrides the reported model slug.
func WithModelSlug(slug string) Option {
	return func(s *Synthesizer) {
		if slug != "" {
			s.modelSlug = slug
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Synthesizer) {
		s.now = now
	}
}

// New creates a Synthesizer.
func New(opts ...Option) *Synthesizer {
	s := &Synthesizer{
		modelSlug: DefaultModelSlug,
		lead:      DefaultLead,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Build assembles the envelope for a blocked decision.
func (s *Synthesizer) Build(d exchange.Decision, link *exchange.ThreadLinkage, message string) Envelope {
	convID := ""
	if link != nil {
		convID = link.ConversationID
	}
	if convID == "" {
		convID = uuid.NewString()
	}

	ts := epochSeconds(s.now())
	if link != nil && link.UserCreateTime != nil {
		ts = *link.UserCreateTime + s.lead.Seconds()
	}

	parent := link.ParentID()
	var parentRef *string
	if parent != "" {
		parentRef = &parent
	}

	return Envelope{
		Message: Message{
			ID: "block-" + uuid.NewString()[:8],
			Author: Author{
				Role:     "assistant",
				Metadata: map[string]any{},
			},
			CreateTime: ts,
			UpdateTime: ts,
			Content: Content{
				ContentType: "text",
				Parts:       []string{message},
			},
			Status:  "finished_successfully",
			EndTurn: true,
			Weight:  1.0,
			Metadata: MessageMetadata{
				FinishDetails: FinishDetails{Type: "stop", StopTokens: []int{stopToken}},
				IsComplete:    true,
				ModelSlug:     s.modelSlug,
				ParentID:      parentRef,
				Timestamp:     "absolute",
				BlockDetails:  d.Detail,
			},
			Recipient: "all",
			Parent:    parent,
		},
		ConversationID: convID,
	}
}

// Synthesize returns the framed event stream for a blocked decision.
func (s *Synthesizer) Synthesize(d exchange.Decision, link *exchange.ThreadLinkage, message string) ([]byte, error) {
	env := s.Build(d, link, message)
	payload, err := utils.MarshalNoEscape(env)
	if err != nil {
		return nil, fmt.Errorf("marshal block envelope: %w", err)
	}

	out := make([]byte, 0, len(payload)+32)
	out = append(out, "data: "...)
	out = append(out, payload...)
	out = append(out, "\n\ndata: "+DoneMarker+"\n\n"...)

	log.Debug().
		Str("conversation_id", env.ConversationID).
		Str("parent_id", env.Message.Parent).
		Str("message_id", env.Message.ID).
		Msg("synth: built block response")
	return out, nil
}

// WriteBlock writes a synthesized stream with the headers the client needs
// to render it immediately.
func WriteBlock(w http.ResponseWriter, stream []byte) error {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream; charset=utf-8")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("X-Accel-Buffering", "no")
	h.Set("Connection", "keep-alive")
	h.Set("Access-Control-Allow-Origin", "*")
	h.Del("Content-Length")
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write(stream); err != nil {
		return fmt.Errorf("write block response: %w", err)
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

func epochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
