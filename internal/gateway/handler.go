// HTTP request handling for the inspection pipeline.
//
// DESIGN: Main request flow:
//   - ServeHTTP():          classify every proxied request and route it
//   - handleConversation(): extract, decide, then forward or synthesize a block
//   - handleUpload():       extract and decide for the audit trail, always forward
//   - forward():            relay to the origin unmodified (forward.go)
//
// Passthrough traffic is forwarded with no inspection and no audit. An
// exchange with nothing to inspect is forwarded the same way. Every other
// inspected exchange gets exactly one decision and one audit record, and is
// either forwarded or answered with a synthesized block, never both.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dlpgate/inspector/internal/audit"
	"github.com/dlpgate/inspector/internal/classifier"
	"github.com/dlpgate/inspector/internal/config"
	"github.com/dlpgate/inspector/internal/exchange"
	"github.com/dlpgate/inspector/internal/extractor"
	"github.com/dlpgate/inspector/internal/fileproc"
	"github.com/dlpgate/inspector/internal/monitoring"
	"github.com/dlpgate/inspector/internal/synth"
)

// Gateway is the pipeline handler behind the interception engine.
type Gateway struct {
	cfg        *config.Config
	classifier *classifier.Classifier
	decider    Decider
	files      fileproc.Processor
	synth      *synth.Synthesizer
	audit      Recorder
	metrics    *monitoring.Metrics
	transport  http.RoundTripper
}

// Deps are the Gateway's collaborators. Classifier and Decider are required;
// the rest default to the local file processor, a default synthesizer, no
// audit, no metrics and NewTransport.
type Deps struct {
	Classifier *classifier.Classifier
	Decider    Decider
	Files      fileproc.Processor
	Synth      *synth.Synthesizer
	Audit      Recorder
	Metrics    *monitoring.Metrics
	Transport  http.RoundTripper
}

// New creates a Gateway.
func New(cfg *config.Config, deps Deps) *Gateway {
	g := &Gateway{
		cfg:        cfg,
		classifier: deps.Classifier,
		decider:    deps.Decider,
		files:      deps.Files,
		synth:      deps.Synth,
		audit:      deps.Audit,
		metrics:    deps.Metrics,
		transport:  deps.Transport,
	}
	if g.files == nil {
		g.files = fileproc.NewLocal(cfg.Backend.FileTextLimit)
	}
	if g.synth == nil {
		g.synth = synth.New()
	}
	if g.audit == nil {
		g.audit = nopRecorder{}
	}
	if g.transport == nil {
		g.transport = NewTransport(cfg.Server)
	}
	logInit(cfg)
	return g
}

func (g *Gateway) writeError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{"message": msg, "type": "gateway_error"},
	})
}

// ServeHTTP classifies r and routes it through the matching path.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := g.getRequestID(r)
	r = r.WithContext(monitoring.WithRequestID(r.Context(), requestID))

	host := requestHost(r)
	kind, rule := g.classifier.Match(r.Method, host, r.URL.Path, r.Header)
	g.metrics.RecordExchange(kind)

	log.Debug().
		Str("request_id", requestID).
		Str("method", r.Method).
		Str("host", host).
		Str("path", r.URL.Path).
		Str("kind", string(kind)).
		Str("rule", rule).
		Msg("request classified")

	switch kind {
	case classifier.Conversation:
		g.handleConversation(w, r, requestID)
	case classifier.Upload:
		g.handleUpload(w, r, requestID)
	default:
		g.forward(w, r, r.Body, r.ContentLength)
	}
}

// =============================================================================
// CONVERSATION
// =============================================================================

func (g *Gateway) handleConversation(w http.ResponseWriter, r *http.Request, requestID string) {
	body, ok := g.readBody(w, r)
	if !ok {
		return
	}

	ex := extractor.Extract(body, r.Header.Get("Content-Type"), r.Header)
	g.annotate(ex, r, requestID)
	if ex.IsEmpty() {
		log.Debug().Str("request_id", requestID).Msg("nothing to inspect, forwarding")
		g.forward(w, r, bytes.NewReader(body), int64(len(body)))
		return
	}

	decision, elapsed, err := g.decide(r.Context(), ex)
	if err != nil {
		log.Debug().Err(err).Str("request_id", requestID).Msg("client disconnected during decision")
		return
	}

	if decision.ShouldBlock {
		g.block(w, r, ex, decision, elapsed)
		return
	}

	g.metrics.RecordDecision(monitoring.OutcomeAllowed, decision.Reason, elapsed)
	g.record(r.Context(), classifier.Conversation, ex, decision, monitoring.OutcomeAllowed, elapsed)
	g.forward(w, r, bytes.NewReader(body), int64(len(body)))
}

// block answers the client with a synthesized completed turn. The request
// never reaches the origin.
func (g *Gateway) block(w http.ResponseWriter, r *http.Request, ex *exchange.InspectedExchange, d exchange.Decision, elapsed time.Duration) {
	message := g.cfg.Backend.BlockMessage
	if d.Detail != nil && d.Detail.Message != "" {
		message = d.Detail.Message
	}

	g.metrics.RecordDecision(monitoring.OutcomeBlocked, d.Reason, elapsed)
	g.record(r.Context(), classifier.Conversation, ex, d, monitoring.OutcomeBlocked, elapsed)

	log.Info().
		Str("request_id", ex.Metadata.RequestID).
		Str("client_ip", ex.Metadata.ClientIP).
		Str("reason", d.Reason).
		Msg("request blocked")

	stream, err := g.synth.Synthesize(d, ex.Parent, message)
	if err != nil {
		// A half-written block would look like a broken stream; drop the connection instead.
		log.Error().Err(err).Str("request_id", ex.Metadata.RequestID).Msg("failed to synthesize block response")
		panic(http.ErrAbortHandler)
	}
	if err := synth.WriteBlock(w, stream); err != nil {
		log.Debug().Err(err).Str("request_id", ex.Metadata.RequestID).Msg("client disconnected")
	}
}

// =============================================================================
// UPLOAD
// =============================================================================

// handleUpload inspects an upload for the audit trail. Uploads are always
// forwarded; a blocking verdict is recorded as flagged. An upload larger than
// the inspection limit is forwarded uninspected.
func (g *Gateway) handleUpload(w http.ResponseWriter, r *http.Request, requestID string) {
	limit := g.cfg.Server.MaxBodyBytes
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		g.writeError(w, "failed to read request", http.StatusBadRequest)
		return
	}
	if int64(len(body)) > limit {
		log.Warn().
			Str("request_id", requestID).
			Int64("limit", limit).
			Msg("upload too large to inspect, forwarding uninspected")
		g.forward(w, r, io.MultiReader(bytes.NewReader(body), r.Body), r.ContentLength)
		return
	}

	ex := extractor.ExtractUpload(body, r.Header.Get("Content-Type"), r.URL.Path, r.Header)
	g.annotate(ex, r, requestID)

	if !ex.IsEmpty() {
		decision, elapsed, err := g.decide(r.Context(), ex)
		if err != nil {
			log.Debug().Err(err).Str("request_id", requestID).Msg("client disconnected during decision")
			return
		}

		outcome := monitoring.OutcomeAllowed
		if decision.ShouldBlock {
			outcome = monitoring.OutcomeFlagged
			log.Warn().
				Str("request_id", requestID).
				Str("reason", decision.Reason).
				Int("files", len(ex.Files)).
				Msg("upload flagged, forwarding")
		}
		g.metrics.RecordDecision(outcome, decision.Reason, elapsed)
		g.record(r.Context(), classifier.Upload, ex, decision, outcome, elapsed)
	}

	g.forward(w, r, bytes.NewReader(body), int64(len(body)))
}

// =============================================================================
// SHARED STEPS
// =============================================================================

func (g *Gateway) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, g.cfg.Server.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			g.writeError(w, "request body too large to inspect", http.StatusRequestEntityTooLarge)
			return nil, false
		}
		g.writeError(w, "failed to read request", http.StatusBadRequest)
		return nil, false
	}
	return body, true
}

func (g *Gateway) annotate(ex *exchange.InspectedExchange, r *http.Request, requestID string) {
	ex.Metadata.RequestID = requestID
	ex.Metadata.ClientIP = clientIP(r)
	ex.Metadata.Host = hostOnly(requestHost(r))
	ex.Metadata.Path = r.URL.Path
}

// decide fills file text and runs the policy round trip.
func (g *Gateway) decide(ctx context.Context, ex *exchange.InspectedExchange) (exchange.Decision, time.Duration, error) {
	start := time.Now()
	fileproc.Apply(ctx, g.files, ex.Files)
	d, err := g.decider.Decide(ctx, ex)
	return d, time.Since(start), err
}

func (g *Gateway) record(ctx context.Context, kind monitoring.Kind, ex *exchange.InspectedExchange, d exchange.Decision, outcome monitoring.Outcome, elapsed time.Duration) {
	// The decision is final; a client hanging up now must not lose the record.
	g.audit.Record(context.WithoutCancel(ctx), audit.Record{
		Kind:     kind,
		Exchange: ex,
		Decision: d,
		Status:   outcome,
		Latency:  elapsed,
	})
}
