// Package extractor normalizes intercepted request bodies into the
// canonical exchange model.
//
// DESIGN: Each body shape has its own reader:
//   - JSON chat payloads:  last user message text, inline base64 images,
//     CDN references and thread linkage (gjson, no full unmarshal)
//   - multipart/form-data: one FileArtifact per payload-bearing part
//   - text/* and forms:    the trimmed body is the prompt
//   - raw uploads:         the whole body is one binary FileArtifact
//
// Extraction never fails. A malformed piece degrades to an empty or partial
// result for that piece only. File contents are never decoded here; the
// gateway hands every FileArtifact to the file processor.
package extractor

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/dlpgate/inspector/internal/exchange"
)

// maxDecodedBodySize caps decompressed bodies read for inspection.
const maxDecodedBodySize = 50 * 1024 * 1024

// Extract converts a conversational request body into an InspectedExchange.
// Request-level metadata (client IP, host, path) is filled by the caller.
func Extract(body []byte, contentType string, headers http.Header) *exchange.InspectedExchange {
	ex := &exchange.InspectedExchange{
		Metadata: exchange.Metadata{
			Timestamp: time.Now().UTC(),
			Headers:   headers,
		},
	}

	body = decodeBody(body, headers)
	mt := mediaType(contentType)

	switch {
	case strings.Contains(mt, "json"):
		extractJSON(ex, body)
	case mt == "multipart/form-data":
		ex.Files = ParseMultipart(body, contentType)
	case strings.HasPrefix(mt, "text/") || mt == "application/x-www-form-urlencoded":
		ex.Prompt = strings.TrimSpace(string(body))
	}
	return ex
}

// ExtractUpload converts an upload request body into an InspectedExchange
// carrying only files.
func ExtractUpload(body []byte, contentType, path string, headers http.Header) *exchange.InspectedExchange {
	ex := &exchange.InspectedExchange{
		Metadata: exchange.Metadata{
			Timestamp: time.Now().UTC(),
			Headers:   headers,
		},
	}

	body = decodeBody(body, headers)
	if mediaType(contentType) == "multipart/form-data" {
		ex.Files = ParseMultipart(body, contentType)
		return ex
	}
	if len(body) == 0 {
		return ex
	}

	ct := mediaType(contentType)
	if ct == "" {
		ct = "application/octet-stream"
	}
	ex.Files = []exchange.FileArtifact{{
		Filename:    GuessFilename(path, ct),
		ContentType: ct,
		Raw:         body,
		Size:        len(body),
		Source:      exchange.SourceBinary,
	}}
	return ex
}

// =============================================================================
// JSON
// =============================================================================

func extractJSON(ex *exchange.InspectedExchange, body []byte) {
	raw := string(body)

	if gjson.Valid(raw) {
		root := gjson.Parse(raw)
		msg, ok := lastUserMessage(root.Get("messages"))
		if ok {
			ex.Prompt = ContentText(ParseContent(msg.Get("content")))
		}
		ex.Parent = linkage(root, msg, ok)
	} else {
		log.Debug().Int("bytes", len(body)).Msg("extractor: body is not valid JSON")
	}

	// Inline media and CDN references are located in the raw text so they are
	// found even when they sit outside messages[] or the JSON is malformed.
	ex.Files = append(ex.Files, InlineImages(raw)...)
	ex.Metadata.CDNRefs = CDNRefs(raw)
}

// lastUserMessage scans messages from the end for the first "user" entry.
func lastUserMessage(messages gjson.Result) (gjson.Result, bool) {
	if !messages.IsArray() {
		return gjson.Result{}, false
	}
	arr := messages.Array()
	for i := len(arr) - 1; i >= 0; i-- {
		m := arr[i]
		if !m.IsObject() {
			continue
		}
		if messageRole(m) == "user" {
			return m, true
		}
	}
	return gjson.Result{}, false
}

// messageRole reads "role", falling back to "author.role".
func messageRole(m gjson.Result) string {
	if r := m.Get("role"); r.Exists() {
		return r.String()
	}
	return m.Get("author.role").String()
}

// linkage recovers conversation and parent ids for a fabricated reply.
func linkage(root, msg gjson.Result, haveMsg bool) *exchange.ThreadLinkage {
	l := &exchange.ThreadLinkage{
		ConversationID:  root.Get("conversation_id").String(),
		ParentMessageID: root.Get("parent_message_id").String(),
	}
	if l.ParentMessageID == "" {
		l.ParentMessageID = root.Get("parent_id").String()
	}
	if haveMsg {
		l.UserMessageID = msg.Get("id").String()
		if ct := msg.Get("create_time"); ct.Type == gjson.Number {
			v := ct.Float()
			l.UserCreateTime = &v
		}
	}
	return l
}

// =============================================================================
// BODY HELPERS
// =============================================================================

// decodeBody undoes gzip/deflate content encoding for inspection only.
// On any failure the original bytes are returned.
func decodeBody(body []byte, headers http.Header) []byte {
	if headers == nil || len(body) == 0 {
		return body
	}

	var (
		r   io.Reader
		err error
	)
	switch strings.ToLower(strings.TrimSpace(headers.Get("Content-Encoding"))) {
	case "gzip", "x-gzip":
		var gz *gzip.Reader
		gz, err = gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			log.Debug().Err(err).Msg("extractor: gzip header invalid")
			return body
		}
		defer func() { _ = gz.Close() }()
		r = gz
	case "deflate":
		fr := flate.NewReader(bytes.NewReader(body))
		defer func() { _ = fr.Close() }()
		r = fr
	default:
		return body
	}

	decoded, err := io.ReadAll(io.LimitReader(r, maxDecodedBodySize))
	if err != nil {
		log.Debug().Err(err).Msg("extractor: body decode failed")
		return body
	}
	return decoded
}

// mediaType returns the lowercased media type without parameters.
func mediaType(contentType string) string {
	if contentType == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt, _, _ = strings.Cut(contentType, ";")
	}
	return strings.ToLower(strings.TrimSpace(mt))
}
