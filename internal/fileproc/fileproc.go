// Package fileproc turns attached file bytes into inspectable text.
//
// DESIGN: The processor is an opaque, synchronous collaborator. Two
// implementations exist:
//   - Local:  decodes text-like files in-process (first N characters)
//   - Remote: posts the file to the backend's /api/v1/file/process route
//     for OCR/PDF extraction, falling back to Local when that fails
//
// Apply runs a processor over every file of an exchange before the policy
// decision, filling FileArtifact.ExtractedText.
package fileproc

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/dlpgate/inspector/internal/config"
	"github.com/dlpgate/inspector/internal/exchange"
	"github.com/dlpgate/inspector/internal/utils"
)

// Result is the processor's view of one file.
type Result struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Text        string `json:"text"`
	Size        int    `json:"size"`
	Error       string `json:"error,omitempty"`
}

// Processor extracts text from a file.
type Processor interface {
	Process(ctx context.Context, f exchange.FileArtifact) (Result, error)
}

// FromConfig builds the processor named by file_processing. A remote call is
// bounded by the backend timeout and falls back to local decoding.
func FromConfig(b config.BackendConfig) Processor {
	local := NewLocal(b.FileTextLimit)
	if b.FileProcessing != "remote" {
		return local
	}
	return NewRemote(b.URL, b.APIKey, WithTimeout(b.Timeout), WithFallback(local))
}

// Apply fills ExtractedText on every file. Processing errors leave that file's
// text empty; they never fail the exchange.
func Apply(ctx context.Context, p Processor, files []exchange.FileArtifact) {
	for i := range files {
		res, err := p.Process(ctx, files[i])
		if err != nil {
			log.Warn().Err(err).Str("filename", files[i].Filename).Msg("fileproc: processing failed")
			continue
		}
		files[i].ExtractedText = res.Text
	}
}

// =============================================================================
// LOCAL
// =============================================================================

// textExtensions are decoded as UTF-8 regardless of declared content type.
var textExtensions = []string{".txt", ".md", ".json"}

// Local decodes text files in-process.
type Local struct {
	// TextLimit caps returned text in characters.
	TextLimit int
}

// NewLocal creates a local processor keeping at most limit characters.
func NewLocal(limit int) *Local {
	return &Local{TextLimit: limit}
}

// Process implements Processor.
func (l *Local) Process(_ context.Context, f exchange.FileArtifact) (Result, error) {
	res := Result{
		Filename:    f.Filename,
		ContentType: f.ContentType,
		Size:        len(f.Raw),
	}
	if isTextLike(f) {
		res.Text = utils.Truncate(strings.ToValidUTF8(string(f.Raw), ""), l.TextLimit)
	}
	return res, nil
}

func isTextLike(f exchange.FileArtifact) bool {
	if strings.HasPrefix(strings.ToLower(f.ContentType), "text/") {
		return true
	}
	name := strings.ToLower(f.Filename)
	for _, ext := range textExtensions {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}
