package fileproc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dlpgate/inspector/internal/config"
	"github.com/dlpgate/inspector/internal/exchange"
)

// maxRemoteFileSize skips the backend for files it would reject anyway.
const maxRemoteFileSize = 50 * 1024 * 1024

// Remote sends files to the backend for extraction.
type Remote struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	fallback   Processor
}

// RemoteOption configures a Remote processor.
type RemoteOption func(*Remote)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) RemoteOption {
	return func(r *Remote) {
		r.httpClient = c
	}
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(timeout time.Duration) RemoteOption {
	return func(r *Remote) {
		r.httpClient.Timeout = timeout
	}
}

// WithFallback sets the processor used when the backend call fails.
func WithFallback(p Processor) RemoteOption {
	return func(r *Remote) {
		r.fallback = p
	}
}

// NewRemote creates a backend-backed processor.
func NewRemote(baseURL, apiKey string, opts ...RemoteOption) *Remote {
	r := &Remote{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 2 * config.DefaultBackendTimeout,
		},
		fallback: NewLocal(config.DefaultFileTextLimit),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Process implements Processor.
func (r *Remote) Process(ctx context.Context, f exchange.FileArtifact) (Result, error) {
	if len(f.Raw) > maxRemoteFileSize {
		log.Warn().Str("filename", f.Filename).Int("size", len(f.Raw)).Msg("fileproc: file too large for backend")
		return Result{Filename: f.Filename, ContentType: f.ContentType, Size: len(f.Raw), Error: "file_too_large"}, nil
	}

	res, err := r.post(ctx, f)
	if err == nil {
		if res.Size == 0 {
			res.Size = len(f.Raw)
		}
		return res, nil
	}
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}

	log.Warn().Err(err).Str("filename", f.Filename).Msg("fileproc: backend processing failed, using fallback")
	if r.fallback == nil {
		return Result{Filename: f.Filename, ContentType: f.ContentType, Size: len(f.Raw), Error: "processing_failed"}, nil
	}
	return r.fallback.Process(ctx, f)
}

func (r *Remote) post(ctx context.Context, f exchange.FileArtifact) (Result, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	h := textproto.MIMEHeader{}
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, f.Filename))
	ct := f.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	h.Set("Content-Type", ct)
	pw, err := mw.CreatePart(h)
	if err != nil {
		return Result{}, err
	}
	if _, err := pw.Write(f.Raw); err != nil {
		return Result{}, err
	}
	if err := mw.WriteField("process_options", "ocr,extract_text,parse_pdf"); err != nil {
		return Result{}, err
	}
	if err := mw.Close(); err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+config.FileProcessPath, &body)
	if err != nil {
		return Result{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if r.apiKey != "" {
		req.Header.Set("X-API-Key", r.apiKey)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxRemoteFileSize))
	if err != nil {
		return Result{}, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, truncate(respBody))
	}

	var res Result
	if err := json.Unmarshal(respBody, &res); err != nil {
		return Result{}, fmt.Errorf("failed to decode response: %w", err)
	}
	return res, nil
}

func truncate(b []byte) string {
	if len(b) > config.MaxErrorBodyLogLen {
		b = b[:config.MaxErrorBodyLogLen]
	}
	return string(b)
}
