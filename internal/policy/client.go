// Package policy provides the decision client for the remote PII/policy service.
//
// DESIGN: Decide is the only blocking call on the request path. It is bounded
// by attempts x per-attempt timeout plus backoff and keeps no state between
// calls. Retry shape:
//   - network errors, timeouts, 5xx: linear backoff (step x attempt)
//   - 2xx without a verdict:         linear backoff, never read as clean
//   - HTTP 429:                      exponential backoff, consumes an attempt
//   - HTTP 400:                      not retried, resolves to allow
//
// When every attempt fails, the fail-closed switch decides between blocking
// and allowing. The circuit breaker and rate limiter are opt-in.
//
// FILES:
//   - client.go:  Client, options, Decide, retry loop
//   - verdict.go: response mapping and user-facing messages
//   - health.go:  backend health probe
package policy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"github.com/tidwall/sjson"
	"golang.org/x/time/rate"

	"github.com/dlpgate/inspector/internal/config"
	"github.com/dlpgate/inspector/internal/exchange"
	"github.com/dlpgate/inspector/internal/monitoring"
	"github.com/dlpgate/inspector/internal/utils"
)

// maxResponseSize caps a policy response body.
const maxResponseSize = 1 << 20

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrRateLimited matches a *StatusError carrying HTTP 429.
	ErrRateLimited = errors.New("policy backend rate limited")
	// ErrBadRequest matches a *StatusError carrying HTTP 400.
	ErrBadRequest = errors.New("policy backend rejected request")
	// ErrUnavailable is returned when the breaker refuses calls.
	ErrUnavailable = errors.New("policy backend unavailable")
	// ErrInvalidResponse is a 2xx reply that carries no verdict.
	ErrInvalidResponse = errors.New("invalid detect response")
)

// StatusError is a non-2xx reply from the policy backend.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// Is lets errors.Is match the sentinel for this status.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrRateLimited:
		return e.StatusCode == http.StatusTooManyRequests
	case ErrBadRequest:
		return e.StatusCode == http.StatusBadRequest
	}
	return false
}

// =============================================================================
// CLIENT
// =============================================================================

// Client calls the policy backend. Safe for concurrent use.
type Client struct {
	baseURL            string
	apiKey             string
	httpClient         *http.Client
	attempts           int
	timeout            time.Duration
	linearStep         time.Duration
	rateLimitBase      time.Duration
	failClosed         bool
	blockMessage       string
	unavailableMessage string
	detailedMessage    bool

	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	metrics *monitoring.Metrics
}

// Option configures the Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithMetrics records per-attempt results.
func WithMetrics(m *monitoring.Metrics) Option {
	return func(client *Client) {
		client.metrics = m
	}
}

// WithBreaker puts a circuit breaker in front of the backend.
// It opens after `failures` consecutive failed decisions and probes again after openTimeout.
func WithBreaker(failures uint32, openTimeout time.Duration) Option {
	return func(client *Client) {
		client.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "policy-backend",
			MaxRequests: 1,
			Timeout:     openTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("policy: breaker state change")
			},
		})
	}
}

// WithRateLimit caps backend calls per second.
func WithRateLimit(rps float64, burst int) Option {
	return func(client *Client) {
		client.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// New creates a decision client from backend configuration.
func New(cfg config.BackendConfig, opts ...Option) *Client {
	c := &Client{
		baseURL:            strings.TrimSuffix(cfg.URL, "/"),
		apiKey:             cfg.APIKey,
		httpClient:         &http.Client{},
		attempts:           cfg.Attempts,
		timeout:            cfg.Timeout,
		linearStep:         cfg.LinearStep,
		rateLimitBase:      cfg.RateLimitBase,
		failClosed:         cfg.FailClosed,
		blockMessage:       cfg.BlockMessage,
		unavailableMessage: cfg.UnavailableMessage,
		detailedMessage:    cfg.DetailedMessage,
	}
	if c.attempts < 1 {
		c.attempts = 1
	}
	if c.blockMessage == "" {
		c.blockMessage = config.DefaultBlockMessage
	}
	if c.unavailableMessage == "" {
		c.unavailableMessage = config.DefaultUnavailableMessage
	}
	if cfg.Breaker.Enabled {
		WithBreaker(cfg.Breaker.ConsecutiveFailures, cfg.Breaker.OpenTimeout)(c)
	}
	if cfg.RateLimit.Enabled {
		WithRateLimit(cfg.RateLimit.RPS, cfg.RateLimit.Burst)(c)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FailClosed reports the terminal failure policy.
func (c *Client) FailClosed() bool { return c.failClosed }

// =============================================================================
// DECIDE
// =============================================================================

// Decide returns exactly one decision for ex. The error is non-nil only when
// ctx ends first; no decision exists for a cancelled exchange.
func (c *Client) Decide(ctx context.Context, ex *exchange.InspectedExchange) (exchange.Decision, error) {
	text := strings.TrimSpace(ex.InspectableText())
	if text == "" {
		log.Debug().Msg("policy: no text content to check, allowing")
		return exchange.Allow(exchange.ReasonNoContent), nil
	}

	run := func() (exchange.Decision, error) { return c.decideWithRetry(ctx, text, ex.Metadata.ClientIP) }
	var (
		decision exchange.Decision
		err      error
	)
	if c.breaker != nil {
		var out interface{}
		out, err = c.breaker.Execute(func() (interface{}, error) {
			d, runErr := run()
			return d, runErr
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			c.metrics.RecordBackendAttempt("breaker_open")
			err = fmt.Errorf("%w: %w", ErrUnavailable, err)
		} else if err == nil {
			decision = out.(exchange.Decision)
		}
	} else {
		decision, err = run()
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return exchange.Decision{}, ctxErr
	}
	if err != nil {
		return c.terminal(err), nil
	}
	return decision, nil
}

// decideWithRetry runs the attempt loop. A nil error means a decision was
// reached (including validation_error); an error means every attempt failed.
func (c *Client) decideWithRetry(ctx context.Context, text, clientIP string) (exchange.Decision, error) {
	payload, err := sjson.SetBytes([]byte(`{}`), "text", text)
	if err != nil {
		return exchange.Decision{}, fmt.Errorf("failed to build payload: %w", err)
	}

	var decision exchange.Decision
	attempt := 0
	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(uint(c.attempts)),
		retry.DelayType(func(n uint, err error, _ retry.DelayContext) time.Duration {
			return c.backoff(n, err)
		}),
	)

	err = r.Do(func() error {
		attempt++
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("rate limit wait: %w", err)
			}
		}

		body, err := c.detect(ctx, payload, clientIP)
		switch {
		case err == nil:
			c.metrics.RecordBackendAttempt("ok")
			decision = c.mapVerdict(body)
			return nil
		case errors.Is(err, ErrBadRequest):
			c.metrics.RecordBackendAttempt("bad_request")
			log.Warn().Err(err).Msg("policy: backend validation error")
			decision = exchange.Allow(exchange.ReasonValidationError)
			return nil
		case errors.Is(err, ErrRateLimited):
			c.metrics.RecordBackendAttempt("rate_limited")
			log.Warn().Int("attempt", attempt).Int("attempts", c.attempts).Msg("policy: rate limited by backend")
		default:
			var se *StatusError
			if errors.As(err, &se) {
				c.metrics.RecordBackendAttempt("status")
			} else if errors.Is(err, ErrInvalidResponse) {
				c.metrics.RecordBackendAttempt("invalid")
			} else {
				c.metrics.RecordBackendAttempt("network")
			}
			log.Warn().Err(err).Int("attempt", attempt).Int("attempts", c.attempts).Msg("policy: backend call failed")
		}
		return err
	})
	if err != nil {
		return exchange.Decision{}, err
	}
	return decision, nil
}

// backoff returns the wait after failed attempt n (0-based).
func (c *Client) backoff(n uint, err error) time.Duration {
	if errors.Is(err, ErrRateLimited) {
		return c.rateLimitBase << n
	}
	return c.linearStep * time.Duration(n+1)
}

// terminal resolves an exhausted retry budget through the fail-closed switch.
func (c *Client) terminal(err error) exchange.Decision {
	if c.failClosed {
		log.Warn().Err(err).Msg("policy: backend unavailable, blocking by default")
		return exchange.Block(exchange.ReasonBackendUnavailable, &exchange.Detail{Message: c.unavailableMessage})
	}
	log.Warn().Err(err).Msg("policy: backend unavailable, allowing by default")
	return exchange.Allow(exchange.ReasonBackendUnavailable)
}

// detect performs one bounded call to the detect endpoint.
func (c *Client) detect(ctx context.Context, payload []byte, clientIP string) ([]byte, error) {
	tCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(tCtx, http.MethodPost, c.baseURL+config.DetectPath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	if clientIP != "" {
		req.Header.Set("X-Forwarded-For", clientIP)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, fmt.Errorf("backend timeout after %s: %w", time.Since(start).Round(time.Millisecond), err)
		}
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{
			StatusCode: resp.StatusCode,
			Body:       utils.Truncate(string(body), config.MaxErrorBodyLogLen),
		}
	}
	if err := checkVerdict(body); err != nil {
		return nil, fmt.Errorf("%w (status %d): %w", ErrInvalidResponse, resp.StatusCode, err)
	}

	log.Debug().Dur("elapsed", time.Since(start)).Msg("policy: detection complete")
	return body, nil
}
