package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dlpgate/inspector/internal/config"
	"github.com/dlpgate/inspector/internal/utils"
)

// healthTimeout bounds a single health probe.
const healthTimeout = 5 * time.Second

// HealthStatus is the backend's health report.
type HealthStatus struct {
	Status      string `json:"status"`
	ModelLoaded bool   `json:"model_loaded"`
}

// Healthy reports whether the backend can serve detections.
func (h HealthStatus) Healthy() bool {
	return h.Status == "healthy" && h.ModelLoaded
}

// Health probes the backend health endpoint once, without retries.
func (c *Client) Health(ctx context.Context) (HealthStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+config.HealthPath, nil)
	if err != nil {
		return HealthStatus{}, fmt.Errorf("failed to create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return HealthStatus{}, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return HealthStatus{}, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return HealthStatus{}, &StatusError{
			StatusCode: resp.StatusCode,
			Body:       utils.Truncate(string(body), config.MaxErrorBodyLogLen),
		}
	}

	var status HealthStatus
	if err := json.Unmarshal(body, &status); err != nil {
		return HealthStatus{}, fmt.Errorf("failed to decode health response: %w", err)
	}
	return status, nil
}
