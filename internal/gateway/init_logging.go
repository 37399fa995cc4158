package gateway

import (
	"github.com/rs/zerolog/log"

	"github.com/dlpgate/inspector/internal/config"
	"github.com/dlpgate/inspector/internal/utils"
)

// logInit records the effective pipeline configuration once at startup.
// Secrets are masked.
func logInit(cfg *config.Config) {
	b := cfg.Backend
	log.Info().
		Str("event", "gateway_init").
		Str("listen", cfg.Server.Addr).
		Bool("intercept", cfg.TLS.Intercept).
		Str("target_hosts", cfg.Classifier.TargetHosts).
		Str("upload_hosts", cfg.Classifier.UploadHosts).
		Str("backend_url", b.URL).
		Str("backend_api_key", utils.MaskKey(b.APIKey)).
		Bool("fail_closed", b.FailClosed).
		Int("attempts", b.Attempts).
		Dur("attempt_timeout", b.Timeout).
		Dur("decision_budget", b.DecisionBudget()).
		Dur("upstream_timeout", cfg.Server.UpstreamTimeout).
		Bool("breaker", b.Breaker.Enabled).
		Bool("rate_limit", b.RateLimit.Enabled).
		Str("file_processing", b.FileProcessing).
		Str("audit_dir", cfg.Audit.Dir).
		Int("retention_days", cfg.Audit.RetentionDays).
		Int("blocked_retention_days", cfg.Audit.BlockedRetentionDays).
		Bool("audit_index", cfg.Audit.IndexPath != "").
		Msg("gateway initialized")
}
