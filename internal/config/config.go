// Package config loads the inspector configuration.
//
// DESIGN: Configuration is read once at startup from a YAML file, with
// ${VAR} and ${VAR:-default} references expanded from the environment,
// then defaulted, overridden by INSPECTOR_* variables and validated.
// The resulting *Config is passed explicitly to every component; nothing
// reads it through a package-level global and nothing mutates it later.
//
// FILES:
//   - config.go:   Config types, Load, env expansion
//   - defaults.go: default values
//   - validate.go: struct tag and cross-field validation
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dlpgate/inspector/internal/monitoring"
)

// Config is the complete inspector configuration.
type Config struct {
	Server     ServerConfig            `yaml:"server"`
	Admin      AdminConfig             `yaml:"admin"`
	TLS        TLSConfig               `yaml:"tls"`
	Classifier ClassifierConfig        `yaml:"classifier"`
	Backend    BackendConfig           `yaml:"backend"`
	Audit      AuditConfig             `yaml:"audit"`
	Logging    monitoring.LoggerConfig `yaml:"logging"`
}

// ServerConfig controls the proxy listener and upstream transport.
type ServerConfig struct {
	Addr            string        `yaml:"addr" validate:"required"`
	ReadTimeout     time.Duration `yaml:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" validate:"gt=0"`
	UpstreamTimeout time.Duration `yaml:"upstream_timeout" validate:"gt=0"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" validate:"gt=0"`
}

// AdminConfig controls the health/metrics listener.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr" validate:"required_if=Enabled true"`
}

// TLSConfig controls the interception CA and leaf certificates.
type TLSConfig struct {
	// Intercept enables MITM for target hosts. When false every CONNECT is tunneled.
	Intercept  bool          `yaml:"intercept"`
	CACertPath string        `yaml:"ca_cert" validate:"required_if=Intercept true"`
	CAKeyPath  string        `yaml:"ca_key" validate:"required_if=Intercept true"`
	CertTTL    time.Duration `yaml:"cert_ttl" validate:"gt=0"`
}

// ClassifierConfig holds the host and path patterns used for routing.
type ClassifierConfig struct {
	TargetHosts      string `yaml:"target_hosts" validate:"required,regexp"`
	UploadHosts      string `yaml:"upload_hosts" validate:"required,regexp"`
	ConversationPath string `yaml:"conversation_path" validate:"required,regexp"`
	ControlPath      string `yaml:"control_path" validate:"required,regexp"`
	UploadPath       string `yaml:"upload_path" validate:"required,regexp"`
}

// BackendConfig controls the policy decision client.
type BackendConfig struct {
	URL           string        `yaml:"url" validate:"required,url"`
	APIKey        string        `yaml:"api_key"`
	Timeout       time.Duration `yaml:"timeout" validate:"gt=0"`
	Attempts      int           `yaml:"attempts" validate:"min=1,max=10"`
	LinearStep    time.Duration `yaml:"linear_step" validate:"gte=0"`
	RateLimitBase time.Duration `yaml:"rate_limit_base" validate:"gte=0"`

	// FailClosed blocks traffic when the backend cannot be reached after all attempts.
	FailClosed bool `yaml:"fail_closed"`

	FileProcessing     string `yaml:"file_processing" validate:"oneof=local remote"`
	FileTextLimit      int    `yaml:"file_text_limit" validate:"gt=0"`
	BlockMessage       string `yaml:"block_message" validate:"required"`
	UnavailableMessage string `yaml:"unavailable_message" validate:"required"`

	// DetailedMessage renders the itemized entity/policy breakdown instead of
	// the backend's free-text details.
	DetailedMessage bool `yaml:"detailed_message"`

	Breaker   BreakerConfig   `yaml:"breaker"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// BreakerConfig enables a circuit breaker in front of the policy backend.
type BreakerConfig struct {
	Enabled             bool          `yaml:"enabled"`
	ConsecutiveFailures uint32        `yaml:"consecutive_failures" validate:"gt=0"`
	OpenTimeout         time.Duration `yaml:"open_timeout" validate:"gt=0"`
}

// RateLimitConfig enables a token bucket in front of the policy backend.
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled"`
	RPS     float64 `yaml:"rps" validate:"gt=0"`
	Burst   int     `yaml:"burst" validate:"gt=0"`
}

// AuditConfig controls the JSONL audit sink.
type AuditConfig struct {
	Dir                  string `yaml:"dir" validate:"required"`
	Base                 string `yaml:"base" validate:"required"`
	RetentionDays        int    `yaml:"retention_days" validate:"gt=0"`
	BlockedRetentionDays int    `yaml:"blocked_retention_days" validate:"gt=0"`
	// IndexPath enables the SQLite audit index when non-empty.
	IndexPath string `yaml:"index_path"`
	Tokenizer string `yaml:"tokenizer"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.TLS.Intercept = true
	cfg.Admin.Enabled = true
	cfg.applyDefaults()
	return cfg
}

// Load reads, expands, defaults, overrides and validates the config at path.
// An empty path yields the defaults plus environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := Default()
		if err := cfg.applyEnvOverrides(); err != nil {
			return nil, err
		}
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse builds a Config from YAML bytes.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	// Booleans that default to true must be seeded before unmarshal.
	cfg.TLS.Intercept = true
	cfg.Admin.Enabled = true

	expanded := ExpandEnvWithDefaults(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// =============================================================================
// ENV EXPANSION
// =============================================================================

var envRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// ExpandEnvWithDefaults replaces ${VAR} and ${VAR:-default} with environment values.
// Unset variables without a default expand to the empty string.
func ExpandEnvWithDefaults(s string) string {
	return envRefPattern.ReplaceAllStringFunc(s, func(ref string) string {
		m := envRefPattern.FindStringSubmatch(ref)
		if v, ok := os.LookupEnv(m[1]); ok && v != "" {
			return v
		}
		return m[2]
	})
}

// =============================================================================
// DEFAULTS
// =============================================================================

func (c *Config) applyDefaults() {
	setDefault(&c.Server.Addr, DefaultListenAddr)
	setDefault(&c.Server.ReadTimeout, DefaultServerReadTimeout)
	setDefault(&c.Server.WriteTimeout, DefaultServerWriteTimeout)
	setDefault(&c.Server.UpstreamTimeout, DefaultUpstreamTimeout)
	setDefault(&c.Server.MaxBodyBytes, int64(MaxRequestBodySize))

	setDefault(&c.Admin.Addr, DefaultAdminAddr)

	setDefault(&c.TLS.CACertPath, DefaultCACertPath)
	setDefault(&c.TLS.CAKeyPath, DefaultCAKeyPath)
	setDefault(&c.TLS.CertTTL, DefaultCertTTL)

	setDefault(&c.Classifier.TargetHosts, DefaultTargetHosts)
	setDefault(&c.Classifier.UploadHosts, DefaultUploadHosts)
	setDefault(&c.Classifier.ConversationPath, DefaultConversationPath)
	setDefault(&c.Classifier.ControlPath, DefaultControlPath)
	setDefault(&c.Classifier.UploadPath, DefaultUploadPath)

	setDefault(&c.Backend.URL, DefaultBackendURL)
	setDefault(&c.Backend.Timeout, DefaultBackendTimeout)
	setDefault(&c.Backend.Attempts, DefaultBackendAttempts)
	setDefault(&c.Backend.LinearStep, DefaultLinearStep)
	setDefault(&c.Backend.RateLimitBase, DefaultRateLimitBase)
	setDefault(&c.Backend.FileProcessing, "local")
	setDefault(&c.Backend.FileTextLimit, DefaultFileTextLimit)
	setDefault(&c.Backend.BlockMessage, DefaultBlockMessage)
	setDefault(&c.Backend.UnavailableMessage, DefaultUnavailableMessage)
	setDefault(&c.Backend.Breaker.ConsecutiveFailures, uint32(DefaultBreakerFailures))
	setDefault(&c.Backend.Breaker.OpenTimeout, DefaultBreakerOpenTimeout)
	setDefault(&c.Backend.RateLimit.RPS, float64(DefaultRateLimit))
	setDefault(&c.Backend.RateLimit.Burst, DefaultRateBurst)

	setDefault(&c.Audit.Dir, DefaultAuditDir)
	setDefault(&c.Audit.Base, DefaultAuditBase)
	setDefault(&c.Audit.RetentionDays, DefaultRetentionDays)
	setDefault(&c.Audit.BlockedRetentionDays, DefaultBlockedRetentionDays)
	setDefault(&c.Audit.Tokenizer, DefaultTokenizerEncoding)

	setDefault(&c.Logging.Level, "info")
	setDefault(&c.Logging.Format, "auto")
	setDefault(&c.Logging.Output, "stdout")
}

func setDefault[T comparable](field *T, value T) {
	var zero T
	if *field == zero {
		*field = value
	}
}

// applyEnvOverrides lets deployments flip the common knobs without editing YAML.
func (c *Config) applyEnvOverrides() error {
	if v := strings.TrimSpace(os.Getenv("INSPECTOR_BACKEND_URL")); v != "" {
		c.Backend.URL = v
	}
	if v := strings.TrimSpace(os.Getenv("INSPECTOR_BACKEND_API_KEY")); v != "" {
		c.Backend.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("INSPECTOR_FAIL_CLOSED")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("INSPECTOR_FAIL_CLOSED: %w", err)
		}
		c.Backend.FailClosed = b
	}
	if v := strings.TrimSpace(os.Getenv("INSPECTOR_LOG_DIR")); v != "" {
		c.Audit.Dir = v
	}
	return nil
}

// =============================================================================
// DERIVED VALUES
// =============================================================================

// DecisionBudget is the worst-case time one exchange can spend waiting on the
// policy backend: every attempt timing out plus the largest delay between attempts.
// Remote file extraction runs before the decision and is not included; it adds
// at most Timeout per attached file.
func (b BackendConfig) DecisionBudget() time.Duration {
	total := time.Duration(b.Attempts) * b.Timeout
	for n := 1; n < b.Attempts; n++ {
		linear := b.LinearStep * time.Duration(n)
		exp := b.RateLimitBase << uint(n-1)
		total += max(linear, exp)
	}
	return total
}
