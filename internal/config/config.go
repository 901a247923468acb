// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	LogLevel string

	// Redis holds the connection URL for the KV facade that backs
	// every stateful component: API-key counters, account records,
	// refresh locks, and sticky-session bindings.
	Redis RedisConfig

	// Vault holds the credential-encryption secret.
	Vault VaultConfig

	// Scheduler controls sticky-session binding.
	Scheduler SchedulerConfig

	// Refresh holds the refresh-lock TTL setting (see RefreshConfig).
	Refresh RefreshConfig

	// Upstreams holds per-platform upstream settings: the OAuth fields feed
	// the token refresh coordinator and BaseURL feeds the health probes.
	// The relay pipeline uses fixed upstream hosts and its own timeouts
	// and reads none of these fields.
	Claude  UpstreamConfig
	OpenAI  UpstreamConfig
	Gemini  UpstreamConfig
	Bedrock UpstreamConfig

	// HealthProbes holds separately-configured static credentials used only
	// to probe upstream connectivity (internal/proxy/healthchecker.go);
	// these are never used to relay a client request, which always goes
	// through a per-account credential from the Account Registry instead.
	HealthProbes HealthProbeConfig

	// CircuitBreaker controls per-platform circuit breaker thresholds.
	CircuitBreaker CircuitBreakerConfig

	// Admin holds the admin API's JWT signing secret (AdminAuthenticator).
	Admin AdminConfig

	// Webhook holds the optional outbound event-notification endpoint.
	Webhook WebhookConfig

	// ClickHouse holds an optional DSN for the usage-record analytics sink.
	// Empty disables the sink; usage is still recorded in the KV facade
	// either way.
	ClickHouseDSN string

	// PriceTablePath points at the JSON price table loaded at
	// startup. Empty falls back to the built-in defaults.
	PriceTablePath string

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string

	// AppBaseURL is used to construct absolute URLs (e.g. in webhook payloads).
	AppBaseURL string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// VaultConfig holds the credential vault's master secret.
type VaultConfig struct {
	// Secret derives the AES-256-GCM key via scrypt. Must be at least 32
	// bytes; the gateway refuses to start otherwise.
	Secret string
}

// SchedulerConfig controls C7's sticky-session behavior.
type SchedulerConfig struct {
	// StickyTTL is how long a session-to-account binding survives between
	// requests. Default: 1h.
	StickyTTL time.Duration
}

// RefreshConfig holds the configured refresh-lock TTL.
type RefreshConfig struct {
	// LockTTL is loaded and validated (Default: 30s). The refresh
	// coordinator does not read it; its SETNX lock always uses its own
	// fixed 30s TTL.
	LockTTL time.Duration
}

// UpstreamConfig holds per-platform upstream settings.
type UpstreamConfig struct {
	// BaseURL overrides the platform's default API host for the health
	// probes. The relay adapters do not read it and always call the real
	// upstream host.
	BaseURL string
	// Timeout is loaded (Default: 30s) but not read; the relay bounds a
	// non-streaming call with relay.DefaultTimeout instead.
	Timeout time.Duration

	// OAuthTokenURL, OAuthClientID, and OAuthClientSecret configure the
	// refresh_token grant the token refresh coordinator uses to mint new
	// access tokens for this platform's accounts. Bedrock leaves these
	// empty: its "refresh" is a no-op over static long-lived AWS keys.
	OAuthTokenURL    string
	OAuthClientID    string
	OAuthClientSecret string
}

// HealthProbeConfig holds static credentials used only for liveness
// probing, independent of any per-account relay credential.
type HealthProbeConfig struct {
	AnthropicAPIKey string
	OpenAIAPIKey    string
	GeminiAPIKey    string
}

// CircuitBreakerConfig controls per-platform circuit breaker settings.
type CircuitBreakerConfig struct {
	ErrorThreshold  int
	TimeWindow      time.Duration
	HalfOpenTimeout time.Duration
}

// AdminConfig holds the admin API's authentication secret.
type AdminConfig struct {
	// JWTSecret signs and verifies admin session tokens. Required for the
	// /admin/* route group to come up; an empty secret disables admin
	// routes entirely rather than running them unauthenticated.
	JWTSecret string
}

// WebhookConfig controls the outbound event notifier.
type WebhookConfig struct {
	// URL is the endpoint notified of account/key lifecycle events (account
	// disabled, key quota exhausted, refresh failure quarantine). Empty
	// disables the notifier.
	URL string
	// Timeout bounds a single webhook delivery attempt. Default: 5s.
	Timeout time.Duration
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	v.SetDefault("STICKY_TTL", "1h")
	v.SetDefault("REFRESH_LOCK_TTL", "30s")

	v.SetDefault("CLAUDE_TIMEOUT", "30s")
	v.SetDefault("OPENAI_TIMEOUT", "30s")
	v.SetDefault("GEMINI_TIMEOUT", "30s")
	v.SetDefault("BEDROCK_TIMEOUT", "30s")

	v.SetDefault("CB_ERROR_THRESHOLD", 5)
	v.SetDefault("CB_TIME_WINDOW", "60s")
	v.SetDefault("CB_HALF_OPEN_TIMEOUT", "30s")

	v.SetDefault("WEBHOOK_TIMEOUT", "5s")

	// ── Build config ──────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},
		Vault: VaultConfig{Secret: v.GetString("VAULT_SECRET")},

		Scheduler: SchedulerConfig{StickyTTL: v.GetDuration("STICKY_TTL")},
		Refresh:   RefreshConfig{LockTTL: v.GetDuration("REFRESH_LOCK_TTL")},

		Claude: UpstreamConfig{
			BaseURL: v.GetString("CLAUDE_BASE_URL"), Timeout: v.GetDuration("CLAUDE_TIMEOUT"),
			OAuthTokenURL: v.GetString("CLAUDE_OAUTH_TOKEN_URL"), OAuthClientID: v.GetString("CLAUDE_OAUTH_CLIENT_ID"), OAuthClientSecret: v.GetString("CLAUDE_OAUTH_CLIENT_SECRET"),
		},
		OpenAI: UpstreamConfig{
			BaseURL: v.GetString("OPENAI_BASE_URL"), Timeout: v.GetDuration("OPENAI_TIMEOUT"),
			OAuthTokenURL: v.GetString("OPENAI_OAUTH_TOKEN_URL"), OAuthClientID: v.GetString("OPENAI_OAUTH_CLIENT_ID"), OAuthClientSecret: v.GetString("OPENAI_OAUTH_CLIENT_SECRET"),
		},
		Gemini: UpstreamConfig{
			BaseURL: v.GetString("GEMINI_BASE_URL"), Timeout: v.GetDuration("GEMINI_TIMEOUT"),
			OAuthTokenURL: v.GetString("GEMINI_OAUTH_TOKEN_URL"), OAuthClientID: v.GetString("GEMINI_OAUTH_CLIENT_ID"), OAuthClientSecret: v.GetString("GEMINI_OAUTH_CLIENT_SECRET"),
		},
		Bedrock: UpstreamConfig{BaseURL: v.GetString("BEDROCK_BASE_URL"), Timeout: v.GetDuration("BEDROCK_TIMEOUT")},

		HealthProbes: HealthProbeConfig{
			AnthropicAPIKey: v.GetString("HEALTHCHECK_ANTHROPIC_API_KEY"),
			OpenAIAPIKey:    v.GetString("HEALTHCHECK_OPENAI_API_KEY"),
			GeminiAPIKey:    v.GetString("HEALTHCHECK_GEMINI_API_KEY"),
		},

		CircuitBreaker: CircuitBreakerConfig{
			ErrorThreshold:  v.GetInt("CB_ERROR_THRESHOLD"),
			TimeWindow:      v.GetDuration("CB_TIME_WINDOW"),
			HalfOpenTimeout: v.GetDuration("CB_HALF_OPEN_TIMEOUT"),
		},

		Admin: AdminConfig{JWTSecret: v.GetString("ADMIN_JWT_SECRET")},

		Webhook: WebhookConfig{
			URL:     v.GetString("WEBHOOK_URL"),
			Timeout: v.GetDuration("WEBHOOK_TIMEOUT"),
		},

		ClickHouseDSN:  v.GetString("CLICKHOUSE_DSN"),
		PriceTablePath: v.GetString("PRICE_TABLE_PATH"),

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
		AppBaseURL:  v.GetString("APP_BASE_URL"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if c.Redis.URL == "" {
		return fmt.Errorf("config: REDIS_URL is required; the gateway has no in-process fallback for the KV facade")
	}

	if len(c.Vault.Secret) < 32 {
		return fmt.Errorf("config: VAULT_SECRET must be at least 32 bytes, got %d", len(c.Vault.Secret))
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	if c.Scheduler.StickyTTL <= 0 {
		return fmt.Errorf("config: STICKY_TTL must be a positive duration")
	}
	if c.Refresh.LockTTL <= 0 {
		return fmt.Errorf("config: REFRESH_LOCK_TTL must be a positive duration")
	}

	if c.CircuitBreaker.ErrorThreshold < 1 {
		return fmt.Errorf("config: CB_ERROR_THRESHOLD must be ≥ 1, got %d", c.CircuitBreaker.ErrorThreshold)
	}
	if c.CircuitBreaker.TimeWindow <= 0 {
		return fmt.Errorf("config: CB_TIME_WINDOW must be a positive duration")
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
