// Package config loads and validates all runtime configuration for the
// gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file. A .env file is loaded into the process
// environment when present.
//
// The gateway starts with zero upstream providers configured — that is a
// valid (if useless) state in which every request gets an overloaded
// response. Redis and ClickHouse are optional; the in-memory backends need no
// external dependencies.
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

	// LogLevel controls the minimum log level. One of: debug, info, warn,
	// error. Default: info.
	LogLevel string

	// Margin is the multiplier from upstream cost to tenant charge.
	// Default: 1.2.
	Margin float64

	// Upstream providers, in failover preference order OpenRouter → OpenAI →
	// Anthropic. A provider with an empty API key is disabled.
	OpenRouter ProviderConfig
	OpenAI     ProviderConfig
	Anthropic  ProviderConfig

	// UpstreamTimeout bounds a single upstream dispatch (time to response
	// headers for streams). Default: 120s.
	UpstreamTimeout time.Duration

	// RateLimit selects the rate limiter backend.
	RateLimit RateLimitConfig

	// Redis holds the connection URL for the Redis-backed rate limiter and
	// spend-snapshot cache. Required only when a redis mode is selected.
	Redis RedisConfig

	// SpendStore selects the usage store backend: "memory" or "clickhouse".
	// Default: "memory".
	SpendStore string

	// ClickHouse holds the usage store connection. Required when
	// SpendStore is "clickhouse".
	ClickHouse ClickHouseConfig

	// CircuitBreaker controls the per-instance breaker.
	CircuitBreaker CircuitBreakerConfig

	// CapCacheTTL is the spending-cap snapshot cache TTL. Default: 15s.
	CapCacheTTL time.Duration

	// ServiceKeys maps service keys to tenant IDs, parsed from
	// SERVICE_KEYS="sk-abc=tenant-1,sk-def=tenant-2".
	ServiceKeys map[string]string

	// CORSOrigins is the list of allowed CORS origins. ["*"] allows any
	// origin (default).
	CORSOrigins []string
}

// ProviderConfig holds the credentials for one upstream provider.
type ProviderConfig struct {
	// APIKey is the provider API key. Leave empty to disable the provider.
	APIKey string

	// BaseURL overrides the provider's default endpoint. Useful for local
	// mocks.
	BaseURL string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// ClickHouseConfig holds the usage store connection.
type ClickHouseConfig struct {
	Addr     string
	Database string
	Username string
	Password string
}

// RateLimitConfig selects the rate limiter backend.
type RateLimitConfig struct {
	// Mode is "memory" (per-process counters) or "redis" (shared across
	// replicas). Default: "memory".
	Mode string

	// DefaultRPM is the per-minute limit applied to tenants with no explicit
	// capability limit. 0 means unlimited. Default: 0.
	DefaultRPM int
}

// CircuitBreakerConfig controls the per-instance circuit breaker.
type CircuitBreakerConfig struct {
	// RequestThreshold is the request count within TimeWindow that trips the
	// breaker. Default: 120.
	RequestThreshold int

	// TimeWindow is the sliding window over which requests are counted.
	// Default: 60s.
	TimeWindow time.Duration

	// Cooldown is how long a tripped instance stays paused. Default: 5m.
	Cooldown time.Duration
}

// Default provider base URLs.
const (
	DefaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"
	DefaultOpenAIBaseURL     = "https://api.openai.com/v1"
	DefaultAnthropicBaseURL  = "https://api.anthropic.com/v1"
)

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

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("MARGIN", 1.2)
	v.SetDefault("UPSTREAM_TIMEOUT", "120s")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	v.SetDefault("RATE_LIMIT_MODE", "memory")
	v.SetDefault("DEFAULT_RPM_LIMIT", 0)

	v.SetDefault("SPEND_STORE", "memory")
	v.SetDefault("CLICKHOUSE_DATABASE", "default")

	v.SetDefault("CB_REQUEST_THRESHOLD", 120)
	v.SetDefault("CB_TIME_WINDOW", "60s")
	v.SetDefault("CB_COOLDOWN", "5m")

	v.SetDefault("CAP_CACHE_TTL", "15s")

	v.SetDefault("OPENROUTER_BASE_URL", DefaultOpenRouterBaseURL)
	v.SetDefault("OPENAI_BASE_URL", DefaultOpenAIBaseURL)
	v.SetDefault("ANTHROPIC_BASE_URL", DefaultAnthropicBaseURL)

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),
		Margin:   v.GetFloat64("MARGIN"),

		OpenRouter: ProviderConfig{APIKey: v.GetString("OPENROUTER_API_KEY"), BaseURL: v.GetString("OPENROUTER_BASE_URL")},
		OpenAI:     ProviderConfig{APIKey: v.GetString("OPENAI_API_KEY"), BaseURL: v.GetString("OPENAI_BASE_URL")},
		Anthropic:  ProviderConfig{APIKey: v.GetString("ANTHROPIC_API_KEY"), BaseURL: v.GetString("ANTHROPIC_BASE_URL")},

		UpstreamTimeout: v.GetDuration("UPSTREAM_TIMEOUT"),

		RateLimit: RateLimitConfig{
			Mode:       strings.ToLower(v.GetString("RATE_LIMIT_MODE")),
			DefaultRPM: v.GetInt("DEFAULT_RPM_LIMIT"),
		},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		SpendStore: strings.ToLower(v.GetString("SPEND_STORE")),
		ClickHouse: ClickHouseConfig{
			Addr:     v.GetString("CLICKHOUSE_ADDR"),
			Database: v.GetString("CLICKHOUSE_DATABASE"),
			Username: v.GetString("CLICKHOUSE_USERNAME"),
			Password: v.GetString("CLICKHOUSE_PASSWORD"),
		},

		CircuitBreaker: CircuitBreakerConfig{
			RequestThreshold: v.GetInt("CB_REQUEST_THRESHOLD"),
			TimeWindow:       v.GetDuration("CB_TIME_WINDOW"),
			Cooldown:         v.GetDuration("CB_COOLDOWN"),
		},

		CapCacheTTL: v.GetDuration("CAP_CACHE_TTL"),

		ServiceKeys: parseServiceKeys(v.GetString("SERVICE_KEYS")),

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseServiceKeys parses "key=tenant,key2=tenant2" into a map. Entries
// without a tenant id are dropped.
func parseServiceKeys(raw string) map[string]string {
	keys := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, tenantID, ok := strings.Cut(pair, "=")
		key, tenantID = strings.TrimSpace(key), strings.TrimSpace(tenantID)
		if !ok || key == "" || tenantID == "" {
			continue
		}
		keys[key] = tenantID
	}
	return keys
}

// validate checks the semantic constraints that defaults cannot express.
func (c *Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	if c.Margin <= 0 {
		return fmt.Errorf("config: MARGIN must be positive, got %v", c.Margin)
	}

	switch c.RateLimit.Mode {
	case "memory":
	case "redis":
		if c.Redis.URL == "" {
			return fmt.Errorf("config: REDIS_URL is required when RATE_LIMIT_MODE=redis; " +
				"set RATE_LIMIT_MODE=memory to use per-process counters")
		}
	default:
		return fmt.Errorf("config: invalid RATE_LIMIT_MODE %q; must be one of: memory, redis", c.RateLimit.Mode)
	}

	switch c.SpendStore {
	case "memory":
	case "clickhouse":
		if c.ClickHouse.Addr == "" {
			return fmt.Errorf("config: CLICKHOUSE_ADDR is required when SPEND_STORE=clickhouse")
		}
	default:
		return fmt.Errorf("config: invalid SPEND_STORE %q; must be one of: memory, clickhouse", c.SpendStore)
	}

	if c.CircuitBreaker.RequestThreshold < 1 {
		return fmt.Errorf("config: CB_REQUEST_THRESHOLD must be ≥ 1, got %d", c.CircuitBreaker.RequestThreshold)
	}
	if c.CircuitBreaker.TimeWindow <= 0 {
		return fmt.Errorf("config: CB_TIME_WINDOW must be a positive duration")
	}
	if c.UpstreamTimeout <= 0 {
		return fmt.Errorf("config: UPSTREAM_TIMEOUT must be a positive duration")
	}

	return nil
}

// HasProvider reports whether at least one upstream provider is configured.
// Not an error when false: the gateway serves overloaded responses instead.
func (c *Config) HasProvider() bool {
	return c.OpenRouter.APIKey != "" || c.OpenAI.APIKey != "" || c.Anthropic.APIKey != ""
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
