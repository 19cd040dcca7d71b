package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/pario-ai/tollgate/pkg/models"
)

// Config holds all tollgate configuration. It is loaded once at startup and
// treated as read-only afterwards.
type Config struct {
	Listen      string                `yaml:"listen"`
	DBPath      string                `yaml:"db_path"`
	LogLevel    string                `yaml:"log_level"`
	LogFormat   string                `yaml:"log_format"`
	Auth        AuthConfig            `yaml:"auth"`
	Upstream    UpstreamConfig        `yaml:"upstream"`
	Gateway     GatewayConfig         `yaml:"gateway"`
	RateLimit   RateLimitConfig       `yaml:"rate_limit"`
	Counters    CountersConfig        `yaml:"counters"`
	Models      []string              `yaml:"models"`
	DefaultTier string                `yaml:"default_tier"`
	Tiers       map[string]TierConfig `yaml:"tiers"`
	Pricing     []models.ModelPricing `yaml:"pricing"`
	Audit       models.AuditConfig    `yaml:"audit"`
	Sync        SyncConfig            `yaml:"sync"`
}

// AuthConfig describes the trusted identity-token issuer.
type AuthConfig struct {
	Issuer         string `yaml:"issuer"`
	Audience       string `yaml:"audience"`
	HMACSecret     string `yaml:"hmac_secret"`
	PublicKeysFile string `yaml:"public_keys_file"`
}

// Validate reports an auth config that would accept tokens it cannot trust.
// Only commands that verify tokens need it.
func (a AuthConfig) Validate() error {
	if strings.TrimSpace(a.Issuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if a.HMACSecret == "" && a.PublicKeysFile == "" {
		return fmt.Errorf("auth: hmac_secret or public_keys_file is required")
	}
	return nil
}

// UpstreamConfig defines the model API the gateway forwards to.
type UpstreamConfig struct {
	URL     string        `yaml:"url"`
	APIKey  string        `yaml:"api_key"`
	Version string        `yaml:"version"`
	Timeout time.Duration `yaml:"timeout"`
}

// GatewayConfig holds payload limits and request defaults.
type GatewayConfig struct {
	DefaultModel       string  `yaml:"default_model"`
	DefaultMaxTokens   int     `yaml:"default_max_tokens"`
	DefaultTemperature float64 `yaml:"default_temperature"`
	MaxTokensLimit     int     `yaml:"max_tokens_limit"`
	MaxSystemLength    int     `yaml:"max_system_length"`
	MaxMessageLength   int     `yaml:"max_message_length"`
	MaxMessages        int     `yaml:"max_messages"`
	CharsPerToken      int     `yaml:"chars_per_token"`
	MaxBodyBytes       int64   `yaml:"max_body_bytes"`
}

// RateLimitConfig configures the fixed-window rate gate.
type RateLimitConfig struct {
	Window      time.Duration `yaml:"window"`
	MaxRequests int           `yaml:"max_requests"`
}

// CountersConfig selects the atomic counter store backend.
// Backend is "sqlite" (default), "redis" or "memory".
type CountersConfig struct {
	Backend       string `yaml:"backend"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`
}

// TierConfig is the model allowlist and token budget of one subscription tier.
type TierConfig struct {
	Models []string            `yaml:"models"`
	Budget models.BudgetLimits `yaml:"budget"`
}

// SyncConfig controls the external catalog sync.
type SyncConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Interval          time.Duration `yaml:"interval"`
	BaseURL           string        `yaml:"base_url"`
	SiteURL           string        `yaml:"site_url"`
	APIKey            string        `yaml:"api_key"`
	Token             string        `yaml:"token"`
	LanguageID        int           `yaml:"language_id"`
	PageSize          int           `yaml:"page_size"`
	BatchSize         int           `yaml:"batch_size"`
	MaxRetries        int           `yaml:"max_retries"`
	BackoffBase       time.Duration `yaml:"backoff_base"`
	RateLimitWait     time.Duration `yaml:"rate_limit_wait"`
	MaxRateLimitWaits int           `yaml:"max_rate_limit_waits"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Timeout           time.Duration `yaml:"timeout"`
}

const (
	haiku    = "claude-3-haiku-20240307"
	sonnet   = "claude-3-sonnet-20240229"
	sonnet35 = "claude-3-5-sonnet-20241022"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	premiumModels := []string{haiku, sonnet, sonnet35}
	return &Config{
		Listen:    ":8080",
		DBPath:    "tollgate.db",
		LogLevel:  "info",
		LogFormat: "json",
		Upstream: UpstreamConfig{
			URL:     "https://api.anthropic.com/v1/messages",
			Version: "2023-06-01",
			Timeout: 120 * time.Second,
		},
		Gateway: GatewayConfig{
			DefaultModel:       haiku,
			DefaultMaxTokens:   1024,
			DefaultTemperature: 0.7,
			MaxTokensLimit:     4096,
			MaxSystemLength:    4000,
			MaxMessageLength:   8000,
			MaxMessages:        50,
			CharsPerToken:      4,
			MaxBodyBytes:       1 << 20,
		},
		RateLimit: RateLimitConfig{
			Window:      time.Minute,
			MaxRequests: 20,
		},
		Counters: CountersConfig{
			Backend:     "sqlite",
			RedisPrefix: "tollgate:counters:",
		},
		Models:      []string{haiku, sonnet, sonnet35},
		DefaultTier: "free",
		Tiers: map[string]TierConfig{
			"free": {
				Models: []string{haiku},
				Budget: models.BudgetLimits{DailyInput: 50000, DailyOutput: 20000, MonthlyInput: 500000, MonthlyOutput: 200000},
			},
			"premium": {
				Models: premiumModels,
				Budget: models.BudgetLimits{DailyInput: 200000, DailyOutput: 80000, MonthlyInput: 2000000, MonthlyOutput: 800000},
			},
			"premium_annual": {
				Models: premiumModels,
				Budget: models.BudgetLimits{DailyInput: 300000, DailyOutput: 120000, MonthlyInput: 3000000, MonthlyOutput: 1200000},
			},
		},
		Pricing: []models.ModelPricing{
			{Match: "haiku", PromptCost: 0.00025, CompletionCost: 0.00125},
			{Match: "", PromptCost: 0.003, CompletionCost: 0.015},
		},
		Audit: models.AuditConfig{
			Enabled:       true,
			DBPath:        "tollgate-audit.db",
			RetentionDays: 90,
		},
		Sync: SyncConfig{
			Enabled:           false,
			Interval:          24 * time.Hour,
			BaseURL:           "https://wger.de/api/v2",
			SiteURL:           "https://wger.de",
			LanguageID:        2,
			PageSize:          100,
			BatchSize:         400,
			MaxRetries:        3,
			BackoffBase:       time.Second,
			RateLimitWait:     5 * time.Second,
			MaxRateLimitWaits: 10,
			RequestsPerSecond: 2,
			Timeout:           30 * time.Second,
		},
	}
}

// Load reads a YAML config file and expands environment variables. A .env
// file next to the config, if present, is loaded into the environment first
// without overriding variables that are already set.
func Load(path string) (*Config, error) {
	envPath := filepath.Join(filepath.Dir(path), ".env")
	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load env file: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports configuration that cannot work at runtime.
func (c *Config) Validate() error {
	if _, ok := c.Tiers[c.DefaultTier]; !ok {
		return fmt.Errorf("default tier %q is not configured", c.DefaultTier)
	}
	if c.RateLimit.Window <= 0 || c.RateLimit.MaxRequests <= 0 {
		return fmt.Errorf("rate_limit: window and max_requests must be positive")
	}
	if c.Gateway.CharsPerToken <= 0 {
		return fmt.Errorf("gateway.chars_per_token must be positive")
	}
	if !slices.Contains(c.Models, c.Gateway.DefaultModel) {
		return fmt.Errorf("gateway.default_model %q is not in models", c.Gateway.DefaultModel)
	}
	if c.Sync.BatchSize <= 0 || c.Sync.BatchSize > 500 {
		return fmt.Errorf("sync.batch_size must be between 1 and 500")
	}
	switch c.Counters.Backend {
	case "sqlite", "redis", "memory":
	default:
		return fmt.Errorf("counters.backend %q is not supported", c.Counters.Backend)
	}
	return nil
}

// Tier returns the configuration of the named tier, falling back to the
// default tier for unknown names.
func (c *Config) Tier(name string) TierConfig {
	if t, ok := c.Tiers[name]; ok {
		return t
	}
	return c.Tiers[c.DefaultTier]
}

// Budgets returns the budget ceilings keyed by tier name.
func (c *Config) Budgets() map[string]models.BudgetLimits {
	out := make(map[string]models.BudgetLimits, len(c.Tiers))
	for name, t := range c.Tiers {
		out[name] = t.Budget
	}
	return out
}

// TierModels returns the model allowlists keyed by tier name.
func (c *Config) TierModels() map[string][]string {
	out := make(map[string][]string, len(c.Tiers))
	for name, t := range c.Tiers {
		out[name] = t.Models
	}
	return out
}
