package config

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/ladle-dev/ladle/pkg/models"
)

// Config holds all Ladle configuration.
type Config struct {
	Listen    string             `yaml:"listen"`
	DBPath    string             `yaml:"db_path"`
	Store     StoreConfig        `yaml:"store"`
	RateLimit RateLimitConfig    `yaml:"rate_limit"`
	Budget    BudgetConfig       `yaml:"budget"`
	SSRF      SSRFConfig         `yaml:"ssrf"`
	Cache     CacheConfig        `yaml:"cache"`
	Extractor ExtractorConfig    `yaml:"extractor"`
	Audit     models.AuditConfig `yaml:"audit"`
	Log       LogConfig          `yaml:"log"`
}

// StoreConfig selects the shared counter store backend.
// Backend is "sqlite" (default) or "redis".
type StoreConfig struct {
	Backend string      `yaml:"backend"`
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig holds connection settings for the Redis counter store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// RateLimitConfig controls the per-client hourly rate limiter.
type RateLimitConfig struct {
	Enabled         bool `yaml:"enabled"`
	RequestsPerHour int  `yaml:"requests_per_hour"`
}

// BudgetConfig controls daily spend enforcement. Currency amounts are
// decimal strings so they parse without floating-point drift.
type BudgetConfig struct {
	DailyCap       string  `yaml:"daily_cap"`
	CostPerRequest string  `yaml:"cost_per_request"`
	AlertThreshold float64 `yaml:"alert_threshold"`
}

// SSRFConfig controls URL validation.
type SSRFConfig struct {
	ResolveTimeout time.Duration `yaml:"resolve_timeout"`
}

// CacheConfig controls the duplicate-recipe cache.
type CacheConfig struct {
	Enabled bool `yaml:"enabled"`
}

// ExtractorConfig defines the downstream extraction service.
type ExtractorConfig struct {
	URL     string        `yaml:"url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen: ":8080",
		DBPath: "ladle.db",
		Store: StoreConfig{
			Backend: "sqlite",
		},
		RateLimit: RateLimitConfig{
			Enabled:         true,
			RequestsPerHour: 20,
		},
		Budget: BudgetConfig{
			DailyCap:       "1.00",
			CostPerRequest: "0.0015",
			AlertThreshold: 0.8,
		},
		SSRF: SSRFConfig{
			ResolveTimeout: 2 * time.Second,
		},
		Cache: CacheConfig{
			Enabled: true,
		},
		Extractor: ExtractorConfig{
			Timeout: 30 * time.Second,
		},
		Audit: models.AuditConfig{
			RetentionDays: 30,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads a YAML config file, expands environment variables, and
// validates the result.
func Load(path string) (*Config, error) {
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

// Validate checks ranges and parseability of the configuration.
func (c *Config) Validate() error {
	if c.RateLimit.Enabled && c.RateLimit.RequestsPerHour < 1 {
		return fmt.Errorf("rate_limit.requests_per_hour must be >= 1, got %d", c.RateLimit.RequestsPerHour)
	}
	dailyCap, err := c.DailyCap()
	if err != nil {
		return err
	}
	if !dailyCap.IsPositive() {
		return fmt.Errorf("budget.daily_cap must be > 0, got %s", dailyCap)
	}
	cost, err := c.CostPerRequest()
	if err != nil {
		return err
	}
	if cost.IsNegative() {
		return fmt.Errorf("budget.cost_per_request must be >= 0, got %s", cost)
	}
	if c.Budget.AlertThreshold <= 0 || c.Budget.AlertThreshold > 1 {
		return fmt.Errorf("budget.alert_threshold must be in (0, 1], got %v", c.Budget.AlertThreshold)
	}
	switch c.Store.Backend {
	case "sqlite", "redis":
	default:
		return fmt.Errorf("store.backend must be sqlite or redis, got %q", c.Store.Backend)
	}
	if c.Store.Backend == "redis" && c.Store.Redis.Addr == "" {
		return fmt.Errorf("store.redis.addr is required for the redis backend")
	}
	return nil
}

// DailyCap parses the configured daily budget cap.
func (c *Config) DailyCap() (decimal.Decimal, error) {
	d, err := decimal.NewFromString(c.Budget.DailyCap)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse budget.daily_cap %q: %w", c.Budget.DailyCap, err)
	}
	return d, nil
}

// CostPerRequest parses the configured per-request cost increment.
func (c *Config) CostPerRequest() (decimal.Decimal, error) {
	d, err := decimal.NewFromString(c.Budget.CostPerRequest)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse budget.cost_per_request %q: %w", c.Budget.CostPerRequest, err)
	}
	return d, nil
}
