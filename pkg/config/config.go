package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pario-ai/tenantgate/pkg/models"
)

// EnvConfigPath names the environment variable holding the config file path.
const EnvConfigPath = "TENANTGATE_CONFIG"

// Config holds all gateway configuration.
type Config struct {
	Env        string                `yaml:"env"`
	Listen     string                `yaml:"listen"`
	DBPath     string                `yaml:"db_path"`
	Logging    LoggingConfig         `yaml:"logging"`
	Auth       AuthConfig            `yaml:"auth"`
	Providers  []ProviderConfig      `yaml:"providers"`
	Router     RouterConfig          `yaml:"router"`
	Pricing    []models.ModelPricing `yaml:"pricing"`
	Tenants    []TenantConfig        `yaml:"tenants"`
	Cache      CacheConfig           `yaml:"cache"`
	Budget     BudgetConfig          `yaml:"budget"`
	Invoker    InvokerConfig         `yaml:"invoker"`
	Usage      UsageConfig           `yaml:"usage"`
	Monitor    MonitorConfig         `yaml:"monitor"`
	Alerts     AlertsConfig          `yaml:"alerts"`
	Normalizer NormalizerConfig      `yaml:"normalizer"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// AuthConfig controls how tenant claims are read from requests.
// An empty JWTSecret trusts X-Tenant-ID / X-User-ID headers.
type AuthConfig struct {
	JWTSecret  string `yaml:"jwt_secret"`
	AdminToken string `yaml:"admin_token"`
}

// RouterConfig defines model routing and fallback chains.
type RouterConfig struct {
	Routes []RouteConfig `yaml:"routes"`
}

// RouteConfig maps a client-facing model alias to an ordered list of targets.
type RouteConfig struct {
	Model   string        `yaml:"model"`
	Targets []RouteTarget `yaml:"targets"`
}

// RouteTarget identifies a specific provider and model in a fallback chain.
type RouteTarget struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// ProviderConfig defines an upstream LLM provider.
// Type is "openai" (default), "anthropic" or "echo".
type ProviderConfig struct {
	Name   string `yaml:"name"`
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
	Type   string `yaml:"type"`
}

// TenantConfig registers a tenant with its isolation context and budget.
type TenantConfig struct {
	ID           string           `yaml:"id"`
	Isolation    models.Isolation `yaml:"isolation"`
	MonthlyLimit float64          `yaml:"monthly_limit"`
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Driver        string        `yaml:"driver"` // memory, sqlite, redis
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	RedisAddrs    []string      `yaml:"redis_addrs"`
	RedisPassword string        `yaml:"redis_password"`
	KeyPrefix     string        `yaml:"key_prefix"`
}

// BudgetConfig controls admission and alert thresholds.
type BudgetConfig struct {
	// Thresholds are percentages of the limit that raise alerts.
	Thresholds       []int `yaml:"thresholds"`
	SoftLimitPct     int   `yaml:"soft_limit_pct"`
	DefaultMaxTokens int   `yaml:"default_max_tokens"`
}

// InvokerConfig bounds model calls.
type InvokerConfig struct {
	Timeout        time.Duration `yaml:"timeout"`
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// UsageConfig selects the usage store and its delivery guarantees.
type UsageConfig struct {
	Driver       string        `yaml:"driver"` // sqlite, postgres
	PostgresDSN  string        `yaml:"postgres_dsn"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	QueueSize    int           `yaml:"queue_size"`
	MaxRetries   int           `yaml:"max_retries"`
	SpoolPath    string        `yaml:"spool_path"`
}

// MonitorConfig schedules the budget monitor.
type MonitorConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"`
}

// AlertsConfig configures alert delivery.
type AlertsConfig struct {
	WebhookURL    string        `yaml:"webhook_url"`
	WebhookFilter string        `yaml:"webhook_filter"`
	Timeout       time.Duration `yaml:"timeout"`
}

// NormalizerConfig holds the prompt compression rules.
type NormalizerConfig struct {
	Fillers []string          `yaml:"fillers"`
	Markers map[string]string `yaml:"markers"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Env:    "local",
		Listen: ":8080",
		DBPath: "tenantgate.db",
		Cache: CacheConfig{
			Enabled: true,
			Driver:  "sqlite",
			TTL:     24 * time.Hour,
		},
		Monitor: MonitorConfig{
			Enabled:  true,
			Schedule: "@every 2m",
		},
	}
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(expandEnvVars(data), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// PathFromEnv returns the config path from TENANTGATE_CONFIG, or fallback.
func PathFromEnv(fallback string) string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return fallback
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults() {
	if c.Env == "" {
		c.Env = "local"
	}
	if c.Cache.Driver == "" {
		c.Cache.Driver = "sqlite"
	}
	if c.Cache.TTL <= 0 {
		c.Cache.TTL = 24 * time.Hour
	}
	if c.Cache.SweepInterval <= 0 {
		c.Cache.SweepInterval = 10 * time.Minute
	}
	if c.Cache.KeyPrefix == "" {
		c.Cache.KeyPrefix = "tenantgate:cache:"
	}
	if len(c.Budget.Thresholds) == 0 {
		c.Budget.Thresholds = []int{75, 90, 100}
	}
	sort.Ints(c.Budget.Thresholds)
	if c.Budget.SoftLimitPct <= 0 {
		c.Budget.SoftLimitPct = 90
	}
	if c.Budget.DefaultMaxTokens <= 0 {
		c.Budget.DefaultMaxTokens = 256
	}
	if c.Invoker.Timeout <= 0 {
		c.Invoker.Timeout = 60 * time.Second
	}
	if c.Invoker.MaxAttempts <= 0 {
		c.Invoker.MaxAttempts = 3
	}
	if c.Invoker.InitialBackoff <= 0 {
		c.Invoker.InitialBackoff = 200 * time.Millisecond
	}
	if c.Invoker.MaxBackoff <= 0 {
		c.Invoker.MaxBackoff = 5 * time.Second
	}
	if c.Usage.Driver == "" {
		c.Usage.Driver = "sqlite"
	}
	if c.Usage.WriteTimeout <= 0 {
		c.Usage.WriteTimeout = 2 * time.Second
	}
	if c.Usage.QueueSize <= 0 {
		c.Usage.QueueSize = 1024
	}
	if c.Usage.MaxRetries <= 0 {
		c.Usage.MaxRetries = 5
	}
	if c.Usage.SpoolPath == "" {
		c.Usage.SpoolPath = "usage-spool.jsonl"
	}
	if c.Monitor.Schedule == "" {
		c.Monitor.Schedule = "@every 2m"
	}
	if c.Alerts.Timeout <= 0 {
		c.Alerts.Timeout = 5 * time.Second
	}
	if len(c.Normalizer.Fillers) == 0 && c.Normalizer.Markers == nil {
		c.Normalizer.Fillers = []string{"um", "uh", "please", "kindly", "basically"}
		c.Normalizer.Markers = map[string]string{
			"User:":      "U:",
			"Assistant:": "A:",
			"System:":    "S:",
		}
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	switch c.Cache.Driver {
	case "memory", "sqlite":
	case "redis":
		if len(c.Cache.RedisAddrs) == 0 {
			return fmt.Errorf("cache.redis_addrs is required for the redis driver")
		}
	default:
		return fmt.Errorf("cache.driver must be memory, sqlite or redis, got %q", c.Cache.Driver)
	}
	switch c.Usage.Driver {
	case "sqlite":
	case "postgres":
		if c.Usage.PostgresDSN == "" {
			return fmt.Errorf("usage.postgres_dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("usage.driver must be sqlite or postgres, got %q", c.Usage.Driver)
	}
	for _, th := range c.Budget.Thresholds {
		if th <= 0 || th > 100 {
			return fmt.Errorf("budget.thresholds must be within 1..100, got %d", th)
		}
	}
	if c.Budget.SoftLimitPct > 100 {
		return fmt.Errorf("budget.soft_limit_pct must be at most 100, got %d", c.Budget.SoftLimitPct)
	}
	seen := make(map[string]bool, len(c.Tenants))
	for _, t := range c.Tenants {
		if t.ID == "" {
			return fmt.Errorf("tenants: id is required")
		}
		if seen[t.ID] {
			return fmt.Errorf("tenants: duplicate id %q", t.ID)
		}
		seen[t.ID] = true
		if t.MonthlyLimit < 0 {
			return fmt.Errorf("tenants.%s.monthly_limit must not be negative", t.ID)
		}
	}
	for _, p := range c.Providers {
		switch p.Type {
		case "", "openai", "anthropic", "echo":
		default:
			return fmt.Errorf("providers.%s.type must be openai, anthropic or echo, got %q", p.Name, p.Type)
		}
	}
	priced := make(map[string]bool, len(c.Pricing))
	for _, p := range c.Pricing {
		priced[p.Model] = true
	}
	for _, r := range c.Router.Routes {
		if !priced[r.Model] {
			return fmt.Errorf("router.routes: model %q has no pricing entry", r.Model)
		}
	}
	for marker, abbr := range c.Normalizer.Markers {
		if len(abbr) >= len(marker) {
			return fmt.Errorf("normalizer.markers: %q must abbreviate to something shorter than itself", marker)
		}
	}
	return nil
}

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1])
		name, def, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(name)
		if val == "" && hasDefault {
			val = def
		}
		return []byte(val)
	})
}
