// Package config loads service configuration from an optional file, the
// environment and defaults, in that order of precedence from last to first.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store kinds
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// EnvPrefix prefixes every environment variable the service reads, e.g.
// DISPUTE_ENGINE_MAX_ATTEMPTS.
const EnvPrefix = "DISPUTE"

// Config is the complete service configuration.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Engine       EngineConfig       `mapstructure:"engine"`
	Cache        CacheConfig        `mapstructure:"cache"`
	Similarity   SimilarityConfig   `mapstructure:"similarity"`
	LLM          LLMConfig          `mapstructure:"llm"`
	Integrations IntegrationsConfig `mapstructure:"integrations"`
	Notify       NotifyConfig       `mapstructure:"notify"`
	Queue        QueueConfig        `mapstructure:"queue"`
	Review       ReviewConfig       `mapstructure:"review"`
	RateLimit    RateLimitConfig    `mapstructure:"rate_limit"`
	Log          LogConfig          `mapstructure:"log"`
}

// ServerConfig configures the HTTP surface and reviewer auth.
type ServerConfig struct {
	Port               int    `mapstructure:"port"`
	CORSOrigin         string `mapstructure:"cors_origin"`
	JWTSecret          string `mapstructure:"jwt_secret"`
	JWTExpirationHours int    `mapstructure:"jwt_expiration_hours"`
	BcryptCost         int    `mapstructure:"bcrypt_cost"`
	PasswordPepper     string `mapstructure:"password_pepper"`
	// AuthRequired makes the decision endpoints demand a reviewer token.
	AuthRequired bool `mapstructure:"auth_required"`
}

// DatabaseConfig selects the workflow store. An empty Store means postgres
// when URL is set and memory otherwise.
type DatabaseConfig struct {
	URL   string `mapstructure:"url"`
	Store string `mapstructure:"store"`
}

// EngineConfig is the engine retry policy.
type EngineConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BaseBackoff    time.Duration `mapstructure:"base_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
}

// CacheConfig bounds the similarity cache.
type CacheConfig struct {
	TTL        time.Duration `mapstructure:"ttl"`
	MaxEntries int           `mapstructure:"max_entries"`
}

// SimilarityConfig locates the similarity store.
type SimilarityConfig struct {
	Path string `mapstructure:"path"`
}

// LLMConfig selects the resolution drafter.
type LLMConfig struct {
	// Provider is "gemini" or "rules".
	Provider string `mapstructure:"provider"`
	Model    string `mapstructure:"model"`
	APIKey   string `mapstructure:"api_key"`
	// AdvancedModel drafts disputes of at least AdvancedFrom dollars.
	AdvancedModel string  `mapstructure:"advanced_model"`
	AdvancedFrom  float64 `mapstructure:"advanced_from"`
}

// ServiceConfig addresses one REST collaborator.
type ServiceConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// IntegrationsConfig addresses the CRM, billing and payments systems. A
// service without a base URL is replaced by the in-memory sandbox.
type IntegrationsConfig struct {
	CRM      ServiceConfig `mapstructure:"crm"`
	Billing  ServiceConfig `mapstructure:"billing"`
	Payments ServiceConfig `mapstructure:"payments"`
	// DemoFallback makes the sandbox invent records for unknown cases.
	DemoFallback bool `mapstructure:"demo_fallback"`
}

// NotifyConfig configures outgoing email.
type NotifyConfig struct {
	SMTPHost     string   `mapstructure:"smtp_host"`
	SMTPPort     int      `mapstructure:"smtp_port"`
	SMTPUsername string   `mapstructure:"smtp_username"`
	SMTPPassword string   `mapstructure:"smtp_password"`
	From         string   `mapstructure:"from"`
	Reviewers    []string `mapstructure:"reviewers"`
	Finance      []string `mapstructure:"finance"`
	DecisionURL  string   `mapstructure:"decision_url"`
}

// QueueConfig tunes the dispute-event worker.
type QueueConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
	Visibility   time.Duration `mapstructure:"visibility_timeout"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
}

// ReviewConfig configures escalation of overdue reviews.
type ReviewConfig struct {
	OverdueThreshold time.Duration `mapstructure:"overdue_threshold"`
}

// RateLimitConfig configures per-client request limits.
type RateLimitConfig struct {
	Enabled   bool `mapstructure:"enabled"`
	PerMinute int  `mapstructure:"per_minute"`
	Burst     int  `mapstructure:"burst"`
}

// LogConfig configures the logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// wellKnownEnv maps config keys to unprefixed variables commonly set by
// deployment tooling. The prefixed form always wins.
var wellKnownEnv = map[string][]string{
	"database.url":                {"DATABASE_URL"},
	"llm.api_key":                 {"GEMINI_API_KEY"},
	"server.port":                 {"PORT"},
	"server.jwt_secret":           {"JWT_SECRET"},
	"server.jwt_expiration_hours": {"JWT_EXPIRATION_HOURS"},
	"server.bcrypt_cost":          {"BCRYPT_COST"},
	"server.password_pepper":      {"PASSWORD_PEPPER"},
	"log.level":                   {"LOG_LEVEL"},
	"log.format":                  {"LOG_FORMAT"},
	"notify.smtp_host":            {"SMTP_HOST"},
	"notify.smtp_port":            {"SMTP_PORT"},
	"notify.smtp_username":        {"SMTP_USERNAME"},
	"notify.smtp_password":        {"SMTP_PASSWORD"},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origin", "*")
	v.SetDefault("server.jwt_secret", "")
	v.SetDefault("server.jwt_expiration_hours", 24)
	v.SetDefault("server.bcrypt_cost", 12)
	v.SetDefault("server.password_pepper", "")
	v.SetDefault("server.auth_required", false)

	v.SetDefault("database.url", "")
	v.SetDefault("database.store", "")

	v.SetDefault("engine.max_attempts", 3)
	v.SetDefault("engine.base_backoff", 500*time.Millisecond)
	v.SetDefault("engine.max_backoff", 5*time.Second)
	v.SetDefault("engine.attempt_timeout", 30*time.Second)

	v.SetDefault("cache.ttl", 10*time.Minute)
	v.SetDefault("cache.max_entries", 256)

	v.SetDefault("similarity.path", "similarity.db")

	v.SetDefault("llm.provider", "gemini")
	v.SetDefault("llm.model", "")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.advanced_model", "")
	v.SetDefault("llm.advanced_from", 1000.0)

	for _, svc := range []string{"crm", "billing", "payments"} {
		v.SetDefault("integrations."+svc+".base_url", "")
		v.SetDefault("integrations."+svc+".token", "")
		v.SetDefault("integrations."+svc+".timeout", 10*time.Second)
	}
	v.SetDefault("integrations.demo_fallback", false)

	v.SetDefault("notify.smtp_host", "")
	v.SetDefault("notify.smtp_port", 587)
	v.SetDefault("notify.smtp_username", "")
	v.SetDefault("notify.smtp_password", "")
	v.SetDefault("notify.from", "disputes@localhost")
	v.SetDefault("notify.reviewers", []string{})
	v.SetDefault("notify.finance", []string{})
	v.SetDefault("notify.decision_url", "http://localhost:8080/human-review/decision")

	v.SetDefault("queue.poll_interval", 2*time.Second)
	v.SetDefault("queue.batch_size", 10)
	v.SetDefault("queue.visibility_timeout", 5*time.Minute)
	v.SetDefault("queue.max_attempts", 5)

	v.SetDefault("review.overdue_threshold", 72*time.Hour)

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.per_minute", 120)
	v.SetDefault("rate_limit.burst", 20)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load reads configuration. path may be empty, in which case only the
// environment and defaults apply. The result is validated.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, names := range wellKnownEnv {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(append([]string{key, prefixed}, names...)...); err != nil {
			return nil, fmt.Errorf("failed to bind environment for %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	c.Database.Store = strings.ToLower(strings.TrimSpace(c.Database.Store))
	if c.Database.Store == "" {
		c.Database.Store = StoreMemory
		if c.Database.URL != "" {
			c.Database.Store = StorePostgres
		}
	}
	c.LLM.Provider = strings.ToLower(strings.TrimSpace(c.LLM.Provider))
	c.Notify.Reviewers = splitList(c.Notify.Reviewers)
	c.Notify.Finance = splitList(c.Notify.Finance)
	for _, svc := range []*ServiceConfig{&c.Integrations.CRM, &c.Integrations.Billing, &c.Integrations.Payments} {
		svc.BaseURL = strings.TrimRight(strings.TrimSpace(svc.BaseURL), "/")
	}
}

// splitList flattens comma-separated entries, which is how lists arrive
// from the environment.
func splitList(in []string) []string {
	out := []string{}
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate checks that the configuration has usable values.
func (c *Config) Validate() error {
	if c.Engine.MaxAttempts < 1 {
		return fmt.Errorf("config error: 'engine.max_attempts' must be positive, got %d", c.Engine.MaxAttempts)
	}
	if c.Engine.BaseBackoff <= 0 {
		return fmt.Errorf("config error: 'engine.base_backoff' must be positive")
	}
	if c.Engine.MaxBackoff < c.Engine.BaseBackoff {
		return fmt.Errorf("config error: 'engine.max_backoff' (%s) is lower than 'engine.base_backoff' (%s)",
			c.Engine.MaxBackoff, c.Engine.BaseBackoff)
	}
	if c.Engine.AttemptTimeout <= 0 {
		return fmt.Errorf("config error: 'engine.attempt_timeout' must be positive")
	}

	switch c.Database.Store {
	case StorePostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("config error: 'database.url' is required for the %s store", StorePostgres)
		}
	case StoreMemory:
	default:
		return fmt.Errorf("config error: unknown store kind %q (want %s or %s)", c.Database.Store, StorePostgres, StoreMemory)
	}

	switch c.LLM.Provider {
	case "gemini", "rules":
	default:
		return fmt.Errorf("config error: unknown llm provider %q", c.LLM.Provider)
	}
	if c.LLM.AdvancedFrom < 0 {
		return fmt.Errorf("config error: 'llm.advanced_from' must be non-negative")
	}

	if c.Cache.TTL < 0 || c.Cache.MaxEntries < 0 {
		return fmt.Errorf("config error: cache ttl and max_entries must be non-negative")
	}
	if c.Queue.BatchSize < 1 || c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("config error: 'queue.batch_size' and 'queue.max_attempts' must be positive")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("config error: 'server.port' out of range: %d", c.Server.Port)
	}
	if c.RateLimit.Enabled && c.RateLimit.PerMinute < 1 {
		return fmt.Errorf("config error: 'rate_limit.per_minute' must be positive when rate limiting is enabled")
	}
	return nil
}
