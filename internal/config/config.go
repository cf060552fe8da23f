// Package config loads and validates the gateway's startup
// configuration from YAML with environment overrides. Configuration is
// immutable after startup; changing it requires a restart.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the gateway.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	SMTP      SMTPConfig      `yaml:"smtp"`
	Store     StoreConfig     `yaml:"store"`
	Analyzer  AnalyzerConfig  `yaml:"analyzer"`
	Outbound  OutboundConfig  `yaml:"outbound"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Shield    ShieldConfig    `yaml:"shield"`
	Redis     RedisConfig     `yaml:"redis"`
	Policy    PolicyConfig    `yaml:"policy"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host                 string   `yaml:"host"`
	Port                 int      `yaml:"port"`
	AllowedOrigins       []string `yaml:"allowed_origins"`
	ShutdownDrainSeconds int      `yaml:"shutdown_drain_seconds"`
}

// SMTPConfig holds the inbound SMTP listener settings.
type SMTPConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Hostname string `yaml:"hostname"`
	MaxBytes int64  `yaml:"max_bytes"`
}

// StoreConfig bounds the ephemeral store.
type StoreConfig struct {
	Capacity              int `yaml:"capacity"`
	TTLSeconds            int `yaml:"ttl_seconds"`
	ReaperIntervalSeconds int `yaml:"reaper_interval_seconds"`
	ReaperGraceSeconds    int `yaml:"reaper_grace_seconds"`
}

// AnalyzerConfig selects and tunes the content analyzer.
type AnalyzerConfig struct {
	// Provider is "bedrock" or "mock".
	Provider       string `yaml:"provider"`
	ModelID        string `yaml:"model_id"`
	Region         string `yaml:"region"`
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// OutboundConfig selects and tunes the delivery path.
type OutboundConfig struct {
	// Provider is "ses", "smtp", or "dry_run".
	Provider           string `yaml:"provider"`
	From               string `yaml:"from"`
	DryRun             bool   `yaml:"dry_run"`
	RetryAttempts      int    `yaml:"retry_attempts"`
	SendTimeoutSeconds int    `yaml:"send_timeout_seconds"`

	SESRegion    string `yaml:"ses_region"`
	SESAccessKey string `yaml:"ses_access_key"`
	SESSecretKey string `yaml:"ses_secret_key"`

	SMTPHost     string `yaml:"smtp_host"`
	SMTPPort     int    `yaml:"smtp_port"`
	SMTPUsername string `yaml:"smtp_username"`
	SMTPPassword string `yaml:"smtp_password"`
}

// WebhookConfig holds ingestion limits and per-provider secrets.
type WebhookConfig struct {
	MaxBodyBytes        int64             `yaml:"max_body_bytes"`
	SignatureMaxAgeSecs int               `yaml:"signature_max_age_seconds"`
	Secrets             map[string]string `yaml:"secrets"`
}

// RateLimitConfig tunes the boundary throttle.
type RateLimitConfig struct {
	RPM   int `yaml:"rpm"`
	Burst int `yaml:"burst"`
}

// ShieldConfig configures shield address resolution.
type ShieldConfig struct {
	ServiceDomains []string `yaml:"service_domains"`
	DatabaseURL    string   `yaml:"database_url"`
	// StaticFile loads a YAML shield table instead of Postgres (dev).
	StaticFile string `yaml:"static_file"`
}

// RedisConfig points at the shared Redis used for rate limiting and
// replay detection.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// PolicyConfig holds decision-engine toggles.
type PolicyConfig struct {
	NotifyOnBlock bool `yaml:"notify_on_block"`
}

func (c StoreConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

func (c StoreConfig) ReaperInterval() time.Duration {
	return time.Duration(c.ReaperIntervalSeconds) * time.Second
}

func (c StoreConfig) ReaperGrace() time.Duration {
	return time.Duration(c.ReaperGraceSeconds) * time.Second
}

func (c AnalyzerConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c OutboundConfig) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutSeconds) * time.Second
}

func (c WebhookConfig) SignatureMaxAge() time.Duration {
	return time.Duration(c.SignatureMaxAgeSecs) * time.Second
}

func (c ServerConfig) DrainTimeout() time.Duration {
	return time.Duration(c.ShutdownDrainSeconds) * time.Second
}

// Load reads the YAML file, applies defaults, then environment
// overrides, then validates. A missing file is an error; the gateway
// fails fast on misconfiguration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromEnv loads .env (if present) before reading the config file,
// so secrets can live outside the YAML.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()
	return Load(path)
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "localhost"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ShutdownDrainSeconds == 0 {
		c.Server.ShutdownDrainSeconds = 30
	}
	if c.SMTP.Addr == "" {
		c.SMTP.Addr = "127.0.0.1:2525"
	}
	if c.SMTP.MaxBytes == 0 {
		c.SMTP.MaxBytes = 5 << 20
	}
	if c.Store.Capacity == 0 {
		c.Store.Capacity = 100
	}
	if c.Store.TTLSeconds == 0 {
		c.Store.TTLSeconds = 300
	}
	if c.Store.ReaperIntervalSeconds == 0 {
		c.Store.ReaperIntervalSeconds = 60
	}
	if c.Store.ReaperGraceSeconds == 0 {
		c.Store.ReaperGraceSeconds = 60
	}
	if c.Analyzer.Provider == "" {
		c.Analyzer.Provider = "bedrock"
	}
	if c.Analyzer.Region == "" {
		c.Analyzer.Region = "us-east-1"
	}
	if c.Analyzer.TimeoutSeconds == 0 {
		c.Analyzer.TimeoutSeconds = 30
	}
	if c.Outbound.Provider == "" {
		c.Outbound.Provider = "dry_run"
	}
	if c.Outbound.RetryAttempts == 0 {
		c.Outbound.RetryAttempts = 3
	}
	if c.Outbound.SendTimeoutSeconds == 0 {
		c.Outbound.SendTimeoutSeconds = 10
	}
	if c.Outbound.SMTPPort == 0 {
		c.Outbound.SMTPPort = 587
	}
	if c.Webhook.MaxBodyBytes == 0 {
		c.Webhook.MaxBodyBytes = 5 << 20
	}
	if c.Webhook.SignatureMaxAgeSecs == 0 {
		c.Webhook.SignatureMaxAgeSecs = 300
	}
	if c.RateLimit.RPM == 0 {
		c.RateLimit.RPM = 100
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = c.RateLimit.RPM
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("GATEWAY_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("GATEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("GATEWAY_SERVICE_DOMAINS"); v != "" {
		c.Shield.ServiceDomains = splitCSV(v)
	}
	if v := os.Getenv("GATEWAY_DATABASE_URL"); v != "" {
		c.Shield.DatabaseURL = v
	}
	if v := os.Getenv("GATEWAY_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("GATEWAY_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("AWS_BEDROCK_ACCESS_KEY"); v != "" {
		c.Analyzer.AccessKey = v
	}
	if v := os.Getenv("AWS_BEDROCK_SECRET_KEY"); v != "" {
		c.Analyzer.SecretKey = v
	}
	if v := os.Getenv("AWS_SES_ACCESS_KEY"); v != "" {
		c.Outbound.SESAccessKey = v
	}
	if v := os.Getenv("AWS_SES_SECRET_KEY"); v != "" {
		c.Outbound.SESSecretKey = v
	}
	if v := os.Getenv("GATEWAY_SMTP_PASSWORD"); v != "" {
		c.Outbound.SMTPPassword = v
	}
	if v := os.Getenv("GATEWAY_DRY_RUN"); v != "" {
		c.Outbound.DryRun = v == "true" || v == "1"
	}
	// GATEWAY_WEBHOOK_SECRET_<PROVIDER> overrides or adds one secret.
	for _, kv := range os.Environ() {
		key, val, _ := strings.Cut(kv, "=")
		if name, ok := strings.CutPrefix(key, "GATEWAY_WEBHOOK_SECRET_"); ok && val != "" {
			if c.Webhook.Secrets == nil {
				c.Webhook.Secrets = map[string]string{}
			}
			c.Webhook.Secrets[strings.ToLower(name)] = val
		}
	}
}

// sentinelSecrets are placeholder values that must never reach
// production.
var sentinelSecrets = []string{"changeme", "secret", "password", "example", "placeholder", "test"}

// Validate fails fast on anything that would misbehave at runtime.
func (c *Config) Validate() error {
	if len(c.Shield.ServiceDomains) == 0 {
		return fmt.Errorf("config: shield.service_domains is required")
	}
	if c.Shield.DatabaseURL == "" && c.Shield.StaticFile == "" {
		return fmt.Errorf("config: shield needs database_url or static_file")
	}
	if c.Store.Capacity < 1 {
		return fmt.Errorf("config: store.capacity must be positive")
	}
	if c.Store.TTLSeconds < 1 {
		return fmt.Errorf("config: store.ttl_seconds must be positive")
	}

	switch c.Analyzer.Provider {
	case "bedrock", "mock":
	default:
		return fmt.Errorf("config: unknown analyzer provider %q", c.Analyzer.Provider)
	}
	switch c.Outbound.Provider {
	case "ses", "smtp", "dry_run":
	default:
		return fmt.Errorf("config: unknown outbound provider %q", c.Outbound.Provider)
	}
	if c.Outbound.Provider != "dry_run" && !c.Outbound.DryRun && c.Outbound.From == "" {
		return fmt.Errorf("config: outbound.from is required")
	}
	if c.Outbound.Provider == "smtp" && c.Outbound.SMTPHost == "" {
		return fmt.Errorf("config: outbound.smtp_host is required for smtp provider")
	}

	for provider, secret := range c.Webhook.Secrets {
		if err := checkSecret(secret); err != nil {
			return fmt.Errorf("config: webhook secret for %q: %w", provider, err)
		}
	}
	return nil
}

// checkSecret rejects weak or placeholder secrets at startup.
func checkSecret(secret string) error {
	if len(secret) < 32 {
		return fmt.Errorf("must be at least 32 characters")
	}
	lower := strings.ToLower(secret)
	for _, sentinel := range sentinelSecrets {
		if strings.Contains(lower, sentinel) {
			return fmt.Errorf("contains placeholder value %q", sentinel)
		}
	}
	return nil
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
