// config/config.go
package config

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Secrets   SecretsConfig   `yaml:"secrets"`
	Crypto    CryptoConfig    `yaml:"crypto"`
	Notify    NotifyConfig    `yaml:"notify"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	BaseURL string `yaml:"base_url"`
	// FrontendURL prefixes the share links handed back on create.
	// Falls back to BaseURL when empty.
	FrontendURL string `yaml:"frontend_url"`
	// MaxBodyBytes can only raise the body cap; see BodyLimit.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

// Expiration and view limit choices offered to users. Configuration may
// narrow them but not add new values.
var (
	ExpirationHourChoices = []int{1, 6, 24, 168}
	ViewLimitChoices      = []int{1, 3, 5, 10}
)

const (
	// A JSON escape such as a surrogate pair can take 12 bytes per character.
	bytesPerContentChar = 12
	bodyOverhead        = 64 * 1024
)

type StoreConfig struct {
	Type          string        `yaml:"type"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	Redis         RedisConfig   `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// ExpiryEvents subscribes to keyspace expiry notifications so TTL
	// deletions are counted in stats.
	ExpiryEvents bool `yaml:"expiry_events"`
}

type SecretsConfig struct {
	AllowedExpirationHours []int `yaml:"allowed_expiration_hours"`
	AllowedViewLimits      []int `yaml:"allowed_view_limits"`
	DefaultExpirationHours int   `yaml:"default_expiration_hours"`
	DefaultViewLimit       int   `yaml:"default_view_limit"`
	MaxContentLength       int   `yaml:"max_content_length"`
	MinPasswordLength      int   `yaml:"min_password_length"`
	MaxPasswordLength      int   `yaml:"max_password_length"`
}

type CryptoConfig struct {
	EncryptionKey string `yaml:"encryption_key"`
	BcryptCost    int    `yaml:"bcrypt_cost"`
}

type NotifyConfig struct {
	Type      string     `yaml:"type"`
	Workers   int        `yaml:"workers"`
	QueueSize int        `yaml:"queue_size"`
	SMTP      SMTPConfig `yaml:"smtp"`
}

type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

type RateLimitConfig struct {
	Enabled        bool `yaml:"enabled"`
	RequestsPerMin int  `yaml:"requests_per_min"`
	RevealPerMin   int  `yaml:"reveal_per_min"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:    "0.0.0.0",
			Port:    8080,
			BaseURL: "http://localhost:8080",
		},
		Store: StoreConfig{
			Type:          "memory",
			SweepInterval: 30 * time.Second,
			Redis: RedisConfig{
				Addr:     "localhost:6379",
				Password: "",
				DB:       0,
			},
		},
		Secrets: SecretsConfig{
			AllowedExpirationHours: []int{1, 6, 24, 168},
			AllowedViewLimits:      []int{1, 3, 5, 10},
			DefaultExpirationHours: 24,
			DefaultViewLimit:       1,
			MaxContentLength:       50000,
			MinPasswordLength:      4,
			MaxPasswordLength:      100,
		},
		Crypto: CryptoConfig{
			BcryptCost: 10,
		},
		Notify: NotifyConfig{
			Type:      "log",
			Workers:   2,
			QueueSize: 256,
			SMTP: SMTPConfig{
				Host: "smtp.gmail.com",
				Port: 587,
			},
		},
		RateLimit: RateLimitConfig{
			Enabled:        true,
			RequestsPerMin: 100,
			RevealPerMin:   20,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			return nil, err
		}
	}

	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // File not found is OK, use defaults
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

func (c *Config) loadFromEnv() {
	// Server
	if v := os.Getenv("HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("BASE_URL"); v != "" {
		c.Server.BaseURL = v
	}
	if v := os.Getenv("FRONTEND_LINK"); v != "" {
		c.Server.FrontendURL = v
	}

	if v := os.Getenv("STORE_TYPE"); v != "" {
		c.Store.Type = v
	}
	if v := os.Getenv("STORE_SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Store.SweepInterval = d
		}
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Store.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Store.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.Store.Redis.DB = db
		}
	}
	if v := os.Getenv("REDIS_EXPIRY_EVENTS"); v != "" {
		c.Store.Redis.ExpiryEvents = v == "true" || v == "1"
	}

	if v := os.Getenv("ALLOWED_EXPIRATION_HOURS"); v != "" {
		if hours, err := parseIntList(v); err == nil {
			c.Secrets.AllowedExpirationHours = hours
		}
	}
	if v := os.Getenv("ALLOWED_VIEW_LIMITS"); v != "" {
		if limits, err := parseIntList(v); err == nil {
			c.Secrets.AllowedViewLimits = limits
		}
	}
	if v := os.Getenv("MAX_CONTENT_LENGTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Secrets.MaxContentLength = n
		}
	}

	if v := os.Getenv("ENCRYPTION_KEY"); v != "" {
		c.Crypto.EncryptionKey = v
	}
	if v := os.Getenv("BCRYPT_SALT_ROUNDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Crypto.BcryptCost = n
		}
	}

	if v := os.Getenv("NOTIFY_TYPE"); v != "" {
		c.Notify.Type = v
	}
	if v := os.Getenv("SMTP_HOST"); v != "" {
		c.Notify.SMTP.Host = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Notify.SMTP.Port = port
		}
	}
	if v := firstEnv("SMTP_USER", "NODEMAILER_USER"); v != "" {
		c.Notify.SMTP.Username = v
	}
	if v := firstEnv("SMTP_PASSWORD", "NODEMAILER_PASSWORD"); v != "" {
		c.Notify.SMTP.Password = v
	}
	if v := os.Getenv("SMTP_FROM"); v != "" {
		c.Notify.SMTP.From = v
	}

	if v := os.Getenv("RATE_LIMIT_ENABLED"); v != "" {
		c.RateLimit.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("RATE_LIMIT_REQUESTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RateLimit.RequestsPerMin = n
		}
	}
	if v := os.Getenv("RATE_LIMIT_REVEAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RateLimit.RevealPerMin = n
		}
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}

	if c.Server.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}

	if c.Store.Type != "memory" && c.Store.Type != "redis" {
		return fmt.Errorf("invalid store type: %s (must be 'memory' or 'redis')", c.Store.Type)
	}

	if c.Store.Type == "redis" && c.Store.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required when store type is 'redis'")
	}

	if c.Store.Type == "memory" && c.Store.SweepInterval <= 0 {
		return fmt.Errorf("sweep_interval must be positive")
	}

	if c.Server.MaxBodyBytes < 0 {
		return fmt.Errorf("max_body_bytes must not be negative")
	}

	if err := validateAllowed("allowed_expiration_hours", c.Secrets.AllowedExpirationHours, ExpirationHourChoices); err != nil {
		return err
	}
	if err := validateAllowed("allowed_view_limits", c.Secrets.AllowedViewLimits, ViewLimitChoices); err != nil {
		return err
	}

	if !slices.Contains(c.Secrets.AllowedExpirationHours, c.Secrets.DefaultExpirationHours) {
		return fmt.Errorf("default_expiration_hours %d is not an allowed value", c.Secrets.DefaultExpirationHours)
	}

	if !slices.Contains(c.Secrets.AllowedViewLimits, c.Secrets.DefaultViewLimit) {
		return fmt.Errorf("default_view_limit %d is not an allowed value", c.Secrets.DefaultViewLimit)
	}

	if c.Secrets.MaxContentLength < 1 {
		return fmt.Errorf("max_content_length must be at least 1")
	}

	if c.Secrets.MaxPasswordLength < c.Secrets.MinPasswordLength {
		return fmt.Errorf("max_password_length must be >= min_password_length")
	}

	if c.Crypto.EncryptionKey == "" {
		return fmt.Errorf("encryption_key is required (set ENCRYPTION_KEY)")
	}

	switch c.Notify.Type {
	case "none", "log":
	case "smtp":
		if c.Notify.SMTP.Host == "" {
			return fmt.Errorf("smtp host is required when notify type is 'smtp'")
		}
	default:
		return fmt.Errorf("invalid notify type: %s (must be 'none', 'log' or 'smtp')", c.Notify.Type)
	}

	if c.Notify.Workers < 1 {
		return fmt.Errorf("notify workers must be at least 1")
	}

	if c.Notify.QueueSize < 1 {
		return fmt.Errorf("notify queue_size must be at least 1")
	}

	return nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// LinkBase returns the prefix used when building share links.
func (c *Config) LinkBase() string {
	if c.Server.FrontendURL != "" {
		return strings.TrimRight(c.Server.FrontendURL, "/")
	}
	return strings.TrimRight(c.Server.BaseURL, "/")
}

// BodyLimit is the request body cap. It always leaves room for the
// largest allowed content fully JSON-escaped.
func (c *Config) BodyLimit() int64 {
	return max(c.Server.MaxBodyBytes, int64(c.Secrets.MaxContentLength)*bytesPerContentChar+bodyOverhead)
}

func validateAllowed(name string, values, choices []int) error {
	if len(values) == 0 {
		return fmt.Errorf("%s must not be empty", name)
	}
	for _, v := range values {
		if !slices.Contains(choices, v) {
			return fmt.Errorf("%s contains %d (must be a subset of %v)", name, v, choices)
		}
	}
	return nil
}

func parseIntList(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}
