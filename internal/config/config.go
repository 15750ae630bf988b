package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	RedisURL    string `mapstructure:"REDIS_URL"`

	ServiceToken         string `mapstructure:"SERVICE_TOKEN"`
	WebhookSharedSecret  string `mapstructure:"WEBHOOK_SHARED_SECRET"`
	WebhookSigningSecret string `mapstructure:"WEBHOOK_SIGNING_SECRET"`
	AuthSigningKey       string `mapstructure:"AUTH_SIGNING_KEY"`

	UpstreamWSURL          string        `mapstructure:"UPSTREAM_WS_URL"`
	UpstreamServiceName    string        `mapstructure:"UPSTREAM_SERVICE_NAME"`
	UpstreamDialTimeout    time.Duration `mapstructure:"UPSTREAM_DIAL_TIMEOUT"`
	UpstreamReceiveTimeout time.Duration `mapstructure:"UPSTREAM_RECEIVE_TIMEOUT"`
	BackoffInitial         time.Duration `mapstructure:"BACKOFF_INITIAL"`
	BackoffMax             time.Duration `mapstructure:"BACKOFF_MAX"`
	BackoffFactor          float64       `mapstructure:"BACKOFF_FACTOR"`
	BackoffJitter          float64       `mapstructure:"BACKOFF_JITTER"`

	CardroomAPIURL   string        `mapstructure:"CARDROOM_API_URL"`
	SideFetchTimeout time.Duration `mapstructure:"SIDE_FETCH_TIMEOUT"`

	MessageCacheSize   int           `mapstructure:"MESSAGE_CACHE_SIZE"`
	DeliveryTTL        time.Duration `mapstructure:"DELIVERY_TTL"`
	DeliveryMaxEntries int           `mapstructure:"DELIVERY_MAX_ENTRIES"`

	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL",
	"SERVICE_TOKEN", "WEBHOOK_SHARED_SECRET", "WEBHOOK_SIGNING_SECRET", "AUTH_SIGNING_KEY",
	"UPSTREAM_WS_URL", "UPSTREAM_SERVICE_NAME", "UPSTREAM_DIAL_TIMEOUT", "UPSTREAM_RECEIVE_TIMEOUT",
	"BACKOFF_INITIAL", "BACKOFF_MAX", "BACKOFF_FACTOR", "BACKOFF_JITTER",
	"CARDROOM_API_URL", "SIDE_FETCH_TIMEOUT",
	"MESSAGE_CACHE_SIZE", "DELIVERY_TTL", "DELIVERY_MAX_ENTRIES",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("UPSTREAM_SERVICE_NAME", "doctor-service")
	v.SetDefault("UPSTREAM_DIAL_TIMEOUT", "10s")
	v.SetDefault("UPSTREAM_RECEIVE_TIMEOUT", "120s")
	v.SetDefault("BACKOFF_INITIAL", "1s")
	v.SetDefault("BACKOFF_MAX", "60s")
	v.SetDefault("BACKOFF_FACTOR", 1.5)
	v.SetDefault("BACKOFF_JITTER", 0.2)
	v.SetDefault("SIDE_FETCH_TIMEOUT", "5s")
	v.SetDefault("MESSAGE_CACHE_SIZE", 20)
	v.SetDefault("DELIVERY_TTL", "24h")
	v.SetDefault("DELIVERY_MAX_ENTRIES", 10000)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	for i, o := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(o)
	}

	if cfg.IsDev() && cfg.ServiceToken == "" {
		log.Println("WARNING: SERVICE_TOKEN is empty (ENV=development).")
		log.Println("WARNING: The upstream link and webhook authentication are effectively disabled.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// WebhookSecret returns the bearer secret for the fallback webhook.
// WEBHOOK_SHARED_SECRET wins; otherwise the service token is reused.
func (c *Config) WebhookSecret() string {
	if c.WebhookSharedSecret != "" {
		return c.WebhookSharedSecret
	}
	return c.ServiceToken
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if !c.IsDev() && c.ServiceToken == "" {
		return fmt.Errorf("SERVICE_TOKEN is required when ENV=%q", c.Env)
	}
	if c.IsProduction() && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required in production")
	}
	if c.BackoffFactor < 1 {
		return fmt.Errorf("BACKOFF_FACTOR must be >= 1, got %v", c.BackoffFactor)
	}
	if c.BackoffJitter < 0 || c.BackoffJitter >= 1 {
		return fmt.Errorf("BACKOFF_JITTER must be in [0, 1), got %v", c.BackoffJitter)
	}
	if c.BackoffInitial > c.BackoffMax {
		return fmt.Errorf("BACKOFF_INITIAL (%s) exceeds BACKOFF_MAX (%s)", c.BackoffInitial, c.BackoffMax)
	}
	if c.MessageCacheSize < 1 {
		return fmt.Errorf("MESSAGE_CACHE_SIZE must be positive, got %d", c.MessageCacheSize)
	}
	if c.UpstreamWSURL != "" &&
		!strings.HasPrefix(c.UpstreamWSURL, "ws://") && !strings.HasPrefix(c.UpstreamWSURL, "wss://") {
		return fmt.Errorf("UPSTREAM_WS_URL must use ws:// or wss://, got %q", c.UpstreamWSURL)
	}
	return nil
}
