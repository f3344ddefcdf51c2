package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Store backends accepted in STORE_BACKEND.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// Config holds all application configuration.
// Values are loaded from environment variables with sensible defaults.
type Config struct {
	// Server
	Port        int           `env:"PORT" envDefault:"8080"`
	LogLevel    string        `env:"LOG_LEVEL" envDefault:"info"`
	TurnTimeout time.Duration `env:"TURN_TIMEOUT" envDefault:"60s"`
	CORSOrigins []string      `env:"CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`

	// Language model
	LLMAPIURL      string  `env:"LLM_API_URL" envDefault:"https://api.openai.com"`
	LLMAPIKey      string  `env:"LLM_API_KEY"`
	LLMModel       string  `env:"LLM_MODEL" envDefault:"gpt-4o"`
	LLMTemperature float64 `env:"LLM_TEMPERATURE" envDefault:"0"`

	// HTTP client
	HTTPTimeout time.Duration `env:"HTTP_TIMEOUT" envDefault:"30s"`

	// Resilience
	MaxRetries     int           `env:"MAX_RETRIES" envDefault:"2"`
	InitialBackoff time.Duration `env:"INITIAL_BACKOFF" envDefault:"200ms"`
	MaxConcurrency int           `env:"MAX_CONCURRENCY" envDefault:"20"`

	// Cache
	CacheTTL time.Duration `env:"CACHE_TTL" envDefault:"5m"`

	// Observability
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	// Session storage
	StoreBackend  string        `env:"STORE_BACKEND" envDefault:"memory"`
	RedisAddr     string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	RedisDB       int           `env:"REDIS_DB" envDefault:"0"`
	SessionTTL    time.Duration `env:"SESSION_TTL" envDefault:"0s"`
	SQLitePath    string        `env:"SQLITE_PATH" envDefault:"data/sessions.db"`
	LockTTL       time.Duration `env:"LOCK_TTL" envDefault:"90s"`
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot start with.
// LockTTLMargin is the minimum time a session lock outlives TURN_TIMEOUT.
const LockTTLMargin = 30 * time.Second

func (c *Config) Validate() error {
	c.StoreBackend = strings.ToLower(strings.TrimSpace(c.StoreBackend))
	switch c.StoreBackend {
	case BackendMemory, BackendRedis, BackendSQLite:
	default:
		return fmt.Errorf("unsupported STORE_BACKEND %q", c.StoreBackend)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT %d", c.Port)
	}
	if c.MaxConcurrency <= 0 {
		return fmt.Errorf("MAX_CONCURRENCY must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES must not be negative")
	}
	if c.InitialBackoff <= 0 {
		return fmt.Errorf("INITIAL_BACKOFF must be positive")
	}
	// A distributed lock must outlive the turn it guards, including the
	// final write after the model returns.
	if c.LockTTL < c.TurnTimeout+LockTTLMargin {
		c.LockTTL = c.TurnTimeout + LockTTLMargin
	}
	return nil
}
