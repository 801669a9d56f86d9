// Package config provides configuration for the supportdesk server.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Store drivers.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// DefaultSQLiteURL is used when the sqlite store runs without DATABASE_URL.
const DefaultSQLiteURL = "file:supportdesk.db?mode=rwc&_busy_timeout=5000&_txlock=immediate&_journal_mode=WAL"

// Config holds the server configuration.
type Config struct {
	// Server settings
	HTTPPort   int    `env:"HTTP_PORT" envDefault:"8080"`
	Env        string `env:"ENV" envDefault:"development"`
	InstanceID string `env:"INSTANCE_ID"`

	// Logging
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Storage
	StoreDriver string `env:"STORE_DRIVER" envDefault:"sqlite"`
	DatabaseURL string `env:"DATABASE_URL"`

	// Redis; empty disables the cross-instance bus and the notification outbox.
	RedisURL    string `env:"REDIS_URL"`
	RedisPrefix string `env:"REDIS_PREFIX" envDefault:"supportdesk:"`

	// Timeouts and limits
	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT" envDefault:"10s"`
	NotifyTimeout   time.Duration `env:"NOTIFY_TIMEOUT" envDefault:"5s"`
	MaxMessageBytes int           `env:"MAX_MESSAGE_BYTES" envDefault:"8192"`

	// Websocket
	WSPingInterval   time.Duration `env:"WS_PING_INTERVAL" envDefault:"30s"`
	WSWriteTimeout   time.Duration `env:"WS_WRITE_TIMEOUT" envDefault:"10s"`
	WSReadTimeout    time.Duration `env:"WS_READ_TIMEOUT" envDefault:"60s"`
	WSMaxMessageSize int64         `env:"WS_MAX_MESSAGE_SIZE" envDefault:"65536"`
	WSRateLimit      float64       `env:"WS_RATE_LIMIT" envDefault:"20"`
	WSRateBurst      int           `env:"WS_RATE_BURST" envDefault:"40"`

	// Tracing
	TracesExporter   string `env:"OTEL_TRACES_EXPORTER" envDefault:"none"`
	OTLPEndpoint     string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	TraceServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"supportdesk"`
}

// Load loads configuration from environment variables.
// A .env file in the working directory is read first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return Parse()
}

// Parse reads the process environment into a Config and validates it.
func Parse() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if cfg.StoreDriver == StoreSQLite && cfg.DatabaseURL == "" {
		cfg.DatabaseURL = DefaultSQLiteURL
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StoreMemory:
	case StoreSQLite:
		if isPostgresURL(c.DatabaseURL) {
			return errors.New("DATABASE_URL is a postgres URL but STORE_DRIVER is sqlite")
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the postgres store")
		}
		if !isPostgresURL(c.DatabaseURL) {
			return errors.New("DATABASE_URL must be a postgres:// URL for the postgres store")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.RequestTimeout <= 0 {
		return errors.New("REQUEST_TIMEOUT must be positive")
	}
	if c.MaxMessageBytes <= 0 {
		return errors.New("MAX_MESSAGE_BYTES must be positive")
	}
	switch c.TracesExporter {
	case "none", "stdout", "otlp":
	default:
		return fmt.Errorf("unknown OTEL_TRACES_EXPORTER %q", c.TracesExporter)
	}
	return nil
}

// IsDevelopment reports whether the server runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

func isPostgresURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "postgres" || u.Scheme == "postgresql") && u.Host != ""
}
