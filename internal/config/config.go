// Package config provides configuration loading for contentd.
//
// Configuration is loaded from a YAML file, then overridden by environment
// variables, then backfilled with defaults.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Secret wraps strings that must never appear in logs or serialized output.
// Use Value() to access the actual value.
type Secret string

// String implements fmt.Stringer. Always returns the redacted form.
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "[REDACTED]"
}

// Value returns the actual secret value. Use sparingly.
func (s Secret) Value() string {
	return string(s)
}

// MarshalJSON implements json.Marshaler. Always returns the redacted form.
func (s Secret) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Secret) UnmarshalText(text []byte) error {
	*s = Secret(text)
	return nil
}

// Config holds the complete contentd configuration.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	NATS     NATSConfig     `koanf:"nats"`
	Engine   EngineConfig   `koanf:"engine"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// ServerConfig holds the admin HTTP server configuration.
type ServerConfig struct {
	Port            int           `koanf:"http_port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// DatabaseConfig holds Postgres connection configuration. When DSN is set it
// wins over the individual fields.
type DatabaseConfig struct {
	DSN      Secret `koanf:"dsn"`
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	User     string `koanf:"user"`
	Password Secret `koanf:"password"`
	Name     string `koanf:"name"`
	SSLMode  string `koanf:"ssl_mode"`

	MaxOpenConns int `koanf:"max_open_conns"`
	MaxIdleConns int `koanf:"max_idle_conns"`
}

// ConnString renders the lib/pq connection string.
func (d DatabaseConfig) ConnString() string {
	if d.DSN != "" {
		return d.DSN.Value()
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password.Value(), d.Name, d.SSLMode)
}

// NATSConfig holds the NATS connection configuration for task submission and
// notification events.
type NATSConfig struct {
	URL  string `koanf:"url"`
	Name string `koanf:"name"`
}

// EngineConfig holds workflow engine tuning.
type EngineConfig struct {
	WorkflowType      string        `koanf:"workflow_type"`
	DefaultPriority   string        `koanf:"default_priority"`
	MaxRetries        int           `koanf:"max_retries"`
	RetryBackoff      time.Duration `koanf:"retry_backoff"`
	BackoffMultiplier float64       `koanf:"backoff_multiplier"`
	AutoAdvance       bool          `koanf:"auto_advance"`
}

// LoggingConfig holds logger construction options.
type LoggingConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // json or console
}

// Validate checks the configuration for values that would fail at runtime.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	if c.Engine.MaxRetries < 1 {
		return fmt.Errorf("invalid max retries: %d (must be >= 1)", c.Engine.MaxRetries)
	}
	if c.Engine.RetryBackoff <= 0 {
		return errors.New("retry backoff must be positive")
	}
	if c.Engine.BackoffMultiplier < 1.0 {
		return fmt.Errorf("invalid backoff multiplier: %g (must be >= 1.0)", c.Engine.BackoffMultiplier)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log format: %q (must be json or console)", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %q", c.Logging.Level)
	}
	if c.Database.DSN == "" && c.Database.Host == "" {
		return errors.New("database dsn or host is required")
	}
	return nil
}
