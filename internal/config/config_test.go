package config

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            9090,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Host:    "localhost",
			Port:    5432,
			User:    "contentd",
			Name:    "contentd",
			SSLMode: "disable",
		},
		Engine: EngineConfig{
			WorkflowType:      "ARTICLE_PUBLISHING",
			DefaultPriority:   "NORMAL",
			MaxRetries:        3,
			RetryBackoff:      5 * time.Second,
			BackoffMultiplier: 1.0,
			AutoAdvance:       true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, validConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero port", func(c *Config) { c.Server.Port = 0 }},
		{"port too large", func(c *Config) { c.Server.Port = 70000 }},
		{"zero shutdown timeout", func(c *Config) { c.Server.ShutdownTimeout = 0 }},
		{"zero max retries", func(c *Config) { c.Engine.MaxRetries = 0 }},
		{"zero retry backoff", func(c *Config) { c.Engine.RetryBackoff = 0 }},
		{"multiplier below one", func(c *Config) { c.Engine.BackoffMultiplier = 0.5 }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }},
		{"no database target", func(c *Config) { c.Database.DSN = ""; c.Database.Host = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDatabaseConfig_ConnString(t *testing.T) {
	d := DatabaseConfig{
		Host:     "db.internal",
		Port:     5432,
		User:     "contentd",
		Password: Secret("hunter2"),
		Name:     "workflows",
		SSLMode:  "require",
	}
	assert.Equal(t,
		"host=db.internal port=5432 user=contentd password=hunter2 dbname=workflows sslmode=require",
		d.ConnString())

	d.DSN = Secret("postgres://u:p@host/db")
	assert.Equal(t, "postgres://u:p@host/db", d.ConnString(), "DSN wins when set")
}

func TestSecret_Redaction(t *testing.T) {
	s := Secret("hunter2")

	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%s", s))
	assert.Equal(t, "hunter2", s.Value())
	assert.Equal(t, "", Secret("").String())

	b, err := json.Marshal(struct{ Password Secret }{s})
	require.NoError(t, err)
	assert.NotContains(t, string(b), "hunter2")
}
