// Package config loads and validates the engine configuration from a
// YAML file with environment variable expansion.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the Fablecraft engine.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Provider  ProviderConfig  `yaml:"provider"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	World     WorldConfig     `yaml:"world"`
	Retention RetentionConfig `yaml:"retention"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Project   ProjectConfig   `yaml:"project"`
}

type ServerConfig struct {
	Host     string        `yaml:"host"`
	HTTPPort int           `yaml:"http_port"`
	// ShutdownGrace bounds how long in-flight requests get on shutdown.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

type AuthConfig struct {
	// JWTSecret enables bearer auth on the HTTP API when non-empty.
	JWTSecret   string        `yaml:"jwt_secret"`
	TokenExpiry time.Duration `yaml:"token_expiry"`
}

// ProviderConfig selects the model backend the agent streams from.
type ProviderConfig struct {
	// Type is one of "anthropic", "openai", or "sse" (a remote
	// agent service speaking the SSE wire protocol).
	Type string `yaml:"type"`

	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`

	// BaseURL overrides the provider API base (openai-compatible
	// gateways). Endpoint is the full stream URL for type "sse".
	BaseURL  string `yaml:"base_url"`
	Endpoint string `yaml:"endpoint"`

	SystemPrompt string `yaml:"system_prompt"`
}

// SessionsConfig selects where conversations persist.
type SessionsConfig struct {
	// Driver is one of "memory", "sqlite", or "postgres".
	Driver string `yaml:"driver"`

	// Path is the SQLite database file (driver "sqlite").
	Path string `yaml:"path"`

	// DSN is the Postgres connection string (driver "postgres").
	DSN string `yaml:"dsn"`
}

// WorldConfig selects where the story world store lives.
type WorldConfig struct {
	// Driver is one of "memory" or "sqlite".
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

// RetentionConfig controls the periodic sweep of stale conversations.
type RetentionConfig struct {
	Enabled bool          `yaml:"enabled"`
	MaxAge  time.Duration `yaml:"max_age"`
	// Schedule is a cron expression; defaults to hourly.
	Schedule string `yaml:"schedule"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TracingConfig struct {
	// Endpoint is the OTLP gRPC collector; empty disables tracing.
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Environment  string  `yaml:"environment"`
	Insecure     bool    `yaml:"insecure"`
}

type ProjectConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// Load reads and parses the configuration file, expanding $VAR
// references from the environment before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given: an
// in-memory, unauthenticated single-user setup.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8090
	}
	if cfg.Server.ShutdownGrace == 0 {
		cfg.Server.ShutdownGrace = 10 * time.Second
	}
	if cfg.Auth.TokenExpiry == 0 {
		cfg.Auth.TokenExpiry = 24 * time.Hour
	}
	if cfg.Provider.Type == "" {
		cfg.Provider.Type = "anthropic"
	}
	if cfg.Sessions.Driver == "" {
		cfg.Sessions.Driver = "memory"
	}
	if cfg.World.Driver == "" {
		cfg.World.Driver = "memory"
	}
	if cfg.Retention.MaxAge == 0 {
		cfg.Retention.MaxAge = 90 * 24 * time.Hour
	}
	if cfg.Retention.Schedule == "" {
		cfg.Retention.Schedule = "@hourly"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Tracing.SamplingRate == 0 {
		cfg.Tracing.SamplingRate = 1.0
	}
	if cfg.Project.ID == "" {
		cfg.Project.ID = "default"
	}
}

// Validate rejects configurations the engine cannot start with.
func (c *Config) Validate() error {
	switch c.Provider.Type {
	case "anthropic", "openai":
	case "sse":
		if c.Provider.Endpoint == "" {
			return fmt.Errorf("provider.endpoint is required for type %q", c.Provider.Type)
		}
	default:
		return fmt.Errorf("unknown provider.type %q", c.Provider.Type)
	}

	switch c.Sessions.Driver {
	case "memory", "sqlite":
	case "postgres":
		if c.Sessions.DSN == "" {
			return fmt.Errorf("sessions.dsn is required for driver %q", c.Sessions.Driver)
		}
	default:
		return fmt.Errorf("unknown sessions.driver %q", c.Sessions.Driver)
	}

	switch c.World.Driver {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("unknown world.driver %q", c.World.Driver)
	}

	if c.Server.HTTPPort < 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port %d out of range", c.Server.HTTPPort)
	}
	if c.Retention.MaxAge < 0 {
		return fmt.Errorf("retention.max_age must not be negative")
	}
	return nil
}
