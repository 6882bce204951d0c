package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/miked5167/squadbooks-sub007/pkg/observability"
)

// Config holds process configuration.
type Config struct {
	DatabaseDriver string `env:"DATABASE_DRIVER" envDefault:"sqlite"`
	DatabaseURL    string `env:"DATABASE_URL" envDefault:"file:squadbooks.db"`
	RedisAddr      string `env:"REDIS_ADDR"`
	RedisPassword  string `env:"REDIS_PASSWORD"`
	LogLevel       string `env:"LOG_LEVEL" envDefault:"INFO"`
	LogFormat      string `env:"LOG_FORMAT" envDefault:"json"`
	// PolicyFile is an optional YAML governance profile.
	PolicyFile             string        `env:"POLICY_FILE"`
	MinStakeholderInterest int           `env:"MIN_STAKEHOLDER_INTEREST" envDefault:"8"`
	NotifyRate             float64       `env:"NOTIFY_RATE" envDefault:"20"`
	NotifyMaxAttempts      int           `env:"NOTIFY_MAX_ATTEMPTS" envDefault:"5"`
	SweepInterval          time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`

	Telemetry observability.Config `envPrefix:"OTEL_"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load reads and validates Config from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFrom is Load over an explicit variable set instead of the process
// environment.
func LoadFrom(environ map[string]string) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environ}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the process cannot start with.
func (c *Config) Validate() error {
	switch strings.ToLower(c.DatabaseDriver) {
	case "memory", "sqlite", "sqlite3", "postgres", "postgresql":
	default:
		return fmt.Errorf("config: unsupported DATABASE_DRIVER %q", c.DatabaseDriver)
	}
	if c.MinStakeholderInterest < 0 {
		return fmt.Errorf("config: MIN_STAKEHOLDER_INTEREST must not be negative")
	}
	if c.NotifyRate < 0 {
		return fmt.Errorf("config: NOTIFY_RATE must not be negative")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("config: SWEEP_INTERVAL must be positive")
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("config: LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}
	return nil
}
