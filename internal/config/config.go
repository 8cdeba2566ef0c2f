// Package config loads the stream and REST settings from the environment.
package config

import (
	"errors"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/m-mizutani/goerr/v2"
)

// Config holds the connection settings shared by the CLI commands.
type Config struct {
	BaseURL      string        `env:"SPANWATCH_BASE_URL" envDefault:"http://localhost:8080"`
	EventsPath   string        `env:"SPANWATCH_EVENTS_PATH" envDefault:"/events"`
	ProjectID    string        `env:"SPANWATCH_PROJECT_ID"`
	APIKey       string        `env:"SPANWATCH_API_KEY"`
	RetryBase    time.Duration `env:"SPANWATCH_RETRY_BASE" envDefault:"1s"`
	MaxRetries   int           `env:"SPANWATCH_MAX_RETRIES" envDefault:"5"`
	FlushTimeout time.Duration `env:"SPANWATCH_FLUSH_TIMEOUT" envDefault:"50ms"`
	QueueSize    int           `env:"SPANWATCH_QUEUE_SIZE" envDefault:"1024"`
}

// Load reads the given .env files, skipping those that do not exist, and
// parses the SPANWATCH_* variables. Variables already set in the process
// environment take precedence over the files.
func Load(files ...string) (*Config, error) {
	var existing []string
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, goerr.Wrap(err, "failed to stat env file", goerr.V("path", f))
		}
		existing = append(existing, f)
	}
	if len(existing) > 0 {
		if err := godotenv.Load(existing...); err != nil {
			return nil, goerr.Wrap(err, "failed to load env files", goerr.V("paths", existing))
		}
	}

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, goerr.Wrap(err, "failed to parse environment variables")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return goerr.New("base url is required")
	}
	if c.RetryBase <= 0 {
		return goerr.New("retry base must be positive", goerr.V("retry_base", c.RetryBase))
	}
	if c.MaxRetries < 0 {
		return goerr.New("max retries must not be negative", goerr.V("max_retries", c.MaxRetries))
	}
	if c.FlushTimeout <= 0 {
		return goerr.New("flush timeout must be positive", goerr.V("flush_timeout", c.FlushTimeout))
	}
	if c.QueueSize <= 0 {
		return goerr.New("queue size must be positive", goerr.V("queue_size", c.QueueSize))
	}
	return nil
}
