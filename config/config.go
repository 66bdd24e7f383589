// Package config loads and validates the gateway configuration from a
// JSON file with environment variable overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the complete gateway configuration.
type Config struct {
	NATS    NATSConfig    `json:"nats"`
	HTTP    HTTPConfig    `json:"http"`
	Bundling BundleConfig `json:"bundling"`
	Fanout  FanoutConfig  `json:"fanout"`
}

// NATSConfig configures the NATS connection.
type NATSConfig struct {
	URL           string        `json:"url"`
	MaxReconnects int           `json:"maxReconnects"`
	ReconnectWait time.Duration `json:"reconnectWait"`
}

// HTTPConfig configures the public and admin HTTP listeners.
type HTTPConfig struct {
	ListenAddr      string        `json:"listenAddr"`
	AdminAddr       string        `json:"adminAddr"`
	ShutdownTimeout time.Duration `json:"shutdownTimeout"`
}

// BundleConfig configures the bundling policy.
type BundleConfig struct {
	MaxMessages int `json:"maxMessages"`
	MaxBytes    int `json:"maxBytes"`
}

// FanoutConfig configures the enqueue orchestrator.
type FanoutConfig struct {
	Workers     int `json:"workers"`
	RetryBudget int `json:"retryBudget"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
		},
		HTTP: HTTPConfig{
			ListenAddr:      ":8080",
			AdminAddr:       ":9090",
			ShutdownTimeout: 10 * time.Second,
		},
		Bundling: BundleConfig{
			MaxMessages: 2000,
			MaxBytes:    50 * 1024 * 1024,
		},
		Fanout: FanoutConfig{
			Workers:     16,
			RetryBudget: 5,
		},
	}
}

// Load reads the configuration file (optional) and applies environment
// overrides, then validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("EDI_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("EDI_HTTP_ADDR"); v != "" {
		cfg.HTTP.ListenAddr = v
	}
	if v := os.Getenv("EDI_ADMIN_ADDR"); v != "" {
		cfg.HTTP.AdminAddr = v
	}
	if v := os.Getenv("EDI_BUNDLE_MAX_MESSAGES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Bundling.MaxMessages = n
		}
	}
	if v := os.Getenv("EDI_FANOUT_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Fanout.Workers = n
		}
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required")
	}
	if c.HTTP.ListenAddr == "" {
		return fmt.Errorf("http.listenAddr is required")
	}
	if c.Bundling.MaxMessages <= 0 {
		return fmt.Errorf("bundling.maxMessages must be positive")
	}
	if c.Bundling.MaxBytes <= 0 {
		return fmt.Errorf("bundling.maxBytes must be positive")
	}
	if c.Fanout.Workers <= 0 {
		return fmt.Errorf("fanout.workers must be positive")
	}
	if c.Fanout.RetryBudget <= 0 {
		return fmt.Errorf("fanout.retryBudget must be positive")
	}
	return nil
}
