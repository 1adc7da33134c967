package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the configuration for the Burrow core runtime.
type Config struct {
	// Region identifier used for Chirp subject namespacing
	Region string `yaml:"region"`

	// DataDir is where the KV store lives
	DataDir string `yaml:"data_dir"`

	// NatsURL is the address of the pub/sub bus
	NatsURL string `yaml:"nats_url"`

	// RedisURL is the address of the durable stream store
	RedisURL string `yaml:"redis_url"`

	// WorkerPollInterval is how often the worker polls for due workflows
	WorkerPollInterval time.Duration `yaml:"worker_poll_interval"`

	// TxnRetryLimit caps retries of retryable KV transaction errors
	TxnRetryLimit int `yaml:"txn_retry_limit"`

	// GuardHTTPAddr is the listen address for the ingress proxy
	GuardHTTPAddr string `yaml:"guard_http_addr"`

	// MetricsAddr is the listen address for the Prometheus endpoint
	MetricsAddr string `yaml:"metrics_addr"`
}

// Default returns the configuration defaults
func Default() *Config {
	return &Config{
		Region:             "local",
		DataDir:            "/var/lib/burrow",
		NatsURL:            "nats://127.0.0.1:4222",
		RedisURL:           "redis://127.0.0.1:6379/0",
		WorkerPollInterval: 4 * time.Second,
		TxnRetryLimit:      10,
		GuardHTTPAddr:      ":8080",
		MetricsAddr:        ":9090",
	}
}

// Load reads configuration from an optional YAML file and applies
// environment overrides on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if cfg.TxnRetryLimit < 1 {
		return nil, fmt.Errorf("txn_retry_limit must be at least 1, got %d", cfg.TxnRetryLimit)
	}

	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("BURROW_REGION"); v != "" {
		c.Region = v
	}
	if v := os.Getenv("BURROW_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("BURROW_NATS_URL"); v != "" {
		c.NatsURL = v
	}
	if v := os.Getenv("BURROW_REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv("BURROW_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.WorkerPollInterval = d
		}
	}
	if v := os.Getenv("BURROW_TXN_RETRY_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.TxnRetryLimit = n
		}
	}
}
