// Package daemon wires the remediation core together: configuration,
// subsystem construction in dependency order, and the long-running loops
// with cooperative shutdown.
package daemon

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds daemon configuration.
type Config struct {
	// Required
	DatabaseURL  string `yaml:"database_url"`
	VaultKeyPath string `yaml:"vault_key_path"`

	// SSH host key checking; empty disables verification.
	KnownHostsPath string `yaml:"known_hosts_path"`

	// Timing (seconds)
	WorkerPollInterval int `yaml:"worker_poll_interval"`
	SchedulerTick      int `yaml:"scheduler_tick"`

	// Worker
	WorkerBatchSize int `yaml:"worker_batch_size"`

	// Embedding service; empty disables semantic ranking and alert
	// embeddings.
	EmbedderEndpoint string `yaml:"embedder_endpoint"`
	EmbedderTimeout  int    `yaml:"embedder_timeout"` // seconds

	// Safety
	DryRun bool `yaml:"dry_run"`

	// Logging
	LogLevel string `yaml:"log_level"`
}

// DefaultConfig returns a config with sane defaults.
func DefaultConfig() Config {
	return Config{
		WorkerPollInterval: 5,
		SchedulerTick:      15,
		WorkerBatchSize:    10,
		EmbedderTimeout:    30,
		LogLevel:           "INFO",
	}
}

// LoadConfig loads configuration from a YAML file with env overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Environment variable overrides
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("VAULT_KEY_PATH"); v != "" {
		cfg.VaultKeyPath = v
	}
	if v := os.Getenv("DRY_RUN"); v != "" {
		cfg.DryRun = !isFalsy(v)
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToUpper(v)
	}

	// Validate required fields
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("database_url is required")
	}
	if cfg.VaultKeyPath == "" {
		return nil, fmt.Errorf("vault_key_path is required")
	}
	if cfg.WorkerPollInterval < 1 {
		cfg.WorkerPollInterval = 1
	}
	if cfg.WorkerPollInterval > 300 {
		cfg.WorkerPollInterval = 300
	}
	if cfg.SchedulerTick < 1 {
		cfg.SchedulerTick = 1
	}
	if cfg.WorkerBatchSize < 1 {
		cfg.WorkerBatchSize = 1
	}

	return &cfg, nil
}

func isFalsy(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "false" || v == "0" || v == "no"
}
