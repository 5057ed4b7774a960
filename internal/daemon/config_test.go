package daemon

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
database_url: postgres://aegis@localhost/aegis
vault_key_path: /etc/aegis/vault.key
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.WorkerPollInterval != 5 {
		t.Errorf("WorkerPollInterval = %d, want 5", cfg.WorkerPollInterval)
	}
	if cfg.SchedulerTick != 15 {
		t.Errorf("SchedulerTick = %d, want 15", cfg.SchedulerTick)
	}
	if cfg.WorkerBatchSize != 10 {
		t.Errorf("WorkerBatchSize = %d, want 10", cfg.WorkerBatchSize)
	}
	if cfg.DryRun {
		t.Error("DryRun should default to false")
	}
}

func TestLoadConfigMissingRequired(t *testing.T) {
	path := writeConfig(t, `vault_key_path: /etc/aegis/vault.key`)
	if _, err := LoadConfig(path); err == nil {
		t.Error("expected error for missing database_url")
	}

	path = writeConfig(t, `database_url: postgres://aegis@localhost/aegis`)
	if _, err := LoadConfig(path); err == nil {
		t.Error("expected error for missing vault_key_path")
	}
}

func TestLoadConfigClamping(t *testing.T) {
	path := writeConfig(t, `
database_url: postgres://aegis@localhost/aegis
vault_key_path: /etc/aegis/vault.key
worker_poll_interval: 100000
worker_batch_size: 0
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.WorkerPollInterval != 300 {
		t.Errorf("WorkerPollInterval = %d, want clamped to 300", cfg.WorkerPollInterval)
	}
	if cfg.WorkerBatchSize != 1 {
		t.Errorf("WorkerBatchSize = %d, want clamped to 1", cfg.WorkerBatchSize)
	}
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("DRY_RUN", "true")
	t.Setenv("LOG_LEVEL", "debug")
	path := writeConfig(t, `
database_url: postgres://aegis@localhost/aegis
vault_key_path: /etc/aegis/vault.key
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if !cfg.DryRun {
		t.Error("DRY_RUN env override not applied")
	}
	if cfg.LogLevel != "DEBUG" {
		t.Errorf("LogLevel = %q, want DEBUG", cfg.LogLevel)
	}
}
