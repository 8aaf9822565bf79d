package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"PORT", "STORAGE_BACKEND", "ENABLE_SERVER_SYNC",
		"SYNC_INTERVAL", "SYNC_MAX_RETRIES", "SYNC_RETRY_DELAY",
	} {
		os.Unsetenv(key)
	}

	cfg := Load()
	if cfg.Port != "3100" {
		t.Errorf("Port = %q, want 3100", cfg.Port)
	}
	if cfg.StorageBackend != "sqlite" {
		t.Errorf("StorageBackend = %q, want sqlite", cfg.StorageBackend)
	}
	if !cfg.EnableServerSync {
		t.Error("EnableServerSync should default to true")
	}
	if cfg.SyncInterval != 30*time.Second {
		t.Errorf("SyncInterval = %s, want 30s", cfg.SyncInterval)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.MaxRetries)
	}
	if cfg.RetryDelay != 5*time.Second {
		t.Errorf("RetryDelay = %s, want 5s", cfg.RetryDelay)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("STORAGE_BACKEND", "Redis")
	t.Setenv("ENABLE_SERVER_SYNC", "false")
	t.Setenv("SYNC_INTERVAL", "2m")
	t.Setenv("SYNC_MAX_RETRIES", "7")

	cfg := Load()
	if cfg.Port != "9000" {
		t.Errorf("Port = %q, want 9000", cfg.Port)
	}
	if cfg.StorageBackend != "redis" {
		t.Errorf("StorageBackend should be lowercased, got %q", cfg.StorageBackend)
	}
	if cfg.EnableServerSync {
		t.Error("EnableServerSync should be false")
	}
	if cfg.SyncInterval != 2*time.Minute {
		t.Errorf("SyncInterval = %s, want 2m", cfg.SyncInterval)
	}
	if cfg.MaxRetries != 7 {
		t.Errorf("MaxRetries = %d, want 7", cfg.MaxRetries)
	}
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("SYNC_INTERVAL", "not-a-duration")
	t.Setenv("SYNC_MAX_RETRIES", "many")
	t.Setenv("ENABLE_SERVER_SYNC", "maybe")

	cfg := Load()
	if cfg.SyncInterval != 30*time.Second {
		t.Errorf("Malformed duration should fall back to default, got %s", cfg.SyncInterval)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("Malformed int should fall back to default, got %d", cfg.MaxRetries)
	}
	if !cfg.EnableServerSync {
		t.Error("Malformed bool should fall back to default")
	}
}

func TestLoadAgents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.yaml")
	content := `agents:
  - name: support
    url: http://localhost:8000/rpc
  - name: missing-url
    url: "  "
  - name: sales
    url: http://localhost:8001/rpc
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write agents file: %v", err)
	}

	agents, err := LoadAgents(path)
	if err != nil {
		t.Fatalf("LoadAgents failed: %v", err)
	}
	if len(agents) != 2 {
		t.Fatalf("Expected 2 agents (blank URL skipped), got %d", len(agents))
	}
	if agents[0].Name != "support" || agents[0].URL != "http://localhost:8000/rpc" {
		t.Errorf("Unexpected first agent: %+v", agents[0])
	}
	if agents[1].Name != "sales" {
		t.Errorf("Unexpected second agent: %+v", agents[1])
	}
}

func TestLoadAgentsErrors(t *testing.T) {
	if _, err := LoadAgents(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}

	path := filepath.Join(t.TempDir(), "broken.yaml")
	if err := os.WriteFile(path, []byte("agents: [::"), 0o644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	if _, err := LoadAgents(path); err == nil {
		t.Error("Expected error for malformed YAML")
	}
}
