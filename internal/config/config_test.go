// internal/config/config_test.go
package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadValidConfig(t *testing.T) {
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "config.yaml")
	contents := `
server:
  name: "test-bus"
  port: 9090
  call_timeout: 5s
  max_message_size: 1048576
  max_queued_messages: 16
  max_concurrent_handlers: 4

auth:
  token: "shared-secret"
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Name != "test-bus" {
		t.Errorf("Server.Name = %v, want %v", cfg.Server.Name, "test-bus")
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %v, want %v", cfg.Server.Port, 9090)
	}
	if cfg.Server.MaxConcurrentHandlers != 4 {
		t.Errorf("Server.MaxConcurrentHandlers = %v, want %v", cfg.Server.MaxConcurrentHandlers, 4)
	}
	if cfg.Auth.Token != "shared-secret" {
		t.Errorf("Auth.Token = %v, want %v", cfg.Auth.Token, "shared-secret")
	}
}

func TestLoadPartialConfigKeepsDefaults(t *testing.T) {
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "config.yaml")
	contents := `
server:
  name: "partial-bus"
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Name != "partial-bus" {
		t.Errorf("Server.Name = %v, want %v", cfg.Server.Name, "partial-bus")
	}
	// Fields absent from the file retain New()'s defaults.
	if cfg.Server.MaxMessageSize != New().Server.MaxMessageSize {
		t.Errorf("Server.MaxMessageSize = %v, want default %v", cfg.Server.MaxMessageSize, New().Server.MaxMessageSize)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "invalid.yaml")
	if err := os.WriteFile(path, []byte("server: [this is not valid"), 0o644); err != nil {
		t.Fatalf("failed to write invalid config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Error("Load() with malformed YAML should return an error")
	}
}

func TestLoadNonexistentFile(t *testing.T) {
	tempDir := t.TempDir()
	if _, err := Load(filepath.Join(tempDir, "missing.yaml")); err == nil {
		t.Error("Load() with a nonexistent file should return an error")
	}
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error = %v", err)
	}
	want := New()
	if cfg.Server.Name != want.Server.Name || cfg.Server.Port != want.Server.Port {
		t.Errorf("Load(\"\") = %+v, want defaults %+v", cfg.Server, want.Server)
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("cannot determine home directory: %v", err)
	}

	expanded, err := ExpandPath("~/test/path")
	if err != nil {
		t.Fatalf("ExpandPath() error = %v", err)
	}
	want := filepath.Join(home, "test/path")
	if expanded != want {
		t.Errorf("ExpandPath(~/test/path) = %v, want %v", expanded, want)
	}

	normal := "/tmp/test/path"
	expanded, err = ExpandPath(normal)
	if err != nil {
		t.Fatalf("ExpandPath() error = %v", err)
	}
	if expanded != normal {
		t.Errorf("ExpandPath(%v) = %v, want unchanged", normal, expanded)
	}
}
