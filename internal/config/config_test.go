package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.SessionIdleTimeoutSec != 1800 {
		t.Fatalf("SessionIdleTimeoutSec = %d, want 1800", cfg.SessionIdleTimeoutSec)
	}
	if cfg.MaxFrameBytes != 65536 {
		t.Fatalf("MaxFrameBytes = %d, want 65536", cfg.MaxFrameBytes)
	}
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "termbridge.yaml")
	if err := os.WriteFile(path, []byte("rate_limit_connections: 5\nsession_idle_timeout_sec: 60\n"), 0644); err != nil {
		t.Fatalf("write yaml: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.RateLimitConnections != 5 {
		t.Fatalf("RateLimitConnections = %d, want 5", cfg.RateLimitConnections)
	}
	if cfg.SessionIdleTimeoutSec != 60 {
		t.Fatalf("SessionIdleTimeoutSec = %d, want 60", cfg.SessionIdleTimeoutSec)
	}
	// fields not present in the YAML keep their defaults.
	if cfg.MaxFrameBytes != 65536 {
		t.Fatalf("MaxFrameBytes = %d, want unchanged default 65536", cfg.MaxFrameBytes)
	}
}

func TestLoadEnvOverridesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "termbridge.yaml")
	if err := os.WriteFile(path, []byte("rate_limit_connections: 5\n"), 0644); err != nil {
		t.Fatalf("write yaml: %v", err)
	}
	t.Setenv("TB_RATE_LIMIT_CONNECTIONS", "9")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.RateLimitConnections != 9 {
		t.Fatalf("RateLimitConnections = %d, want 9 (env should win)", cfg.RateLimitConnections)
	}
}

func TestLoadMissingYAMLFileUsesDefaults(t *testing.T) {
	cfg, err := Load("/nonexistent/termbridge.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.SessionIdleTimeoutSec != 1800 {
		t.Fatalf("expected default to survive a missing config file")
	}
}

func TestIdleTimeoutConversion(t *testing.T) {
	cfg := Default()
	cfg.SessionIdleTimeoutSec = 90
	if got := cfg.IdleTimeout().Seconds(); got != 90 {
		t.Fatalf("IdleTimeout().Seconds() = %v, want 90", got)
	}
}
