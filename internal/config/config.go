// Package config loads the bridge's configuration surface: the
// rate-limit ceilings, session timeout, frame/byte caps, and dimension
// bounds the core consumes, plus the ambient transport/logging
// settings. Defaults are compiled in, overridden by an optional YAML
// file, then by environment variables — the same precedence order the
// teacher CLI used for env vars over flags.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// BridgeConfig is the configuration surface consumed by internal/bridge,
// internal/ratelimit, and internal/execadapter.
type BridgeConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	LogLevel   string `yaml:"log_level"`
	LogFile    string `yaml:"log_file"`

	RateLimitConnections int `yaml:"rate_limit_connections"`
	RateLimitCommands    int `yaml:"rate_limit_commands"`

	SessionIdleTimeoutSec   int `yaml:"session_idle_timeout_sec"`
	MaxFrameBytes           int `yaml:"max_frame_bytes"`
	MaxInputPerSessionBytes int `yaml:"max_input_per_session_bytes"`
	PTYChunkSize            int `yaml:"pty_chunk_size"`
	MinDim                  int `yaml:"min_dim"`
	MaxDim                  int `yaml:"max_dim"`

	WorkspaceDir string `yaml:"workspace_dir"`
	SandboxUser  string `yaml:"sandbox_user"`
}

// Default returns the spec's documented defaults (§6.3).
func Default() BridgeConfig {
	return BridgeConfig{
		ListenAddr:              ":8443",
		LogLevel:                "info",
		RateLimitConnections:    20,
		RateLimitCommands:       600,
		SessionIdleTimeoutSec:   1800,
		MaxFrameBytes:           65536,
		MaxInputPerSessionBytes: 10485760,
		PTYChunkSize:            4096,
		MinDim:                  1,
		MaxDim:                  1000,
		WorkspaceDir:            "/var/lib/termbridge/workspace",
		SandboxUser:             "workspace",
	}
}

func (c BridgeConfig) IdleTimeout() time.Duration {
	return time.Duration(c.SessionIdleTimeoutSec) * time.Second
}

// Load builds a BridgeConfig from defaults, then yamlPath if it exists,
// then TB_*-prefixed environment variables. yamlPath may be empty, in
// which case only defaults and env vars apply.
func Load(yamlPath string) (BridgeConfig, error) {
	cfg := Default()
	if yamlPath != "" {
		if err := mergeYAML(&cfg, yamlPath); err != nil {
			return cfg, err
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

func mergeYAML(cfg *BridgeConfig, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *BridgeConfig) {
	envOr(&cfg.ListenAddr, "TB_LISTEN_ADDR")
	envOr(&cfg.LogLevel, "TB_LOG_LEVEL")
	envOr(&cfg.LogFile, "TB_LOG_FILE")
	envOr(&cfg.WorkspaceDir, "TB_WORKSPACE_DIR")
	envOr(&cfg.SandboxUser, "TB_SANDBOX_USER")
	envOrInt(&cfg.RateLimitConnections, "TB_RATE_LIMIT_CONNECTIONS")
	envOrInt(&cfg.RateLimitCommands, "TB_RATE_LIMIT_COMMANDS")
	envOrInt(&cfg.SessionIdleTimeoutSec, "TB_SESSION_IDLE_TIMEOUT_SEC")
	envOrInt(&cfg.MaxFrameBytes, "TB_MAX_FRAME_BYTES")
	envOrInt(&cfg.MaxInputPerSessionBytes, "TB_MAX_INPUT_PER_SESSION_BYTES")
	envOrInt(&cfg.PTYChunkSize, "TB_PTY_CHUNK_SIZE")
}

func envOr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envOrInt(dst *int, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("config: ignoring invalid integer env var", "key", key, "value", v)
		return
	}
	*dst = n
}

// Watch reloads the YAML file at path whenever it changes and calls
// onChange with the newly merged config. Reload failures are logged and
// leave the previous config in place. Watch runs until ctx-independent
// stop() is called; it never blocks the caller.
func Watch(path string, onChange func(BridgeConfig)) (stop func(), err error) {
	if path == "" {
		return func() {}, nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					slog.Warn("config: reload failed, keeping previous config", "err", err)
					continue
				}
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("config: watch error", "err", err)
			}
		}
	}()
	return func() { _ = watcher.Close() }, nil
}
