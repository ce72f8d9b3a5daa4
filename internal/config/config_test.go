package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Cleanup(func() { stat = os.Stat })
	stat = func(string) (os.FileInfo, error) { return nil, os.ErrNotExist }

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.ListenAddress != defaultListenAddress {
		t.Fatalf("expected default listen address %s, got %s", defaultListenAddress, cfg.ListenAddress)
	}
	if cfg.LogLevel != defaultLogLevel {
		t.Fatalf("expected default log level %s, got %s", defaultLogLevel, cfg.LogLevel)
	}
	if cfg.ShutdownGracePeriod != defaultShutdownGracePeriod {
		t.Fatalf("expected default grace %s, got %s", defaultShutdownGracePeriod, cfg.ShutdownGracePeriod)
	}
	if cfg.RingTimeout != defaultRingTimeout {
		t.Fatalf("expected default ring timeout %s, got %s", defaultRingTimeout, cfg.RingTimeout)
	}
	if cfg.AuthEnabled() {
		t.Fatal("expected auth disabled by default")
	}
	if len(cfg.CORS.AllowedOrigins) != 1 || cfg.CORS.AllowedOrigins[0] != "*" {
		t.Fatalf("expected wildcard origins, got %v", cfg.CORS.AllowedOrigins)
	}
	if cfg.WebSocket.SendBuffer != defaultSendBuffer || cfg.WebSocket.MaxMessageSize != defaultMaxMessageSize {
		t.Fatalf("unexpected websocket defaults: %+v", cfg.WebSocket)
	}
}

func TestLoadWithFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "relay.yaml")
	if err := os.WriteFile(configPath, []byte(`
listen_address: "127.0.0.1:7001"
log_level: "debug"
ring_timeout: "30s"
auth:
  jwt_secret: "file-secret"
  issuer: "pairline"
discovery:
  enabled: true
`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("RELAY_LISTEN_ADDRESS", ":6000")
	t.Setenv("RELAY_CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.ListenAddress != ":6000" {
		t.Fatalf("expected env override for listen address, got %s", cfg.ListenAddress)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected log level debug, got %s", cfg.LogLevel)
	}
	if cfg.RingTimeout != 30*time.Second {
		t.Fatalf("expected ring timeout 30s, got %s", cfg.RingTimeout)
	}
	if !cfg.AuthEnabled() || cfg.Auth.Issuer != "pairline" {
		t.Fatalf("expected auth from file, got %+v", cfg.Auth)
	}
	if !cfg.Discovery.Enabled || cfg.Discovery.Instance != defaultInstance {
		t.Fatalf("unexpected discovery config: %+v", cfg.Discovery)
	}
	if len(cfg.CORS.AllowedOrigins) != 2 || cfg.CORS.AllowedOrigins[1] != "https://b.example" {
		t.Fatalf("expected two origins from env, got %v", cfg.CORS.AllowedOrigins)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Setenv("RELAY_RING_TIMEOUT", "soon")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for invalid ring timeout")
	}
}

func TestLoadReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	if err := os.WriteFile(envPath, []byte("RELAY_LOG_LEVEL=warn\n"), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() {
		_ = os.Chdir(wd)
		_ = os.Unsetenv("RELAY_LOG_LEVEL")
	})

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("expected log level from .env, got %s", cfg.LogLevel)
	}
}
