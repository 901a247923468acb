package config

import (
	"os"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"REDIS_URL", "VAULT_SECRET", "LOG_LEVEL", "STICKY_TTL", "REFRESH_LOCK_TTL",
		"CB_ERROR_THRESHOLD", "CB_TIME_WINDOW", "PORT",
	} {
		t.Setenv(k, "")
		_ = os.Unsetenv(k)
	}
}

func TestLoadRequiresRedisURL(t *testing.T) {
	clearEnv(t)
	t.Setenv("VAULT_SECRET", "0123456789abcdef0123456789abcdef")

	if _, err := Load(); err == nil {
		t.Fatal("expected error when REDIS_URL is unset")
	}
}

func TestLoadRequiresVaultSecretLength(t *testing.T) {
	clearEnv(t)
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("VAULT_SECRET", "short")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for a vault secret shorter than 32 bytes")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("VAULT_SECRET", "0123456789abcdef0123456789abcdef")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.Scheduler.StickyTTL.String() != "1h0m0s" {
		t.Errorf("StickyTTL = %v, want 1h", cfg.Scheduler.StickyTTL)
	}
	if cfg.CircuitBreaker.ErrorThreshold != 5 {
		t.Errorf("ErrorThreshold = %d, want 5", cfg.CircuitBreaker.ErrorThreshold)
	}
}

func TestLoadRejectsInvalidLogLevel(t *testing.T) {
	clearEnv(t)
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("VAULT_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("LOG_LEVEL", "verbose")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for an invalid LOG_LEVEL")
	}
}
