package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv(envRedisURL, "")
	t.Setenv(envEnvironment, "")
	t.Setenv(envDedupWindow, "")

	cfg := Load()
	if cfg.RedisURL != defaultRedisURL {
		t.Fatalf("unexpected redis url: %s", cfg.RedisURL)
	}
	if cfg.Environment != EnvDevelopment {
		t.Fatalf("expected development default, got %s", cfg.Environment)
	}
	if cfg.DedupWindow != defaultDedupWindow {
		t.Fatalf("unexpected dedup window: %s", cfg.DedupWindow)
	}
	if cfg.IsProduction() {
		t.Fatal("development config must not be production")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv(envRedisURL, "redis://redis.internal:6380")
	t.Setenv(envEnvironment, "production")
	t.Setenv(envDedupWindow, "15m")
	t.Setenv(envMaxAttempts, "5")

	cfg := Load()
	if cfg.RedisURL != "redis://redis.internal:6380" {
		t.Fatalf("redis override ignored: %s", cfg.RedisURL)
	}
	if !cfg.IsProduction() {
		t.Fatal("expected production")
	}
	if cfg.DedupWindow != 15*time.Minute {
		t.Fatalf("dedup window override ignored: %s", cfg.DedupWindow)
	}
	if cfg.MaxAttempts != 5 {
		t.Fatalf("max attempts override ignored: %d", cfg.MaxAttempts)
	}
}

func TestLoadIgnoresInvalidDurations(t *testing.T) {
	t.Setenv(envDedupWindow, "soon")
	cfg := Load()
	if cfg.DedupWindow != defaultDedupWindow {
		t.Fatalf("invalid duration should fall back, got %s", cfg.DedupWindow)
	}
}
