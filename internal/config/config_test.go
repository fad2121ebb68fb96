package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Errorf("Default() failed Validate: %v", err)
	}
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != Default().Server.Port {
		t.Errorf("Port = %d, want default %d", cfg.Server.Port, Default().Server.Port)
	}
}

func TestLoadOverridesDefaultsFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := "server:\n  port: 9090\ncache:\n  cache_type: redis\nredis:\n  url: redis://localhost:6379\n"
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Cache.CacheType != "redis" {
		t.Errorf("CacheType = %q, want redis", cfg.Cache.CacheType)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadEnvOverridesDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "sqlite:///tmp/override.db")
	t.Setenv("LOG", "debug")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.URL != "sqlite:///tmp/override.db" {
		t.Errorf("Database.URL = %q, want env override", cfg.Database.URL)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestValidateRejectsBadCacheType(t *testing.T) {
	cfg := Default()
	cfg.Cache.CacheType = "memcached"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unsupported cache_type")
	}
}

func TestValidateRequiresRedisURLWhenRedisSelected(t *testing.T) {
	cfg := Default()
	cfg.Cache.CacheType = "redis"
	cfg.Redis.URL = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for missing redis.url")
	}
}

func TestValidateRejectsOutOfRangeSamplingRate(t *testing.T) {
	cfg := Default()
	cfg.Trace.SamplingRate = 1.5
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for sampling_rate > 1")
	}
}

func TestValidateRejectsOutOfRangeTraceLevel(t *testing.T) {
	cfg := Default()
	cfg.Trace.DefaultTraceLevel = 3
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for default_trace_level > 2")
	}
}

func TestValidateRequiresDatabaseURL(t *testing.T) {
	cfg := Default()
	cfg.Database.URL = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for empty database.url")
	}
}
