// Package config loads the proxy's configuration document: a YAML file
// with environment-variable overrides layered on top (see envOr
// below), plus field-level Validate().
//
// CLI flag parsing and the "--check" startup mode are left to callers,
// who drive Load/Validate from their own flag package.
package config

import (
	"fmt"
	"os"
	"time"

	"go.yaml.in/yaml/v3"
)

type ServerConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	HTTPSPort int    `yaml:"https_port"`
	Workers   int    `yaml:"workers"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type RedisConfig struct {
	URL        string        `yaml:"url"`
	PoolSize   int           `yaml:"pool_size"`
	Database   int           `yaml:"database"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

type CacheConfig struct {
	CacheType        string        `yaml:"cache_type"` // memory | redis
	MemoryMaxEntries int           `yaml:"memory_max_entries"`
	DefaultTTL       time.Duration `yaml:"default_ttl"`
	Enabled          bool          `yaml:"enabled"`
}

type TraceConfig struct {
	Enabled                  bool          `yaml:"enabled"`
	DefaultTraceLevel        int           `yaml:"default_trace_level"` // 0,1,2
	SamplingRate             float64       `yaml:"sampling_rate"`       // [0,1]
	MaxBatchSize             int           `yaml:"max_batch_size"`
	FlushInterval            time.Duration `yaml:"flush_interval"`
	EnablePhases             bool          `yaml:"enable_phases"`
	EnableHealthMetrics      bool          `yaml:"enable_health_metrics"`
	EnablePerformanceMetrics bool          `yaml:"enable_performance_metrics"`
}

type OAuthCleanupConfig struct {
	Enabled                     bool `yaml:"enabled"`
	PendingExpireMinutes        int  `yaml:"pending_expire_minutes"`
	CleanupIntervalSeconds      int  `yaml:"cleanup_interval_seconds"`
	MaxCleanupRecords           int  `yaml:"max_cleanup_records"`
	ExpiredRecordsRetentionDays int  `yaml:"expired_records_retention_days"`
}

// RefreshSafetyMargin is the fixed window before expires_at at which
// the scheduled refresh task re-queues a session (default 5 min).
// Not part of the configuration document. The oauth package keeps its
// own copy of the same value and does not call this method.
func (OAuthCleanupConfig) RefreshSafetyMargin() time.Duration {
	return 5 * time.Minute
}

// ProxyConfig holds the process-wide defaults and caps for the proxy
// front-end that are not attached to a per-tenant UserServiceApi row.
type ProxyConfig struct {
	DefaultTimeout    time.Duration `yaml:"default_timeout"`
	BodyTeeCap        int64         `yaml:"body_tee_cap"`
	StreamBufferBytes int           `yaml:"stream_buffer_bytes"`
	PathPrefix        string        `yaml:"path_prefix"`
}

// Config is the full configuration document loaded at process start.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	Cache        CacheConfig        `yaml:"cache"`
	Trace        TraceConfig        `yaml:"trace"`
	OAuthCleanup OAuthCleanupConfig `yaml:"oauth_cleanup"`
	Proxy        ProxyConfig        `yaml:"proxy"`

	// LogLevel is set from the RUST_LOG-style LOG environment variable;
	// it has no YAML key because it is environment-only.
	LogLevel string `yaml:"-"`
}

// Default returns the configuration document's built-in defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080, Workers: 4},
		Database: DatabaseConfig{
			URL: "sqlite://./aiproxy.db",
		},
		Redis: RedisConfig{
			URL: "", PoolSize: 10, Database: 0, DefaultTTL: time.Hour,
		},
		Cache: CacheConfig{
			CacheType: "memory", MemoryMaxEntries: 100_000,
			DefaultTTL: time.Hour, Enabled: true,
		},
		Trace: TraceConfig{
			Enabled: true, DefaultTraceLevel: 1, SamplingRate: 1.0,
			MaxBatchSize: 200, FlushInterval: 2 * time.Second,
			EnablePhases: true, EnableHealthMetrics: true, EnablePerformanceMetrics: true,
		},
		OAuthCleanup: OAuthCleanupConfig{
			Enabled: true, PendingExpireMinutes: 30, CleanupIntervalSeconds: 300,
			MaxCleanupRecords: 500, ExpiredRecordsRetentionDays: 7,
		},
		Proxy: ProxyConfig{
			DefaultTimeout: 30 * time.Second, BodyTeeCap: 1 << 20,
			StreamBufferBytes: 64 << 10, PathPrefix: "/v1/",
		},
		LogLevel: "info",
	}
}

// Load reads a YAML document from path (if non-empty and present),
// applies it over Default(), then layers environment variable
// overrides: DATABASE_URL overrides database.url; LOG sets LogLevel.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	cfg.LogLevel = envOr("LOG", cfg.LogLevel)

	return cfg, nil
}

// Validate checks field-level invariants the YAML/env loader cannot
// express structurally.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("config: database.url is required")
	}
	if c.Cache.CacheType != "memory" && c.Cache.CacheType != "redis" {
		return fmt.Errorf("config: cache.cache_type must be memory or redis, got %q", c.Cache.CacheType)
	}
	if c.Cache.CacheType == "redis" && c.Redis.URL == "" {
		return fmt.Errorf("config: redis.url is required when cache.cache_type=redis")
	}
	if c.Trace.SamplingRate < 0 || c.Trace.SamplingRate > 1 {
		return fmt.Errorf("config: trace.sampling_rate must be within [0,1], got %v", c.Trace.SamplingRate)
	}
	if c.Trace.DefaultTraceLevel < 0 || c.Trace.DefaultTraceLevel > 2 {
		return fmt.Errorf("config: trace.default_trace_level must be 0, 1 or 2")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
