// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Pool        PoolConfig        `mapstructure:"pool"`
	Admission   AdmissionConfig   `mapstructure:"admission"`
	Queue       QueueConfig       `mapstructure:"queue"`
	Capture     CaptureConfig     `mapstructure:"capture"`
	Diagnostics DiagnosticsConfig `mapstructure:"diagnostics"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Publisher   PublisherConfig   `mapstructure:"publisher"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// PoolConfig governs the rendering engine pool.
type PoolConfig struct {
	MaxSessions     int    `mapstructure:"max_sessions"`
	MaxRequests     int    `mapstructure:"max_requests"`
	MaxMemoryMB     int    `mapstructure:"max_memory_mb"`
	IdleTimeoutSec  int    `mapstructure:"idle_timeout_seconds"`
	MemoryCheckSec  int    `mapstructure:"memory_check_seconds"`
	NavTimeoutSec   int    `mapstructure:"nav_timeout_seconds"`
	UserAgent       string `mapstructure:"user_agent"`
	SettleDelayMs   int    `mapstructure:"settle_delay_ms"`
	CaptureWaitMs   int    `mapstructure:"capture_wait_ms"`
	HeadlessDisable bool   `mapstructure:"disabled"`
}

// AdmissionConfig controls spacing of remote-facing operations.
type AdmissionConfig struct {
	MinDelayMs       int `mapstructure:"min_delay_ms"`
	MaxPerMinute     int `mapstructure:"max_per_minute"`
	BurstCooldownSec int `mapstructure:"burst_cooldown_seconds"`
}

// QueueConfig governs the job scheduler.
type QueueConfig struct {
	MaxConcurrent   int `mapstructure:"max_concurrent"`
	RetentionSec    int `mapstructure:"retention_seconds"`
	MinPayloadBytes int `mapstructure:"min_payload_bytes"`
	FetchTimeoutSec int `mapstructure:"fetch_timeout_seconds"`
	JobTimeoutSec   int `mapstructure:"job_timeout_seconds"`
}

// CaptureConfig bounds the media-capture cache.
type CaptureConfig struct {
	Capacity int `mapstructure:"capacity"`
	TTLSec   int `mapstructure:"ttl_seconds"`
}

// DiagnosticsConfig controls failure classification and its history.
type DiagnosticsConfig struct {
	Dir             string `mapstructure:"dir"`
	MaxRecords      int    `mapstructure:"max_records"`
	MinPayloadLen   int    `mapstructure:"min_payload_len"`
	PayloadCapBytes int    `mapstructure:"payload_cap_bytes"`
}

// StorageConfig selects the destination store provider.
type StorageConfig struct {
	Provider    string `mapstructure:"provider"`
	BaseDir     string `mapstructure:"base_dir"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	ContentType string `mapstructure:"content_type"`
}

// PublisherConfig selects the completion-event publisher.
type PublisherConfig struct {
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MEDIAGRAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("pool.max_sessions", 5)
	v.SetDefault("pool.max_requests", 50)
	v.SetDefault("pool.max_memory_mb", 500)
	v.SetDefault("pool.idle_timeout_seconds", 300)
	v.SetDefault("pool.memory_check_seconds", 30)
	v.SetDefault("pool.nav_timeout_seconds", 120)
	v.SetDefault("pool.settle_delay_ms", 500)
	v.SetDefault("pool.capture_wait_ms", 1500)
	v.SetDefault("pool.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36")
	v.SetDefault("admission.min_delay_ms", 2000)
	v.SetDefault("admission.max_per_minute", 15)
	v.SetDefault("admission.burst_cooldown_seconds", 60)
	v.SetDefault("queue.max_concurrent", 3)
	v.SetDefault("queue.retention_seconds", 300)
	v.SetDefault("queue.min_payload_bytes", 1000)
	v.SetDefault("queue.fetch_timeout_seconds", 60)
	v.SetDefault("queue.job_timeout_seconds", 120)
	v.SetDefault("capture.capacity", 128)
	v.SetDefault("capture.ttl_seconds", 600)
	v.SetDefault("diagnostics.dir", "diagnostics")
	v.SetDefault("diagnostics.max_records", 10)
	v.SetDefault("diagnostics.min_payload_len", 5000)
	v.SetDefault("diagnostics.payload_cap_bytes", 262144)
	v.SetDefault("storage.provider", "local")
	v.SetDefault("storage.base_dir", "downloads")
	v.SetDefault("storage.content_type", "application/octet-stream")
	v.SetDefault("publisher.provider", "memory")
	v.SetDefault("publisher.topic", "batch-completions")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Pool.MaxSessions <= 0 {
		return fmt.Errorf("pool.max_sessions must be > 0")
	}
	if c.Pool.MaxRequests <= 0 {
		return fmt.Errorf("pool.max_requests must be > 0")
	}
	if c.Queue.MaxConcurrent <= 0 {
		return fmt.Errorf("queue.max_concurrent must be > 0")
	}
	if c.Admission.MaxPerMinute <= 0 {
		return fmt.Errorf("admission.max_per_minute must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Storage.Provider {
	case "local", "memory":
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set when storage.provider is gcs")
		}
	default:
		return fmt.Errorf("unknown storage provider: %s", c.Storage.Provider)
	}
	switch c.Publisher.Provider {
	case "memory":
	case "pubsub":
		if c.Publisher.ProjectID == "" {
			return fmt.Errorf("publisher.project_id must be set when publisher.provider is pubsub")
		}
	default:
		return fmt.Errorf("unknown publisher provider: %s", c.Publisher.Provider)
	}
	return nil
}

// MinDelay returns the admission spacing as a duration.
func (c AdmissionConfig) MinDelay() time.Duration {
	return time.Duration(c.MinDelayMs) * time.Millisecond
}

// BurstCooldown returns the burst penalty as a duration.
func (c AdmissionConfig) BurstCooldown() time.Duration {
	return time.Duration(c.BurstCooldownSec) * time.Second
}

// FetchTimeout returns the per-strategy attempt ceiling.
func (c QueueConfig) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSec) * time.Second
}

// JobTimeout returns the overall per-job ceiling.
func (c QueueConfig) JobTimeout() time.Duration {
	return time.Duration(c.JobTimeoutSec) * time.Second
}

// Retention returns how long completed batches are kept.
func (c QueueConfig) Retention() time.Duration {
	return time.Duration(c.RetentionSec) * time.Second
}

// IdleTimeout returns the engine idle shutdown window.
func (c PoolConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSec) * time.Second
}

// MemoryCheckInterval returns the sampler period.
func (c PoolConfig) MemoryCheckInterval() time.Duration {
	return time.Duration(c.MemoryCheckSec) * time.Second
}

// NavTimeout returns the session navigation ceiling.
func (c PoolConfig) NavTimeout() time.Duration {
	return time.Duration(c.NavTimeoutSec) * time.Second
}
