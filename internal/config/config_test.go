package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestLoadDefaults verifies the zero-config path yields the documented
// operating limits.
func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, 5, cfg.Pool.MaxSessions)
	require.Equal(t, 50, cfg.Pool.MaxRequests)
	require.Equal(t, 500, cfg.Pool.MaxMemoryMB)
	require.Equal(t, 5*time.Minute, cfg.Pool.IdleTimeout())
	require.Equal(t, 1500, cfg.Pool.CaptureWaitMs)
	require.False(t, cfg.Pool.HeadlessDisable)
	require.Equal(t, 2*time.Second, cfg.Admission.MinDelay())
	require.Equal(t, 15, cfg.Admission.MaxPerMinute)
	require.Equal(t, time.Minute, cfg.Admission.BurstCooldown())
	require.Equal(t, 3, cfg.Queue.MaxConcurrent)
	require.Equal(t, 1000, cfg.Queue.MinPayloadBytes)
	require.Equal(t, 5*time.Minute, cfg.Queue.Retention())
	require.Equal(t, 2*time.Minute, cfg.Queue.JobTimeout())
	require.Equal(t, 128, cfg.Capture.Capacity)
	require.Equal(t, 10, cfg.Diagnostics.MaxRecords)
	require.Equal(t, 5000, cfg.Diagnostics.MinPayloadLen)
	require.Equal(t, "local", cfg.Storage.Provider)
	require.Equal(t, "memory", cfg.Publisher.Provider)
}

// TestLoadFromFile verifies file values override defaults.
func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  port: 9090
pool:
  max_sessions: 2
queue:
  max_concurrent: 1
storage:
  provider: memory
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, 2, cfg.Pool.MaxSessions)
	require.Equal(t, 1, cfg.Queue.MaxConcurrent)
	require.Equal(t, "memory", cfg.Storage.Provider)
	// Untouched sections keep their defaults.
	require.Equal(t, 15, cfg.Admission.MaxPerMinute)
}

// TestValidateRejectsBadValues verifies validation failures.
func TestValidateRejectsBadValues(t *testing.T) {
	base, err := Load("")
	require.NoError(t, err)

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero port", func(c *Config) { c.Server.Port = 0 }},
		{"zero sessions", func(c *Config) { c.Pool.MaxSessions = 0 }},
		{"zero requests", func(c *Config) { c.Pool.MaxRequests = 0 }},
		{"zero concurrency", func(c *Config) { c.Queue.MaxConcurrent = 0 }},
		{"zero per-minute cap", func(c *Config) { c.Admission.MaxPerMinute = 0 }},
		{"auth without key", func(c *Config) { c.Auth.Enabled = true; c.Auth.APIKey = "" }},
		{"unknown storage", func(c *Config) { c.Storage.Provider = "s3" }},
		{"gcs without bucket", func(c *Config) { c.Storage.Provider = "gcs"; c.Storage.GCSBucket = "" }},
		{"unknown publisher", func(c *Config) { c.Publisher.Provider = "kafka" }},
		{"pubsub without project", func(c *Config) { c.Publisher.Provider = "pubsub"; c.Publisher.ProjectID = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

// TestLoadMissingFile verifies a bad path surfaces as an error.
func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
