package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout.Duration())
	assert.Equal(t, "memory", cfg.Checkpoint.Backend)
	assert.Equal(t, 30, cfg.Checkpoint.TTLDays)
	assert.Equal(t, 200, cfg.Compliance.WordLimit)
	assert.Equal(t, 100, cfg.Compliance.RequestRateThreshold)
	assert.Equal(t, 100.0, cfg.Compliance.ToolCostCap)
	assert.Equal(t, 8, cfg.Orchestrator.ExpectedSteps)
	assert.NotEmpty(t, cfg.Compliance.ProtectedPaths)
	require.NoError(t, cfg.Validate())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{
			name:   "bad port",
			mutate: func(c *Config) { c.Server.Port = 70000 },
			errMsg: "invalid server port",
		},
		{
			name:   "bad log format",
			mutate: func(c *Config) { c.Logging.Format = "xml" },
			errMsg: "logging format",
		},
		{
			name:   "postgres without dsn",
			mutate: func(c *Config) { c.Checkpoint.Backend = "postgres" },
			errMsg: "postgres_dsn is required",
		},
		{
			name:   "unknown backend",
			mutate: func(c *Config) { c.Checkpoint.Backend = "sqlite" },
			errMsg: "unknown checkpoint backend",
		},
		{
			name:   "sampling rate out of range",
			mutate: func(c *Config) { c.Telemetry.SamplingRate = 1.5 },
			errMsg: "sampling_rate",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestLoadWithFile_NoFile(t *testing.T) {
	cfg, err := LoadWithFile("")
	require.NoError(t, err)
	assert.Equal(t, 9191, cfg.Server.Port)
}

func TestLoadWithFile_MissingFileIsNotAnError(t *testing.T) {
	cfg, err := LoadWithFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Checkpoint.Backend)
}

func TestLoadWithFile_YAMLAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  http_port: 8088
  shutdown_timeout: 3s
compliance:
  word_limit: 250
  protected_paths:
    - /srv/applicants/
checkpoint:
  ttl_days: 7
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	t.Setenv("MERITFLOW_CHECKPOINT_CACHE_SIZE", "64")
	t.Setenv("MERITFLOW_STREAM_NATS_URL", "nats://127.0.0.1:4222")

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, 8088, cfg.Server.Port)
	assert.Equal(t, 3*time.Second, cfg.Server.ShutdownTimeout.Duration())
	assert.Equal(t, 250, cfg.Compliance.WordLimit)
	assert.Equal(t, []string{"/srv/applicants/"}, cfg.Compliance.ProtectedPaths)
	assert.Equal(t, 7, cfg.Checkpoint.TTLDays)
	assert.Equal(t, 64, cfg.Checkpoint.CacheSize)
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.Stream.NATSURL)
}

func TestLoadWithFile_RejectsWorldReadable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  http_port: 8088\n"), 0644))

	_, err := LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure config file permissions")
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "server.http_port", envKey("MERITFLOW_SERVER_HTTP_PORT"))
	assert.Equal(t, "checkpoint.postgres_dsn", envKey("MERITFLOW_CHECKPOINT_POSTGRES_DSN"))
	assert.Equal(t, "debug", envKey("MERITFLOW_DEBUG"))
}

func TestSecret_NeverPrints(t *testing.T) {
	s := Secret("postgres://user:pw@db/meritflow")

	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
	assert.NotContains(t, fmt.Sprintf("%#v", s), "pw@")

	data, err := json.Marshal(struct {
		DSN Secret `json:"dsn"`
	}{DSN: s})
	require.NoError(t, err)
	assert.JSONEq(t, `{"dsn":"[REDACTED]"}`, string(data))
	assert.Equal(t, "postgres://user:pw@db/meritflow", s.Value())
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	assert.Error(t, d.UnmarshalText([]byte("-5s")))
	assert.Error(t, d.UnmarshalText([]byte("soon")))
}
