// Package config provides configuration loading for meritflow.
//
// Configuration is read from an optional YAML file and then overridden by
// MERITFLOW_* environment variables. Defaults are applied for anything left
// unset, and the result is validated before use.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete meritflow configuration.
type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Logging      LoggingConfig      `koanf:"logging"`
	Telemetry    TelemetryConfig    `koanf:"telemetry"`
	Orchestrator OrchestratorConfig `koanf:"orchestrator"`
	Checkpoint   CheckpointConfig   `koanf:"checkpoint"`
	Compliance   ComplianceConfig   `koanf:"compliance"`
	Stream       StreamConfig       `koanf:"stream"`
	Subworkflows SubworkflowConfig  `koanf:"subworkflows"`
	Temporal     TemporalConfig     `koanf:"temporal"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig selects the log level and encoding. The full logging.Config
// is derived from it at startup.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig holds OpenTelemetry export settings.
type TelemetryConfig struct {
	Enabled      bool    `koanf:"enabled"`
	Endpoint     string  `koanf:"endpoint"`
	Protocol     string  `koanf:"protocol"` // grpc or http/protobuf
	ServiceName  string  `koanf:"service_name"`
	Insecure     bool    `koanf:"insecure"`
	SamplingRate float64 `koanf:"sampling_rate"`
}

// OrchestratorConfig tunes the workflow graph engine.
type OrchestratorConfig struct {
	SubworkflowTimeout Duration `koanf:"subworkflow_timeout"`
	DebugDefault       bool     `koanf:"debug_default"`
	MaxQueryLength     int      `koanf:"max_query_length"`
	ExpectedSteps      int      `koanf:"expected_steps"`
}

// CheckpointConfig selects and tunes the checkpoint store.
type CheckpointConfig struct {
	Backend         string   `koanf:"backend"` // memory or postgres
	PostgresDSN     Secret   `koanf:"postgres_dsn"`
	TTLDays         int      `koanf:"ttl_days"`
	CacheSize       int      `koanf:"cache_size"`
	CleanupInterval Duration `koanf:"cleanup_interval"`
}

// ComplianceConfig holds the thresholds used by the compliance gates.
type ComplianceConfig struct {
	WordLimit            int      `koanf:"word_limit"`
	ProtectedPaths       []string `koanf:"protected_paths"`
	RequestRateThreshold int      `koanf:"request_rate_threshold"`
	BulkLimitThreshold   int      `koanf:"bulk_limit_threshold"`
	ToolCostCap          float64  `koanf:"tool_cost_cap"`
	// ReviewOnly names violation types routed to human review rather than
	// blocked, e.g. "protected_file_access".
	ReviewOnly []string `koanf:"review_only"`
}

// StreamConfig tunes the streaming event bus.
type StreamConfig struct {
	BufferSize     int      `koanf:"buffer_size"`
	PublishTimeout Duration `koanf:"publish_timeout"`
	NATSURL        string   `koanf:"nats_url"`
	SubjectPrefix  string   `koanf:"subject_prefix"`
}

// SubworkflowConfig points the orchestrator at remote sub-workflow services.
// Empty endpoints fall back to the built-in local invokers.
type SubworkflowConfig struct {
	UserEndpoint     string  `koanf:"user_endpoint"`
	PlatformEndpoint string  `koanf:"platform_endpoint"`
	RatePerSecond    float64 `koanf:"rate_per_second"`
	Burst            int     `koanf:"burst"`
}

// TemporalConfig enables running checkpoint retention as a Temporal workflow.
type TemporalConfig struct {
	Enabled   bool   `koanf:"enabled"`
	HostPort  string `koanf:"host_port"`
	Namespace string `koanf:"namespace"`
	TaskQueue string `koanf:"task_queue"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9191
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "meritflow"
	}
	if cfg.Telemetry.SamplingRate == 0 {
		cfg.Telemetry.SamplingRate = 1.0
	}

	if cfg.Orchestrator.SubworkflowTimeout == 0 {
		cfg.Orchestrator.SubworkflowTimeout = Duration(60 * time.Second)
	}
	if cfg.Orchestrator.MaxQueryLength == 0 {
		cfg.Orchestrator.MaxQueryLength = 8000
	}
	if cfg.Orchestrator.ExpectedSteps == 0 {
		cfg.Orchestrator.ExpectedSteps = 8
	}

	if cfg.Checkpoint.Backend == "" {
		cfg.Checkpoint.Backend = "memory"
	}
	if cfg.Checkpoint.TTLDays == 0 {
		cfg.Checkpoint.TTLDays = 30
	}
	if cfg.Checkpoint.CacheSize == 0 {
		cfg.Checkpoint.CacheSize = 512
	}
	if cfg.Checkpoint.CleanupInterval == 0 {
		cfg.Checkpoint.CleanupInterval = Duration(6 * time.Hour)
	}

	if cfg.Compliance.WordLimit == 0 {
		cfg.Compliance.WordLimit = 200
	}
	if len(cfg.Compliance.ProtectedPaths) == 0 {
		cfg.Compliance.ProtectedPaths = []string{
			"/users/data/",
			"resume",
			"application",
			"cover_letter",
			"transcript",
		}
	}
	if cfg.Compliance.RequestRateThreshold == 0 {
		cfg.Compliance.RequestRateThreshold = 100
	}
	if cfg.Compliance.BulkLimitThreshold == 0 {
		cfg.Compliance.BulkLimitThreshold = 100
	}
	if cfg.Compliance.ToolCostCap == 0 {
		cfg.Compliance.ToolCostCap = 100
	}

	if cfg.Stream.BufferSize == 0 {
		cfg.Stream.BufferSize = 256
	}
	if cfg.Stream.PublishTimeout == 0 {
		cfg.Stream.PublishTimeout = Duration(250 * time.Millisecond)
	}
	if cfg.Stream.SubjectPrefix == "" {
		cfg.Stream.SubjectPrefix = "meritflow.sessions"
	}

	if cfg.Subworkflows.RatePerSecond == 0 {
		cfg.Subworkflows.RatePerSecond = 10
	}
	if cfg.Subworkflows.Burst == 0 {
		cfg.Subworkflows.Burst = 20
	}

	if cfg.Temporal.HostPort == "" {
		cfg.Temporal.HostPort = "localhost:7233"
	}
	if cfg.Temporal.Namespace == "" {
		cfg.Temporal.Namespace = "default"
	}
	if cfg.Temporal.TaskQueue == "" {
		cfg.Temporal.TaskQueue = "meritflow-retention"
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		return errors.New("shutdown timeout must be positive")
	}

	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging format must be 'json' or 'console', got %q", c.Logging.Format)
	}

	if c.Telemetry.Enabled && c.Telemetry.ServiceName == "" {
		return errors.New("service name required when telemetry is enabled")
	}
	if c.Telemetry.SamplingRate < 0 || c.Telemetry.SamplingRate > 1 {
		return fmt.Errorf("telemetry sampling_rate must be between 0 and 1, got %f", c.Telemetry.SamplingRate)
	}

	if c.Orchestrator.SubworkflowTimeout.Duration() <= 0 {
		return errors.New("subworkflow timeout must be positive")
	}
	if c.Orchestrator.ExpectedSteps < 1 {
		return fmt.Errorf("expected_steps must be >= 1, got %d", c.Orchestrator.ExpectedSteps)
	}

	switch c.Checkpoint.Backend {
	case "memory":
	case "postgres":
		if !c.Checkpoint.PostgresDSN.IsSet() {
			return errors.New("checkpoint.postgres_dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown checkpoint backend %q (want memory or postgres)", c.Checkpoint.Backend)
	}
	if c.Checkpoint.TTLDays < 1 {
		return fmt.Errorf("checkpoint ttl_days must be >= 1, got %d", c.Checkpoint.TTLDays)
	}

	if c.Compliance.WordLimit < 1 {
		return fmt.Errorf("compliance word_limit must be >= 1, got %d", c.Compliance.WordLimit)
	}
	if c.Compliance.ToolCostCap < 0 {
		return fmt.Errorf("compliance tool_cost_cap cannot be negative")
	}

	if c.Stream.BufferSize < 1 {
		return fmt.Errorf("stream buffer_size must be >= 1, got %d", c.Stream.BufferSize)
	}

	return nil
}
