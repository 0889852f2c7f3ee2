package config

import (
	"strings"
	"time"
)

// Named defaults for the engine section.
const (
	DefaultBacklog        = 64
	DefaultIOThreads      = 2
	DefaultMinBufferSize  = ByteSize(4 * 1024)
	DefaultMaxBufferSize  = ByteSize(256 * 1024)
	DefaultSelectTimeout  = 250 * time.Millisecond
	DefaultWriteHighWater = ByteSize(1024 * 1024)
	DefaultMetricsPort    = 9090
)

// ApplyDefaults sets default values for any unspecified configuration
// fields. Zero values are replaced; explicit values are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyEngineDefaults(&cfg.Engine)
	applyMetricsDefaults(&cfg.Metrics)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyEngineDefaults(cfg *EngineConfig) {
	if cfg.Name == "" {
		cfg.Name = "asyncnet"
	}
	if cfg.Backlog == 0 {
		cfg.Backlog = DefaultBacklog
	}
	if cfg.IOThreads == 0 {
		cfg.IOThreads = DefaultIOThreads
	}
	if cfg.MinBufferSize == 0 {
		cfg.MinBufferSize = DefaultMinBufferSize
	}
	if cfg.MaxBufferSize == 0 {
		cfg.MaxBufferSize = DefaultMaxBufferSize
	}
	if cfg.SelectTimeout == 0 {
		cfg.SelectTimeout = DefaultSelectTimeout
	}
	if cfg.WriteHighWater == 0 {
		cfg.WriteHighWater = DefaultWriteHighWater
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Port == 0 {
		cfg.Port = DefaultMetricsPort
	}
}
