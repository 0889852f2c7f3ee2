// Package config loads, defaults, and validates the asyncnet configuration
// from file, environment, and built-in defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/marmos91/asyncnet/pkg/engine"
)

// Config represents the complete asyncnet configuration.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (ASYNCNET_*)
//  2. Configuration file (YAML or TOML)
//  3. Default values
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging"`

	// Engine contains the connection engine settings
	Engine EngineConfig `mapstructure:"engine"`

	// Metrics controls the Prometheus metrics endpoint
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required"`
}

// EngineConfig contains the connection engine settings.
//
// Size fields accept plain byte counts or human-readable strings such as
// "64KiB" and "1MiB".
type EngineConfig struct {
	// Name prefixes thread names and log lines
	Name string `mapstructure:"name"`

	// Backlog is the listening-socket backlog
	Backlog int `mapstructure:"backlog" validate:"required,gt=0"`

	// IOThreads is the I/O pool size
	IOThreads int `mapstructure:"io_threads" validate:"required,gte=1"`

	// MinBufferSize and MaxBufferSize bound the per-connection read buffer
	MinBufferSize ByteSize `mapstructure:"min_buffer_size" validate:"required,gt=0"`
	MaxBufferSize ByteSize `mapstructure:"max_buffer_size" validate:"required,gt=0"`

	// SelectTimeout is the selector loop tick period
	SelectTimeout time.Duration `mapstructure:"select_timeout" validate:"required,gt=0"`

	// WriteHighWater is the outbound backlog size past which backpressure
	// is signalled; 0 disables the mark
	WriteHighWater ByteSize `mapstructure:"write_high_water"`

	// AcceptRate throttles inbound accepts per second; 0 disables
	// throttling. AcceptBurst is the burst capacity
	AcceptRate  uint `mapstructure:"accept_rate"`
	AcceptBurst uint `mapstructure:"accept_burst"`
}

// MetricsConfig controls the metrics endpoint.
type MetricsConfig struct {
	// Enabled turns Prometheus metrics collection on
	Enabled bool `mapstructure:"enabled"`

	// Port is the metrics HTTP server port
	Port int `mapstructure:"port" validate:"gte=0,lte=65535"`
}

// EngineConfig converts the loaded configuration into the engine's Config.
func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		Name:                c.Engine.Name,
		Backlog:             c.Engine.Backlog,
		IOThreads:           c.Engine.IOThreads,
		MinBufferSize:       int(c.Engine.MinBufferSize),
		MaxBufferSize:       int(c.Engine.MaxBufferSize),
		SelectTimeout:       c.Engine.SelectTimeout,
		WriteHighWater:      int(c.Engine.WriteHighWater),
		AcceptRatePerSecond: c.Engine.AcceptRate,
		AcceptBurst:         c.Engine.AcceptBurst,
	}
}

// Load loads configuration from file, environment, and defaults.
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns the loaded and validated configuration.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures viper with environment variables and config file
// settings.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use the ASYNCNET_ prefix and underscores.
	// Example: ASYNCNET_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("ASYNCNET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only consults keys viper already knows about, so every
	// key is bound explicitly to let env vars work without a config file.
	for _, key := range []string{
		"logging.level", "logging.output",
		"engine.name", "engine.backlog", "engine.io_threads",
		"engine.min_buffer_size", "engine.max_buffer_size", "engine.select_timeout",
		"engine.write_high_water", "engine.accept_rate", "engine.accept_burst",
		"metrics.enabled", "metrics.port",
	} {
		_ = v.BindEnv(key)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found is acceptable - use defaults
			return nil
		}
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

// getConfigDir returns the configuration directory path, following
// XDG_CONFIG_HOME when set.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "asyncnet")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "asyncnet")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}
