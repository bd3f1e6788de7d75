// Package config handles tgraph configuration via environment variables and
// optional YAML files.
//
// Configuration is loaded from environment variables using LoadFromEnv(), or
// from a YAML file using LoadFile(), whose values override the environment.
// Either result can be validated with Validate() before use.
//
// Example Usage:
//
//	cfg := config.LoadFromEnv()
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//
//	g := storage.NewGraph(storage.Options{
//		InitialCapacity: cfg.Versioning.InitialCapacity,
//		ReclaimInterval: cfg.Versioning.ReclaimInterval,
//	})
//
// Environment Variables:
//   - TGRAPH_INITIAL_CAPACITY=1024
//   - TGRAPH_RECLAIM_INTERVAL=16
//   - TGRAPH_LOG_LEVEL="info"
//   - TGRAPH_LOG_FORMAT="json" or "console"
//   - TGRAPH_LOG_OUTPUT="stdout" or "stderr"
//   - TGRAPH_METRICS_ENABLED=true
//   - TGRAPH_METRICS_NAMESPACE="tgraph"
//   - TGRAPH_TRACING_ENABLED=false
//   - TGRAPH_TRACING_SERVICE_NAME="tgraph"
//   - TGRAPH_TRACING_OUTPUT="stdout" or "stderr"
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all tgraph configuration.
//
// Configuration is organized into logical sections:
//   - Versioning: arena sizing and version reclamation
//   - Logging: zerolog level, format and destination
//   - Metrics: prometheus collectors
//   - Tracing: OpenTelemetry spans around commits
type Config struct {
	Versioning VersioningConfig `yaml:"versioning"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Tracing    TracingConfig    `yaml:"tracing"`
}

// VersioningConfig holds settings of the versioning engine.
type VersioningConfig struct {
	// InitialCapacity preallocates the vertex and edge backing arrays
	InitialCapacity int `yaml:"initial_capacity"`
	// ReclaimInterval runs version reclamation after every n-th commit
	ReclaimInterval int `yaml:"reclaim_interval"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level: trace, debug, info, warn, error
	Level string `yaml:"level"`
	// Format: json or console
	Format string `yaml:"format"`
	// Output: stdout or stderr
	Output string `yaml:"output"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
	// Output receives exported spans: stdout or stderr
	Output string `yaml:"output"`
}

// LoadFromEnv loads configuration from environment variables, falling back to
// defaults for anything unset or unparsable.
func LoadFromEnv() *Config {
	config := &Config{}

	config.Versioning.InitialCapacity = getEnvInt("TGRAPH_INITIAL_CAPACITY", 1024)
	config.Versioning.ReclaimInterval = getEnvInt("TGRAPH_RECLAIM_INTERVAL", 16)

	config.Logging.Level = getEnv("TGRAPH_LOG_LEVEL", "info")
	config.Logging.Format = getEnv("TGRAPH_LOG_FORMAT", "json")
	config.Logging.Output = getEnv("TGRAPH_LOG_OUTPUT", "stderr")

	config.Metrics.Enabled = getEnvBool("TGRAPH_METRICS_ENABLED", true)
	config.Metrics.Namespace = getEnv("TGRAPH_METRICS_NAMESPACE", "tgraph")

	config.Tracing.Enabled = getEnvBool("TGRAPH_TRACING_ENABLED", false)
	config.Tracing.ServiceName = getEnv("TGRAPH_TRACING_SERVICE_NAME", "tgraph")
	config.Tracing.Output = getEnv("TGRAPH_TRACING_OUTPUT", "stderr")

	return config
}

// LoadFile loads the environment configuration and overrides it with the
// values present in the YAML file at path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	config := LoadFromEnv()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return config, nil
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Versioning.InitialCapacity < 0 {
		return fmt.Errorf("invalid initial capacity: %d", c.Versioning.InitialCapacity)
	}
	if c.Versioning.ReclaimInterval < 1 {
		return fmt.Errorf("invalid reclaim interval: %d (must be at least 1)", c.Versioning.ReclaimInterval)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log format: %q", c.Logging.Format)
	}
	switch c.Logging.Output {
	case "stdout", "stderr":
	default:
		return fmt.Errorf("invalid log output: %q", c.Logging.Output)
	}

	if c.Metrics.Enabled && c.Metrics.Namespace == "" {
		return fmt.Errorf("metrics enabled but no namespace provided")
	}
	if c.Tracing.Enabled && c.Tracing.ServiceName == "" {
		return fmt.Errorf("tracing enabled but no service name provided")
	}
	switch c.Tracing.Output {
	case "stdout", "stderr":
	default:
		return fmt.Errorf("invalid trace output: %q", c.Tracing.Output)
	}
	return nil
}

// String returns a one-line summary.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Capacity: %d, ReclaimEvery: %d, Log: %s/%s, Metrics: %v, Tracing: %v}",
		c.Versioning.InitialCapacity, c.Versioning.ReclaimInterval,
		c.Logging.Level, c.Logging.Format,
		c.Metrics.Enabled, c.Tracing.Enabled,
	)
}

// YAML renders the configuration in the format LoadFile reads.
func (c *Config) YAML() (string, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}
