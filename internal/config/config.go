// Package config loads rpcguard configuration from a YAML file, a .env
// file, and RPCGUARD_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ppiankov/rpcguard/internal/naming"
	"github.com/ppiankov/rpcguard/internal/stats"
)

// Defaults.
const (
	DefaultLogLevel  = "info"
	DefaultLogFormat = "text"
	DefaultStatsTTL  = 24 * time.Hour
)

// Config holds all rpcguard configuration.
type Config struct {
	Guard     naming.Config  `yaml:"guard"`
	Call      CallDefaults   `yaml:"call"`
	RulesPath string         `yaml:"rules_path"`
	Stats     stats.Settings `yaml:"stats"`
	Metrics   Metrics        `yaml:"metrics"`
	Log       Log            `yaml:"log"`
	Tracing   Tracing        `yaml:"tracing"`
}

// CallDefaults are the group and version used when outgoing metadata
// carries none.
type CallDefaults struct {
	Group   string `yaml:"group"`
	Version string `yaml:"version"`
}

// Metrics configures the Prometheus endpoint. An empty Listen disables it.
type Metrics struct {
	Listen string `yaml:"listen"`
}

// Log configures the structured logger.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// Tracing configures OpenTelemetry export. An empty endpoint disables it.
type Tracing struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Guard: naming.DefaultConfig(),
		Stats: stats.Settings{Backend: stats.BackendMemory, TTL: DefaultStatsTTL},
		Log:   Log{Level: DefaultLogLevel, Format: DefaultLogFormat},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// .env and environment overrides. A missing file or empty path yields the
// defaults; a file that does not parse is an error.
func Load(path string) (*Config, error) {
	// .env is optional.
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks enumerated fields.
func (c *Config) Validate() error {
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	switch c.Stats.Backend {
	case stats.BackendMemory, stats.BackendRedis, stats.BackendSQLite:
	default:
		return fmt.Errorf("stats.backend must be memory, redis or sqlite, got %q", c.Stats.Backend)
	}
	if c.Stats.Backend == stats.BackendRedis && c.Stats.Addr == "" {
		return fmt.Errorf("stats.addr is required for the redis backend")
	}
	if c.Stats.Backend == stats.BackendSQLite && c.Stats.DSN == "" {
		return fmt.Errorf("stats.dsn is required for the sqlite backend")
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.RulesPath = getEnv("RPCGUARD_RULES_PATH", c.RulesPath)
	c.Call.Group = getEnv("RPCGUARD_GROUP", c.Call.Group)
	c.Call.Version = getEnv("RPCGUARD_VERSION", c.Call.Version)
	c.Guard.ConsumerPrefix = getEnv("RPCGUARD_CONSUMER_PREFIX", c.Guard.ConsumerPrefix)
	c.Stats.Backend = getEnv("RPCGUARD_STATS_BACKEND", c.Stats.Backend)
	c.Stats.Addr = getEnv("RPCGUARD_STATS_ADDR", c.Stats.Addr)
	c.Stats.DSN = getEnv("RPCGUARD_STATS_DSN", c.Stats.DSN)
	c.Stats.Prefix = getEnv("RPCGUARD_STATS_PREFIX", c.Stats.Prefix)
	c.Metrics.Listen = getEnv("RPCGUARD_METRICS_LISTEN", c.Metrics.Listen)
	c.Log.Level = getEnv("RPCGUARD_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("RPCGUARD_LOG_FORMAT", c.Log.Format)
	c.Tracing.OTLPEndpoint = getEnv("RPCGUARD_OTLP_ENDPOINT",
		getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", c.Tracing.OTLPEndpoint))

	var err error
	if c.Guard.UsePrefix, err = getEnvBool("RPCGUARD_USE_PREFIX", c.Guard.UsePrefix); err != nil {
		return err
	}
	if c.Guard.QualifyServiceWithGroupVersion, err = getEnvBool("RPCGUARD_QUALIFY_SERVICE", c.Guard.QualifyServiceWithGroupVersion); err != nil {
		return err
	}
	if v := os.Getenv("RPCGUARD_STATS_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("RPCGUARD_STATS_TTL: %w", err)
		}
		c.Stats.TTL = d
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}
