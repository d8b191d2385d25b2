package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sqlshift/sqlshift/internal/ailink"
	"github.com/sqlshift/sqlshift/internal/core"
	"github.com/sqlshift/sqlshift/internal/core/engine"
)

// Config represents the complete application configuration. Values are
// layered: built-in defaults, then the user config file, then SQLSHIFT_*
// environment variables, then runtime overrides.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	Results   ResultsConfig   `mapstructure:"results"`
	Redis     RedisConfig     `mapstructure:"redis"`
	AILink    ailink.Config   `mapstructure:"ailink"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Ingress   IngressConfig   `mapstructure:"ingress"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Health    HealthConfig    `mapstructure:"health"`
	Debug     DebugConfig     `mapstructure:"debug"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StoreConfig contains database configuration for libsql/Turso
type StoreConfig struct {
	Driver    string `mapstructure:"driver"`
	Path      string `mapstructure:"path"`
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
}

// Result sink names.
const (
	SinkStore = "store"
	SinkRedis = "redis"
)

// ResultsConfig selects where terminal job records are persisted.
type ResultsConfig struct {
	Sinks []string `mapstructure:"sinks"`
}

// Enabled reports whether the named sink is configured.
func (c ResultsConfig) Enabled(name string) bool {
	for _, sink := range c.Sinks {
		if strings.EqualFold(strings.TrimSpace(sink), name) {
			return true
		}
	}
	return false
}

// RedisConfig configures the redis result sink.
type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	Username  string        `mapstructure:"username"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// SchedulerConfig mirrors the published limits of the conversion service.
type SchedulerConfig struct {
	// Endpoint names the limited provider endpoint in the rate_limits table.
	Endpoint        string        `mapstructure:"endpoint"`
	MaxRequests     int           `mapstructure:"max_requests"`
	Window          time.Duration `mapstructure:"window"`
	Throttle        time.Duration `mapstructure:"throttle"`
	BatchSize       int           `mapstructure:"batch_size"`
	InterBatchDelay time.Duration `mapstructure:"inter_batch_delay"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	SafetyMargin    float64       `mapstructure:"safety_margin"`
}

// Engine converts the section into scheduler tuning.
func (c SchedulerConfig) Engine() engine.SchedulerConfig {
	return engine.SchedulerConfig{
		Limit: core.RateLimitConfig{
			MaxRequests: c.MaxRequests,
			Window:      c.Window,
			Throttle:    c.Throttle,
		},
		BatchSize:       c.BatchSize,
		InterBatchDelay: c.InterBatchDelay,
		PollInterval:    c.PollInterval,
		SafetyMargin:    c.SafetyMargin,
	}
}

// IngressConfig throttles run submissions on the HTTP API.
type IngressConfig struct {
	Enabled       bool    `mapstructure:"enabled"`
	RatePerSecond float64 `mapstructure:"rate_per_second"`
	Burst         int     `mapstructure:"burst"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	// Level controls the minimum log level
	// Valid values: trace, debug, info, warn, error
	Level string `mapstructure:"level"`

	// Profile selects the logging complexity level
	// Valid values: SIMPLE, STRUCTURED
	Profile string `mapstructure:"profile"`
}

// MetricsConfig contains Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Port is the dedicated Prometheus exporter port.
	Port int `mapstructure:"port"`
}

// HealthConfig contains health check configuration
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// DebugConfig contains debug and profiling configuration
type DebugConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// PprofEnabled controls whether pprof endpoints are exposed
	PprofEnabled bool `mapstructure:"pprof_enabled"`
}

// Validate checks cross-field invariants the decoder cannot.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}

	var errs []error
	if err := c.Scheduler.Engine().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("scheduler: %w", err))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server: port %d out of range", c.Server.Port))
	}
	for _, sink := range c.Results.Sinks {
		switch strings.ToLower(strings.TrimSpace(sink)) {
		case SinkStore, SinkRedis:
		default:
			errs = append(errs, fmt.Errorf("results: unknown sink %q", sink))
		}
	}
	if c.Results.Enabled(SinkRedis) && strings.TrimSpace(c.Redis.Addr) == "" {
		errs = append(errs, errors.New("redis: addr is required when the redis sink is enabled"))
	}
	if c.Redis.TTL < 0 {
		errs = append(errs, fmt.Errorf("redis: ttl must not be negative, got %s", c.Redis.TTL))
	}
	if c.Ingress.Enabled && (c.Ingress.RatePerSecond <= 0 || c.Ingress.Burst <= 0) {
		errs = append(errs, errors.New("ingress: rate_per_second and burst must be positive when enabled"))
	}
	return errors.Join(errs...)
}
