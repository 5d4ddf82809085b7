package config

import (
	"time"

	"github.com/esisync/esisync/internal/core"
)

// Config represents the complete application configuration. Values come
// from defaults, an optional YAML file and ESISYNC_* environment variables.
type Config struct {
	Server       ServerConfig                     `mapstructure:"server"`
	Store        StoreConfig                      `mapstructure:"store"`
	Logging      LoggingConfig                    `mapstructure:"logging"`
	Metrics      MetricsConfig                    `mapstructure:"metrics"`
	Health       HealthConfig                     `mapstructure:"health"`
	ESI          ESIConfig                        `mapstructure:"esi"`
	Throttle     ThrottleConfig                   `mapstructure:"throttle"`
	Scheduler    SchedulerConfig                  `mapstructure:"scheduler"`
	Resolver     ResolverConfig                   `mapstructure:"resolver"`
	Batcher      BatcherConfig                    `mapstructure:"batcher"`
	Endpoints    map[string]core.EndpointOverride `mapstructure:"endpoints"`
	Entities     []EntityConfig                   `mapstructure:"entities"`
	EntitiesFile string                           `mapstructure:"entities_file"`
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

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	// Level controls the minimum log level
	// Valid values: debug, info, warn, error
	Level string `mapstructure:"level"`
}

// MetricsConfig contains Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// HealthConfig contains health check configuration
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// ESIConfig configures the remote API client.
type ESIConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	UserAgent      string        `mapstructure:"user_agent"`
	Timeout        time.Duration `mapstructure:"timeout"`
	ErrorThreshold int           `mapstructure:"error_threshold"`
	DefaultBackoff time.Duration `mapstructure:"default_backoff"`
	HTTP2          bool          `mapstructure:"http2"`
}

// ThrottleConfig bounds outgoing requests.
type ThrottleConfig struct {
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	MinSpacing    time.Duration `mapstructure:"min_spacing"`
}

// SchedulerConfig sets the tick intervals of each tier.
type SchedulerConfig struct {
	FastInterval   time.Duration `mapstructure:"fast_interval"`
	MediumInterval time.Duration `mapstructure:"medium_interval"`
	SlowInterval   time.Duration `mapstructure:"slow_interval"`
}

// ResolverConfig configures shared lookups.
type ResolverConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	NegativeTTL time.Duration `mapstructure:"negative_ttl"`
	CacheTTL    time.Duration `mapstructure:"cache_ttl"`
	CacheSize   int           `mapstructure:"cache_size"`
}

// BatcherConfig configures update coalescing.
type BatcherConfig struct {
	Window time.Duration `mapstructure:"window"`
}

// EntityConfig is one tracked character.
type EntityConfig struct {
	ID        int64    `mapstructure:"id" yaml:"id"`
	Name      string   `mapstructure:"name" yaml:"name"`
	Token     string   `mapstructure:"token" yaml:"token"`
	Endpoints []string `mapstructure:"endpoints" yaml:"endpoints"`
}
