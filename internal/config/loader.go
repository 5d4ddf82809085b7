// Package config provides centralized configuration management for esisync.
// Defaults are registered on a viper instance, overlaid by an optional YAML
// file and ESISYNC_* environment variables, then decoded with mapstructure.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/esisync/esisync/internal/core"
)

// AppName names config and data directories, the binary and the env prefix.
const AppName = "esisync"

// EnvPrefix is the prefix of environment overrides.
const EnvPrefix = "ESISYNC"

var (
	appConfig *Config
	configMu  sync.RWMutex
)

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")

	v.SetDefault("store.driver", "libsql")
	v.SetDefault("store.path", DefaultStorePath())
	v.SetDefault("store.url", "")
	v.SetDefault("store.auth_token", "")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("health.enabled", true)

	v.SetDefault("esi.base_url", "https://esi.evetech.net/latest")
	v.SetDefault("esi.user_agent", AppName)
	v.SetDefault("esi.timeout", "30s")
	v.SetDefault("esi.error_threshold", 10)
	v.SetDefault("esi.default_backoff", "60s")
	v.SetDefault("esi.http2", true)

	v.SetDefault("throttle.max_concurrent", 20)
	v.SetDefault("throttle.min_spacing", "50ms")

	v.SetDefault("scheduler.fast_interval", "1s")
	v.SetDefault("scheduler.medium_interval", "5s")
	v.SetDefault("scheduler.slow_interval", "30s")

	v.SetDefault("resolver.max_attempts", 3)
	v.SetDefault("resolver.negative_ttl", "5m")
	v.SetDefault("resolver.cache_ttl", "1h")
	v.SetDefault("resolver.cache_size", 4096)

	v.SetDefault("batcher.window", "100ms")

	v.SetDefault("entities_file", "")
}

// BindEnv maps ESISYNC_* variables onto config keys.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load decodes v into a Config, applies derived defaults and validates it.
// The result becomes the process-wide config returned by GetConfig.
func Load(v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.New()
		SetDefaults(v)
	}

	cfg := &Config{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}
	if err := decoder.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if strings.TrimSpace(cfg.Store.URL) == "" && strings.TrimSpace(cfg.Store.Path) == "" {
		cfg.Store.Path = DefaultStorePath()
	}

	if path := strings.TrimSpace(cfg.EntitiesFile); path != "" {
		extra, err := LoadEntitiesFile(path)
		if err != nil {
			return nil, err
		}
		cfg.Entities = mergeEntities(cfg.Entities, extra)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	setConfig(cfg)
	return cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Throttle.MaxConcurrent < 1 {
		errs = append(errs, errors.New("throttle.max_concurrent must be at least 1"))
	}
	if c.Throttle.MinSpacing < 0 {
		errs = append(errs, errors.New("throttle.min_spacing must not be negative"))
	}
	if c.Resolver.MaxAttempts < 1 {
		errs = append(errs, errors.New("resolver.max_attempts must be at least 1"))
	}
	if c.Resolver.NegativeTTL < 0 || c.Resolver.CacheTTL < 0 {
		errs = append(errs, errors.New("resolver ttls must not be negative"))
	}
	if c.Batcher.Window < 0 {
		errs = append(errs, errors.New("batcher.window must not be negative"))
	}
	if c.Scheduler.FastInterval < 0 || c.Scheduler.MediumInterval < 0 || c.Scheduler.SlowInterval < 0 {
		errs = append(errs, errors.New("scheduler intervals must not be negative"))
	}

	seen := make(map[int64]struct{}, len(c.Entities))
	for _, entity := range c.Entities {
		if entity.ID <= 0 {
			errs = append(errs, fmt.Errorf("entity %q has no id", entity.Name))
			continue
		}
		if _, dup := seen[entity.ID]; dup {
			errs = append(errs, fmt.Errorf("entity %d listed twice", entity.ID))
		}
		seen[entity.ID] = struct{}{}
	}

	catalog := core.DefaultCatalog()
	for name := range c.Endpoints {
		if _, ok := catalog.Lookup(core.Endpoint(strings.ToLower(strings.TrimSpace(name)))); !ok {
			errs = append(errs, fmt.Errorf("unknown endpoint override %q", name))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Catalog builds the endpoint catalog with configured overrides applied.
func (c *Config) Catalog() *core.Catalog {
	return core.NewCatalog(core.BuiltInEndpoints, c.Endpoints)
}

type entitiesFile struct {
	Entities []EntityConfig `yaml:"entities"`
}

// LoadEntitiesFile reads tracked entities from a YAML file.
func LoadEntitiesFile(path string) ([]EntityConfig, error) {
	// #nosec G304 -- path comes from operator configuration
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read entities file: %w", err)
	}
	var parsed entitiesFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parse entities file: %w", err)
	}
	return parsed.Entities, nil
}

// mergeEntities appends extra entities whose ids are not already configured.
func mergeEntities(base, extra []EntityConfig) []EntityConfig {
	seen := make(map[int64]struct{}, len(base))
	for _, entity := range base {
		seen[entity.ID] = struct{}{}
	}
	for _, entity := range extra {
		if _, ok := seen[entity.ID]; ok {
			continue
		}
		seen[entity.ID] = struct{}{}
		base = append(base, entity)
	}
	return base
}

// GetConfig returns the current application configuration (thread-safe)
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

func setConfig(cfg *Config) {
	configMu.Lock()
	defer configMu.Unlock()
	appConfig = cfg
}

// DefaultConfigDir returns the XDG-compliant config directory for the app.
func DefaultConfigDir() string {
	return gfconfig.GetAppConfigDir(AppName)
}

// DefaultConfigPath returns the XDG-compliant path to the user config file.
func DefaultConfigPath() string {
	configDir := DefaultConfigDir()
	if strings.TrimSpace(configDir) == "" {
		return ""
	}
	return filepath.Join(configDir, "config.yaml")
}

// DefaultDataDir returns the XDG-compliant data directory for the app.
func DefaultDataDir() string {
	return gfconfig.GetAppDataDir(AppName)
}

// DefaultStorePath returns the XDG-compliant path to the database file.
func DefaultStorePath() string {
	dataDir := DefaultDataDir()
	if strings.TrimSpace(dataDir) == "" {
		return "./" + AppName + ".db"
	}
	return filepath.Join(dataDir, AppName+".db")
}
