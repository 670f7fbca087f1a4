// Package config loads docsync's settings from defaults, an optional config
// file, a .env file, DOCSYNC_* environment variables and command-line flags,
// in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Persistence backends.
const (
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Config holds every tunable of the client, the CLI and the emulator.
type Config struct {
	Project  string `mapstructure:"project"`
	Database string `mapstructure:"database"`

	// Host is the backend's host:port.
	Host string `mapstructure:"host"`
	SSL  bool   `mapstructure:"ssl"`
	// AuthToken is a static bearer token sent with every request.
	AuthToken string `mapstructure:"auth_token"`

	Persistence PersistenceConfig `mapstructure:"persistence"`
	Network     NetworkConfig     `mapstructure:"network"`
	Indexing    IndexingConfig    `mapstructure:"indexing"`
	Emulator    EmulatorConfig    `mapstructure:"emulator"`
	Log         LogConfig         `mapstructure:"log"`

	// MaxConcurrentLimboResolutions bounds the limbo documents resolved at
	// the same time.
	MaxConcurrentLimboResolutions int `mapstructure:"max_concurrent_limbo_resolutions"`
}

// PersistenceConfig selects and sizes the local cache.
type PersistenceConfig struct {
	// Backend is "sqlite" or "memory".
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
	// MemoryGC is "eager" or "lru" for the memory backend.
	MemoryGC string `mapstructure:"memory_gc"`
	// CacheSizeBytes is the size above which LRU collection runs. -1
	// disables collection.
	CacheSizeBytes       int64         `mapstructure:"cache_size_bytes"`
	GCPercentile         int           `mapstructure:"gc_percentile"`
	GCMaxSequenceNumbers int           `mapstructure:"gc_max_sequence_numbers"`
	LeaseRefresh         time.Duration `mapstructure:"lease_refresh"`
	LeaseTimeout         time.Duration `mapstructure:"lease_timeout"`
	WatchLease           bool          `mapstructure:"watch_lease"`
}

// NetworkConfig tunes stream backoff and timeouts.
type NetworkConfig struct {
	BackoffInitial     time.Duration `mapstructure:"backoff_initial"`
	BackoffFactor      float64       `mapstructure:"backoff_factor"`
	BackoffMax         time.Duration `mapstructure:"backoff_max"`
	HealthCheckDelay   time.Duration `mapstructure:"health_check_delay"`
	IdleTimeout        time.Duration `mapstructure:"idle_timeout"`
	ConnectTimeout     time.Duration `mapstructure:"connect_timeout"`
	OnlineStateTimeout time.Duration `mapstructure:"online_state_timeout"`
}

// IndexingConfig controls automatic client-side index creation.
type IndexingConfig struct {
	AutoCreate        bool    `mapstructure:"auto_create"`
	RelativeReadCost  float64 `mapstructure:"relative_read_cost"`
	MinCollectionSize int     `mapstructure:"min_collection_size"`
}

// EmulatorConfig configures `docsync serve`.
type EmulatorConfig struct {
	Port int `mapstructure:"port"`
	// AuthSecret requires HS256 bearer tokens signed with it when set.
	AuthSecret string `mapstructure:"auth_secret"`
}

// LogConfig configures internal/logging.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// DefaultConfig returns sensible defaults: a SQLite cache under the user's
// cache directory talking to a local emulator.
func DefaultConfig() *Config {
	return &Config{
		Project:  "demo",
		Database: "(default)",
		Host:     "localhost:8080",
		Persistence: PersistenceConfig{
			Backend:              BackendSQLite,
			Path:                 DefaultCachePath(),
			MemoryGC:             "eager",
			CacheSizeBytes:       40 * 1024 * 1024,
			GCPercentile:         10,
			GCMaxSequenceNumbers: 1000,
			LeaseRefresh:         4 * time.Second,
			LeaseTimeout:         5 * time.Second,
			WatchLease:           true,
		},
		Network: NetworkConfig{
			BackoffInitial:     time.Second,
			BackoffFactor:      1.5,
			BackoffMax:         60 * time.Second,
			HealthCheckDelay:   10 * time.Second,
			IdleTimeout:        60 * time.Second,
			ConnectTimeout:     30 * time.Second,
			OnlineStateTimeout: 10 * time.Second,
		},
		Indexing: IndexingConfig{
			AutoCreate:        false,
			RelativeReadCost:  2.0,
			MinCollectionSize: 100,
		},
		Emulator: EmulatorConfig{Port: 8080},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		MaxConcurrentLimboResolutions: 100,
	}
}

// DefaultCachePath is docsync/cache.db under the user's cache directory,
// or under the working directory when there is none.
func DefaultCachePath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "docsync", "cache.db")
}

// Validate reports settings that cannot work.
func (c *Config) Validate() error {
	var errs []error
	if c.Project == "" {
		errs = append(errs, errors.New("project must not be empty"))
	}
	if c.Host == "" {
		errs = append(errs, errors.New("host must not be empty"))
	}
	switch c.Persistence.Backend {
	case BackendSQLite:
		if c.Persistence.Path == "" {
			errs = append(errs, errors.New("persistence.path is required for the sqlite backend"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown persistence backend %q", c.Persistence.Backend))
	}
	switch c.Persistence.MemoryGC {
	case "eager", "lru":
	default:
		errs = append(errs, fmt.Errorf("unknown memory gc mode %q", c.Persistence.MemoryGC))
	}
	if p := c.Persistence.GCPercentile; p < 0 || p > 100 {
		errs = append(errs, fmt.Errorf("persistence.gc_percentile %d is outside 0..100", p))
	}
	if c.Network.BackoffFactor < 1 {
		errs = append(errs, fmt.Errorf("network.backoff_factor %v must be at least 1", c.Network.BackoffFactor))
	}
	if c.MaxConcurrentLimboResolutions <= 0 {
		errs = append(errs, errors.New("max_concurrent_limbo_resolutions must be positive"))
	}
	return errors.Join(errs...)
}

// Loader layers configuration sources over the defaults.
type Loader struct {
	v *viper.Viper
}

// NewLoader returns a loader seeded with DefaultConfig.
func NewLoader() *Loader {
	v := viper.New()
	v.SetEnvPrefix("DOCSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, DefaultConfig())
	return &Loader{v: v}
}

func setDefaults(v *viper.Viper, c *Config) {
	v.SetDefault("project", c.Project)
	v.SetDefault("database", c.Database)
	v.SetDefault("host", c.Host)
	v.SetDefault("ssl", c.SSL)
	v.SetDefault("auth_token", c.AuthToken)
	v.SetDefault("max_concurrent_limbo_resolutions", c.MaxConcurrentLimboResolutions)

	p := c.Persistence
	v.SetDefault("persistence.backend", p.Backend)
	v.SetDefault("persistence.path", p.Path)
	v.SetDefault("persistence.memory_gc", p.MemoryGC)
	v.SetDefault("persistence.cache_size_bytes", p.CacheSizeBytes)
	v.SetDefault("persistence.gc_percentile", p.GCPercentile)
	v.SetDefault("persistence.gc_max_sequence_numbers", p.GCMaxSequenceNumbers)
	v.SetDefault("persistence.lease_refresh", p.LeaseRefresh)
	v.SetDefault("persistence.lease_timeout", p.LeaseTimeout)
	v.SetDefault("persistence.watch_lease", p.WatchLease)

	n := c.Network
	v.SetDefault("network.backoff_initial", n.BackoffInitial)
	v.SetDefault("network.backoff_factor", n.BackoffFactor)
	v.SetDefault("network.backoff_max", n.BackoffMax)
	v.SetDefault("network.health_check_delay", n.HealthCheckDelay)
	v.SetDefault("network.idle_timeout", n.IdleTimeout)
	v.SetDefault("network.connect_timeout", n.ConnectTimeout)
	v.SetDefault("network.online_state_timeout", n.OnlineStateTimeout)

	v.SetDefault("indexing.auto_create", c.Indexing.AutoCreate)
	v.SetDefault("indexing.relative_read_cost", c.Indexing.RelativeReadCost)
	v.SetDefault("indexing.min_collection_size", c.Indexing.MinCollectionSize)

	v.SetDefault("emulator.port", c.Emulator.Port)
	v.SetDefault("emulator.auth_secret", c.Emulator.AuthSecret)

	l := c.Log
	v.SetDefault("log.level", l.Level)
	v.SetDefault("log.file", l.File)
	v.SetDefault("log.max_size_mb", l.MaxSizeMB)
	v.SetDefault("log.max_backups", l.MaxBackups)
	v.SetDefault("log.max_age_days", l.MaxAgeDays)
	v.SetDefault("log.compress", l.Compress)
}

// BindFlag makes flag override the setting at key when it was set on the
// command line.
func (l *Loader) BindFlag(key string, flag *pflag.Flag) error {
	if flag == nil {
		return fmt.Errorf("no flag to bind to %s", key)
	}
	if err := l.v.BindPFlag(key, flag); err != nil {
		return fmt.Errorf("failed to bind flag --%s: %w", flag.Name, err)
	}
	return nil
}

// Set overrides a single setting.
func (l *Loader) Set(key string, value any) { l.v.Set(key, value) }

// Load reads envFile (ignored when missing), then the config file at path.
// With an empty path, docsync.{yaml,toml,json} is searched for in the
// working directory and the user config directory; finding none is not an
// error.
func (l *Loader) Load(path, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	if path != "" {
		l.v.SetConfigFile(path)
	} else {
		l.v.SetConfigName("docsync")
		l.v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			l.v.AddConfigPath(filepath.Join(dir, "docsync"))
		}
	}
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// ConfigFileUsed returns the config file that was read, if any.
func (l *Loader) ConfigFileUsed() string { return l.v.ConfigFileUsed() }

// Load reads configuration from path and the environment without flags.
func Load(path string) (*Config, error) {
	return NewLoader().Load(path, ".env")
}
