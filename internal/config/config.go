// Package config loads driftq configuration from a YAML file with
// environment variable overrides.
//
// Precedence, highest first: environment (DRIFTQ_ prefix), config file,
// built-in defaults. Every key has a default, so a missing file is not an
// error unless an explicit path was given.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to environment variable overrides, so db.path
// becomes DRIFTQ_DB_PATH.
const EnvPrefix = "DRIFTQ"

// Config is the full configuration for the driftq daemon and CLI.
type Config struct {
	DB        DBConfig        `mapstructure:"db"`
	Spool     SpoolConfig     `mapstructure:"spool"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Conflict  ConflictConfig  `mapstructure:"conflict"`
	Remote    RemoteConfig    `mapstructure:"remote"`
	Daemon    DaemonConfig    `mapstructure:"daemon"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Log       LogConfig       `mapstructure:"log"`
}

// DBConfig locates the queue database.
type DBConfig struct {
	// Path of the sqlite file holding the mutation queue.
	Path string `mapstructure:"path"`

	// ExpiryWindow is how long a queued mutation may wait before the
	// purge sweep claims it.
	ExpiryWindow time.Duration `mapstructure:"expiry_window"`
}

// SpoolConfig locates the drop directory for offline producers.
type SpoolConfig struct {
	Dir string `mapstructure:"dir"`
}

// EngineConfig tunes the drain loop.
type EngineConfig struct {
	BatchSize     int           `mapstructure:"batch_size"`
	FanOut        int           `mapstructure:"fan_out"`
	DrainInterval time.Duration `mapstructure:"drain_interval"`
}

// RetryConfig tunes the backoff policy.
type RetryConfig struct {
	BaseDelay           time.Duration `mapstructure:"base_delay"`
	MaxDelay            time.Duration `mapstructure:"max_delay"`
	CriticalMaxDelay    time.Duration `mapstructure:"critical_max_delay"`
	MaxAttempts         int           `mapstructure:"max_attempts"`
	CriticalMaxAttempts int           `mapstructure:"critical_max_attempts"`
}

// ConflictConfig locates the resolution policy.
type ConflictConfig struct {
	// PolicyFile is an optional YAML file declaring manual-review entity
	// types and per-type expiry overrides.
	PolicyFile string `mapstructure:"policy_file"`
}

// RemoteConfig selects and locates the sync endpoint.
type RemoteConfig struct {
	// Kind selects the endpoint implementation: "http" or "libsql".
	Kind string `mapstructure:"kind"`

	// URL is the base URL for http endpoints or the database URL for
	// libsql endpoints.
	URL string `mapstructure:"url"`

	// ProbeURL is polled by the daemon's reachability probe. Defaults to
	// URL + "/health" for http endpoints when empty.
	ProbeURL string `mapstructure:"probe_url"`
}

// DaemonConfig tunes the supervisor's background loops.
type DaemonConfig struct {
	PullInterval  time.Duration `mapstructure:"pull_interval"`
	PurgeInterval time.Duration `mapstructure:"purge_interval"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
}

// DashboardConfig controls the WebSocket monitoring feed.
type DashboardConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// LogConfig controls daemon log output.
type LogConfig struct {
	// File, when set, routes daemon logs to a size-rotated file.
	File string `mapstructure:"file"`
}

// DefaultDir returns the directory that holds driftq state when no explicit
// paths are configured.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".driftq"
	}
	return filepath.Join(home, ".driftq")
}

// Default returns the built-in configuration.
func Default() *Config {
	dir := DefaultDir()
	return &Config{
		DB: DBConfig{
			Path:         filepath.Join(dir, "queue.db"),
			ExpiryWindow: 24 * time.Hour,
		},
		Spool: SpoolConfig{
			Dir: filepath.Join(dir, "spool"),
		},
		Engine: EngineConfig{
			BatchSize:     25,
			FanOut:        4,
			DrainInterval: 30 * time.Second,
		},
		Retry: RetryConfig{
			BaseDelay:           5 * time.Second,
			MaxDelay:            15 * time.Minute,
			CriticalMaxDelay:    2 * time.Minute,
			MaxAttempts:         5,
			CriticalMaxAttempts: 8,
		},
		Remote: RemoteConfig{
			Kind: "http",
		},
		Daemon: DaemonConfig{
			PullInterval:  30 * time.Second,
			PurgeInterval: 5 * time.Minute,
			ProbeInterval: 15 * time.Second,
		},
		Dashboard: DashboardConfig{
			Enabled: false,
			Addr:    ":8090",
		},
	}
}

// Load reads configuration from the given file, layering DRIFTQ_ environment
// variables over it. An empty path searches the working directory and
// DefaultDir() for driftq.yaml instead, falling back to defaults when no
// file exists.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("driftq")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(DefaultDir())
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.Remote.ProbeURL == "" && cfg.Remote.Kind == "http" && cfg.Remote.URL != "" {
		cfg.Remote.ProbeURL = strings.TrimSuffix(cfg.Remote.URL, "/") + "/health"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDefault loads configuration from the standard search path.
func LoadDefault() (*Config, error) {
	return Load("")
}

func setDefaults(v *viper.Viper) {
	def := Default()
	v.SetDefault("db.path", def.DB.Path)
	v.SetDefault("db.expiry_window", def.DB.ExpiryWindow)
	v.SetDefault("spool.dir", def.Spool.Dir)
	v.SetDefault("engine.batch_size", def.Engine.BatchSize)
	v.SetDefault("engine.fan_out", def.Engine.FanOut)
	v.SetDefault("engine.drain_interval", def.Engine.DrainInterval)
	v.SetDefault("retry.base_delay", def.Retry.BaseDelay)
	v.SetDefault("retry.max_delay", def.Retry.MaxDelay)
	v.SetDefault("retry.critical_max_delay", def.Retry.CriticalMaxDelay)
	v.SetDefault("retry.max_attempts", def.Retry.MaxAttempts)
	v.SetDefault("retry.critical_max_attempts", def.Retry.CriticalMaxAttempts)
	v.SetDefault("conflict.policy_file", def.Conflict.PolicyFile)
	v.SetDefault("remote.kind", def.Remote.Kind)
	v.SetDefault("remote.url", def.Remote.URL)
	v.SetDefault("remote.probe_url", def.Remote.ProbeURL)
	v.SetDefault("daemon.pull_interval", def.Daemon.PullInterval)
	v.SetDefault("daemon.purge_interval", def.Daemon.PurgeInterval)
	v.SetDefault("daemon.probe_interval", def.Daemon.ProbeInterval)
	v.SetDefault("dashboard.enabled", def.Dashboard.Enabled)
	v.SetDefault("dashboard.addr", def.Dashboard.Addr)
	v.SetDefault("log.file", def.Log.File)
}

// Validate checks the configuration for usable values.
func (c *Config) Validate() error {
	if c.DB.Path == "" {
		return fmt.Errorf("db.path cannot be empty")
	}
	if c.DB.ExpiryWindow <= 0 {
		return fmt.Errorf("db.expiry_window must be positive")
	}
	if c.Spool.Dir == "" {
		return fmt.Errorf("spool.dir cannot be empty")
	}
	if c.Engine.BatchSize < 1 {
		return fmt.Errorf("engine.batch_size must be at least 1")
	}
	if c.Engine.FanOut < 1 {
		return fmt.Errorf("engine.fan_out must be at least 1")
	}
	if c.Engine.DrainInterval <= 0 {
		return fmt.Errorf("engine.drain_interval must be positive")
	}
	if c.Retry.BaseDelay <= 0 {
		return fmt.Errorf("retry.base_delay must be positive")
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry.max_delay must be at least retry.base_delay")
	}
	if c.Retry.CriticalMaxDelay <= 0 {
		return fmt.Errorf("retry.critical_max_delay must be positive")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	if c.Retry.CriticalMaxAttempts < c.Retry.MaxAttempts {
		return fmt.Errorf("retry.critical_max_attempts must be at least retry.max_attempts")
	}
	switch c.Remote.Kind {
	case "http", "libsql":
	default:
		return fmt.Errorf("remote.kind must be http or libsql, got %q", c.Remote.Kind)
	}
	if c.Daemon.PullInterval < 0 {
		return fmt.Errorf("daemon.pull_interval cannot be negative")
	}
	if c.Daemon.PurgeInterval <= 0 {
		return fmt.Errorf("daemon.purge_interval must be positive")
	}
	if c.Daemon.ProbeInterval < 0 {
		return fmt.Errorf("daemon.probe_interval cannot be negative")
	}
	if c.Dashboard.Enabled && c.Dashboard.Addr == "" {
		return fmt.Errorf("dashboard.addr cannot be empty when the dashboard is enabled")
	}
	return nil
}
