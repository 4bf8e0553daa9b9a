// Package config loads shiftd settings from defaults, an optional config
// file, a .env file and SHIFTDESK_* environment variables, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/shiftdesk/shiftdesk/internal/cache/service"
	"github.com/shiftdesk/shiftdesk/internal/session"
)

// EnvPrefix prefixes every environment override, e.g. SHIFTDESK_SYNC_INTERVAL.
const EnvPrefix = "SHIFTDESK"

// FileName is the config file searched for when none is given.
const FileName = "shiftd"

// Remote drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

// Config is the effective configuration.
type Config struct {
	Mode      string          `mapstructure:"mode"`
	DB        DBConfig        `mapstructure:"db"`
	Remote    RemoteConfig    `mapstructure:"remote"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Session   SessionConfig   `mapstructure:"session"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Log       LogConfig       `mapstructure:"log"`
}

type DBConfig struct {
	Path string `mapstructure:"path"`
}

type RemoteConfig struct {
	Driver  string        `mapstructure:"driver"`
	DSN     string        `mapstructure:"dsn"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type SyncConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	CleanupSchedule string        `mapstructure:"cleanup_schedule"`
	PullWindowDays  int           `mapstructure:"pull_window_days"`
	RetentionDays   int           `mapstructure:"retention_days"`
}

type QueueConfig struct {
	Capacity  int `mapstructure:"capacity"`
	BatchSize int `mapstructure:"batch_size"`
}

type SessionConfig struct {
	Backend       string        `mapstructure:"backend"`
	TTL           time.Duration `mapstructure:"ttl"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
}

type DashboardConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// defaults lists every key. Keys missing here are invisible to environment
// overrides.
var defaults = map[string]any{
	"mode":                   string(service.ModeCached),
	"db.path":                "shiftdesk.db",
	"remote.driver":          DriverMemory,
	"remote.dsn":             "",
	"remote.timeout":         10 * time.Second,
	"sync.interval":          5 * time.Minute,
	"sync.cleanup_schedule":  "15 2 * * *",
	"sync.pull_window_days":  7,
	"sync.retention_days":    30,
	"queue.capacity":         1000,
	"queue.batch_size":       50,
	"session.backend":        string(session.BackendMemory),
	"session.ttl":            session.DefaultTTL,
	"session.redis_addr":     "127.0.0.1:6379",
	"session.redis_password": "",
	"session.redis_db":       0,
	"dashboard.enabled":      false,
	"dashboard.addr":         "127.0.0.1:8090",
	"log.file":               "",
	"log.max_size_mb":        10,
	"log.max_backups":        3,
	"log.max_age_days":       28,
}

// Default returns the built-in configuration.
func Default() *Config {
	v := newViper()
	cfg, err := decode(v)
	if err != nil {
		// Defaults are static; failing to decode them is a programming error.
		panic(fmt.Sprintf("config: invalid defaults: %v", err))
	}
	return cfg
}

// Validate checks that the settings can be used to start the engine.
func (c *Config) Validate() error {
	if _, err := service.ParseMode(c.Mode); err != nil {
		return err
	}
	if c.DB.Path == "" {
		return errors.New("db.path is required")
	}
	switch c.Remote.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Remote.DSN == "" {
			return errors.New("remote.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown remote.driver %q (want %s or %s)", c.Remote.Driver, DriverMemory, DriverPostgres)
	}
	if c.Remote.Timeout <= 0 {
		return fmt.Errorf("remote.timeout must be positive, got %v", c.Remote.Timeout)
	}
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("sync.interval must be positive, got %v", c.Sync.Interval)
	}
	if _, err := cron.ParseStandard(c.Sync.CleanupSchedule); err != nil {
		return fmt.Errorf("invalid sync.cleanup_schedule %q: %w", c.Sync.CleanupSchedule, err)
	}
	if c.Sync.PullWindowDays <= 0 {
		return errors.New("sync.pull_window_days must be positive")
	}
	if c.Sync.RetentionDays < c.Sync.PullWindowDays {
		return fmt.Errorf("sync.retention_days (%d) must be at least sync.pull_window_days (%d)",
			c.Sync.RetentionDays, c.Sync.PullWindowDays)
	}
	if c.Queue.Capacity <= 0 || c.Queue.BatchSize <= 0 {
		return errors.New("queue.capacity and queue.batch_size must be positive")
	}
	if c.Queue.BatchSize > c.Queue.Capacity {
		return fmt.Errorf("queue.batch_size (%d) exceeds queue.capacity (%d)", c.Queue.BatchSize, c.Queue.Capacity)
	}
	if _, err := session.ParseBackend(c.Session.Backend); err != nil {
		return err
	}
	if c.Session.TTL <= 0 {
		return errors.New("session.ttl must be positive")
	}
	return nil
}

// Settings returns the configuration as nested maps keyed like the config
// file, with durations as strings and secrets redacted.
func (c *Config) Settings() map[string]any {
	return map[string]any{
		"mode": c.Mode,
		"db":   map[string]any{"path": c.DB.Path},
		"remote": map[string]any{
			"driver":  c.Remote.Driver,
			"dsn":     redactDSN(c.Remote.DSN),
			"timeout": c.Remote.Timeout.String(),
		},
		"sync": map[string]any{
			"interval":         c.Sync.Interval.String(),
			"cleanup_schedule": c.Sync.CleanupSchedule,
			"pull_window_days": c.Sync.PullWindowDays,
			"retention_days":   c.Sync.RetentionDays,
		},
		"queue": map[string]any{
			"capacity":   c.Queue.Capacity,
			"batch_size": c.Queue.BatchSize,
		},
		"session": map[string]any{
			"backend":        c.Session.Backend,
			"ttl":            c.Session.TTL.String(),
			"redis_addr":     c.Session.RedisAddr,
			"redis_password": redactSecret(c.Session.RedisPassword),
			"redis_db":       c.Session.RedisDB,
		},
		"dashboard": map[string]any{
			"enabled": c.Dashboard.Enabled,
			"addr":    c.Dashboard.Addr,
		},
		"log": map[string]any{
			"file":         c.Log.File,
			"max_size_mb":  c.Log.MaxSizeMB,
			"max_backups":  c.Log.MaxBackups,
			"max_age_days": c.Log.MaxAgeDays,
		},
	}
}

func redactSecret(s string) string {
	if s == "" {
		return ""
	}
	return "xxxxx"
}

func redactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	return u.Redacted()
}

// WriteTOML writes cfg as a config file.
func WriteTOML(w io.Writer, cfg *Config) error {
	if _, err := fmt.Fprintln(w, "# shiftd configuration. Every key can be overridden by SHIFTDESK_<SECTION>_<KEY>."); err != nil {
		return err
	}
	return toml.NewEncoder(w).Encode(cfg.Settings())
}

// WriteYAML prints cfg as YAML.
func WriteYAML(w io.Writer, cfg *Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg.Settings()); err != nil {
		return err
	}
	return enc.Close()
}

// Loader holds the live configuration.
type Loader struct {
	v      *viper.Viper
	logger *log.Logger

	mu  sync.RWMutex
	cfg *Config
}

// Options controls where configuration is read from.
type Options struct {
	// File is an explicit config file. Empty searches for shiftd.{toml,yaml}
	// in the working directory and $HOME/.config/shiftd.
	File string
	// EnvFile is loaded into the environment first (default ".env"). A
	// missing file is ignored.
	EnvFile string
	Logger  *log.Logger
}

// Load reads and validates the configuration.
func Load(opts Options) (*Loader, error) {
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	if opts.EnvFile == "" {
		opts.EnvFile = ".env"
	}
	if err := godotenv.Load(opts.EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", opts.EnvFile, err)
	}

	v := newViper()
	if opts.File != "" {
		v.SetConfigFile(opts.File)
	} else {
		v.SetConfigName(FileName)
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", FileName))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if f := v.ConfigFileUsed(); f != "" {
		opts.Logger.Printf("Loaded config from %s", f)
	}
	return &Loader{v: v, logger: opts.Logger, cfg: cfg}, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Config returns the current configuration. Callers must not modify it.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// File returns the config file in use, or "" when running on defaults.
func (l *Loader) File() string {
	return l.v.ConfigFileUsed()
}

// Watch reloads the config file whenever it changes and calls onChange with
// the previous and new configuration. Invalid edits are logged and ignored.
// It returns false when there is no config file to watch.
func (l *Loader) Watch(onChange func(prev, next *Config)) bool {
	if l.File() == "" {
		return false
	}

	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		next, err := decode(l.v)
		if err == nil {
			err = next.Validate()
		}
		if err != nil {
			l.logger.Printf("Warning: ignoring invalid config change in %s: %v", e.Name, err)
			return
		}

		l.mu.Lock()
		prev := l.cfg
		l.cfg = next
		l.mu.Unlock()

		l.logger.Printf("Reloaded config from %s", e.Name)
		if onChange != nil {
			onChange(prev, next)
		}
	})
	l.v.WatchConfig()
	return true
}
