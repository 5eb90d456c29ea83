package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// DotEnvPathEnvVar overrides the dotenv file path. When unset, .env is
// loaded if it exists.
const DotEnvPathEnvVar = "ENV_FILE"

// EnvPrefix is the prefix of environment variables read into the config.
// Nested keys are separated by a double underscore, so
// TRACKLIST_FEED__TRENDING_WINDOW sets feed.trending_window.
const EnvPrefix = "TRACKLIST_"

// DefaultConfigPaths lists the config files tried, in order, when
// CONFIG_PATH is unset.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
}

// legacyEnv maps the unprefixed variables the service has always read onto
// their config keys.
var legacyEnv = map[string]string{
	"PORT":           "server.port",
	"DATABASE_URL":   "database.path",
	"DATABASE_PATH":  "database.path",
	"LASTFM_API_KEY": "catalog.api_key",
	"LOG_LEVEL":      "logging.level",
}

// Config holds all configuration for the application.
type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Database     DatabaseConfig     `koanf:"database"`
	Feed         FeedConfig         `koanf:"feed"`
	ChangeStream ChangeStreamConfig `koanf:"changestream"`
	Catalog      CatalogConfig      `koanf:"catalog"`
	Reconcile    ReconcileConfig    `koanf:"reconcile"`
	Logging      LoggingConfig      `koanf:"logging"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	// Port is the HTTP server port.
	Port         int           `koanf:"port"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
	IdleTimeout  time.Duration `koanf:"idle_timeout"`

	CORSAllowedOrigins []string `koanf:"cors_allowed_origins"`

	// WriteRateLimit caps mutations per user (or IP) per WriteRateWindow.
	// Zero disables the limit.
	WriteRateLimit  int           `koanf:"write_rate_limit"`
	WriteRateWindow time.Duration `koanf:"write_rate_window"`
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	// Path is the SQLite database file.
	Path string `koanf:"path"`
}

// FeedConfig tunes feed computation.
type FeedConfig struct {
	// TrendingWindow is how far back trending looks.
	TrendingWindow time.Duration `koanf:"trending_window"`

	// RefreshInterval bounds how stale the snapshot can get when no
	// change triggers a refresh.
	RefreshInterval time.Duration `koanf:"refresh_interval"`

	DefaultLimit int `koanf:"default_limit"`
	MaxLimit     int `koanf:"max_limit"`
}

// ChangeStreamConfig configures the document store change stream.
type ChangeStreamConfig struct {
	// URL is the change stream websocket endpoint. Empty disables mirroring.
	URL string `koanf:"url"`
}

// CatalogConfig configures the Last.fm track catalog.
type CatalogConfig struct {
	// APIKey enables album art lookups when set.
	APIKey            string        `koanf:"api_key"`
	BaseURL           string        `koanf:"base_url"`
	Timeout           time.Duration `koanf:"timeout"`
	RequestsPerSecond float64       `koanf:"requests_per_second"`

	// BreakerFailures consecutive failures open the circuit for BreakerTimeout.
	BreakerFailures uint32        `koanf:"breaker_failures"`
	BreakerTimeout  time.Duration `koanf:"breaker_timeout"`
}

// ReconcileConfig schedules the invariant repair job.
type ReconcileConfig struct {
	// Schedule is a cron spec, e.g. "@every 1h" or "0 4 * * *".
	Schedule string `koanf:"schedule"`
	Timezone string `koanf:"timezone"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	Level string `koanf:"level"`

	// File, when set, also writes logs to a size-rotated file.
	File       string `koanf:"file"`
	MaxSizeMB  int    `koanf:"max_size_mb"`
	MaxBackups int    `koanf:"max_backups"`
	MaxAgeDays int    `koanf:"max_age_days"`
	Compress   bool   `koanf:"compress"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         3000,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,

			CORSAllowedOrigins: []string{"*"},
			WriteRateLimit:     60,
			WriteRateWindow:    time.Minute,
		},
		Database: DatabaseConfig{
			Path: "tracklist.db",
		},
		Feed: FeedConfig{
			TrendingWindow:  24 * time.Hour,
			RefreshInterval: time.Minute,
			DefaultLimit:    50,
			MaxLimit:        100,
		},
		Catalog: CatalogConfig{
			BaseURL:           "https://ws.audioscrobbler.com/2.0/",
			Timeout:           5 * time.Second,
			RequestsPerSecond: 5,
			BreakerFailures:   5,
			BreakerTimeout:    time.Minute,
		},
		Reconcile: ReconcileConfig{
			Schedule: "@every 1h",
			Timezone: "UTC",
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load reads configuration from defaults, then an optional YAML file, then
// environment variables (including those from a dotenv file). Later layers
// win.
func Load() (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// loadDotEnv copies variables from the dotenv file into the environment.
// Variables already set are left alone.
func loadDotEnv() error {
	path := os.Getenv(DotEnvPathEnvVar)
	explicit := path != ""
	if !explicit {
		path = ".env"
	}

	if _, err := os.Stat(path); err != nil {
		if explicit {
			return fmt.Errorf("dotenv file %s: %w", path, err)
		}
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load dotenv file %s: %w", path, err)
	}
	return nil
}

func findConfigFile() string {
	if path := os.Getenv(ConfigPathEnvVar); path != "" {
		return path
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envTransformFunc maps an environment variable name to a config key, or
// to "" to skip it.
func envTransformFunc(key string) string {
	if mapped, ok := legacyEnv[key]; ok {
		return mapped
	}
	if !strings.HasPrefix(key, EnvPrefix) {
		return ""
	}
	key = strings.TrimPrefix(key, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(key), "__", ".")
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Server.WriteRateLimit < 0 {
		return fmt.Errorf("server.write_rate_limit must not be negative")
	}
	if c.Server.WriteRateLimit > 0 && c.Server.WriteRateWindow <= 0 {
		return fmt.Errorf("server.write_rate_window must be positive when write_rate_limit is set")
	}
	if c.Feed.TrendingWindow <= 0 {
		return fmt.Errorf("feed.trending_window must be positive")
	}
	if c.Feed.RefreshInterval <= 0 {
		return fmt.Errorf("feed.refresh_interval must be positive")
	}
	if c.Feed.MaxLimit < 1 {
		return fmt.Errorf("feed.max_limit must be at least 1")
	}
	if c.Feed.DefaultLimit < 1 || c.Feed.DefaultLimit > c.Feed.MaxLimit {
		return fmt.Errorf("feed.default_limit must be between 1 and feed.max_limit (%d)", c.Feed.MaxLimit)
	}
	if c.Reconcile.Schedule == "" {
		return fmt.Errorf("reconcile.schedule is required")
	}
	if _, err := time.LoadLocation(c.Reconcile.Timezone); err != nil {
		return fmt.Errorf("reconcile.timezone: %w", err)
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	if c.Logging.File != "" && c.Logging.MaxSizeMB < 1 {
		return fmt.Errorf("logging.max_size_mb must be at least 1")
	}
	return nil
}

// LogLevel parses the configured log level.
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Logging.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("logging.level %q: %w", c.Logging.Level, err)
	}
	return level, nil
}
