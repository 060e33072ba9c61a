package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hyperengineering/restsync/internal/cacheindex"
	"github.com/hyperengineering/restsync/internal/store"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Remote RemoteConfig `yaml:"remote"`
	Store  StoreConfig  `yaml:"store"`
	Cache  CacheConfig  `yaml:"cache"`
	Worker WorkerConfig `yaml:"worker"`
	Auth   AuthConfig   `yaml:"auth"`
	Log    LogConfig    `yaml:"log"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// RemoteConfig describes the REST API behind the sync layer.
type RemoteConfig struct {
	BaseURL   string   `yaml:"base_url"`
	Token     string   `yaml:"-"` // env-only, never in YAML
	Timeout   Duration `yaml:"timeout"`
	RateLimit float64  `yaml:"rate_limit"`
	RateBurst int      `yaml:"rate_burst"`
}

// StoreConfig selects and configures the record store.
type StoreConfig struct {
	Driver   string `yaml:"driver"`
	Path     string `yaml:"path"`
	Name     string `yaml:"name"`
	Version  int    `yaml:"version"`
	Compress bool   `yaml:"compress"`
}

// CacheConfig contains the caching policy.
type CacheConfig struct {
	// Lifetime accepts "2 days", "1 hour" or Go durations.
	Lifetime     string   `yaml:"lifetime"`
	PageCursor   string   `yaml:"page_cursor"`
	ListPatterns []string `yaml:"list_patterns"`
	DeliverFresh bool     `yaml:"deliver_fresh"`
	Coalesce     bool     `yaml:"coalesce"`
	StaleAfter   Duration `yaml:"stale_after"`
}

// WorkerConfig contains background worker settings.
type WorkerConfig struct {
	PruneInterval Duration `yaml:"prune_interval"`
	QueueInterval Duration `yaml:"queue_interval"`
}

// AuthConfig contains admin API authentication settings.
type AuthConfig struct {
	APIKey string `yaml:"-"` // env-only, never in YAML
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// LifetimeDuration returns the parsed cache lifetime.
func (c *Config) LifetimeDuration() time.Duration {
	d, err := cacheindex.ParseLifetime(c.Cache.Lifetime)
	if err != nil {
		return cacheindex.DefaultLifetime
	}
	return d
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
// Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("RESTSYNC_CONFIG_PATH", "config/restsync.yaml")

	// Missing file is not an error
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and explicit path specification.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Remote: RemoteConfig{
			BaseURL:   "https://public-api.wordpress.com",
			Timeout:   Duration(30 * time.Second),
			RateBurst: 10,
		},
		Store: StoreConfig{
			Driver:  store.DriverSQLite,
			Path:    "data/restsync.db",
			Name:    "restsync",
			Version: 1,
		},
		Cache: CacheConfig{
			Lifetime:     "2 days",
			PageCursor:   "page_handle",
			DeliverFresh: true,
			StaleAfter:   Duration(5 * time.Minute),
		},
		Worker: WorkerConfig{
			PruneInterval: Duration(1 * time.Hour),
			QueueInterval: Duration(1 * time.Minute),
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Server
	if v := os.Getenv("RESTSYNC_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("RESTSYNC_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ReadTimeout = Duration(d)
		}
	}
	if v := os.Getenv("RESTSYNC_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.WriteTimeout = Duration(d)
		}
	}
	if v := os.Getenv("RESTSYNC_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ShutdownTimeout = Duration(d)
		}
	}

	// Remote
	if v := os.Getenv("RESTSYNC_BASE_URL"); v != "" {
		cfg.Remote.BaseURL = v
	}
	if v := os.Getenv("RESTSYNC_TOKEN"); v != "" {
		cfg.Remote.Token = v
	}
	if v := os.Getenv("RESTSYNC_REMOTE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Remote.Timeout = Duration(d)
		}
	}
	if v := os.Getenv("RESTSYNC_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Remote.RateLimit = f
		}
	}

	// Store
	if v := os.Getenv("RESTSYNC_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("RESTSYNC_DB_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("RESTSYNC_STORE_NAME"); v != "" {
		cfg.Store.Name = v
	}
	if v := os.Getenv("RESTSYNC_STORE_VERSION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Store.Version = n
		}
	}
	if v := os.Getenv("RESTSYNC_STORE_COMPRESS"); v != "" {
		cfg.Store.Compress = v == "true" || v == "1"
	}

	// Cache
	if v := os.Getenv("RESTSYNC_CACHE_LIFETIME"); v != "" {
		cfg.Cache.Lifetime = v
	}
	if v := os.Getenv("RESTSYNC_PAGE_CURSOR"); v != "" {
		cfg.Cache.PageCursor = v
	}
	if v := os.Getenv("RESTSYNC_LIST_PATTERNS"); v != "" {
		cfg.Cache.ListPatterns = splitList(v)
	}
	if v := os.Getenv("RESTSYNC_DELIVER_FRESH"); v != "" {
		cfg.Cache.DeliverFresh = v == "true" || v == "1"
	}
	if v := os.Getenv("RESTSYNC_COALESCE"); v != "" {
		cfg.Cache.Coalesce = v == "true" || v == "1"
	}
	if v := os.Getenv("RESTSYNC_STALE_AFTER"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.StaleAfter = Duration(d)
		}
	}

	// Worker
	if v := os.Getenv("RESTSYNC_PRUNE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Worker.PruneInterval = Duration(d)
		}
	}
	if v := os.Getenv("RESTSYNC_QUEUE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Worker.QueueInterval = Duration(d)
		}
	}

	// Auth
	if v := os.Getenv("RESTSYNC_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
	}

	// Log
	if v := os.Getenv("RESTSYNC_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("RESTSYNC_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("RESTSYNC_LOG_FILE"); v != "" {
		cfg.Log.File = v
	}
}

// validate checks that configuration values are usable.
func (c *Config) validate() error {
	if _, err := cacheindex.ParseLifetime(c.Cache.Lifetime); err != nil {
		return fmt.Errorf("cache.lifetime: %w", err)
	}
	switch c.Store.Driver {
	case store.DriverSQLite, store.DriverMemory:
	default:
		return fmt.Errorf("store.driver: %w: %q", store.ErrUnknownDriver, c.Store.Driver)
	}
	if c.Store.Driver == store.DriverSQLite && c.Store.Path == "" {
		return errors.New("store.path is required for the sqlite driver")
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be json or text, got %q", c.Log.Format)
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
