package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// EnvPrefix is the prefix of environment variable overrides, e.g.
	// BOTTLECACHE_UPSTREAM_TOKEN overrides upstream.token.
	EnvPrefix = "BOTTLECACHE"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultTTL is the default cache time-to-live.
	DefaultTTL = "24h"

	// DefaultUpstreamTimeout bounds every request to the CI system.
	DefaultUpstreamTimeout = "30s"

	// DefaultListen is the default API listen address.
	DefaultListen = ":8000"
)

// Config is the root configuration for bottlecache.
type Config struct {
	LogLevel string         `yaml:"log_level" mapstructure:"log_level"`
	Upstream UpstreamConfig `yaml:"upstream" mapstructure:"upstream"`
	Cache    CacheConfig    `yaml:"cache" mapstructure:"cache"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Mirror   MirrorConfig   `yaml:"mirror" mapstructure:"mirror"`
	History  HistoryConfig  `yaml:"history" mapstructure:"history"`
}

// UpstreamConfig locates the CI workflow whose artifacts are cached.
type UpstreamConfig struct {
	APIURL         string             `yaml:"api_url" mapstructure:"api_url"`
	Owner          string             `yaml:"owner" mapstructure:"owner"`
	Repo           string             `yaml:"repo" mapstructure:"repo"`
	Workflow       string             `yaml:"workflow" mapstructure:"workflow"`
	Token          string             `yaml:"token,omitempty" mapstructure:"token"`
	Timeout        string             `yaml:"timeout" mapstructure:"timeout"`
	ArtifactSuffix string             `yaml:"artifact_suffix" mapstructure:"artifact_suffix"`
	PerPage        int                `yaml:"per_page" mapstructure:"per_page"`
	MaxPages       int                `yaml:"max_pages" mapstructure:"max_pages"`
	ArchiveCache   ArchiveCacheConfig `yaml:"archive_cache" mapstructure:"archive_cache"`
}

// ArchiveCacheConfig configures the on-disk cache of downloaded archives.
type ArchiveCacheConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Path    string `yaml:"path" mapstructure:"path"`
}

// CacheConfig configures invalidation and persistence of the result cache.
type CacheConfig struct {
	TTL string `yaml:"ttl" mapstructure:"ttl"`
	// Pinned serves only rehydrated data and never contacts upstream.
	Pinned bool `yaml:"pinned" mapstructure:"pinned"`
	// Directory holds one JSON file per record. Empty means memory only.
	Directory       string `yaml:"directory,omitempty" mapstructure:"directory"`
	Concurrency     int    `yaml:"concurrency" mapstructure:"concurrency"`
	RefreshInterval string `yaml:"refresh_interval,omitempty" mapstructure:"refresh_interval"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Listen      string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// MirrorConfig configures where persisted records are mirrored.
type MirrorConfig struct {
	S3 S3Config `yaml:"s3" mapstructure:"s3"`
}

// S3Config contains S3-compatible object storage settings.
type S3Config struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	Prefix          string `yaml:"prefix,omitempty" mapstructure:"prefix"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
	// RestoreOnStart seeds an empty result directory from the bucket.
	RestoreOnStart bool `yaml:"restore_on_start" mapstructure:"restore_on_start"`
}

// HistoryConfig configures the update cycle ledger.
type HistoryConfig struct {
	Enabled  bool           `yaml:"enabled" mapstructure:"enabled"`
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver   string               `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteDatabaseConfig `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig       `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// defaults lists every key with its default value. Registering every key
// with viper is what makes BOTTLECACHE_* overrides visible to Unmarshal.
var defaults = map[string]any{
	"log_level": DefaultLogLevel,

	"upstream.api_url":               "https://api.github.com",
	"upstream.owner":                 "rust-gcc",
	"upstream.repo":                  "testing",
	"upstream.workflow":              "nightly_run.yml",
	"upstream.token":                 "",
	"upstream.timeout":               DefaultUpstreamTimeout,
	"upstream.artifact_suffix":       ".json",
	"upstream.per_page":              100,
	"upstream.max_pages":             1,
	"upstream.archive_cache.enabled": false,
	"upstream.archive_cache.path":    "./data/archives",

	"cache.ttl":              DefaultTTL,
	"cache.pinned":           false,
	"cache.directory":        "",
	"cache.concurrency":      4,
	"cache.refresh_interval": "",

	"server.listen":                        DefaultListen,
	"server.cors_origins":                  []string{},
	"server.rate_limit.enabled":            false,
	"server.rate_limit.requests_per_minute": 120,

	"mirror.s3.enabled":           false,
	"mirror.s3.endpoint_url":      "",
	"mirror.s3.region":            "",
	"mirror.s3.bucket":            "",
	"mirror.s3.prefix":            "results",
	"mirror.s3.access_key_id":     "",
	"mirror.s3.secret_access_key": "",
	"mirror.s3.force_path_style":  false,
	"mirror.s3.restore_on_start":  false,

	"history.enabled":                    false,
	"history.database.driver":            "sqlite",
	"history.database.sqlite.path":       "./data/history.db",
	"history.database.postgres.host":     "localhost",
	"history.database.postgres.port":     5432,
	"history.database.postgres.user":     "",
	"history.database.postgres.password": "",
	"history.database.postgres.database": "bottlecache",
	"history.database.postgres.ssl_mode": "disable",
}

// Load reads the configuration with the following precedence (lowest to
// highest): defaults, the YAML file at path (optional), BOTTLECACHE_*
// environment variables. CLI flags are applied by the caller.
func Load(path string) (*Config, error) {
	v := viper.New()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return &cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if _, err := c.Cache.TTLDuration(); err != nil {
		return err
	}

	if _, err := c.Cache.RefreshIntervalDuration(); err != nil {
		return err
	}

	if c.Cache.Concurrency <= 0 {
		return errors.New("cache.concurrency must be positive")
	}

	if !c.Cache.Pinned {
		if err := c.Upstream.Validate(); err != nil {
			return err
		}
	}

	if c.Mirror.S3.Enabled && c.Mirror.S3.Bucket == "" {
		return errors.New("mirror.s3.bucket is required when the s3 mirror is enabled")
	}

	if c.History.Enabled {
		switch c.History.Database.Driver {
		case "sqlite":
			if c.History.Database.SQLite.Path == "" {
				return errors.New("history.database.sqlite.path is required")
			}
		case "postgres":
		default:
			return fmt.Errorf(
				"unsupported history database driver: %q",
				c.History.Database.Driver,
			)
		}
	}

	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerMinute <= 0 {
		return errors.New("server.rate_limit.requests_per_minute must be positive")
	}

	return nil
}

// Validate checks the upstream settings needed to contact the CI system.
func (u *UpstreamConfig) Validate() error {
	switch {
	case u.APIURL == "":
		return errors.New("upstream.api_url is required")
	case u.Owner == "" || u.Repo == "":
		return errors.New("upstream.owner and upstream.repo are required")
	case u.Workflow == "":
		return errors.New("upstream.workflow is required")
	case u.PerPage <= 0 || u.PerPage > 100:
		return fmt.Errorf("upstream.per_page must be in 1..100, got %d", u.PerPage)
	case u.MaxPages <= 0:
		return errors.New("upstream.max_pages must be positive")
	case u.ArchiveCache.Enabled && u.ArchiveCache.Path == "":
		return errors.New("upstream.archive_cache.path is required when enabled")
	}

	if _, err := u.TimeoutDuration(); err != nil {
		return err
	}

	return nil
}

// TimeoutDuration returns the per-request upstream timeout.
func (u *UpstreamConfig) TimeoutDuration() (time.Duration, error) {
	return parsePositiveDuration("upstream.timeout", u.Timeout, DefaultUpstreamTimeout)
}

// TTLDuration returns the cache time-to-live.
func (c *CacheConfig) TTLDuration() (time.Duration, error) {
	return parsePositiveDuration("cache.ttl", c.TTL, DefaultTTL)
}

// RefreshIntervalDuration returns the background refresh interval. Zero
// disables background refreshes.
func (c *CacheConfig) RefreshIntervalDuration() (time.Duration, error) {
	if c.RefreshInterval == "" {
		return 0, nil
	}

	d, err := time.ParseDuration(c.RefreshInterval)
	if err != nil {
		return 0, fmt.Errorf("parsing cache.refresh_interval: %w", err)
	}

	if d < 0 {
		return 0, errors.New("cache.refresh_interval cannot be negative")
	}

	return d, nil
}

func parsePositiveDuration(key, value, fallback string) (time.Duration, error) {
	if value == "" {
		value = fallback
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", key, err)
	}

	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", key)
	}

	return d, nil
}

// Redacted returns a copy of the configuration with secrets masked.
func (c *Config) Redacted() Config {
	out := *c
	out.Server.CORSOrigins = append([]string(nil), c.Server.CORSOrigins...)

	if out.Upstream.Token != "" {
		out.Upstream.Token = "REDACTED"
	}

	if out.Mirror.S3.SecretAccessKey != "" {
		out.Mirror.S3.SecretAccessKey = "REDACTED"
	}

	if out.History.Database.Postgres.Password != "" {
		out.History.Database.Postgres.Password = "REDACTED"
	}

	return out
}

// YAML renders the configuration, with secrets masked.
func (c *Config) YAML() ([]byte, error) {
	redacted := c.Redacted()

	data, err := yaml.Marshal(&redacted)
	if err != nil {
		return nil, fmt.Errorf("marshalling config: %w", err)
	}

	return data, nil
}
