package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))

	return configPath
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	configPath := writeConfig(t, `
log_level: info
upstream:
  owner: rust-gcc
  repo: testing
  workflow: nightly_run.yml
cache:
  ttl: 12h
  directory: ./nightly-results
server:
  listen: ":9000"
`)

	tests := []struct {
		name     string
		envVars  map[string]string
		validate func(t *testing.T, cfg *Config)
	}{
		{
			name:    "no env vars uses yaml values",
			envVars: map[string]string{},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "info", cfg.LogLevel)
				assert.Equal(t, "12h", cfg.Cache.TTL)
				assert.Equal(t, "./nightly-results", cfg.Cache.Directory)
				assert.Equal(t, ":9000", cfg.Server.Listen)
			},
		},
		{
			name: "string override - log_level",
			envVars: map[string]string{
				"BOTTLECACHE_LOG_LEVEL": "debug",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "debug", cfg.LogLevel)
			},
		},
		{
			name: "nested override - upstream.token",
			envVars: map[string]string{
				"BOTTLECACHE_UPSTREAM_TOKEN": "ghp_secret",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "ghp_secret", cfg.Upstream.Token)
			},
		},
		{
			name: "boolean override - cache.pinned",
			envVars: map[string]string{
				"BOTTLECACHE_CACHE_PINNED": "true",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.True(t, cfg.Cache.Pinned)
			},
		},
		{
			name: "integer override - cache.concurrency",
			envVars: map[string]string{
				"BOTTLECACHE_CACHE_CONCURRENCY": "8",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 8, cfg.Cache.Concurrency)
			},
		},
		{
			name: "deeply nested override - archive cache",
			envVars: map[string]string{
				"BOTTLECACHE_UPSTREAM_ARCHIVE_CACHE_ENABLED": "true",
				"BOTTLECACHE_UPSTREAM_ARCHIVE_CACHE_PATH":    "/var/cache/archives",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.True(t, cfg.Upstream.ArchiveCache.Enabled)
				assert.Equal(t, "/var/cache/archives", cfg.Upstream.ArchiveCache.Path)
			},
		},
		{
			name: "multiple overrides",
			envVars: map[string]string{
				"BOTTLECACHE_CACHE_TTL":       "1h",
				"BOTTLECACHE_SERVER_LISTEN":   ":8080",
				"BOTTLECACHE_CACHE_DIRECTORY": "/data/results",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "1h", cfg.Cache.TTL)
				assert.Equal(t, ":8080", cfg.Server.Listen)
				assert.Equal(t, "/data/results", cfg.Cache.Directory)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			cfg, err := Load(configPath)
			require.NoError(t, err)

			tt.validate(t, cfg)
		})
	}
}

func TestLoad_DefaultsAppliedWhenEmpty(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DefaultLogLevel, cfg.LogLevel)
	assert.Equal(t, "https://api.github.com", cfg.Upstream.APIURL)
	assert.Equal(t, "rust-gcc", cfg.Upstream.Owner)
	assert.Equal(t, "testing", cfg.Upstream.Repo)
	assert.Equal(t, "nightly_run.yml", cfg.Upstream.Workflow)
	assert.Equal(t, ".json", cfg.Upstream.ArtifactSuffix)
	assert.Equal(t, DefaultListen, cfg.Server.Listen)
	assert.Empty(t, cfg.Cache.Directory)
	assert.False(t, cfg.Cache.Pinned)

	ttl, err := cfg.Cache.TTLDuration()
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, ttl)

	require.NoError(t, cfg.Validate())
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "invalid: yaml: content:"))
	require.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	base := func(t *testing.T) *Config {
		t.Helper()

		cfg, err := Load("")
		require.NoError(t, err)

		return cfg
	}

	tests := []struct {
		name      string
		mutate    func(cfg *Config)
		errSubstr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Config) {},
		},
		{
			name:      "invalid ttl",
			mutate:    func(cfg *Config) { cfg.Cache.TTL = "forever" },
			errSubstr: "cache.ttl",
		},
		{
			name:      "zero ttl",
			mutate:    func(cfg *Config) { cfg.Cache.TTL = "0s" },
			errSubstr: "must be positive",
		},
		{
			name:      "negative refresh interval",
			mutate:    func(cfg *Config) { cfg.Cache.RefreshInterval = "-1m" },
			errSubstr: "refresh_interval",
		},
		{
			name:      "zero concurrency",
			mutate:    func(cfg *Config) { cfg.Cache.Concurrency = 0 },
			errSubstr: "concurrency",
		},
		{
			name:      "missing workflow",
			mutate:    func(cfg *Config) { cfg.Upstream.Workflow = "" },
			errSubstr: "workflow",
		},
		{
			name: "pinned mode does not need upstream",
			mutate: func(cfg *Config) {
				cfg.Cache.Pinned = true
				cfg.Upstream.Workflow = ""
				cfg.Upstream.Owner = ""
			},
		},
		{
			name:      "per_page out of range",
			mutate:    func(cfg *Config) { cfg.Upstream.PerPage = 500 },
			errSubstr: "per_page",
		},
		{
			name:      "invalid timeout",
			mutate:    func(cfg *Config) { cfg.Upstream.Timeout = "soon" },
			errSubstr: "upstream.timeout",
		},
		{
			name:      "s3 mirror without bucket",
			mutate:    func(cfg *Config) { cfg.Mirror.S3.Enabled = true },
			errSubstr: "bucket",
		},
		{
			name: "history with unknown driver",
			mutate: func(cfg *Config) {
				cfg.History.Enabled = true
				cfg.History.Database.Driver = "mysql"
			},
			errSubstr: "unsupported history database driver",
		},
		{
			name: "history with postgres",
			mutate: func(cfg *Config) {
				cfg.History.Enabled = true
				cfg.History.Database.Driver = "postgres"
			},
		},
		{
			name: "rate limit without budget",
			mutate: func(cfg *Config) {
				cfg.Server.RateLimit.Enabled = true
				cfg.Server.RateLimit.RequestsPerMinute = 0
			},
			errSubstr: "requests_per_minute",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base(t)
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.errSubstr == "" {
				require.NoError(t, err)

				return
			}

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errSubstr)
		})
	}
}

func TestConfig_YAMLRedactsSecrets(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.Upstream.Token = "ghp_secret"
	cfg.Mirror.S3.SecretAccessKey = "s3-secret"

	data, err := cfg.YAML()
	require.NoError(t, err)

	out := string(data)
	assert.NotContains(t, out, "ghp_secret")
	assert.NotContains(t, out, "s3-secret")
	assert.Contains(t, out, "REDACTED")
	assert.Contains(t, out, "workflow: nightly_run.yml")

	// The receiver is untouched.
	assert.Equal(t, "ghp_secret", cfg.Upstream.Token)
}

func TestRefreshIntervalDuration(t *testing.T) {
	c := CacheConfig{}

	d, err := c.RefreshIntervalDuration()
	require.NoError(t, err)
	assert.Zero(t, d)

	c.RefreshInterval = "15m"
	d, err = c.RefreshIntervalDuration()
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, d)
}
