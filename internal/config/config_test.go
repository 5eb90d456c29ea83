package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// noConfigFile points CONFIG_PATH at an empty file so a stray config.yaml
// in the working directory cannot leak into the test.
func noConfigFile(t *testing.T) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0o600))
	t.Setenv(ConfigPathEnvVar, path)
}

func TestLoad_Defaults(t *testing.T) {
	noConfigFile(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, []string{"*"}, cfg.Server.CORSAllowedOrigins)
	assert.Equal(t, 60, cfg.Server.WriteRateLimit)
	assert.Equal(t, "tracklist.db", cfg.Database.Path)
	assert.Equal(t, 24*time.Hour, cfg.Feed.TrendingWindow)
	assert.Equal(t, time.Minute, cfg.Feed.RefreshInterval)
	assert.Equal(t, 50, cfg.Feed.DefaultLimit)
	assert.Equal(t, 100, cfg.Feed.MaxLimit)
	assert.Empty(t, cfg.ChangeStream.URL)
	assert.Empty(t, cfg.Catalog.APIKey)
	assert.Equal(t, 5.0, cfg.Catalog.RequestsPerSecond)
	assert.Equal(t, uint32(5), cfg.Catalog.BreakerFailures)
	assert.Equal(t, "@every 1h", cfg.Reconcile.Schedule)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Empty(t, cfg.Logging.File)
	assert.Equal(t, 100, cfg.Logging.MaxSizeMB)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
server:
  port: 8080
feed:
  trending_window: 12h
  max_limit: 200
changestream:
  url: wss://store.example/changes
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	t.Setenv(ConfigPathEnvVar, path)
	t.Setenv("TRACKLIST_FEED__TRENDING_WINDOW", "6h")
	t.Setenv("TRACKLIST_DATABASE__PATH", "/var/lib/tracklist.db")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 6*time.Hour, cfg.Feed.TrendingWindow)
	assert.Equal(t, 200, cfg.Feed.MaxLimit)
	assert.Equal(t, "wss://store.example/changes", cfg.ChangeStream.URL)
	assert.Equal(t, "/var/lib/tracklist.db", cfg.Database.Path)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_LegacyEnv(t *testing.T) {
	noConfigFile(t)
	t.Setenv("PORT", "4000")
	t.Setenv("LASTFM_API_KEY", "secret")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 4000, cfg.Server.Port)
	assert.Equal(t, "secret", cfg.Catalog.APIKey)
}

func TestLoad_DotEnv(t *testing.T) {
	noConfigFile(t)
	path := filepath.Join(t.TempDir(), "test.env")
	dotenv := "TRACKLIST_CATALOG__API_KEY=from-dotenv\nPORT=1\n"
	require.NoError(t, os.WriteFile(path, []byte(dotenv), 0o600))
	t.Setenv(DotEnvPathEnvVar, path)
	t.Setenv("PORT", "4100")
	t.Cleanup(func() { os.Unsetenv("TRACKLIST_CATALOG__API_KEY") })

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.Catalog.APIKey)
	assert.Equal(t, 4100, cfg.Server.Port, "process environment wins over the dotenv file")
}

func TestLoad_MissingDotEnv(t *testing.T) {
	noConfigFile(t)
	t.Setenv(DotEnvPathEnvVar, filepath.Join(t.TempDir(), "missing.env"))

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_Invalid(t *testing.T) {
	tests := map[string]map[string]string{
		"bad port":      {"PORT": "70000"},
		"bad log level": {"LOG_LEVEL": "loud"},
		"bad timezone":  {"TRACKLIST_RECONCILE__TIMEZONE": "Nowhere/Atlantis"},
		"limit too big": {"TRACKLIST_FEED__DEFAULT_LIMIT": "500"},
		"rate limit without window": {
			"TRACKLIST_SERVER__WRITE_RATE_WINDOW": "0s",
		},
		"log file without size": {
			"TRACKLIST_LOGGING__FILE":        "/tmp/tracklist.log",
			"TRACKLIST_LOGGING__MAX_SIZE_MB": "0",
		},
	}
	for name, env := range tests {
		t.Run(name, func(t *testing.T) {
			noConfigFile(t)
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestEnvTransformFunc(t *testing.T) {
	assert.Equal(t, "server.port", envTransformFunc("PORT"))
	assert.Equal(t, "feed.trending_window", envTransformFunc("TRACKLIST_FEED__TRENDING_WINDOW"))
	assert.Equal(t, "", envTransformFunc("HOME"))
}

func TestConfig_LogLevel(t *testing.T) {
	cfg := defaultConfig()
	cfg.Logging.Level = "warn"
	level, err := cfg.LogLevel()
	require.NoError(t, err)
	assert.Equal(t, "WARN", level.String())
}
