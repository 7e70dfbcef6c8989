package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "charsnap.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 24*time.Hour, cfg.Cache.MaxAge)
	assert.Equal(t, 600, cfg.Render.ViewportWidth)
	assert.Equal(t, 15000, cfg.Render.HeightCap)
	assert.Equal(t, 50, cfg.Tiles.Overlap)
	assert.Equal(t, 95, cfg.Tiles.JPEGQuality)
	assert.Equal(t, "firefox", cfg.Browser.Name)
}

func TestLoad_EmptyPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoad_MergesOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
cache:
  dir: data
  max_age: 12h
render:
  height_cap: 12000
  blocked_resources: ["**/*.woff"]
browser:
  name: chromium
logging:
  verbosity: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "data"), cfg.Cache.Dir)
	assert.Equal(t, 12*time.Hour, cfg.Cache.MaxAge)
	assert.Equal(t, 7*24*time.Hour, cfg.Cache.Retention, "unset keys keep their default")
	assert.Equal(t, 12000, cfg.Render.HeightCap)
	assert.Equal(t, []string{"**/*.woff"}, cfg.Render.BlockedResources)
	assert.Equal(t, 60*time.Second, cfg.Render.NavigationTimeout)
	assert.Equal(t, 3*time.Minute, cfg.Render.Timeout)
	assert.Equal(t, "chromium", cfg.Browser.Name)
	assert.Equal(t, "debug", cfg.Logging.Verbosity)
}

func TestLoad_AbsoluteCacheDir(t *testing.T) {
	abs := filepath.Join(t.TempDir(), "snaps")
	path := writeConfig(t, t.TempDir(), "cache:\n  dir: "+abs+"\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, abs, cfg.Cache.Dir)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := writeConfig(t, t.TempDir(), "cache: [not a map")
	_, err = Load(path)
	assert.Error(t, err)

	path = writeConfig(t, t.TempDir(), "browser:\n  name: safari\n")
	_, err = Load(path)
	assert.ErrorContains(t, err, "browser.name")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"no cache dir", func(c *Config) { c.Cache.Dir = "" }, "cache.dir"},
		{"zero max age", func(c *Config) { c.Cache.MaxAge = 0 }, "cache.max_age"},
		{"retention shorter than max age", func(c *Config) { c.Cache.Retention = time.Hour }, "cache.retention"},
		{"template without id", func(c *Config) { c.Render.URLTemplate = "https://example.test" }, "{id}"},
		{"zero width", func(c *Config) { c.Render.ViewportWidth = 0 }, "viewport_width"},
		{"negative settle", func(c *Config) { c.Render.SettleDelay = -time.Second }, "settle_delay"},
		{"no height cap", func(c *Config) { c.Render.HeightCap = 0 }, "height"},
		{"overlap too large", func(c *Config) { c.Tiles.Overlap = 2000 }, "tiles.overlap"},
		{"quality out of range", func(c *Config) { c.Tiles.JPEGQuality = 101 }, "jpeg_quality"},
		{"no sessions", func(c *Config) { c.Browser.MaxSessions = 0 }, "max_sessions"},
		{"script without markers", func(c *Config) { c.Resolver.Script.URL = "https://example.test/a.js" }, "start_marker"},
		{"no resolver", func(c *Config) { c.Resolver.Index.URL = "" }, "resolver"},
		{"no prefix", func(c *Config) { c.Trigger.Prefix = "" }, "trigger.prefix"},
		{"rate without burst", func(c *Config) { c.Server.RateBurst = 0 }, "rate_burst"},
		{"bad verbosity", func(c *Config) { c.Logging.Verbosity = "loud" }, "verbosity"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.wantErr)
		})
	}
}

func TestValidate_DefaultsVerbosity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Verbosity = ""
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "normal", cfg.Logging.Verbosity)
}

func TestWatcher_ReloadsValidChanges(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "logging:\n  verbosity: normal\n")

	w, err := NewWatcher(path, nil)
	require.NoError(t, err)
	defer w.Stop()

	changes := make(chan *Config, 4)
	w.OnChange(func(c *Config) { changes <- c })
	go w.Start()

	// Invalid edits are skipped.
	writeConfig(t, dir, "logging:\n  verbosity: loud\n")
	writeConfig(t, dir, "logging:\n  verbosity: debug\n")

	require.Eventually(t, func() bool {
		for {
			select {
			case c := <-changes:
				if c.Logging.Verbosity == "debug" {
					return true
				}
			default:
				return false
			}
		}
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())
}
