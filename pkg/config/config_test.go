package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsDeriveSocketsFromRuntimePath(t *testing.T) {
	c := &Config{RuntimePath: "/tmp/cif"}
	c.ApplyDefaults()

	assert.Equal(t, "ipc:///tmp/cif/router.ipc", c.Router.Listen)
	assert.Equal(t, "ipc:///tmp/cif/store.ipc", c.Store.Addr)
	assert.Equal(t, "ipc:///tmp/cif/store_write_h.ipc", c.Store.HunterWriteAddr)
	assert.Equal(t, 250, c.Store.QueueLimit)
	assert.Equal(t, 5*time.Second, c.Store.QueueFlush.Duration())
	assert.Equal(t, time.Millisecond, c.Router.FrontendTimeout.Duration())
	assert.Equal(t, "pebble", c.Store.Kind)
	assert.Equal(t, DefaultGathererPlugins, c.Gatherer.Plugins)
}

func TestLoadConfigFileParsesDurations(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "cif.yml")
	body := `
runtime_path: /srv/cif
store:
  kind: sqlite
  queue_flush: 2s
  cache_size: 8MB
retention:
  enabled: true
  max_age: 30d
`
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))

	c, err := LoadConfigFile(p)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", c.Store.Kind)
	assert.Equal(t, 2*time.Second, c.Store.QueueFlush.Duration())
	assert.Equal(t, int64(8_000_000), c.Store.CacheSize.Int64())
	assert.Equal(t, 30*24*time.Hour, c.Retention.MaxAge.Duration())
}

func TestEffectiveConfigFlagsOverlay(t *testing.T) {
	file := &Config{RuntimePath: "/srv/cif"}
	file.Store.Kind = "sqlite"
	flags := Flags{Store: "pebble", LogLevel: "debug", Set: map[string]bool{"store": true, "log-level": true}}

	eff, err := LoadEffectiveConfig(flags, file, true, &Config{}, EnvResult{})
	require.NoError(t, err)
	assert.Equal(t, "config", eff.Source)
	assert.Equal(t, "pebble", eff.Config.Store.Kind)
	assert.Equal(t, "debug", eff.Config.Logging.Level)
	assert.Equal(t, "ipc:///srv/cif/router.ipc", eff.Config.Router.Listen)
	require.NoError(t, ValidateConfig(eff))
}

func TestEffectiveConfigMissingExplicitFile(t *testing.T) {
	flags := Flags{Config: "/nope.yml", Set: map[string]bool{"config": true}}
	_, err := LoadEffectiveConfig(flags, &Config{}, false, &Config{}, EnvResult{})
	if err == nil {
		t.Fatalf("expected error for missing explicit config file")
	}
}

func TestParseConfigEnvs(t *testing.T) {
	t.Setenv("CIF_STORE", "SQLite")
	t.Setenv("CIF_HUNTER_THREADS", "4")
	t.Setenv("CIF_GATHERER_PLUGINS", "geo, asn")
	t.Setenv("CIF_STORE_QUEUE_FLUSH", "250ms")

	c, res := ParseConfigEnvs()
	assert.True(t, res.EnvUsed)
	assert.Equal(t, "sqlite", c.Store.Kind)
	assert.Equal(t, 4, c.Hunter.Threads)
	assert.Equal(t, []string{"geo", "asn"}, c.Gatherer.Plugins)
	assert.Equal(t, 250*time.Millisecond, c.Store.QueueFlush.Duration())
}

func TestValidateConfig(t *testing.T) {
	bad := Default()
	bad.Store.Kind = "mongo"
	if err := ValidateConfig(EffectiveConfigResult{Config: bad}); err == nil {
		t.Fatalf("expected invalid store kind")
	}

	cron := Default()
	cron.Retention.Enabled = true
	cron.Retention.Cron = "not a cron"
	if err := ValidateConfig(EffectiveConfigResult{Config: cron}); err == nil {
		t.Fatalf("expected invalid cron")
	}

	ex := Default()
	ex.Hunter.Exclude = "csirtg.io:(scanner"
	if err := ValidateConfig(EffectiveConfigResult{Config: ex}); err == nil {
		t.Fatalf("expected invalid exclude regex")
	}
}

func TestRouterSettingsRoundTrip(t *testing.T) {
	p := filepath.Join(t.TempDir(), "router.yml")
	_, found, err := LoadRouterSettings(p)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, WriteRouterSettings(p, RouterSettings{HunterToken: "abc123"}))
	s, found, err := LoadRouterSettings(p)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "abc123", s.HunterToken)
}
