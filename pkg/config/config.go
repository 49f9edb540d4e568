package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	goyaml "github.com/goccy/go-yaml"
	"gopkg.in/yaml.v3"
)

// Defaults for the dispatch loop, the create queue and the pools.
const (
	defaultRuntimePath         = "/var/lib/cif"
	defaultFrontendTimeout     = time.Millisecond
	defaultBackendTimeout      = time.Millisecond
	defaultThroughputEvery     = 100
	defaultHunterMinConfidence = 1

	defaultStoreKind        = "pebble"
	defaultStorePollTimeout = 5 * time.Millisecond
	defaultQueueFlush       = 5 * time.Second
	defaultQueueMax         = 1000
	defaultQueueTimeout     = 5 * time.Second
	defaultQueueLimit       = 250
	defaultSearchLimit      = 500
	defaultStoreCacheSize   = 64 << 20

	defaultGathererThreads = 2
	defaultHunterDecay     = 1
	defaultResolverTimeout = 5 * time.Second

	defaultStreamPubAddr  = "tcp://127.0.0.1:5001"
	defaultWebhooksAddr   = "ipc://webhook.ipc"
	defaultWebhookTimeout = 5 * time.Second

	defaultHTTPDListen  = "127.0.0.1:5000"
	defaultHTTPDTimeout = 10 * time.Second
	defaultRateRPS      = 100
	defaultRateBurst    = 100

	defaultRetentionCron   = "0 3 * * *"
	defaultRetentionMaxAge = 180 * 24 * time.Hour
	defaultSearchMaxAge    = 14 * 24 * time.Hour

	defaultSensorPollInterval   = 30 * time.Second
	defaultSensorDiskHighPct    = 90
	defaultSensorDiskLowPct     = 80
	defaultSensorMemHighPct     = 90
	defaultSensorRecoveryWindow = time.Minute
)

// DefaultGathererPlugins is the enrichment order used when none is configured.
var DefaultGathererPlugins = []string{"geo", "asn", "peers"}

// DefaultHunterPlugins is the derivation order used when none is configured.
var DefaultHunterPlugins = []string{
	"fqdn", "fqdn_ns", "fqdn_mx", "fqdn_cname", "fqdn_subdomain",
	"url", "ipv4_resolve_prefix_whitelist", "spamhaus_ip",
}

// Default returns a Config with every default filled in.
func Default() *Config {
	c := &Config{}
	c.ApplyDefaults()
	return c
}

func ipc(runtime, name string) string {
	return "ipc://" + filepath.Join(runtime, name)
}

// ApplyDefaults fills zero values. Socket addresses default to ipc
// endpoints under RuntimePath.
func (c *Config) ApplyDefaults() {
	if c.RuntimePath == "" {
		c.RuntimePath = defaultRuntimePath
	}
	rp := c.RuntimePath

	r := &c.Router
	if r.Listen == "" {
		r.Listen = ipc(rp, "router.ipc")
	}
	if r.FrontendTimeout == 0 {
		r.FrontendTimeout = Duration(defaultFrontendTimeout)
	}
	if r.BackendTimeout == 0 {
		r.BackendTimeout = Duration(defaultBackendTimeout)
	}
	if r.ThroughputEvery <= 0 {
		r.ThroughputEvery = defaultThroughputEvery
	}
	if r.HunterMinConfidence == 0 {
		r.HunterMinConfidence = defaultHunterMinConfidence
	}
	if r.SettingsPath == "" {
		r.SettingsPath = filepath.Join(rp, "router.yml")
	}

	s := &c.Store
	if s.Kind == "" {
		s.Kind = defaultStoreKind
	}
	if s.Path == "" {
		s.Path = filepath.Join(rp, "store")
	}
	if s.Addr == "" {
		s.Addr = ipc(rp, "store.ipc")
	}
	if s.WriteAddr == "" {
		s.WriteAddr = ipc(rp, "store_write.ipc")
	}
	if s.HunterWriteAddr == "" {
		s.HunterWriteAddr = ipc(rp, "store_write_h.ipc")
	}
	if s.PollTimeout == 0 {
		s.PollTimeout = Duration(defaultStorePollTimeout)
	}
	if s.QueueFlush == 0 {
		s.QueueFlush = Duration(defaultQueueFlush)
	}
	if s.QueueMax <= 0 {
		s.QueueMax = defaultQueueMax
	}
	if s.QueueTimeout == 0 {
		s.QueueTimeout = Duration(defaultQueueTimeout)
	}
	if s.QueueLimit <= 0 {
		s.QueueLimit = defaultQueueLimit
	}
	if s.SearchLimit <= 0 {
		s.SearchLimit = defaultSearchLimit
	}
	if s.CacheSize == 0 {
		s.CacheSize = SizeBytes(defaultStoreCacheSize)
	}

	g := &c.Gatherer
	// a create always needs a gatherer; hunters stay off unless asked for
	if g.Threads <= 0 {
		g.Threads = defaultGathererThreads
	}
	if g.Addr == "" {
		g.Addr = ipc(rp, "gatherer.ipc")
	}
	if g.SinkAddr == "" {
		g.SinkAddr = ipc(rp, "gatherer_sink.ipc")
	}
	if g.Plugins == nil {
		g.Plugins = append([]string(nil), DefaultGathererPlugins...)
	}

	h := &c.Hunter
	if h.Addr == "" {
		h.Addr = ipc(rp, "hunter.ipc")
	}
	if h.SinkAddr == "" {
		h.SinkAddr = ipc(rp, "hunter_sink.ipc")
	}
	if h.Plugins == nil {
		h.Plugins = append([]string(nil), DefaultHunterPlugins...)
	}
	if h.Decay == 0 {
		h.Decay = defaultHunterDecay
	}

	if c.Resolver.Timeout == 0 {
		c.Resolver.Timeout = Duration(defaultResolverTimeout)
	}

	st := &c.Streamer
	if st.Addr == "" {
		st.Addr = ipc(rp, "stream.ipc")
	}
	if st.PubAddr == "" {
		st.PubAddr = defaultStreamPubAddr
	}
	if st.Redis.Channel == "" {
		st.Redis.Channel = "cif:stream"
	}
	if st.NATS.Subject == "" {
		st.NATS.Subject = "cif.stream"
	}
	if st.Websocket.Path == "" {
		st.Websocket.Path = "/firehose"
	}

	w := &c.Webhooks
	if w.Addr == "" {
		w.Addr = defaultWebhooksAddr
	}
	if w.Path == "" {
		w.Path = filepath.Join(rp, "webhooks.yml")
	}
	if w.Timeout == 0 {
		w.Timeout = Duration(defaultWebhookTimeout)
	}

	hd := &c.HTTPD
	if hd.Listen == "" {
		hd.Listen = defaultHTTPDListen
	}
	if hd.Timeout == 0 {
		hd.Timeout = Duration(defaultHTTPDTimeout)
	}
	if hd.RateLimit.RPS <= 0 {
		hd.RateLimit.RPS = defaultRateRPS
	}
	if hd.RateLimit.Burst <= 0 {
		hd.RateLimit.Burst = defaultRateBurst
	}

	rt := &c.Retention
	if rt.Cron == "" {
		rt.Cron = defaultRetentionCron
	}
	if rt.MaxAge == 0 {
		rt.MaxAge = Duration(defaultRetentionMaxAge)
	}
	if rt.SearchMaxAge == 0 {
		rt.SearchMaxAge = Duration(defaultSearchMaxAge)
	}

	sn := &c.Sensor
	if sn.PollInterval == 0 {
		sn.PollInterval = Duration(defaultSensorPollInterval)
	}
	if sn.DiskHighPct <= 0 {
		sn.DiskHighPct = defaultSensorDiskHighPct
	}
	if sn.DiskLowPct <= 0 {
		sn.DiskLowPct = defaultSensorDiskLowPct
	}
	if sn.MemHighPct <= 0 {
		sn.MemHighPct = defaultSensorMemHighPct
	}
	if sn.RecoveryWindow == 0 {
		sn.RecoveryWindow = Duration(defaultSensorRecoveryWindow)
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// LoadConfigFile reads and parses a config file.
func LoadConfigFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, nil
}

// ResolveConfigPath returns the explicit path when set, else
// CIF_ROUTER_CONFIG_PATH, else the default.
func ResolveConfigPath(path string, set bool) string {
	if set && path != "" {
		return path
	}
	if p := os.Getenv("CIF_ROUTER_CONFIG_PATH"); p != "" {
		return p
	}
	if path != "" {
		return path
	}
	return "cif.yml"
}

// RouterSettings is the content of router.yml.
type RouterSettings struct {
	HunterToken string `yaml:"hunter_token"`
}

// LoadRouterSettings reads router.yml. A missing file yields zero
// settings and found=false.
func LoadRouterSettings(path string) (RouterSettings, bool, error) {
	var s RouterSettings
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, false, nil
		}
		return s, false, err
	}
	if err := goyaml.Unmarshal(b, &s); err != nil {
		return s, true, fmt.Errorf("parse %s: %w", path, err)
	}
	return s, true, nil
}

// WriteRouterSettings writes router.yml with owner-only permissions.
func WriteRouterSettings(path string, s RouterSettings) error {
	b, err := goyaml.Marshal(s)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}

// LoadWebhooks reads webhooks.yml, a map of name to url.
func LoadWebhooks(path string) (map[string]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	hooks := map[string]string{}
	if err := goyaml.Unmarshal(b, &hooks); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return hooks, nil
}
