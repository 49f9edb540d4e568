package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config is the main configuration struct. Every component receives the
// section it needs from here at construction time.
type Config struct {
	RuntimePath string          `yaml:"runtime_path"`
	Pidfile     string          `yaml:"pidfile"`
	Router      RouterConfig    `yaml:"router"`
	Store       StoreConfig     `yaml:"store"`
	Gatherer    GathererConfig  `yaml:"gatherer"`
	Hunter      HunterConfig    `yaml:"hunter"`
	Resolver    ResolverConfig  `yaml:"resolver"`
	Streamer    StreamerConfig  `yaml:"streamer"`
	Webhooks    WebhooksConfig  `yaml:"webhooks"`
	HTTPD       HTTPDConfig     `yaml:"httpd"`
	Metrics     MetricsConfig   `yaml:"metrics"`
	Retention   RetentionConfig `yaml:"retention"`
	Sensor      SensorConfig    `yaml:"sensor"`
	Logging     LoggingConfig   `yaml:"logging"`
}

// RouterConfig holds the dispatch loop settings.
type RouterConfig struct {
	Listen          string   `yaml:"listen"`
	FrontendTimeout Duration `yaml:"frontend_timeout"`
	BackendTimeout  Duration `yaml:"backend_timeout"`
	// ThroughputEvery is how many messages pass between throughput logs.
	ThroughputEvery     int     `yaml:"throughput_every"`
	HunterMinConfidence float64 `yaml:"hunter_min_confidence"`
	// SettingsPath is router.yml, which carries the hunter token.
	SettingsPath string `yaml:"settings_path"`
}

// StoreConfig holds the storage process settings.
type StoreConfig struct {
	Kind            string    `yaml:"kind"` // pebble | sqlite
	Path            string    `yaml:"path"`
	Addr            string    `yaml:"addr"`
	WriteAddr       string    `yaml:"write_addr"`
	HunterWriteAddr string    `yaml:"hunter_write_addr"`
	PollTimeout     Duration  `yaml:"poll_timeout"`
	QueueFlush      Duration  `yaml:"queue_flush"`
	QueueMax        int       `yaml:"queue_max"`
	QueueTimeout    Duration  `yaml:"queue_timeout"`
	QueueLimit      int       `yaml:"queue_limit"`
	SeedToken       string    `yaml:"seed_token"`
	SearchLimit     int       `yaml:"search_limit"`
	CacheSize       SizeBytes `yaml:"cache_size"`
}

// GathererConfig holds the enrichment pool applied before persistence.
type GathererConfig struct {
	Threads   int      `yaml:"threads"`
	Addr      string   `yaml:"addr"`
	SinkAddr  string   `yaml:"sink_addr"`
	Plugins   []string `yaml:"plugins"`
	GeoCityDB string   `yaml:"geo_city_db"`
	GeoASNDB  string   `yaml:"geo_asn_db"`
	Predict   bool     `yaml:"predict"`
}

// HunterConfig holds the pivoting pool applied after acceptance.
type HunterConfig struct {
	Threads  int      `yaml:"threads"`
	Addr     string   `yaml:"addr"`
	SinkAddr string   `yaml:"sink_addr"`
	Token    string   `yaml:"token"`
	Exclude  string   `yaml:"exclude"`
	Plugins  []string `yaml:"plugins"`
	// Decay is subtracted from the source confidence for every derived
	// indicator.
	Decay float64 `yaml:"decay"`
}

// ResolverConfig holds DNS settings shared by the enrichment plugins.
type ResolverConfig struct {
	Servers []string `yaml:"servers"`
	Timeout Duration `yaml:"timeout"`
}

// StreamerConfig holds the fan-out republisher settings.
type StreamerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	PubAddr string `yaml:"pub_addr"`
	Redis   struct {
		Addr    string `yaml:"addr"`
		Channel string `yaml:"channel"`
	} `yaml:"redis"`
	NATS struct {
		URL     string `yaml:"url"`
		Subject string `yaml:"subject"`
	} `yaml:"nats"`
	// Websocket serves the firehose on its own net/http listener; the
	// upgrade needs a hijackable connection.
	Websocket struct {
		Listen string `yaml:"listen"`
		Path   string `yaml:"path"`
	} `yaml:"websocket"`
}

// WebhooksConfig holds the webhook fan-out settings.
type WebhooksConfig struct {
	Enabled bool     `yaml:"enabled"`
	Addr    string   `yaml:"addr"`
	Path    string   `yaml:"path"`
	Timeout Duration `yaml:"timeout"`
}

// HTTPDConfig holds the REST gateway settings.
type HTTPDConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Listen    string   `yaml:"listen"`
	Timeout   Duration `yaml:"timeout"`
	Token     string   `yaml:"token"`
	RateLimit struct {
		RPS   float64 `yaml:"rps"`
		Burst int     `yaml:"burst"`
	} `yaml:"rate_limit"`
}

// MetricsConfig holds the prometheus listener.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// RetentionConfig holds configuration for the automatic prune runner.
type RetentionConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Cron         string   `yaml:"cron"`
	MaxAge       Duration `yaml:"max_age"`
	SearchMaxAge Duration `yaml:"search_max_age"`
}

// SensorConfig holds the runtime disk and memory watcher.
type SensorConfig struct {
	PollInterval   Duration `yaml:"poll_interval"`
	DiskHighPct    int      `yaml:"disk_high_pct"`
	DiskLowPct     int      `yaml:"disk_low_pct"`
	MemHighPct     int      `yaml:"mem_high_pct"`
	RecoveryWindow Duration `yaml:"recovery_window"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
	Sink  string `yaml:"sink"`
}

// SizeBytes represents a number of bytes, unmarshaled from human-friendly strings like "64MB" or plain integers.
type SizeBytes int64

func (s *SizeBytes) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = 0
		return nil
	}
	v, err := parseSize(node.Value)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func (s SizeBytes) Int64() int64 { return int64(s) }

func (s SizeBytes) String() string { return humanize.IBytes(uint64(s)) }

func parseSize(raw string) (SizeBytes, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if v, err := humanize.ParseBytes(raw); err == nil {
		return SizeBytes(v), nil
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return SizeBytes(i), nil
	}
	return 0, fmt.Errorf("invalid size value: %q", raw)
}

// Duration is a wrapper around time.Duration that supports YAML parsing
// from strings like "100ms", "180d" or plain numbers (interpreted as
// seconds).
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*d = Duration(0)
		return nil
	}
	v, err := parseDurationValue(node.Value)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func parseDurationValue(raw string) (Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if strings.HasSuffix(raw, "d") {
		if n, err := strconv.ParseFloat(strings.TrimSuffix(raw, "d"), 64); err == nil {
			return Duration(time.Duration(n * float64(24*time.Hour))), nil
		}
	}
	if td, err := time.ParseDuration(raw); err == nil {
		return Duration(td), nil
	}
	// allow numeric seconds
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return Duration(time.Duration(f * float64(time.Second))), nil
	}
	return 0, fmt.Errorf("invalid duration value: %q", raw)
}
