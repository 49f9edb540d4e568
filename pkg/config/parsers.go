package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// holds parsed command-line flag values and which were set
type Flags struct {
	Config          string
	RuntimePath     string
	Pidfile         string
	Listen          string
	Store           string
	StoreAddress    string
	HunterThreads   int
	GathererThreads int
	HunterToken     string
	LogLevel        string
	HTTPDListen     string
	Set             map[string]bool
}

// holds the results of applying environment overrides
type EnvResult struct {
	EnvUsed bool
}

// holds the result of LoadEffectiveConfig
type EffectiveConfigResult struct {
	Config *Config
	Source string // "config" or "env"
}

// loads config from file, returns config, found bool, and error
func ParseConfigFile(flags Flags) (*Config, bool, error) {
	cfgPath := ResolveConfigPath(flags.Config, flags.Set["config"])
	cfg, err := LoadConfigFile(cfgPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, false, nil
		}
		return nil, false, err
	}
	return cfg, true, nil
}

// loads CIF_* environment variables into a new Config; caller config is unchanged
func ParseConfigEnvs() (*Config, EnvResult) {
	envs := map[string]string{
		"RUNTIME_PATH": os.Getenv("CIF_RUNTIME_PATH"),
		"PIDFILE":      os.Getenv("CIF_PIDFILE"),

		// router
		"ROUTER_ADDR":             os.Getenv("CIF_ROUTER_ADDR"),
		"ROUTER_FRONTEND_TIMEOUT": os.Getenv("CIF_ROUTER_FRONTEND_TIMEOUT"),
		"ROUTER_BACKEND_TIMEOUT":  os.Getenv("CIF_ROUTER_BACKEND_TIMEOUT"),
		"HUNTER_MIN_CONFIDENCE":   os.Getenv("CIF_HUNTER_MIN_CONFIDENCE"),

		// store
		"STORE_STORE":        os.Getenv("CIF_STORE_STORE"),
		"STORE_PATH":         os.Getenv("CIF_STORE_PATH"),
		"STORE_ADDR":         os.Getenv("CIF_STORE_ADDR"),
		"STORE_WRITE_ADDR":   os.Getenv("CIF_STORE_WRITE_ADDR"),
		"STORE_WRITE_H_ADDR": os.Getenv("CIF_STORE_WRITE_H_ADDR"),
		"STORE_QUEUE_FLUSH":  os.Getenv("CIF_STORE_QUEUE_FLUSH"),
		"STORE_QUEUE_MAX":    os.Getenv("CIF_STORE_QUEUE_MAX"),
		"STORE_TIMEOUT":      os.Getenv("CIF_STORE_TIMEOUT"),
		"STORE_QUEUE_LIMIT":  os.Getenv("CIF_STORE_QUEUE_LIMIT"),
		"STORE_SEED_TOKEN":   os.Getenv("CIF_STORE_SEED_TOKEN"),

		// pools
		"GATHERER_ADDR":      os.Getenv("CIF_GATHERER_ADDR"),
		"GATHERER_SINK_ADDR": os.Getenv("CIF_GATHERER_SINK_ADDR"),
		"GATHERER_THREADS":   os.Getenv("CIF_GATHERER_THREADS"),
		"GATHERER_PLUGINS":   os.Getenv("CIF_GATHERER_PLUGINS"),
		"GEO_CITY_DB":        os.Getenv("CIF_GEO_CITY_DB"),
		"GEO_ASN_DB":         os.Getenv("CIF_GEO_ASN_DB"),
		"PREDICT":            os.Getenv("CIF_PREDICT"),
		"HUNTER_ADDR":        os.Getenv("CIF_HUNTER_ADDR"),
		"HUNTER_SINK_ADDR":   os.Getenv("CIF_HUNTER_SINK_ADDR"),
		"HUNTER_THREADS":     os.Getenv("CIF_HUNTER_THREADS"),
		"HUNTER_TOKEN":       os.Getenv("CIF_HUNTER_TOKEN"),
		"HUNTER_EXCLUDE":     os.Getenv("CIF_HUNTER_EXCLUDE"),
		"HUNTER_PLUGINS":     os.Getenv("CIF_HUNTER_PLUGINS"),
		"RESOLVERS":          os.Getenv("CIF_RESOLVERS"),

		// fan-out
		"STREAM_ENABLED":   os.Getenv("CIF_ROUTER_STREAM_ENABLED"),
		"STREAM_ADDR":      os.Getenv("CIF_ROUTER_STREAM_ADDR"),
		"STREAM_ADDR_PUB":  os.Getenv("CIF_ROUTER_STREAM_ADDR_PUB"),
		"REDIS_ADDR":       os.Getenv("CIF_REDIS_ADDR"),
		"NATS_URL":         os.Getenv("CIF_NATS_URL"),
		"STREAM_WS_LISTEN": os.Getenv("CIF_ROUTER_STREAM_WS_LISTEN"),
		"WEBHOOKS_ENABLED": os.Getenv("CIF_ROUTER_WEBHOOKS_ENABLED"),
		"WEBHOOK_ADDR":     os.Getenv("CIF_ROUTER_WEBHOOK_ADDR"),
		"WEBHOOKS_PATH":    os.Getenv("CIF_WEBHOOKS_PATH"),

		// gateway
		"HTTPD":        os.Getenv("CIF_HTTPD"),
		"HTTPD_LISTEN": os.Getenv("CIF_HTTPD_LISTEN"),
		"HTTPD_TOKEN":  os.Getenv("CIF_HTTPD_TOKEN"),
		"RATE_RPS":     os.Getenv("CIF_RATE_RPS"),
		"RATE_BURST":   os.Getenv("CIF_RATE_BURST"),
		"METRICS_ADDR": os.Getenv("CIF_METRICS_ADDR"),

		// data retention feature
		"RETENTION_ENABLED":        os.Getenv("CIF_RETENTION_ENABLED"),
		"RETENTION_CRON":           os.Getenv("CIF_RETENTION_CRON"),
		"RETENTION_MAX_AGE":        os.Getenv("CIF_RETENTION_MAX_AGE"),
		"RETENTION_SEARCH_MAX_AGE": os.Getenv("CIF_RETENTION_SEARCH_MAX_AGE"),

		// logging
		"LOG_LEVEL": os.Getenv("CIF_LOG_LEVEL"),
		"LOG_SINK":  os.Getenv("CIF_LOG_SINK"),
	}

	envUsed := false
	for _, v := range envs {
		if v != "" {
			envUsed = true
			break
		}
	}
	c := &Config{}

	setInt := func(key string, dst *int) {
		if v := envs[key]; v != "" {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				*dst = n
			}
		}
	}
	setFloat := func(key string, dst *float64) {
		if v := envs[key]; v != "" {
			if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				*dst = f
			}
		}
	}
	setDuration := func(key string, dst *Duration) {
		if v := envs[key]; v != "" {
			if d, err := parseDurationValue(v); err == nil {
				*dst = d
			}
		}
	}
	setBool := func(key string, dst *bool) {
		if v := envs[key]; v != "" {
			*dst = parseBool(v)
		}
	}

	c.RuntimePath = envs["RUNTIME_PATH"]
	c.Pidfile = envs["PIDFILE"]

	c.Router.Listen = envs["ROUTER_ADDR"]
	setDuration("ROUTER_FRONTEND_TIMEOUT", &c.Router.FrontendTimeout)
	setDuration("ROUTER_BACKEND_TIMEOUT", &c.Router.BackendTimeout)
	setFloat("HUNTER_MIN_CONFIDENCE", &c.Router.HunterMinConfidence)

	c.Store.Kind = strings.ToLower(strings.TrimSpace(envs["STORE_STORE"]))
	c.Store.Path = envs["STORE_PATH"]
	c.Store.Addr = envs["STORE_ADDR"]
	c.Store.WriteAddr = envs["STORE_WRITE_ADDR"]
	c.Store.HunterWriteAddr = envs["STORE_WRITE_H_ADDR"]
	setDuration("STORE_QUEUE_FLUSH", &c.Store.QueueFlush)
	setInt("STORE_QUEUE_MAX", &c.Store.QueueMax)
	setDuration("STORE_TIMEOUT", &c.Store.QueueTimeout)
	setInt("STORE_QUEUE_LIMIT", &c.Store.QueueLimit)
	c.Store.SeedToken = envs["STORE_SEED_TOKEN"]

	c.Gatherer.Addr = envs["GATHERER_ADDR"]
	c.Gatherer.SinkAddr = envs["GATHERER_SINK_ADDR"]
	setInt("GATHERER_THREADS", &c.Gatherer.Threads)
	c.Gatherer.Plugins = parseList(envs["GATHERER_PLUGINS"])
	c.Gatherer.GeoCityDB = envs["GEO_CITY_DB"]
	c.Gatherer.GeoASNDB = envs["GEO_ASN_DB"]
	setBool("PREDICT", &c.Gatherer.Predict)
	c.Hunter.Addr = envs["HUNTER_ADDR"]
	c.Hunter.SinkAddr = envs["HUNTER_SINK_ADDR"]
	setInt("HUNTER_THREADS", &c.Hunter.Threads)
	c.Hunter.Token = envs["HUNTER_TOKEN"]
	c.Hunter.Exclude = envs["HUNTER_EXCLUDE"]
	c.Hunter.Plugins = parseList(envs["HUNTER_PLUGINS"])
	c.Resolver.Servers = parseList(envs["RESOLVERS"])

	setBool("STREAM_ENABLED", &c.Streamer.Enabled)
	c.Streamer.Addr = envs["STREAM_ADDR"]
	c.Streamer.PubAddr = envs["STREAM_ADDR_PUB"]
	c.Streamer.Redis.Addr = envs["REDIS_ADDR"]
	c.Streamer.NATS.URL = envs["NATS_URL"]
	c.Streamer.Websocket.Listen = envs["STREAM_WS_LISTEN"]
	setBool("WEBHOOKS_ENABLED", &c.Webhooks.Enabled)
	c.Webhooks.Addr = envs["WEBHOOK_ADDR"]
	c.Webhooks.Path = envs["WEBHOOKS_PATH"]

	setBool("HTTPD", &c.HTTPD.Enabled)
	c.HTTPD.Listen = envs["HTTPD_LISTEN"]
	c.HTTPD.Token = envs["HTTPD_TOKEN"]
	setFloat("RATE_RPS", &c.HTTPD.RateLimit.RPS)
	setInt("RATE_BURST", &c.HTTPD.RateLimit.Burst)
	c.Metrics.Listen = envs["METRICS_ADDR"]

	setBool("RETENTION_ENABLED", &c.Retention.Enabled)
	c.Retention.Cron = envs["RETENTION_CRON"]
	setDuration("RETENTION_MAX_AGE", &c.Retention.MaxAge)
	setDuration("RETENTION_SEARCH_MAX_AGE", &c.Retention.SearchMaxAge)

	c.Logging.Level = strings.TrimSpace(envs["LOG_LEVEL"])
	c.Logging.Sink = envs["LOG_SINK"]

	return c, EnvResult{EnvUsed: envUsed}
}

// picks a single source: the config file when --config was given or the
// file exists, otherwise env. explicitly set flags are overlaid last and
// defaults fill whatever is still empty.
func LoadEffectiveConfig(flags Flags, fileCfg *Config, fileExists bool, envCfg *Config, envRes EnvResult) (EffectiveConfigResult, error) {
	var res EffectiveConfigResult

	switch {
	case flags.Set["config"]:
		if !fileExists {
			return res, fmt.Errorf("config file %s not found", flags.Config)
		}
		res.Config = fileCfg
		res.Source = "config"
	case fileExists:
		res.Config = fileCfg
		res.Source = "config"
	default:
		res.Config = envCfg
		res.Source = "env"
	}

	applyFlags(res.Config, flags)
	res.Config.ApplyDefaults()
	return res, nil
}

func applyFlags(c *Config, f Flags) {
	if f.Set["runtime-path"] {
		c.RuntimePath = f.RuntimePath
	}
	if f.Set["pidfile"] {
		c.Pidfile = f.Pidfile
	}
	if f.Set["listen"] {
		c.Router.Listen = f.Listen
	}
	if f.Set["store"] {
		c.Store.Kind = strings.ToLower(f.Store)
	}
	if f.Set["store-address"] {
		c.Store.Addr = f.StoreAddress
	}
	if f.Set["hunter-threads"] {
		c.Hunter.Threads = f.HunterThreads
	}
	if f.Set["gatherer-threads"] {
		c.Gatherer.Threads = f.GathererThreads
	}
	if f.Set["hunter-token"] {
		c.Hunter.Token = f.HunterToken
	}
	if f.Set["log-level"] {
		c.Logging.Level = f.LogLevel
	}
	if f.Set["httpd-listen"] {
		c.HTTPD.Listen = f.HTTPDListen
		c.HTTPD.Enabled = true
	}
}

func parseList(v string) []string {
	if v == "" {
		return nil
	}
	parts := []string{}
	for _, p := range strings.Split(v, ",") {
		if s := strings.TrimSpace(p); s != "" {
			parts = append(parts, s)
		}
	}
	return parts
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}
