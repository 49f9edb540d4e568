package config

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/adhocore/gronx"
)

// fail fast on critical errors
func ValidateConfig(eff EffectiveConfigResult) error {
	cfg := eff.Config
	if cfg == nil {
		return fmt.Errorf("effective config is nil")
	}
	if strings.TrimSpace(cfg.RuntimePath) == "" {
		return fmt.Errorf("runtime path is empty: set --runtime-path, CIF_RUNTIME_PATH or runtime_path in config")
	}
	if cfg.Router.Listen == "" {
		return fmt.Errorf("router listen address is empty")
	}

	switch cfg.Store.Kind {
	case "pebble", "sqlite":
	default:
		return fmt.Errorf("invalid store.kind %q: expected pebble or sqlite", cfg.Store.Kind)
	}
	if cfg.Store.Path == "" {
		return fmt.Errorf("store path is empty")
	}
	if cfg.Store.QueueLimit <= 0 || cfg.Store.QueueMax <= 0 {
		return fmt.Errorf("store queue_limit and queue_max must be positive")
	}

	if cfg.Gatherer.Threads < 0 {
		return fmt.Errorf("gatherer.threads must not be negative")
	}
	if cfg.Hunter.Threads < 0 {
		return fmt.Errorf("hunter.threads must not be negative")
	}
	if cfg.Hunter.Decay < 0 {
		return fmt.Errorf("hunter.decay must not be negative")
	}
	if ex := cfg.Hunter.Exclude; ex != "" {
		for _, part := range strings.Split(ex, ",") {
			kv := strings.SplitN(strings.TrimSpace(part), ":", 2)
			if len(kv) != 2 || kv[0] == "" {
				return fmt.Errorf("invalid hunter.exclude entry %q: expected provider:tag|tag", part)
			}
			if _, err := regexp.Compile(kv[1]); err != nil {
				return fmt.Errorf("invalid hunter.exclude pattern %q: %w", kv[1], err)
			}
		}
	}

	if cfg.HTTPD.Enabled && cfg.HTTPD.Listen == "" {
		return fmt.Errorf("httpd enabled but httpd.listen is empty")
	}

	// Retention validation: if retention is enabled, validate durations and cron syntax.
	ret := cfg.Retention
	if ret.Enabled {
		if ret.Cron != "" {
			gron := gronx.New()
			if !gron.IsValid(ret.Cron) {
				return fmt.Errorf("invalid retention.cron: not a valid cron expression")
			}
		}
		if ret.MaxAge.Duration() <= 0 {
			return fmt.Errorf("retention.max_age must be positive")
		}
	}

	return nil
}
