package app

import (
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/csirtgadgets/verbose-robot/pkg/config"
	"github.com/csirtgadgets/verbose-robot/pkg/logger"
)

// validateConfig performs the checks that need the filesystem, on top of
// config.ValidateConfig. Keep checks light so callers can surface
// user-friendly errors.
func validateConfig(eff config.EffectiveConfigResult) error {
	if err := config.ValidateConfig(eff); err != nil {
		return err
	}
	cfg := eff.Config

	for _, db := range []struct{ name, path string }{
		{"gatherer.geo_city_db", cfg.Gatherer.GeoCityDB},
		{"gatherer.geo_asn_db", cfg.Gatherer.GeoASNDB},
	} {
		if db.path == "" {
			continue
		}
		if _, err := os.Stat(db.path); err != nil {
			return fmt.Errorf("%s not accessible: %w", db.name, err)
		}
	}

	if cfg.Webhooks.Enabled {
		if _, err := os.Stat(cfg.Webhooks.Path); err != nil {
			logger.Warn("webhooks_config_missing", "path", cfg.Webhooks.Path, "error", err)
		}
	}
	if cfg.Streamer.Websocket.Listen != "" && !cfg.Streamer.Enabled {
		logger.Warn("firehose_ignored", "reason", "streamer disabled")
	}
	if cfg.Streamer.Websocket.Listen != "" && !strings.HasPrefix(cfg.Streamer.Websocket.Path, "/") {
		return fmt.Errorf("streamer.websocket.path must start with /")
	}

	// summarize how much can sit in the create queue before a flush
	s := cfg.Store
	logger.LogConfigSummary("config_queue_summary", []string{
		fmt.Sprintf("queue_flush: %s", s.QueueFlush),
		fmt.Sprintf("queue_max: %s", humanize.Comma(int64(s.QueueMax))),
		fmt.Sprintf("queue_limit_per_token: %s", humanize.Comma(int64(s.QueueLimit))),
		fmt.Sprintf("queue_idle_timeout: %s", s.QueueTimeout),
		fmt.Sprintf("cache_size: %s", s.CacheSize),
	})
	return nil
}
