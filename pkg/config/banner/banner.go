package banner

import (
	"fmt"
	"io"
	"strings"

	"github.com/csirtgadgets/verbose-robot/pkg/config"
)

const banner = `
 ██████╗██╗███████╗    ██████╗  ██████╗ ██╗   ██╗████████╗███████╗██████╗
██╔════╝██║██╔════╝    ██╔══██╗██╔═══██╗██║   ██║╚══██╔══╝██╔════╝██╔══██╗
██║     ██║█████╗      ██████╔╝██║   ██║██║   ██║   ██║   █████╗  ██████╔╝
██║     ██║██╔══╝      ██╔══██╗██║   ██║██║   ██║   ██║   ██╔══╝  ██╔══██╗
╚██████╗██║██║         ██║  ██║╚██████╔╝╚██████╔╝   ██║   ███████╗██║  ██║
 ╚═════╝╚═╝╚═╝         ╚═╝  ╚═╝ ╚═════╝  ╚═════╝    ╚═╝   ╚══════╝╚═╝  ╚═╝
`

// Print writes the banner and a summary of the effective config to w.
func Print(w io.Writer, eff config.EffectiveConfigResult, version string) {
	cfg := eff.Config
	if cfg == nil {
		cfg = config.Default()
	}
	src := eff.Source
	if src == "" {
		src = "defaults"
	}

	fmt.Fprint(w, banner)
	fmt.Fprintln(w, "== Config =====================================================")
	fmt.Fprintf(w, "Router:   %s\n", cfg.Router.Listen)
	fmt.Fprintf(w, "Store:    %s (%s)\n", cfg.Store.Kind, cfg.Store.Path)
	fmt.Fprintf(w, "Runtime:  %s\n", cfg.RuntimePath)
	if version != "" {
		fmt.Fprintf(w, "Version:  %s\n", version)
	}
	fmt.Fprintf(w, "Config:   %s\n", src)

	fmt.Fprintln(w, "\n== Pipeline ===================================================")
	fmt.Fprintf(w, "- Gatherers: %d [%s]\n", cfg.Gatherer.Threads, strings.Join(cfg.Gatherer.Plugins, ","))
	if cfg.Hunter.Threads > 0 {
		fmt.Fprintf(w, "- Hunters: %d [%s] min confidence %g\n", cfg.Hunter.Threads, strings.Join(cfg.Hunter.Plugins, ","), cfg.Router.HunterMinConfidence)
	} else {
		fmt.Fprintln(w, "- Hunters: disabled")
	}
	onOff := func(b bool) string {
		if b {
			return "enabled"
		}
		return "disabled"
	}
	fmt.Fprintf(w, "- Streamer: %s\n", onOff(cfg.Streamer.Enabled))
	fmt.Fprintf(w, "- Webhooks: %s\n", onOff(cfg.Webhooks.Enabled))
	if cfg.HTTPD.Enabled {
		fmt.Fprintf(w, "- HTTP gateway: %s\n", cfg.HTTPD.Listen)
	} else {
		fmt.Fprintln(w, "- HTTP gateway: disabled")
	}
	if cfg.Retention.Enabled {
		fmt.Fprintf(w, "- Retention: enabled (cron=%s max_age=%s)\n", cfg.Retention.Cron, cfg.Retention.MaxAge)
	} else {
		fmt.Fprintln(w, "- Retention: disabled")
	}
	fmt.Fprintln(w)
}
