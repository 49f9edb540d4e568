package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/csirtgadgets/verbose-robot/pkg/api"
	"github.com/csirtgadgets/verbose-robot/pkg/api/auth"
	"github.com/csirtgadgets/verbose-robot/pkg/api/router"
	"github.com/csirtgadgets/verbose-robot/pkg/config/banner"
	"github.com/csirtgadgets/verbose-robot/pkg/logger"
	"github.com/csirtgadgets/verbose-robot/pkg/streamer"
)

// printBanner prints the startup banner and build info.
func (a *App) printBanner() {
	verStr := a.version
	if a.commit != "" && a.commit != "none" {
		verStr += " (" + a.commit + ")"
	}
	if a.buildDate != "" && a.buildDate != "unknown" {
		verStr += " @ " + a.buildDate
	}
	banner.Print(os.Stdout, a.eff, verStr)
}

// startGateway dials a shared client on the router and serves the REST
// gateway. The gateway's own token is used once to check the pipeline
// answers before requests are accepted.
func (a *App) startGateway(ctx context.Context) error {
	cfg := a.cfg
	timeout := cfg.HTTPD.Timeout.Duration()

	tok := cfg.HTTPD.Token
	if tok == "" {
		t, err := a.store.HTTPDToken()
		if err != nil {
			return fmt.Errorf("httpd token: %w", err)
		}
		tok = t
	}
	c, err := a.dialRouter(ctx, "httpd", tok, timeout)
	if err != nil {
		return fmt.Errorf("httpd client: %w", err)
	}
	a.gwClient = c

	pctx, cancel := context.WithTimeout(ctx, timeout)
	if _, err := c.Ping(pctx); err != nil {
		logger.Warn("httpd_router_ping_failed", "error", err)
	} else {
		logger.Info("httpd_router_ping_ok")
	}
	cancel()

	a.gateway = api.New(api.ClientRequester{C: c}, api.Options{
		Limits:  auth.Limits{RPS: cfg.HTTPD.RateLimit.RPS, Burst: cfg.HTTPD.RateLimit.Burst},
		Timeout: timeout,
	})
	a.serve("httpd", func() error { return a.gateway.ListenAndServe(cfg.HTTPD.Listen) })
	return nil
}

// startFirehose serves the websocket hub when a listen address is set.
// Tokens are checked with a read ping through the router.
func (a *App) startFirehose(ctx context.Context) error {
	ws := a.cfg.Streamer.Websocket
	if ws.Listen == "" {
		return nil
	}
	c, err := a.dialRouter(ctx, "firehose_auth", "", a.cfg.HTTPD.Timeout.Duration())
	if err != nil {
		return fmt.Errorf("firehose client: %w", err)
	}
	a.hubClient = c
	a.hub = streamer.NewHub(func(ctx context.Context, token string) error {
		_, err := c.WithToken(token).Ping(ctx)
		return err
	})
	a.serve("firehose", func() error { return a.hub.ListenAndServe(ws.Listen, ws.Path) })
	return nil
}

// startMetrics serves /metrics on its own listener.
func (a *App) startMetrics() {
	prom := fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler())
	r := router.New()
	r.GET("/metrics", prom)
	r.NotFound(func(ctx *fasthttp.RequestCtx) {
		router.WriteJSONError(ctx, fasthttp.StatusNotFound, "not found")
	})
	a.metricsSrv = &fasthttp.Server{
		Handler:      r.Handler,
		Name:         "cif-router-metrics",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  30 * time.Second,
	}
	addr := a.cfg.Metrics.Listen
	logger.Info("metrics_listening", "addr", addr)
	a.serve("metrics", func() error { return a.metricsSrv.ListenAndServe(addr) })
}
