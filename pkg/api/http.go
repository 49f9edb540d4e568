// Package api is the thin REST gateway. Every route is translated into one
// wire request, relayed through a client with the caller's token, and the
// reply envelope is mapped back onto an HTTP status.
package api

import (
	"context"
	"errors"
	"net"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/csirtgadgets/verbose-robot/pkg/api/auth"
	"github.com/csirtgadgets/verbose-robot/pkg/api/router"
	"github.com/csirtgadgets/verbose-robot/pkg/client"
	"github.com/csirtgadgets/verbose-robot/pkg/logger"
	"github.com/csirtgadgets/verbose-robot/pkg/metrics"
	"github.com/csirtgadgets/verbose-robot/pkg/msg"
)

var (
	gcPauseTotal = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "go_gc_pause_total_ns",
			Help: "Total GC pause time in nanoseconds.",
		},
		func() float64 {
			var stats runtime.MemStats
			runtime.ReadMemStats(&stats)
			return float64(stats.PauseTotalNs)
		},
	)

	numGC = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "go_gc_cycles_total",
			Help: "Total number of GC cycles.",
		},
		func() float64 {
			var stats runtime.MemStats
			runtime.ReadMemStats(&stats)
			return float64(stats.NumGC)
		},
	)
)

func init() {
	prometheus.MustRegister(gcPauseTotal)
	prometheus.MustRegister(numGC)
}

// Requester relays one wire request on behalf of token.
type Requester interface {
	Do(ctx context.Context, token string, t msg.Type, payload any) (msg.Reply, error)
}

// ClientRequester relays through a shared client, swapping in the
// caller's token per request.
type ClientRequester struct {
	C *client.Client
}

func (r ClientRequester) Do(ctx context.Context, token string, t msg.Type, payload any) (msg.Reply, error) {
	return r.C.WithToken(token).Do(ctx, t, payload)
}

// Options configure the gateway.
type Options struct {
	Limits  auth.Limits
	Timeout time.Duration
	// MaxBodySize bounds POST bodies.
	MaxBodySize int
}

// Server is the gateway.
type Server struct {
	backend Requester
	opts    Options
	auth    *auth.Middleware
	srv     *fasthttp.Server
}

// New builds a gateway over backend.
func New(backend Requester, opts Options) *Server {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = 32 << 20
	}
	s := &Server{
		backend: backend,
		opts:    opts,
		auth:    auth.New(opts.Limits, "/metrics"),
	}
	s.srv = &fasthttp.Server{
		Handler:            s.Handler(),
		Name:               "cif-router",
		MaxRequestBodySize: opts.MaxBodySize,
		ReadTimeout:        opts.Timeout,
		WriteTimeout:       opts.Timeout,
		IdleTimeout:        30 * time.Second,
	}
	return s
}

// RegisterRoutes wires all gateway routes onto r.
func (s *Server) RegisterRoutes(r *router.Router) {
	r.GET("/ping", s.ping)

	r.GET("/indicators", s.searchIndicators)
	r.POST("/indicators", s.createIndicators)
	r.DELETE("/indicators", s.deleteIndicators)

	r.GET("/stats", s.stats)
	r.GET("/graph", s.graph)

	r.GET("/tokens", s.searchTokens)
	r.POST("/tokens", s.createToken)
	r.DELETE("/tokens", s.deleteTokens)
	r.PATCH("/tokens", s.editToken)

	r.GET("/metrics", fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler()))
}

// Handler returns the authenticated fasthttp handler.
func (s *Server) Handler() fasthttp.RequestHandler {
	r := router.New()
	s.RegisterRoutes(r)
	r.NotFound(func(ctx *fasthttp.RequestCtx) {
		router.WriteJSONError(ctx, fasthttp.StatusNotFound, "not found")
	})
	return s.instrument(s.auth.Wrap(r.Handler))
}

func (s *Server) instrument(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		next(ctx)
		code := ctx.Response.StatusCode()
		metrics.HTTPRequests.WithLabelValues(routeLabel(string(ctx.Path())), statusLabel(code)).Inc()
		logger.Debug("http_request",
			"method", string(ctx.Method()),
			"path", string(ctx.Path()),
			"status", code,
			"took", time.Since(start))
	}
}

var routes = map[string]bool{
	"/ping": true, "/indicators": true, "/stats": true,
	"/graph": true, "/tokens": true, "/metrics": true,
}

// routeLabel keeps unknown paths out of the metric labels.
func routeLabel(path string) string {
	if routes[path] {
		return path
	}
	return "other"
}

// ListenAndServe serves on addr until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	logger.Info("httpd_listening", "addr", ln.Addr().String())
	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for open ones.
func (s *Server) Shutdown(ctx context.Context) error {
	defer s.auth.Shutdown()
	done := make(chan error, 1)
	go func() { done <- s.srv.Shutdown() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
