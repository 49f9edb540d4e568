// Package app wires the router, the store process, the worker pools and
// the optional gateway, firehose and metrics listeners from one
// effective config, and tears them down in order.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/csirtgadgets/verbose-robot/internal/retention"
	"github.com/csirtgadgets/verbose-robot/pkg/api"
	"github.com/csirtgadgets/verbose-robot/pkg/client"
	"github.com/csirtgadgets/verbose-robot/pkg/config"
	"github.com/csirtgadgets/verbose-robot/pkg/gatherer"
	"github.com/csirtgadgets/verbose-robot/pkg/hunter"
	"github.com/csirtgadgets/verbose-robot/pkg/logger"
	"github.com/csirtgadgets/verbose-robot/pkg/router"
	"github.com/csirtgadgets/verbose-robot/pkg/state"
	"github.com/csirtgadgets/verbose-robot/pkg/state/sensor"
	"github.com/csirtgadgets/verbose-robot/pkg/store"
	"github.com/csirtgadgets/verbose-robot/pkg/streamer"
	"github.com/csirtgadgets/verbose-robot/pkg/webhooks"
	"github.com/csirtgadgets/verbose-robot/pkg/worker"
)

// App groups server state and components.
type App struct {
	eff       config.EffectiveConfigResult
	cfg       *config.Config
	version   string
	commit    string
	buildDate string
	state     string

	pid         *state.Pidfile
	store       *store.Store
	storeSocks  store.Sockets
	proc        *store.Process
	routerSocks router.Sockets
	router      *router.Router
	hunterToken string

	gathererDeps *gatherer.Deps
	gatherers    *worker.Pool
	hunters      *worker.Pool
	streamers    *worker.Pool
	webhooks     *worker.Pool

	hub        *streamer.Hub
	hubClient  *client.Client
	gateway    *api.Server
	gwClient   *client.Client
	metricsSrv *fasthttp.Server
	retention  *retention.Manager
	sensor     *sensor.Sensor

	// components run on their own context so Shutdown can stop them
	// in order after the signal context is gone
	cancel context.CancelFunc
	loops  sync.WaitGroup
	errCh  chan error
}

// New sets up what does not need a running context: validation, the
// runtime layout, the pidfile, the audit sink and the store with its
// bootstrap tokens.
func New(eff config.EffectiveConfigResult, version, commit, buildDate string) (*App, error) {
	if err := validateConfig(eff); err != nil {
		return nil, err
	}
	cfg := eff.Config

	if err := state.Init(cfg.RuntimePath); err != nil {
		return nil, fmt.Errorf("runtime dirs: %w", err)
	}
	if err := logger.AttachAuditFileSink(state.PathsVar.Audit); err != nil {
		return nil, err
	}

	a := &App{
		eff:       eff,
		cfg:       cfg,
		version:   version,
		commit:    commit,
		buildDate: buildDate,
		state:     "starting",
		errCh:     make(chan error, 4),
	}

	pidPath := cfg.Pidfile
	if pidPath == "" {
		pidPath = filepath.Join(cfg.RuntimePath, "cif-router.pid")
	}
	pf, err := state.AcquirePidfile(pidPath)
	if err != nil {
		return nil, err
	}
	a.pid = pf

	st, err := store.Open(cfg.Store)
	if err != nil {
		_ = a.pid.Release()
		return nil, fmt.Errorf("open store at %s: %w", cfg.Store.Path, err)
	}
	a.store = st

	tok, err := st.Bootstrap(cfg.Store.SeedToken, cfg.Router.SettingsPath, cfg.Hunter.Token)
	if err != nil {
		_ = st.Close()
		_ = a.pid.Release()
		return nil, fmt.Errorf("bootstrap tokens: %w", err)
	}
	a.hunterToken = tok
	return a, nil
}

// Run starts every component and blocks until ctx is cancelled or a
// listener fails.
func (a *App) Run(ctx context.Context) error {
	a.printBanner()
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel
	if err := a.start(runCtx); err != nil {
		return err
	}
	a.state = "running"
	logger.Info("router_ready", "host", hostname(), "listen", a.cfg.Router.Listen, "runtime", a.cfg.RuntimePath)

	select {
	case <-ctx.Done():
		return nil
	case err := <-a.errCh:
		return err
	}
}

func (a *App) start(ctx context.Context) error {
	cfg := a.cfg

	// store first: the router dials its sockets
	socks, err := store.ListenSockets(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("store sockets: %w", err)
	}
	a.storeSocks = socks
	a.proc = store.NewProcess(a.store, socks)
	a.goLoop(a.proc.Run, ctx)

	rs, err := router.OpenSockets(ctx, cfg)
	if err != nil {
		return fmt.Errorf("router sockets: %w", err)
	}
	a.routerSocks = rs
	a.router = router.New(rs, router.OptionsFrom(cfg, a.hunterToken))
	a.goLoop(a.router.Run, ctx)

	deps, err := gatherer.LoadDeps(cfg)
	if err != nil {
		return fmt.Errorf("gatherer deps: %w", err)
	}
	a.gathererDeps = deps
	a.gatherers = worker.NewPool("gatherer")
	if err := a.gatherers.Start(cfg.Gatherer.Threads, gatherer.Constructor(ctx, cfg, deps)); err != nil {
		return fmt.Errorf("gatherers: %w", err)
	}

	if cfg.Hunter.Threads > 0 {
		ctor, err := hunter.Constructor(ctx, cfg, a.hunterToken, &hunter.Deps{Resolver: deps.Resolver, Decay: cfg.Hunter.Decay})
		if err != nil {
			return fmt.Errorf("hunters: %w", err)
		}
		a.hunters = worker.NewPool("hunter")
		if err := a.hunters.Start(cfg.Hunter.Threads, ctor); err != nil {
			return fmt.Errorf("hunters: %w", err)
		}
	}

	if cfg.Streamer.Enabled {
		if err := a.startFirehose(ctx); err != nil {
			return err
		}
		a.streamers = worker.NewPool("streamer")
		if err := a.streamers.Start(1, streamer.Constructor(ctx, cfg, a.hub)); err != nil {
			return fmt.Errorf("streamer: %w", err)
		}
	}

	if cfg.Webhooks.Enabled {
		a.webhooks = worker.NewPool("webhooks")
		if err := a.webhooks.Start(1, webhooks.Constructor(ctx, cfg)); err != nil {
			return fmt.Errorf("webhooks: %w", err)
		}
	}

	if cfg.HTTPD.Enabled {
		if err := a.startGateway(ctx); err != nil {
			return err
		}
	}
	if cfg.Metrics.Listen != "" {
		a.startMetrics()
	}

	rm, err := retention.Start(ctx, cfg.Retention, a.store)
	if err != nil {
		return err
	}
	a.retention = rm

	a.sensor = sensor.FromConfig(cfg)
	a.sensor.Start()
	return nil
}

func (a *App) goLoop(fn func(context.Context), ctx context.Context) {
	a.loops.Add(1)
	go func() {
		defer a.loops.Done()
		defer func() {
			if r := recover(); r != nil {
				state.Crash("loop panic", fmt.Errorf("%v", r))
			}
		}()
		fn(ctx)
	}()
}

// serve runs a blocking listener and reports its failure to Run.
func (a *App) serve(name string, fn func() error) {
	go func() {
		if err := fn(); err != nil && err != http.ErrServerClosed {
			logger.Error("listener_failed", "listener", name, "error", err)
			select {
			case a.errCh <- fmt.Errorf("%s: %w", name, err):
			default:
			}
		}
	}()
}

// dialRouter connects a client to the public router socket.
func (a *App) dialRouter(ctx context.Context, name, token string, timeout time.Duration) (*client.Client, error) {
	return client.Dial(ctx, name, a.cfg.Router.Listen, token, timeout)
}

// State reports the lifecycle phase.
func (a *App) State() string { return a.state }

// HunterToken is the token hunters submit with.
func (a *App) HunterToken() string { return a.hunterToken }

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
