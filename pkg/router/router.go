// Package router is the central dispatcher. It owns the public listen
// socket and every socket towards the store, the worker pools and the
// fan-out sinks, and multiplexes them from a single goroutine.
//
// Each iteration polls two tiers. The frontend tier (client requests and
// store replies) is drained first, then the backend tier (gatherer and
// hunter results), so interactive traffic gets first refusal on the loop
// before bulk enrichment output is serviced.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sugawarayuuta/sonnet"

	"github.com/csirtgadgets/verbose-robot/pkg/config"
	"github.com/csirtgadgets/verbose-robot/pkg/errs"
	"github.com/csirtgadgets/verbose-robot/pkg/logger"
	"github.com/csirtgadgets/verbose-robot/pkg/metrics"
	"github.com/csirtgadgets/verbose-robot/pkg/msg"
	"github.com/csirtgadgets/verbose-robot/pkg/transport"
)

// Sockets is the router's socket set. Optional sinks are nil when their
// feature is disabled.
type Sockets struct {
	Frontend transport.Socket // ROUTER, public

	StoreRead        transport.Socket // DEALER
	StoreWrite       transport.Socket // DEALER
	StoreHunterWrite transport.Socket // DEALER

	GathererPush transport.Socket // PUSH
	GathererSink transport.Socket // PULL

	HunterPush transport.Socket // PUSH
	HunterSink transport.Socket // ROUTER

	Streamer transport.Socket // PUSH
	Webhooks transport.Socket // PUSH
}

func (s Sockets) all() []transport.Socket {
	return []transport.Socket{
		s.Frontend, s.StoreRead, s.StoreWrite, s.StoreHunterWrite,
		s.GathererPush, s.GathererSink, s.HunterPush, s.HunterSink,
		s.Streamer, s.Webhooks,
	}
}

// Close closes every non-nil socket.
func (s Sockets) Close() {
	for _, sck := range s.all() {
		if sck != nil {
			_ = sck.Close()
		}
	}
}

// OpenSockets binds and connects the router topology described by cfg.
// The store sockets are dialed; everything the workers connect to is
// bound here.
func OpenSockets(ctx context.Context, cfg *config.Config) (Sockets, error) {
	var s Sockets
	type spec struct {
		dst    *transport.Socket
		listen bool
		kind   transport.Kind
		name   string
		addr   string
	}
	specs := []spec{
		{&s.StoreRead, false, transport.Dealer, "store", cfg.Store.Addr},
		{&s.StoreWrite, false, transport.Dealer, "store_write", cfg.Store.WriteAddr},
		{&s.StoreHunterWrite, false, transport.Dealer, "store_write_h", cfg.Store.HunterWriteAddr},
		{&s.GathererPush, true, transport.Push, "gatherer", cfg.Gatherer.Addr},
		{&s.GathererSink, true, transport.Pull, "gatherer_sink", cfg.Gatherer.SinkAddr},
	}
	if cfg.Hunter.Threads > 0 {
		specs = append(specs,
			spec{&s.HunterPush, true, transport.Push, "hunter", cfg.Hunter.Addr},
			spec{&s.HunterSink, true, transport.Router, "hunter_sink", cfg.Hunter.SinkAddr},
		)
	}
	if cfg.Streamer.Enabled {
		specs = append(specs, spec{&s.Streamer, true, transport.Push, "streamer", cfg.Streamer.Addr})
	}
	if cfg.Webhooks.Enabled {
		specs = append(specs, spec{&s.Webhooks, true, transport.Push, "webhooks", cfg.Webhooks.Addr})
	}
	specs = append(specs, spec{&s.Frontend, true, transport.Router, "frontend", cfg.Router.Listen})

	for _, sp := range specs {
		var (
			sck *transport.ZSocket
			err error
		)
		if sp.listen {
			sck, err = transport.Listen(ctx, sp.kind, sp.name, sp.addr, transport.Options{})
		} else {
			sck, err = transport.Dial(ctx, sp.kind, sp.name, sp.addr, transport.Options{})
		}
		if err != nil {
			s.Close()
			return Sockets{}, err
		}
		*sp.dst = sck
	}
	return s, nil
}

// Options tune the loop.
type Options struct {
	FrontendTimeout time.Duration
	BackendTimeout  time.Duration
	// HunterToken selects the hunter-write store socket for results
	// submitted by hunters.
	HunterToken         string
	HunterMinConfidence float64
	ThroughputEvery     int
}

// OptionsFrom reads the loop options out of cfg.
func OptionsFrom(cfg *config.Config, hunterToken string) Options {
	return Options{
		FrontendTimeout:     cfg.Router.FrontendTimeout.Duration(),
		BackendTimeout:      cfg.Router.BackendTimeout.Duration(),
		HunterToken:         hunterToken,
		HunterMinConfidence: cfg.Router.HunterMinConfidence,
		ThroughputEvery:     cfg.Router.ThroughputEvery,
	}
}

// Router is the dispatch loop.
type Router struct {
	socks    Sockets
	opts     Options
	frontend *transport.Poller
	backend  *transport.Poller

	count      int
	countStart time.Time

	running  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New builds a router over socks.
func New(socks Sockets, opts Options) *Router {
	if opts.ThroughputEvery <= 0 {
		opts.ThroughputEvery = 100
	}
	return &Router{
		socks:      socks,
		opts:       opts,
		frontend:   transport.NewPoller(socks.Frontend, socks.StoreRead, socks.StoreWrite, socks.StoreHunterWrite),
		backend:    transport.NewPoller(socks.GathererSink, socks.HunterSink),
		countStart: time.Now(),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Run loops until ctx is done or Stop is called.
func (r *Router) Run(ctx context.Context) {
	if !r.running.CompareAndSwap(false, true) {
		return
	}
	defer close(r.done)
	logger.Info("router_started",
		"hunters", r.socks.HunterPush != nil,
		"streamer", r.socks.Streamer != nil,
		"webhooks", r.socks.Webhooks != nil)
	for {
		select {
		case <-ctx.Done():
			logger.Info("router_stopped")
			return
		case <-r.stop:
			logger.Info("router_stopped")
			return
		default:
		}
		r.Step()
	}
}

// Stop asks the loop to exit and waits for it.
func (r *Router) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	if r.running.Load() {
		<-r.done
	}
}

// Step runs one iteration: the frontend tier, then the backend tier.
func (r *Router) Step() {
	r.pollFrontend()
	r.pollBackend()
}

func (r *Router) pollFrontend() {
	for _, it := range r.frontend.Poll(r.opts.FrontendTimeout) {
		if it.Socket == r.socks.Frontend {
			r.guard(it.Socket, func() error { return r.handleMessage("frontend", it.Frames) })
			continue
		}
		// store reply, already addressed to the client
		r.guard(it.Socket, func() error { return r.socks.Frontend.Send(it.Frames) })
	}
}

func (r *Router) pollBackend() {
	for _, it := range r.backend.Poll(r.opts.BackendTimeout) {
		switch it.Socket {
		case r.socks.GathererSink:
			r.guard(it.Socket, func() error { return r.handleGatherer(it.Frames) })
		case r.socks.HunterSink:
			r.guard(it.Socket, func() error { return r.handleMessage("hunter", it.Frames) })
		}
	}
}

// guard runs fn and keeps any failure inside the loop.
func (r *Router) guard(sock transport.Socket, fn func() error) {
	defer func() {
		if p := recover(); p != nil {
			metrics.RouterErrors.WithLabelValues(sock.Name()).Inc()
			logger.Error("router_handler_panic", "socket", sock.Name(), "panic", fmt.Sprint(p))
		}
	}()
	if err := fn(); err != nil {
		metrics.RouterErrors.WithLabelValues(sock.Name()).Inc()
		logger.Error("router_handler_failed", "socket", sock.Name(), "error", err)
	}
}

// handleMessage routes a client or hunter request by type.
func (r *Router) handleMessage(tier string, frames [][]byte) error {
	defer r.tick()
	m, err := msg.DecodeRequest(frames)
	if err != nil {
		if errors.Is(err, errs.ErrUnknownType) && len(m.ID) > 0 && tier == "frontend" {
			return r.rejectUnknown(m)
		}
		return err
	}
	metrics.RouterMessages.WithLabelValues(tier, m.Type.String()).Inc()
	logger.Debug("router_message", "tier", tier, "type", m.Type.String())

	switch m.Type {
	case msg.IndicatorsCreate:
		return r.socks.GathererPush.Send(frames)
	case msg.IndicatorsSearch:
		if err := r.socks.StoreRead.Send(frames); err != nil {
			return err
		}
		r.publish(m.Data, true)
		return nil
	default:
		return r.socks.StoreRead.Send(frames)
	}
}

func (r *Router) rejectUnknown(m msg.Message) error {
	frames, err := msg.Encode(msg.Message{ID: m.ID, Type: msg.Ping, Data: msg.Failure("unknown message type")})
	if err != nil {
		return err
	}
	return r.socks.Frontend.Send(frames)
}

// handleGatherer forwards enriched indicators to the store and republishes
// each one to the fan-out sinks.
func (r *Router) handleGatherer(frames [][]byte) error {
	m, err := msg.Decode(frames)
	if err != nil {
		return err
	}
	metrics.RouterMessages.WithLabelValues("gatherer", m.Type.String()).Inc()

	sock := r.socks.StoreWrite
	if r.opts.HunterToken != "" && m.Token == r.opts.HunterToken {
		sock = r.socks.StoreHunterWrite
	}
	if err := sock.Send(frames); err != nil {
		return err
	}
	if r.socks.HunterPush == nil && r.socks.Streamer == nil && r.socks.Webhooks == nil {
		return nil
	}
	items, err := splitPayload(m.Data)
	if err != nil {
		return fmt.Errorf("fan-out payload: %w", err)
	}
	for _, it := range items {
		r.publish(it.raw, it.confidence >= r.opts.HunterMinConfidence)
	}
	return nil
}

// publish sends one JSON document to every enabled sink.
func (r *Router) publish(data []byte, toHunters bool) {
	send := func(name string, s transport.Socket) {
		if s == nil {
			return
		}
		if err := s.Send([][]byte{data}); err != nil {
			logger.Warn("router_fanout_failed", "sink", name, "error", err)
			return
		}
		metrics.RouterFanout.WithLabelValues(name).Inc()
	}
	send("streamer", r.socks.Streamer)
	send("webhooks", r.socks.Webhooks)
	if toHunters {
		send("hunters", r.socks.HunterPush)
	}
}

type fanItem struct {
	raw        []byte
	confidence float64
}

// splitPayload breaks a JSON array (or single object) into one encoded
// object per element.
func splitPayload(data []byte) ([]fanItem, error) {
	var list []map[string]any
	if err := sonnet.Unmarshal(data, &list); err != nil {
		var one map[string]any
		if err2 := sonnet.Unmarshal(data, &one); err2 != nil {
			return nil, err
		}
		list = []map[string]any{one}
	}
	out := make([]fanItem, 0, len(list))
	for _, d := range list {
		b, err := sonnet.Marshal(d)
		if err != nil {
			return nil, err
		}
		c, _ := d["confidence"].(float64)
		out = append(out, fanItem{raw: b, confidence: c})
	}
	return out, nil
}

// tick counts one handled message and logs throughput every
// ThroughputEvery messages.
func (r *Router) tick() {
	r.count++
	if r.count%r.opts.ThroughputEvery != 0 {
		return
	}
	elapsed := time.Since(r.countStart)
	rate := float64(r.count) / elapsed.Seconds()
	logger.Info("router_throughput",
		"msgs", humanize.Comma(int64(r.count)),
		"per_sec", humanize.CommafWithDigits(rate, 2),
		"window", elapsed.Round(time.Millisecond).String())
	r.count = 0
	r.countStart = time.Now()
}
