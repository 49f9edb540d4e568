package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/csirtgadgets/verbose-robot/pkg/config"
	"github.com/csirtgadgets/verbose-robot/pkg/errs"
	"github.com/csirtgadgets/verbose-robot/pkg/logger"
	"github.com/csirtgadgets/verbose-robot/pkg/msg"
	"github.com/csirtgadgets/verbose-robot/pkg/transport"
)

// Sockets are the three ROUTER endpoints the store answers on.
type Sockets struct {
	Read        transport.Socket
	Write       transport.Socket
	HunterWrite transport.Socket
}

// ListenSockets binds the store endpoints named in cfg.
func ListenSockets(ctx context.Context, cfg config.StoreConfig) (Sockets, error) {
	var out Sockets
	for _, sp := range []struct {
		dst  *transport.Socket
		name string
		addr string
	}{
		{&out.Read, "store", cfg.Addr},
		{&out.Write, "store_write", cfg.WriteAddr},
		{&out.HunterWrite, "store_write_h", cfg.HunterWriteAddr},
	} {
		sck, err := transport.Listen(ctx, transport.Router, sp.name, sp.addr, transport.Options{})
		if err != nil {
			out.Close()
			return Sockets{}, err
		}
		*sp.dst = sck
	}
	return out, nil
}

// Close closes every non-nil socket.
func (s Sockets) Close() {
	for _, sck := range []transport.Socket{s.Read, s.Write, s.HunterWrite} {
		if sck != nil {
			_ = sck.Close()
		}
	}
}

// Process is the store event loop. It is the only goroutine touching the
// create queue.
type Process struct {
	store   *Store
	handler *Handler
	queue   *CreateQueue
	socks   Sockets
	pollers []*transport.Poller
	timeout time.Duration

	running  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewProcess builds the loop over socks.
func NewProcess(s *Store, socks Sockets) *Process {
	cfg := s.cfg
	q := NewCreateQueue(s, cfg.QueueFlush.Duration(), cfg.QueueMax, cfg.QueueTimeout.Duration())
	p := &Process{
		store:   s,
		queue:   q,
		handler: NewHandler(s, q),
		socks:   socks,
		timeout: cfg.PollTimeout.Duration(),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if p.timeout <= 0 {
		p.timeout = 5 * time.Millisecond
	}
	for _, sck := range []transport.Socket{socks.Read, socks.Write, socks.HunterWrite} {
		p.pollers = append(p.pollers, transport.NewPoller(sck))
	}
	return p
}

// Queue exposes the create queue.
func (p *Process) Queue() *CreateQueue { return p.queue }

// Run serves until ctx is done or Stop is called. Buffered creates are
// flushed before it returns.
func (p *Process) Run(ctx context.Context) {
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	defer close(p.done)
	logger.Info("store_started", "poll_timeout", p.timeout.String())
	for {
		select {
		case <-ctx.Done():
			p.shutdown()
			return
		case <-p.stop:
			p.shutdown()
			return
		default:
		}
		p.Step()
	}
}

// Step runs one loop iteration: each socket is polled in turn, then the
// create queue is checked.
func (p *Process) Step() {
	for i, poller := range p.pollers {
		for _, it := range poller.Poll(p.timeout) {
			p.handle(it.Socket, it.Frames, i == 2)
		}
	}
	p.queue.Check()
}

func (p *Process) handle(sock transport.Socket, frames [][]byte, hunterWrite bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("store_handler_panic", "socket", sock.Name(), "panic", r)
		}
	}()
	m, err := msg.DecodeRequest(frames)
	if err != nil {
		if errors.Is(err, errs.ErrUnknownType) && len(m.ID) > 0 {
			p.reply(sock, m, msg.Failure("unknown message type"))
			return
		}
		logger.Warn("store_malformed_message", "socket", sock.Name(), "frames", len(frames), "error", err)
		return
	}
	if data := p.handler.Handle(sock, m, hunterWrite); data != nil {
		p.reply(sock, m, data)
	}
}

func (p *Process) reply(sock transport.Socket, m msg.Message, data []byte) {
	frames, err := msg.Encode(m.Reply(data))
	if err != nil {
		// an unknown type cannot be encoded back; answer as a ping
		r := m.Reply(data)
		r.Type = msg.Ping
		frames, _ = msg.Encode(r)
	}
	if err := sock.Send(frames); err != nil {
		logger.Error("store_reply_failed", "socket", sock.Name(), "error", err)
	}
}

func (p *Process) shutdown() {
	if n := p.queue.Len(); n > 0 {
		logger.Info("store_final_flush", "queued", n)
		p.queue.Flush()
	}
	logger.Info("store_stopped")
}

// Stop asks the loop to exit and waits for it.
func (p *Process) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	if p.running.Load() {
		<-p.done
	}
}
