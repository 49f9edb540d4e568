// Package transport wraps the ZeroMQ socket kinds the topology uses behind
// a small channel based interface so the event loops can multiplex them
// and tests can substitute in-memory sockets.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-zeromq/zmq4"
	"github.com/google/uuid"

	"github.com/csirtgadgets/verbose-robot/pkg/logger"
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("socket closed")

// Socket is one endpoint of the topology. Received frame sets are
// delivered on C, which is closed when the socket is closed.
type Socket interface {
	Name() string
	Send(frames [][]byte) error
	C() <-chan [][]byte
	Close() error
}

// Kind is the ZeroMQ socket pattern.
type Kind int

const (
	Router Kind = iota
	Dealer
	Push
	Pull
	Pub
	Sub
)

func (k Kind) String() string {
	switch k {
	case Router:
		return "ROUTER"
	case Dealer:
		return "DEALER"
	case Push:
		return "PUSH"
	case Pull:
		return "PULL"
	case Pub:
		return "PUB"
	case Sub:
		return "SUB"
	}
	return "UNKNOWN"
}

func (k Kind) receives() bool {
	return k == Router || k == Dealer || k == Pull || k == Sub
}

// Options tune a socket.
type Options struct {
	// Identity is the routing id announced to ROUTER peers. Dealers get a
	// random one when empty.
	Identity string
	// Buffer is the receive channel capacity.
	Buffer int
}

// ZSocket is a Socket backed by go-zeromq/zmq4.
type ZSocket struct {
	name   string
	kind   Kind
	sck    zmq4.Socket
	in     chan [][]byte
	cancel context.CancelFunc
	ctx    context.Context
	sendMu sync.Mutex
	closed atomic.Bool
	wg     sync.WaitGroup
}

func newZSocket(parent context.Context, kind Kind, name string, opts Options) *ZSocket {
	ctx, cancel := context.WithCancel(parent)
	var zopts []zmq4.Option
	id := opts.Identity
	if id == "" && kind == Dealer {
		id = uuid.NewString()
	}
	if id != "" {
		zopts = append(zopts, zmq4.WithID(zmq4.SocketIdentity(id)))
	}
	var sck zmq4.Socket
	switch kind {
	case Router:
		sck = zmq4.NewRouter(ctx, zopts...)
	case Dealer:
		sck = zmq4.NewDealer(ctx, zopts...)
	case Push:
		sck = zmq4.NewPush(ctx, zopts...)
	case Pull:
		sck = zmq4.NewPull(ctx, zopts...)
	case Pub:
		sck = zmq4.NewPub(ctx, zopts...)
	case Sub:
		sck = zmq4.NewSub(ctx, zopts...)
	}
	buf := opts.Buffer
	if buf <= 0 {
		buf = 1024
	}
	return &ZSocket{name: name, kind: kind, sck: sck, in: make(chan [][]byte, buf), ctx: ctx, cancel: cancel}
}

// Listen binds a new socket of kind to endpoint.
func Listen(ctx context.Context, kind Kind, name, endpoint string, opts Options) (*ZSocket, error) {
	if err := ensureIPCDir(endpoint); err != nil {
		return nil, err
	}
	s := newZSocket(ctx, kind, name, opts)
	if err := s.sck.Listen(endpoint); err != nil {
		s.cancel()
		return nil, fmt.Errorf("%s listen %s: %w", name, endpoint, err)
	}
	s.start()
	logger.Debug("socket_listening", "name", name, "kind", kind.String(), "endpoint", endpoint)
	return s, nil
}

// Dial connects a new socket of kind to endpoint.
func Dial(ctx context.Context, kind Kind, name, endpoint string, opts Options) (*ZSocket, error) {
	s := newZSocket(ctx, kind, name, opts)
	if kind == Sub {
		if err := s.sck.SetOption(zmq4.OptionSubscribe, ""); err != nil {
			s.cancel()
			return nil, err
		}
	}
	if err := s.sck.Dial(endpoint); err != nil {
		s.cancel()
		return nil, fmt.Errorf("%s dial %s: %w", name, endpoint, err)
	}
	s.start()
	logger.Debug("socket_connected", "name", name, "kind", kind.String(), "endpoint", endpoint)
	return s, nil
}

func (s *ZSocket) start() {
	if !s.kind.receives() {
		close(s.in)
		return
	}
	s.wg.Add(1)
	go s.pump()
}

func (s *ZSocket) pump() {
	defer s.wg.Done()
	defer close(s.in)
	for {
		m, err := s.sck.Recv()
		if err != nil {
			if s.ctx.Err() != nil || s.closed.Load() {
				return
			}
			logger.Debug("socket_recv_failed", "name", s.name, "error", err)
			continue
		}
		select {
		case s.in <- m.Frames:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *ZSocket) Name() string { return s.name }

func (s *ZSocket) C() <-chan [][]byte { return s.in }

func (s *ZSocket) Send(frames [][]byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.sck.Send(zmq4.NewMsgFrom(frames...))
}

func (s *ZSocket) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()
	err := s.sck.Close()
	s.wg.Wait()
	return err
}

// ensureIPCDir creates the directory of an ipc:// endpoint.
func ensureIPCDir(endpoint string) error {
	if !strings.HasPrefix(endpoint, "ipc://") {
		return nil
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return err
	}
	path := u.Host + u.Path
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o700)
}
