// Package client speaks the wire protocol to the router from DEALER
// sockets. It is used by the hunters, the HTTP gateway and the CLI.
package client

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/csirtgadgets/verbose-robot/pkg/errs"
	"github.com/csirtgadgets/verbose-robot/pkg/models"
	"github.com/csirtgadgets/verbose-robot/pkg/msg"
	"github.com/csirtgadgets/verbose-robot/pkg/transport"
)

// DefaultTimeout is how long a request waits for its reply.
const DefaultTimeout = 5 * time.Second

// MaxInFlight caps the requests a client and its WithToken copies have
// outstanding at once. Each one owns a DEALER socket for its round trip.
const MaxInFlight = 16

// Dialer opens a new DEALER socket connected to the router.
type Dialer func() (transport.Socket, error)

// Client sends requests over a pool of DEALER sockets. A socket carries
// one request at a time, so a reply always belongs to the request that
// holds the socket. A socket whose request timed out or was cancelled is
// closed rather than reused, and a late reply dies with it.
type Client struct {
	pool    *pool
	token   string
	timeout time.Duration
}

// New returns a client that opens sockets with dial as needed.
func New(dial Dialer, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{pool: newPool(dial, MaxInFlight), token: token, timeout: timeout}
}

// Dial connects a DEALER to the router at addr. The first socket is
// opened eagerly so a bad address fails here.
func Dial(ctx context.Context, name, addr, token string, timeout time.Duration) (*Client, error) {
	var n atomic.Int64
	dial := func() (transport.Socket, error) {
		return transport.Dial(ctx, transport.Dealer, fmt.Sprintf("%s_%d", name, n.Add(1)), addr, transport.Options{})
	}
	sock, err := dial()
	if err != nil {
		return nil, err
	}
	c := New(dial, token, timeout)
	c.pool.put(sock)
	return c, nil
}

// WithToken returns a client sharing the socket pool that authenticates as
// token.
func (c *Client) WithToken(token string) *Client {
	return &Client{pool: c.pool, token: token, timeout: c.timeout}
}

// Close closes every socket, idle or in use.
func (c *Client) Close() error { return c.pool.close() }

func (c *Client) frames(t msg.Type, payload any) ([][]byte, error) {
	m, err := msg.New(t, c.token, payload)
	if err != nil {
		return nil, err
	}
	body, err := msg.EncodeRequest(m)
	if err != nil {
		return nil, err
	}
	// DEALER requests carry an empty delimiter ahead of the token
	return append([][]byte{{}}, body...), nil
}

// Send submits a request without waiting for the reply. Fire and forget
// requests share one socket whose replies are discarded.
func (c *Client) Send(t msg.Type, payload any) error {
	frames, err := c.frames(t, payload)
	if err != nil {
		return err
	}
	sock, err := c.pool.sender()
	if err != nil {
		return err
	}
	return sock.Send(frames)
}

// Do sends a request and waits for its reply. A reply that does not arrive
// within the timeout is ErrTimeout; a failed envelope is returned together
// with an error carrying its message.
func (c *Client) Do(ctx context.Context, t msg.Type, payload any) (msg.Reply, error) {
	frames, err := c.frames(t, payload)
	if err != nil {
		return msg.Reply{}, err
	}
	sock, err := c.pool.acquire(ctx)
	if err != nil {
		return msg.Reply{}, err
	}
	in, err := c.roundTrip(ctx, sock, frames)
	c.pool.release(sock, err == nil)
	if err != nil {
		return msg.Reply{}, err
	}

	m, err := msg.Decode(in)
	if err != nil {
		return msg.Reply{}, err
	}
	r, err := msg.DecodeReply(m.Data)
	if err != nil {
		return msg.Reply{}, fmt.Errorf("reply: %w", errs.ErrMalformed)
	}
	if !r.OK() {
		return r, &Failure{Message: r.Message}
	}
	return r, nil
}

// roundTrip sends frames on sock and waits for exactly one reply. Any
// error leaves sock in an unknown state.
func (c *Client) roundTrip(ctx context.Context, sock transport.Socket, frames [][]byte) ([][]byte, error) {
	drain(sock)
	if err := sock.Send(frames); err != nil {
		return nil, err
	}
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case in, ok := <-sock.C():
		if !ok {
			return nil, transport.ErrClosed
		}
		return in, nil
	case <-timer.C:
		return nil, errs.ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// drain drops anything queued on a socket before it is reused.
func drain(sock transport.Socket) {
	for {
		select {
		case _, ok := <-sock.C():
			if !ok {
				return
			}
		default:
			return
		}
	}
}

type pool struct {
	dial  Dialer
	slots chan struct{}
	idle  chan transport.Socket
	done  chan struct{}

	mu     sync.Mutex
	live   map[transport.Socket]struct{}
	send   transport.Socket
	closed bool
}

func newPool(dial Dialer, size int) *pool {
	return &pool{
		dial:  dial,
		slots: make(chan struct{}, size),
		idle:  make(chan transport.Socket, size),
		done:  make(chan struct{}),
		live:  make(map[transport.Socket]struct{}),
	}
}

// put adds an already connected socket to the idle set.
func (p *pool) put(sock transport.Socket) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.live[sock] = struct{}{}
	select {
	case p.idle <- sock:
	default:
		delete(p.live, sock)
		_ = sock.Close()
	}
}

// acquire waits for a free slot, then hands out an idle socket or dials a
// new one.
func (p *pool) acquire(ctx context.Context) (transport.Socket, error) {
	select {
	case p.slots <- struct{}{}:
	case <-p.done:
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.slots
		return nil, transport.ErrClosed
	}
	select {
	case sock := <-p.idle:
		p.mu.Unlock()
		return sock, nil
	default:
	}
	p.mu.Unlock()

	sock, err := p.dial()
	if err != nil {
		<-p.slots
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		_ = sock.Close()
		<-p.slots
		return nil, transport.ErrClosed
	}
	p.live[sock] = struct{}{}
	return sock, nil
}

// release returns sock to the idle set when its round trip completed and
// closes it otherwise.
func (p *pool) release(sock transport.Socket, healthy bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	defer func() { <-p.slots }()
	if healthy && !p.closed {
		select {
		case p.idle <- sock:
			return
		default:
		}
	}
	delete(p.live, sock)
	_ = sock.Close()
}

// sender returns the fire and forget socket, dialing it on first use.
func (p *pool) sender() (transport.Socket, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, transport.ErrClosed
	}
	if p.send != nil {
		return p.send, nil
	}
	sock, err := p.dial()
	if err != nil {
		return nil, err
	}
	p.send = sock
	go p.discard(sock)
	return sock, nil
}

func (p *pool) discard(sock transport.Socket) {
	for {
		select {
		case _, ok := <-sock.C():
			if !ok {
				return
			}
		case <-p.done:
			return
		}
	}
}

func (p *pool) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.done)
	var err error
	for sock := range p.live {
		if cerr := sock.Close(); err == nil {
			err = cerr
		}
	}
	if p.send != nil {
		if cerr := p.send.Close(); err == nil {
			err = cerr
		}
	}
	for {
		select {
		case <-p.idle:
		default:
			return err
		}
	}
}

// Failure is a failed reply envelope.
type Failure struct {
	Message string
}

func (f *Failure) Error() string {
	if f.Message == "" {
		return "request failed"
	}
	return f.Message
}

// Unwrap classifies well known failure messages.
func (f *Failure) Unwrap() error {
	switch f.Message {
	case "unauthorized":
		return errs.ErrAuth
	case errs.BusyMessage:
		return errs.ErrBusy
	case errs.TimeoutMessage:
		return errs.ErrTimeout
	}
	return errs.ErrSubmissionFailed
}

func (c *Client) Ping(ctx context.Context) (msg.Reply, error) {
	return c.Do(ctx, msg.Ping, nil)
}

func (c *Client) PingWrite(ctx context.Context) (msg.Reply, error) {
	return c.Do(ctx, msg.PingWrite, nil)
}

// IndicatorsSearch returns the matching indicators.
func (c *Client) IndicatorsSearch(ctx context.Context, filters map[string]any) ([]models.Indicator, error) {
	r, err := c.Do(ctx, msg.IndicatorsSearch, filters)
	if err != nil {
		return nil, err
	}
	return models.DecodeIndicators(r.Raw)
}

// IndicatorsCreate submits indicators. With nowait the request is sent
// and the zero reply is returned immediately.
func (c *Client) IndicatorsCreate(ctx context.Context, inds []models.Indicator, nowait bool) (msg.Reply, error) {
	if nowait {
		return msg.Reply{}, c.Send(msg.IndicatorsCreate, inds)
	}
	return c.Do(ctx, msg.IndicatorsCreate, inds)
}

func (c *Client) IndicatorsDelete(ctx context.Context, filters []map[string]any) (msg.Reply, error) {
	return c.Do(ctx, msg.IndicatorsDelete, filters)
}

func (c *Client) StatsSearch(ctx context.Context, filters map[string]any) (msg.Reply, error) {
	return c.Do(ctx, msg.StatsSearch, filters)
}

func (c *Client) GraphSearch(ctx context.Context, filters map[string]any) (msg.Reply, error) {
	return c.Do(ctx, msg.GraphSearch, filters)
}

func (c *Client) TokensSearch(ctx context.Context, filters map[string]any) (msg.Reply, error) {
	return c.Do(ctx, msg.TokensSearch, filters)
}

func (c *Client) TokensCreate(ctx context.Context, req map[string]any) (msg.Reply, error) {
	return c.Do(ctx, msg.TokensCreate, req)
}

func (c *Client) TokensDelete(ctx context.Context, filters map[string]any) (msg.Reply, error) {
	return c.Do(ctx, msg.TokensDelete, filters)
}

func (c *Client) TokensEdit(ctx context.Context, req map[string]any) (msg.Reply, error) {
	return c.Do(ctx, msg.TokensEdit, req)
}
