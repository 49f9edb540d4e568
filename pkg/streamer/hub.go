package streamer

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/csirtgadgets/verbose-robot/pkg/api/auth"
	"github.com/csirtgadgets/verbose-robot/pkg/logger"
	"github.com/csirtgadgets/verbose-robot/pkg/metrics"
)

const (
	clientBuffer = 256
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingEvery    = pongWait * 9 / 10
)

// Authorizer checks a firehose token, typically with a read ping.
type Authorizer func(ctx context.Context, token string) error

// Hub is the websocket firehose. Every connected client gets each
// published document; a client that falls clientBuffer messages behind
// is disconnected.
type Hub struct {
	authorize Authorizer
	upgrader  websocket.Upgrader

	mu      sync.Mutex
	clients map[*hubClient]struct{}
	closed  bool

	srv *http.Server
}

type hubClient struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *hubClient) close() {
	c.once.Do(func() { close(c.send) })
}

// NewHub builds a hub. A nil authorizer accepts every token.
func NewHub(authorize Authorizer) *Hub {
	return &Hub{
		authorize: authorize,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*hubClient]struct{}),
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := auth.ParseToken(r.Header.Get("Authorization"), r.URL.Query().Get("token"))
	if token == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if h.authorize != nil {
		if err := h.authorize(r.Context(), token); err != nil {
			logger.Warn("firehose_unauthorized", "remote", r.RemoteAddr, "error", err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug("firehose_upgrade_failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	c := &hubClient{conn: conn, send: make(chan []byte, clientBuffer)}
	if !h.add(c) {
		_ = conn.Close()
		return
	}
	logger.Info("firehose_connected", "remote", r.RemoteAddr)
	go h.writeLoop(c)
	h.readLoop(c)
}

func (h *Hub) add(c *hubClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	metrics.FirehoseClients.Set(float64(len(h.clients)))
	return true
}

func (h *Hub) remove(c *hubClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		metrics.FirehoseClients.Set(float64(len(h.clients)))
	}
	h.mu.Unlock()
	c.close()
}

// readLoop drains control frames until the peer goes away.
func (h *Hub) readLoop(c *hubClient) {
	defer h.remove(c)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(c *hubClient) {
	ticker := time.NewTicker(pingEvery)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Broadcast queues data for every client.
func (h *Hub) Broadcast(data []byte) {
	var slow []*hubClient
	h.mu.Lock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.Unlock()
	for _, c := range slow {
		logger.Warn("firehose_client_dropped", "remote", c.conn.RemoteAddr().String())
		h.remove(c)
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ListenAndServe serves the hub at path on addr until Shutdown.
func (h *Hub) ListenAndServe(addr, path string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return h.Serve(ln, path)
}

// Serve serves the hub at path on ln until Shutdown.
func (h *Hub) Serve(ln net.Listener, path string) error {
	mux := http.NewServeMux()
	mux.Handle(path, h)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ln.Close()
	}
	h.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	srv := h.srv
	h.mu.Unlock()
	logger.Info("firehose_listening", "addr", ln.Addr().String(), "path", path)
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the listener and disconnects every client.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	srv := h.srv
	clients := make([]*hubClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		h.remove(c)
	}
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Sink adapts the hub to the streamer. Closing the sink leaves the hub
// running; its lifetime belongs to whoever serves it.
func (h *Hub) Sink() Sink { return hubSink{h} }

type hubSink struct{ h *Hub }

func (hubSink) Name() string { return "websocket" }

func (s hubSink) Publish(_ context.Context, data []byte) error {
	s.h.Broadcast(data)
	return nil
}

func (hubSink) Close() error { return nil }
