package streamer

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csirtgadgets/verbose-robot/pkg/transport"
)

type failingSink struct{ calls int }

func (f *failingSink) Name() string { return "failing" }
func (f *failingSink) Publish(context.Context, []byte) error {
	f.calls++
	return errors.New("down")
}
func (f *failingSink) Close() error { return nil }

func TestWorkerRepublishesToEverySink(t *testing.T) {
	pull := transport.NewMem("pull", 4)
	pub := transport.NewMem("pub", 4)
	bad := &failingSink{}
	w := NewWorker(pull, []Sink{bad, NewPubSink(pub)}, 10*time.Millisecond)

	doc := []byte(`{"indicator":"example.org","itype":"fqdn"}`)
	pull.Inject(doc)
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		w.Run(stop)
		close(done)
	}()

	select {
	case frames := <-pub.Out():
		require.Len(t, frames, 1)
		assert.JSONEq(t, string(doc), string(frames[0]))
	case <-time.After(time.Second):
		t.Fatalf("nothing published")
	}
	close(stop)
	<-done
	assert.Equal(t, 1, bad.calls)
	require.NoError(t, w.Close())
}

func TestRedisSinkPublishes(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	ps := rdb.Subscribe(ctx, "cif:stream")
	defer ps.Close()
	_, err = ps.Receive(ctx)
	require.NoError(t, err)

	sink, err := DialRedis(ctx, mr.Addr(), "cif:stream")
	require.NoError(t, err)
	defer sink.Close()
	require.NoError(t, sink.Publish(ctx, []byte(`{"indicator":"192.0.2.1"}`)))

	select {
	case m := <-ps.Channel():
		assert.Equal(t, "cif:stream", m.Channel)
		assert.Equal(t, `{"indicator":"192.0.2.1"}`, m.Payload)
	case <-time.After(time.Second):
		t.Fatalf("no redis message")
	}
}

func TestDialRedisFailsFast(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	addr := mr.Addr()
	mr.Close()
	_, err = DialRedis(context.Background(), addr, "cif:stream")
	assert.Error(t, err)
}

func serveHub(t *testing.T, h *Hub) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = h.Serve(ln, "/firehose") }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = h.Shutdown(ctx)
	})
	return "ws://" + ln.Addr().String() + "/firehose"
}

func TestHubRejectsBadToken(t *testing.T) {
	h := NewHub(func(_ context.Context, token string) error {
		if token != "good" {
			return errors.New("unauthorized")
		}
		return nil
	})
	url := serveHub(t, h)

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Authorization": {"Token token=bad"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHubBroadcasts(t *testing.T) {
	h := NewHub(nil)
	url := serveHub(t, h)

	conn, _, err := websocket.DefaultDialer.Dial(url+"?token=abc", nil)
	require.NoError(t, err)
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for h.Clients() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, 1, h.Clients())

	require.NoError(t, h.Sink().Publish(context.Background(), []byte(`{"indicator":"example.net"}`)))
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "example.net"))
}
