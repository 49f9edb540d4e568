package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/csirtgadgets/verbose-robot/pkg/msg"
	"github.com/csirtgadgets/verbose-robot/pkg/transport"
)

// journal records the order in which sockets are written to.
type journal struct {
	mu   sync.Mutex
	sent []string
}

func (j *journal) add(name string) {
	j.mu.Lock()
	j.sent = append(j.sent, name)
	j.mu.Unlock()
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.sent...)
}

type recorded struct {
	*transport.Mem
	j *journal
}

func (r recorded) Send(frames [][]byte) error {
	r.j.add(r.Name())
	return r.Mem.Send(frames)
}

type rig struct {
	r *Router
	j *journal

	frontend, storeRead, storeWrite, storeHunt *transport.Mem
	gPush, gSink, hPush, hSink, stream, hooks  *transport.Mem
}

func newRig(t *testing.T, hunters bool) *rig {
	t.Helper()
	j := &journal{}
	mk := func(name string) *transport.Mem { return transport.NewMem(name, 64) }
	g := &rig{
		j:          j,
		frontend:   mk("frontend"),
		storeRead:  mk("store"),
		storeWrite: mk("store_write"),
		storeHunt:  mk("store_write_h"),
		gPush:      mk("gatherer"),
		gSink:      mk("gatherer_sink"),
		stream:     mk("streamer"),
		hooks:      mk("webhooks"),
	}
	socks := Sockets{
		Frontend:         recorded{g.frontend, j},
		StoreRead:        recorded{g.storeRead, j},
		StoreWrite:       recorded{g.storeWrite, j},
		StoreHunterWrite: recorded{g.storeHunt, j},
		GathererPush:     recorded{g.gPush, j},
		GathererSink:     recorded{g.gSink, j},
		Streamer:         recorded{g.stream, j},
		Webhooks:         recorded{g.hooks, j},
	}
	if hunters {
		g.hPush, g.hSink = mk("hunter"), mk("hunter_sink")
		socks.HunterPush = recorded{g.hPush, j}
		socks.HunterSink = recorded{g.hSink, j}
	}
	g.r = New(socks, Options{
		FrontendTimeout:     time.Millisecond,
		BackendTimeout:      time.Millisecond,
		HunterToken:         "hunter-token",
		HunterMinConfidence: 3,
	})
	return g
}

func clientFrames(t *testing.T, typ msg.Type, token string, payload any) [][]byte {
	t.Helper()
	m, err := msg.New(typ, token, payload)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	m.ID = []byte("client-1")
	frames, err := msg.Encode(m)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(frames) != 5 {
		t.Fatalf("expected 5 frames, got %d", len(frames))
	}
	return frames
}

func recv(t *testing.T, m *transport.Mem) [][]byte {
	t.Helper()
	select {
	case f := <-m.Out():
		return f
	default:
		t.Fatalf("nothing sent on %s", m.Name())
		return nil
	}
}

func quiet(t *testing.T, socks ...*transport.Mem) {
	t.Helper()
	for _, m := range socks {
		select {
		case f := <-m.Out():
			t.Fatalf("unexpected send on %s: %q", m.Name(), f)
		default:
		}
	}
}

func TestCreateGoesToGatherers(t *testing.T) {
	g := newRig(t, false)
	frames := clientFrames(t, msg.IndicatorsCreate, "tok", map[string]any{"indicator": "example.com"})
	g.frontend.Inject(frames...)
	g.r.Step()

	got := recv(t, g.gPush)
	if len(got) != len(frames) {
		t.Fatalf("frames changed in transit: %q", got)
	}
	quiet(t, g.storeRead, g.storeWrite, g.stream, g.hooks)
}

func TestSearchGoesToStoreAndSinks(t *testing.T) {
	g := newRig(t, true)
	frames := clientFrames(t, msg.IndicatorsSearch, "tok", map[string]any{"indicator": "example.com"})
	g.frontend.Inject(frames...)
	g.r.Step()

	recv(t, g.storeRead)
	for _, sink := range []*transport.Mem{g.hPush, g.stream, g.hooks} {
		if got := recv(t, sink); len(got) != 1 || string(got[0]) != string(frames[4]) {
			t.Fatalf("%s got %q", sink.Name(), got)
		}
	}
	quiet(t, g.gPush)
}

func TestOtherTypesGoToStoreRead(t *testing.T) {
	g := newRig(t, false)
	for _, typ := range []msg.Type{msg.Ping, msg.TokensSearch, msg.StatsSearch, msg.IndicatorsDelete} {
		g.frontend.Inject(clientFrames(t, typ, "tok", nil)...)
		g.r.Step()
		recv(t, g.storeRead)
	}
	quiet(t, g.stream, g.hooks, g.gPush)
}

func TestStoreRepliesRelayedVerbatim(t *testing.T) {
	g := newRig(t, false)
	reply := [][]byte{[]byte("client-1"), {}, []byte{0x04}, []byte(`{"status":"success"}`)}
	g.storeWrite.Inject(reply...)
	g.r.Step()
	got := recv(t, g.frontend)
	if len(got) != 4 || string(got[0]) != "client-1" || string(got[3]) != `{"status":"success"}` {
		t.Fatalf("relay changed the frames: %q", got)
	}
}

func TestGathererResultsRoutedByToken(t *testing.T) {
	g := newRig(t, true)
	payload := []map[string]any{
		{"indicator": "a.example.com", "confidence": 8},
		{"indicator": "b.example.com", "confidence": 1},
	}
	client := clientFrames(t, msg.IndicatorsCreate, "tok", payload)
	hunter := clientFrames(t, msg.IndicatorsCreate, "hunter-token", payload)

	g.gSink.Inject(client...)
	g.r.Step()
	recv(t, g.storeWrite)
	quiet(t, g.storeHunt)

	// every indicator reaches streamer and webhooks; only the confident one
	// goes back to the hunters
	for _, sink := range []*transport.Mem{g.stream, g.hooks} {
		recv(t, sink)
		recv(t, sink)
	}
	recv(t, g.hPush)
	quiet(t, g.hPush)

	g.gSink.Inject(hunter...)
	g.r.Step()
	recv(t, g.storeHunt)
	quiet(t, g.storeWrite)
}

func TestFrontendServedBeforeBackend(t *testing.T) {
	g := newRig(t, true)
	g.gSink.Inject(clientFrames(t, msg.IndicatorsCreate, "tok", map[string]any{"indicator": "late.example.com"})...)
	g.hSink.Inject(clientFrames(t, msg.IndicatorsCreate, "hunter-token", map[string]any{"indicator": "later.example.com"})...)
	g.frontend.Inject(clientFrames(t, msg.IndicatorsSearch, "tok", map[string]any{"indicator": "now.example.com"})...)
	g.storeRead.Inject([]byte("client-1"), []byte{}, []byte{0x04}, []byte(`{"status":"success"}`))

	g.r.Step()

	order := g.j.list()
	if len(order) < 4 {
		t.Fatalf("expected every tier to be serviced, got %v", order)
	}
	pos := map[string]int{}
	for i, name := range order {
		if _, ok := pos[name]; !ok {
			pos[name] = i
		}
	}
	// the frontend search and the store relay both precede the backend work
	if pos["store"] > pos["store_write"] || pos["frontend"] > pos["store_write"] {
		t.Fatalf("backend dispatched before frontend: %v", order)
	}
	if pos["store_write"] > pos["gatherer"] {
		t.Fatalf("hunter sink served before gatherer sink: %v", order)
	}
}

func TestMalformedFramesDoNotStopTheLoop(t *testing.T) {
	g := newRig(t, false)
	g.frontend.Inject([]byte("client-1"), []byte{0x03}, []byte("[]"))
	g.r.Step()
	quiet(t, g.gPush, g.storeRead, g.frontend)

	g.frontend.Inject(clientFrames(t, msg.Ping, "tok", nil)...)
	g.r.Step()
	recv(t, g.storeRead)
}

func TestUnknownTypeAnswered(t *testing.T) {
	g := newRig(t, false)
	g.frontend.Inject([]byte("client-1"), []byte{}, []byte("tok"), []byte{0x63}, []byte("[]"))
	g.r.Step()
	got := recv(t, g.frontend)
	d, err := msg.Decode(got)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	r, err := msg.DecodeReply(d.Data)
	if err != nil || r.Message != "unknown message type" {
		t.Fatalf("unexpected reply %+v (%v)", r, err)
	}
	quiet(t, g.storeRead)
}

func TestRunStops(t *testing.T) {
	g := newRig(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	done := make(chan struct{})
	go func() {
		g.r.Run(ctx)
		close(done)
	}()
	g.frontend.Inject(clientFrames(t, msg.Ping, "tok", nil)...)
	time.Sleep(20 * time.Millisecond)
	g.r.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("router did not stop")
	}
	recv(t, g.storeRead)
}
