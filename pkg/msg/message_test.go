package msg

import (
	"bytes"
	"errors"
	"testing"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/csirtgadgets/verbose-robot/pkg/errs"
)

func TestRoundTripAcrossHops(t *testing.T) {
	in := Message{
		ID:       []byte("peer-1"),
		ClientID: []byte("client-9"),
		Token:    "abc123",
		Type:     IndicatorsSearch,
		Data:     []byte(`{"indicator":"example.com"}`),
	}
	cases := []struct {
		name  string
		mut   func(Message) Message
		count int
	}{
		{"store_relay", func(m Message) Message { return m }, 6},
		{"router_to_store", func(m Message) Message { m.ClientID = nil; return m }, 5},
		{"client", func(m Message) Message { m.ID, m.ClientID = nil, nil; return m }, 3},
	}
	for _, c := range cases {
		m := c.mut(in)
		frames, err := Encode(m)
		if err != nil {
			t.Fatalf("%s: encode: %v", c.name, err)
		}
		if len(frames) != c.count {
			t.Fatalf("%s: expected %d frames, got %d", c.name, c.count, len(frames))
		}
		if c.count == 3 {
			// a dealer client frame set gains its identity at the router
			frames = append([][]byte{[]byte("peer-1")}, frames...)
		}
		out, err := Decode(frames)
		if err != nil {
			t.Fatalf("%s: decode: %v", c.name, err)
		}
		if out.Token != in.Token || out.Type != in.Type || !bytes.Equal(out.Data, in.Data) {
			t.Fatalf("%s: round trip mismatch: %+v", c.name, out)
		}
		if !bytes.Equal(out.ID, []byte("peer-1")) {
			t.Fatalf("%s: identity not preserved: %q", c.name, out.ID)
		}
	}
}

func TestEncodeTypeTagIsMsgpackInt(t *testing.T) {
	frames, err := Encode(Message{Token: "t", Type: StatsSearch, Data: []byte("[]")})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var n int
	if err := msgpack.Unmarshal(frames[1], &n); err != nil || n != 11 {
		t.Fatalf("expected tag 11, got %d (%v)", n, err)
	}
}

func TestDelimiterOnlyWithIdentity(t *testing.T) {
	frames, _ := Encode(Message{Token: "t", Type: Ping})
	for _, f := range frames {
		if len(f) == 0 {
			t.Fatalf("unexpected empty delimiter without identity frames")
		}
	}
	frames, _ = Encode(Message{ID: []byte("x"), Token: "t", Type: Ping})
	if len(frames) != 5 || len(frames[1]) != 0 {
		t.Fatalf("expected delimiter after identity, got %q", frames)
	}
}

func TestDecodeRequestRejectsShortEnvelope(t *testing.T) {
	tag, _ := msgpack.Marshal(int(IndicatorsSearch))
	_, err := DecodeRequest([][]byte{[]byte("id"), tag, []byte("[]")})
	if !errors.Is(err, errs.ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestDecodeRejectsFrameCounts(t *testing.T) {
	for _, n := range []int{0, 1, 7} {
		frames := make([][]byte, n)
		if _, err := Decode(frames); !errors.Is(err, errs.ErrMalformed) {
			t.Fatalf("%d frames: expected ErrMalformed, got %v", n, err)
		}
	}
}

func TestDecodeUnknownTypeKeepsIdentity(t *testing.T) {
	tag, _ := msgpack.Marshal(42)
	m, err := Decode([][]byte{[]byte("id"), []byte("tok"), tag, []byte("[]")})
	if !errors.Is(err, errs.ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
	if string(m.ID) != "id" {
		t.Fatalf("identity lost on unknown type")
	}
}

func TestEncodePayloadWrapsObjects(t *testing.T) {
	b, err := EncodePayload(map[string]any{"indicator": "example.com"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !bytes.HasPrefix(b, []byte("[{")) {
		t.Fatalf("expected wrapped array, got %s", b)
	}
	type filt struct {
		Indicator string `json:"indicator"`
	}
	b, _ = EncodePayload(filt{Indicator: "x"})
	if !bytes.HasPrefix(b, []byte("[{")) {
		t.Fatalf("expected wrapped struct, got %s", b)
	}
}

func TestReplyEnvelope(t *testing.T) {
	r, err := DecodeReply(Success(3))
	if err != nil || !r.OK() {
		t.Fatalf("decode success: %v %+v", err, r)
	}
	if string(r.Raw) != "3" {
		t.Fatalf("unexpected raw %s", r.Raw)
	}
	r, _ = DecodeReply(Failure("unauthorized"))
	if r.OK() || r.Message != "unauthorized" {
		t.Fatalf("unexpected failure reply %+v", r)
	}
}

func TestEmptyTokenRequestKeepsClientIdentity(t *testing.T) {
	frames, err := EncodeRequest(Message{Type: IndicatorsSearch, Data: []byte("[]")})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(frames) != 3 || len(frames[0]) != 0 {
		t.Fatalf("expected an empty token frame, got %q", frames)
	}
	// dealer delimiter, then each ROUTER hop prepends the sender identity
	frames = append([][]byte{{}}, frames...)
	frames = append([][]byte{[]byte("client-9")}, frames...)
	frames = append([][]byte{[]byte("router-1")}, frames...)

	m, err := DecodeRequest(frames)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(m.ClientID, []byte("client-9")) || !bytes.Equal(m.ID, []byte("router-1")) {
		t.Fatalf("identities lost: id=%q client=%q", m.ID, m.ClientID)
	}
	if m.Token != "" || m.Type != IndicatorsSearch {
		t.Fatalf("unexpected message: %+v", m)
	}
	reply, err := Encode(m.Reply([]byte(`{"status":"failed","message":"unauthorized"}`)))
	if err != nil {
		t.Fatalf("encode reply: %v", err)
	}
	if len(reply) != 5 || !bytes.Equal(reply[1], []byte("client-9")) {
		t.Fatalf("reply not addressed to the client: %q", reply)
	}
}

func TestEncodeOmitsEmptyTokenOnlyForReplies(t *testing.T) {
	m := Message{ID: []byte("x"), Type: Ping}
	reply, _ := Encode(m)
	req, _ := EncodeRequest(m)
	if len(reply) != 4 || len(req) != 5 {
		t.Fatalf("expected 4 reply and 5 request frames, got %d and %d", len(reply), len(req))
	}
}
