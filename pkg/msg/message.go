// Package msg implements the multi-part Wire Message envelope exchanged by
// the router, the store process, the workers and the clients.
//
// A fully framed message is
//
//	[id][client_id][delimiter][token][type][payload]
//
// where id and client_id are routing identities added by ROUTER sockets on
// each hop. The number of identity frames depends on the hop, so decoding
// branches on the frame count and keeps identities byte for byte.
package msg

import (
	"bytes"
	"fmt"

	"github.com/sugawarayuuta/sonnet"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/csirtgadgets/verbose-robot/pkg/errs"
)

// Type is the message type carried in the type frame.
type Type int

const (
	Ping             Type = 1
	PingWrite        Type = 2
	IndicatorsCreate Type = 3
	IndicatorsSearch Type = 4
	IndicatorsDelete Type = 5
	TokensSearch     Type = 6
	TokensCreate     Type = 7
	TokensDelete     Type = 8
	TokensEdit       Type = 9
	GraphSearch      Type = 10
	StatsSearch      Type = 11
)

var typeNames = map[Type]string{
	Ping:             "ping",
	PingWrite:        "ping_write",
	IndicatorsCreate: "indicators_create",
	IndicatorsSearch: "indicators_search",
	IndicatorsDelete: "indicators_delete",
	TokensSearch:     "tokens_search",
	TokensCreate:     "tokens_create",
	TokensDelete:     "tokens_delete",
	TokensEdit:       "tokens_edit",
	GraphSearch:      "graph_search",
	StatsSearch:      "stats_search",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("type(%d)", int(t))
}

// Valid reports whether t is in the type table.
func (t Type) Valid() bool {
	_, ok := typeNames[t]
	return ok
}

// ParseType maps a type name back to its tag.
func ParseType(name string) (Type, bool) {
	for t, n := range typeNames {
		if n == name {
			return t, true
		}
	}
	return 0, false
}

// Message is one decoded envelope. ID and ClientID are opaque routing
// identities and are nil when the hop did not add them.
type Message struct {
	ID       []byte
	ClientID []byte
	Token    string
	Type     Type
	Data     []byte
}

// New builds a message whose payload is encoded with EncodePayload.
func New(t Type, token string, payload any) (Message, error) {
	data, err := EncodePayload(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Token: token, Type: t, Data: data}, nil
}

// Reply returns a message addressed back through m's identity frames.
func (m Message) Reply(data []byte) Message {
	return Message{ID: m.ID, ClientID: m.ClientID, Type: m.Type, Data: data}
}

// Frames encodes m. See Encode.
func (m Message) Frames() ([][]byte, error) {
	return Encode(m)
}

// Encode lays m out as frames: identities, a delimiter when any identity
// is present, then token, type and payload. An empty token is omitted,
// which is the reply layout.
func Encode(m Message) ([][]byte, error) {
	return encode(m, false)
}

// EncodeRequest is Encode for requests: the token frame is always written,
// empty or not, so every hop that prepends an identity keeps the frame
// count Decode expects.
func EncodeRequest(m Message) ([][]byte, error) {
	return encode(m, true)
}

func encode(m Message, withToken bool) ([][]byte, error) {
	if !m.Type.Valid() {
		return nil, fmt.Errorf("encode %d: %w", int(m.Type), errs.ErrUnknownType)
	}
	frames := make([][]byte, 0, 6)
	if len(m.ID) > 0 {
		frames = append(frames, m.ID)
	}
	if len(m.ClientID) > 0 {
		frames = append(frames, m.ClientID)
	}
	if len(frames) > 0 {
		frames = append(frames, []byte{})
	}
	if withToken || m.Token != "" {
		frames = append(frames, []byte(m.Token))
	}
	tag, err := msgpack.Marshal(int(m.Type))
	if err != nil {
		return nil, err
	}
	frames = append(frames, tag)
	data := m.Data
	if data == nil {
		data = []byte("[]")
	}
	frames = append(frames, data)
	return frames, nil
}

// Decode reads any envelope the topology produces:
//
//	6: id, client_id, delimiter, token, type, payload
//	5: id, delimiter, token, type, payload
//	4: id, token, type, payload
//	3: id, type, payload
//	2: type, payload
func Decode(frames [][]byte) (Message, error) {
	var m Message
	var tag []byte
	switch len(frames) {
	case 6:
		m.ID, m.ClientID, m.Token, tag, m.Data = frames[0], frames[1], string(frames[3]), frames[4], frames[5]
	case 5:
		m.ID, m.Token, tag, m.Data = frames[0], string(frames[2]), frames[3], frames[4]
	case 4:
		m.ID, m.Token, tag, m.Data = frames[0], string(frames[1]), frames[2], frames[3]
	case 3:
		m.ID, tag, m.Data = frames[0], frames[1], frames[2]
	case 2:
		tag, m.Data = frames[0], frames[1]
	default:
		return Message{}, fmt.Errorf("%d frames: %w", len(frames), errs.ErrMalformed)
	}
	t, err := decodeType(tag)
	if err != nil {
		return m, err
	}
	m.Type = t
	return m, nil
}

// DecodeRequest decodes a message received on a ROUTER socket, which
// always carries a sender identity and a token, so fewer than four frames
// is malformed.
func DecodeRequest(frames [][]byte) (Message, error) {
	if len(frames) < 4 {
		return Message{}, fmt.Errorf("request with %d frames: %w", len(frames), errs.ErrMalformed)
	}
	return Decode(frames)
}

func decodeType(b []byte) (Type, error) {
	var n int
	if err := msgpack.Unmarshal(b, &n); err != nil {
		return 0, fmt.Errorf("type frame: %w", errs.ErrMalformed)
	}
	t := Type(n)
	if !t.Valid() {
		return 0, fmt.Errorf("type %d: %w", n, errs.ErrUnknownType)
	}
	return t, nil
}

// EncodePayload turns payload into JSON bytes. Byte slices and strings
// pass through untouched; a single map or struct is wrapped in a one
// element array.
func EncodePayload(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case nil:
		return []byte("[]"), nil
	case []byte:
		return p, nil
	case string:
		return []byte(p), nil
	case map[string]any:
		return sonnet.Marshal([]any{p})
	case []any, []map[string]any:
		return sonnet.Marshal(p)
	}
	b, err := sonnet.Marshal(payload)
	if err != nil {
		return nil, err
	}
	if bytes.HasPrefix(bytes.TrimSpace(b), []byte("{")) {
		return append(append([]byte{'['}, b...), ']'), nil
	}
	return b, nil
}
