package msg

import (
	"encoding/json"

	"github.com/sugawarayuuta/sonnet"
)

const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Reply is the envelope every request is answered with.
type Reply struct {
	Status  string          `json:"status"`
	Data    any             `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
	Raw     json.RawMessage `json:"-"`
}

// OK reports whether the reply carries a success status.
func (r Reply) OK() bool { return r.Status == StatusSuccess }

// Success encodes a success envelope around data.
func Success(data any) []byte {
	b, err := sonnet.Marshal(Reply{Status: StatusSuccess, Data: data})
	if err != nil {
		return Failure("feed too large, retry the query")
	}
	return b
}

// Failure encodes a failed envelope with message.
func Failure(message string) []byte {
	b, _ := sonnet.Marshal(Reply{Status: StatusFailed, Message: message})
	return b
}

// DecodeReply parses an envelope. Raw holds the undecoded data member so
// callers can unmarshal it into a concrete type.
func DecodeReply(b []byte) (Reply, error) {
	var aux struct {
		Status  string          `json:"status"`
		Data    json.RawMessage `json:"data"`
		Message string          `json:"message"`
	}
	if err := sonnet.Unmarshal(b, &aux); err != nil {
		return Reply{}, err
	}
	r := Reply{Status: aux.Status, Message: aux.Message, Raw: aux.Data}
	if len(aux.Data) > 0 {
		var v any
		if err := sonnet.Unmarshal(aux.Data, &v); err == nil {
			r.Data = v
		}
	}
	return r, nil
}
