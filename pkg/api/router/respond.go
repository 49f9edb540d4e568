package router

import (
	"encoding/json"

	"github.com/sugawarayuuta/sonnet"
	"github.com/valyala/fasthttp"

	"github.com/csirtgadgets/verbose-robot/pkg/msg"
)

// WriteJSON writes a JSON response with status.
func WriteJSON(ctx *fasthttp.RequestCtx, status int, data any) {
	b, err := sonnet.Marshal(data)
	if err != nil {
		WriteJSONError(ctx, fasthttp.StatusInternalServerError, "unknown failure")
		return
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(b)
}

// WriteJSONError writes a failed reply envelope, the same shape the
// router answers with.
func WriteJSONError(ctx *fasthttp.RequestCtx, status int, message string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(msg.Failure(message))
}

// WriteReply writes a success envelope around the raw reply data.
func WriteReply(ctx *fasthttp.RequestCtx, r msg.Reply) {
	body := struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data,omitempty"`
	}{Status: msg.StatusSuccess, Data: r.Raw}
	WriteJSON(ctx, fasthttp.StatusOK, body)
}
