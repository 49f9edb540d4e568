package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/valyala/fasthttp"

	"github.com/csirtgadgets/verbose-robot/pkg/api/auth"
	"github.com/csirtgadgets/verbose-robot/pkg/api/router"
	"github.com/csirtgadgets/verbose-robot/pkg/api/utils"
	"github.com/csirtgadgets/verbose-robot/pkg/client"
	"github.com/csirtgadgets/verbose-robot/pkg/errs"
	"github.com/csirtgadgets/verbose-robot/pkg/logger"
	"github.com/csirtgadgets/verbose-robot/pkg/msg"
)

// relay sends one request for the caller and writes the mapped reply.
func (s *Server) relay(ctx *fasthttp.RequestCtx, t msg.Type, payload any) {
	c, cancel := context.WithTimeout(context.Background(), s.opts.Timeout)
	defer cancel()
	r, err := s.backend.Do(c, auth.Token(ctx), t, payload)
	if err != nil {
		code, message := Status(err)
		if code >= fasthttp.StatusInternalServerError {
			logger.Error("httpd_relay_failed", "type", t.String(), "error", err)
		}
		router.WriteJSONError(ctx, code, message)
		return
	}
	router.WriteReply(ctx, r)
}

// Status maps a relay error onto an HTTP status and the message shown to
// the caller.
func Status(err error) (int, string) {
	var f *client.Failure
	switch {
	case errors.Is(err, errs.ErrAuth):
		return fasthttp.StatusUnauthorized, "unauthorized"
	case errors.Is(err, errs.ErrBusy):
		return fasthttp.StatusTooManyRequests, errs.BusyMessage
	case errors.Is(err, errs.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return fasthttp.StatusServiceUnavailable, errs.TimeoutMessage
	case errors.As(err, &f):
		if strings.HasPrefix(f.Message, "invalid indicator") {
			return fasthttp.StatusUnprocessableEntity, f.Message
		}
		return fasthttp.StatusBadRequest, f.Error()
	case errors.Is(err, errs.ErrMalformed):
		return fasthttp.StatusBadGateway, "unknown failure"
	}
	return fasthttp.StatusServiceUnavailable, "unknown failure"
}

func statusLabel(code int) string { return strconv.Itoa(code) }

// body returns the request body when it is a JSON object or array.
func body(ctx *fasthttp.RequestCtx) (json.RawMessage, bool) {
	b := bytes.TrimSpace(ctx.PostBody())
	if len(b) == 0 || (b[0] != '{' && b[0] != '[') || !json.Valid(b) {
		router.WriteJSONError(ctx, fasthttp.StatusBadRequest, "malformed json body")
		return nil, false
	}
	return json.RawMessage(append([]byte(nil), b...)), true
}

// filters reads a JSON body when one is sent and the query string
// otherwise.
func filters(ctx *fasthttp.RequestCtx) (any, bool) {
	if len(bytes.TrimSpace(ctx.PostBody())) > 0 {
		return body(ctx)
	}
	return utils.QueryFilters(ctx), true
}

func (s *Server) ping(ctx *fasthttp.RequestCtx) {
	if utils.GetQueryBool(ctx, "write") {
		s.relay(ctx, msg.PingWrite, nil)
		return
	}
	s.relay(ctx, msg.Ping, nil)
}

func (s *Server) searchIndicators(ctx *fasthttp.RequestCtx) {
	q := utils.QueryFilters(ctx)
	if _, ok := q["q"]; ok {
		q["indicator"] = q["q"]
		delete(q, "q")
	}
	s.relay(ctx, msg.IndicatorsSearch, q)
}

func (s *Server) createIndicators(ctx *fasthttp.RequestCtx) {
	b, ok := body(ctx)
	if !ok {
		return
	}
	s.relay(ctx, msg.IndicatorsCreate, b)
}

func (s *Server) deleteIndicators(ctx *fasthttp.RequestCtx) {
	f, ok := filters(ctx)
	if !ok {
		return
	}
	s.relay(ctx, msg.IndicatorsDelete, f)
}

func (s *Server) stats(ctx *fasthttp.RequestCtx) {
	s.relay(ctx, msg.StatsSearch, utils.QueryFilters(ctx))
}

func (s *Server) graph(ctx *fasthttp.RequestCtx) {
	s.relay(ctx, msg.GraphSearch, utils.QueryFilters(ctx))
}

func (s *Server) searchTokens(ctx *fasthttp.RequestCtx) {
	s.relay(ctx, msg.TokensSearch, utils.QueryFilters(ctx))
}

func (s *Server) createToken(ctx *fasthttp.RequestCtx) {
	b, ok := body(ctx)
	if !ok {
		return
	}
	s.relay(ctx, msg.TokensCreate, b)
}

func (s *Server) deleteTokens(ctx *fasthttp.RequestCtx) {
	f, ok := filters(ctx)
	if !ok {
		return
	}
	s.relay(ctx, msg.TokensDelete, f)
}

func (s *Server) editToken(ctx *fasthttp.RequestCtx) {
	b, ok := body(ctx)
	if !ok {
		return
	}
	s.relay(ctx, msg.TokensEdit, b)
}
