// Package auth extracts the caller's token and applies the per-token rate
// limit in front of the gateway routes. Tokens are not validated here; the
// store does that for every request the gateway relays.
package auth

import (
	"net"
	"strings"

	"github.com/valyala/fasthttp"

	"github.com/csirtgadgets/verbose-robot/pkg/api/router"
	"github.com/csirtgadgets/verbose-robot/pkg/api/utils"
	"github.com/csirtgadgets/verbose-robot/pkg/errs"
	"github.com/csirtgadgets/verbose-robot/pkg/logger"
)

// tokenKey is the request user value holding the caller's token.
const tokenKey = "cif_token"

// ParseToken reads "Token token=<t>", "Bearer <t>" or a bare token from an
// Authorization header, falling back to query.
func ParseToken(header, query string) string {
	h := strings.TrimSpace(header)
	if h == "" {
		return strings.TrimSpace(query)
	}
	parts := strings.Fields(h)
	if len(parts) == 2 && (strings.EqualFold(parts[0], "Token") || strings.EqualFold(parts[0], "Bearer")) {
		h = parts[1]
	}
	h = strings.TrimPrefix(h, "token=")
	return strings.Trim(h, `"`)
}

// Token returns the token the middleware attached to ctx.
func Token(ctx *fasthttp.RequestCtx) string {
	if v, ok := ctx.UserValue(tokenKey).(string); ok {
		return v
	}
	return ""
}

// Middleware authenticates and rate limits requests.
type Middleware struct {
	limiters *limiterPool
	public   map[string]bool
}

// New returns a middleware limiting each token to limits. Requests to
// public paths skip both checks.
func New(limits Limits, public ...string) *Middleware {
	m := &Middleware{limiters: newLimiterPool(limits), public: map[string]bool{}}
	for _, p := range public {
		m.public[p] = true
	}
	return m
}

// Shutdown stops the limiter cleanup.
func (m *Middleware) Shutdown() { m.limiters.Shutdown() }

// Wrap applies the middleware to next.
func (m *Middleware) Wrap(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if string(ctx.Method()) == fasthttp.MethodOptions {
			ctx.Response.Header.Set("Access-Control-Allow-Methods", "GET,POST,DELETE,PATCH,OPTIONS")
			ctx.Response.Header.Set("Access-Control-Allow-Headers", "Authorization,Content-Type")
			ctx.SetStatusCode(fasthttp.StatusNoContent)
			return
		}
		path := string(ctx.Path())
		if m.public[path] {
			next(ctx)
			return
		}

		token := ParseToken(utils.GetHeader(ctx, "Authorization"), utils.GetQuery(ctx, "token"))
		if token == "" {
			router.WriteJSONError(ctx, fasthttp.StatusUnauthorized, "unauthorized")
			logger.Warn("request_unauthorized", "path", path, "remote", clientIPFast(ctx))
			return
		}
		if !m.limiters.Allow(token) {
			router.WriteJSONError(ctx, fasthttp.StatusTooManyRequests, errs.BusyMessage)
			logger.Warn("rate_limited", "path", path, "remote", clientIPFast(ctx))
			return
		}
		ctx.SetUserValue(tokenKey, token)
		next(ctx)
	}
}

func clientIPFast(ctx *fasthttp.RequestCtx) string {
	host := ctx.RemoteAddr().String()
	h, _, err := net.SplitHostPort(host)
	if err != nil {
		return host
	}
	return h
}
