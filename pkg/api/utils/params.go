package utils

import (
	"strings"

	"github.com/valyala/fasthttp"
)

// GetHeader returns header value with trimming
func GetHeader(ctx *fasthttp.RequestCtx, key string) string {
	return strings.TrimSpace(string(ctx.Request.Header.Peek(key)))
}

// GetQuery returns query parameter value with trimming
func GetQuery(ctx *fasthttp.RequestCtx, key string) string {
	return strings.TrimSpace(string(ctx.QueryArgs().Peek(key)))
}

// GetQueryBool reports whether a flag style query parameter is set.
func GetQueryBool(ctx *fasthttp.RequestCtx, key string) bool {
	switch strings.ToLower(GetQuery(ctx, key)) {
	case "1", "true", "yes":
		return true
	}
	return false
}

// QueryFilters turns the query string into a filter document. Repeated
// keys are joined with commas; token and empty values are dropped.
func QueryFilters(ctx *fasthttp.RequestCtx) map[string]any {
	out := map[string]any{}
	ctx.QueryArgs().VisitAll(func(k, v []byte) {
		key := strings.TrimSpace(string(k))
		val := strings.TrimSpace(string(v))
		if key == "" || key == "token" || val == "" {
			return
		}
		if prev, ok := out[key].(string); ok {
			val = prev + "," + val
		}
		out[key] = val
	})
	return out
}
