package api

import (
	"context"
	"encoding/json"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/csirtgadgets/verbose-robot/pkg/api/auth"
	"github.com/csirtgadgets/verbose-robot/pkg/client"
	"github.com/csirtgadgets/verbose-robot/pkg/errs"
	"github.com/csirtgadgets/verbose-robot/pkg/msg"
)

type call struct {
	token   string
	t       msg.Type
	payload any
}

type fakeBackend struct {
	mu    sync.Mutex
	calls []call
	reply msg.Reply
	err   error
}

func (f *fakeBackend) Do(_ context.Context, token string, t msg.Type, payload any) (msg.Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{token, t, payload})
	return f.reply, f.err
}

func (f *fakeBackend) last(t *testing.T) call {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.calls)
	return f.calls[len(f.calls)-1]
}

type harness struct {
	backend *fakeBackend
	http    *fasthttp.Client
}

func newHarness(t *testing.T, limits auth.Limits) *harness {
	t.Helper()
	b := &fakeBackend{reply: msg.Reply{Status: msg.StatusSuccess, Raw: json.RawMessage(`"pong"`)}}
	s := New(b, Options{Limits: limits, Timeout: time.Second})
	ln := fasthttputil.NewInmemoryListener()
	go func() { _ = s.Serve(ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return &harness{
		backend: b,
		http:    &fasthttp.Client{Dial: func(string) (net.Conn, error) { return ln.Dial() }},
	}
}

func (h *harness) do(t *testing.T, method, uri, token, body string) (int, string) {
	t.Helper()
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)
	req.SetRequestURI("http://gateway" + uri)
	req.Header.SetMethod(method)
	if token != "" {
		req.Header.Set("Authorization", "Token token="+token)
	}
	if body != "" {
		req.SetBodyString(body)
	}
	require.NoError(t, h.http.Do(req, resp))
	return resp.StatusCode(), string(resp.Body())
}

func TestPingRelaysToken(t *testing.T) {
	h := newHarness(t, auth.Limits{})
	code, body := h.do(t, "GET", "/ping", "abc123", "")
	assert.Equal(t, fasthttp.StatusOK, code)
	assert.JSONEq(t, `{"status":"success","data":"pong"}`, body)

	c := h.backend.last(t)
	assert.Equal(t, "abc123", c.token)
	assert.Equal(t, msg.Ping, c.t)

	h.do(t, "GET", "/ping?write=1", "abc123", "")
	assert.Equal(t, msg.PingWrite, h.backend.last(t).t)
}

func TestMissingTokenIsUnauthorized(t *testing.T) {
	h := newHarness(t, auth.Limits{})
	code, body := h.do(t, "GET", "/indicators?q=example.com", "", "")
	assert.Equal(t, fasthttp.StatusUnauthorized, code)
	assert.Contains(t, body, "unauthorized")
	assert.Empty(t, h.backend.calls)
}

func TestMetricsArePublic(t *testing.T) {
	h := newHarness(t, auth.Limits{})
	code, body := h.do(t, "GET", "/metrics", "", "")
	assert.Equal(t, fasthttp.StatusOK, code)
	assert.Contains(t, body, "go_gc_cycles_total")
}

func TestRateLimitedPerToken(t *testing.T) {
	h := newHarness(t, auth.Limits{RPS: 0.001, Burst: 1})
	code, _ := h.do(t, "GET", "/ping", "tok", "")
	require.Equal(t, fasthttp.StatusOK, code)

	code, body := h.do(t, "GET", "/ping", "tok", "")
	assert.Equal(t, fasthttp.StatusTooManyRequests, code)
	assert.Contains(t, body, errs.BusyMessage)

	code, _ = h.do(t, "GET", "/ping", "other", "")
	assert.Equal(t, fasthttp.StatusOK, code)
}

func TestSearchFiltersFromQuery(t *testing.T) {
	h := newHarness(t, auth.Limits{})
	code, _ := h.do(t, "GET", "/indicators?q=example.com&limit=5&tags=phishing&tags=malware", "tok", "")
	require.Equal(t, fasthttp.StatusOK, code)

	c := h.backend.last(t)
	assert.Equal(t, msg.IndicatorsSearch, c.t)
	assert.Equal(t, map[string]any{
		"indicator": "example.com",
		"limit":     "5",
		"tags":      "phishing,malware",
	}, c.payload)
}

func TestCreateValidatesBody(t *testing.T) {
	h := newHarness(t, auth.Limits{})
	code, _ := h.do(t, "POST", "/indicators", "tok", "not json")
	assert.Equal(t, fasthttp.StatusBadRequest, code)
	assert.Empty(t, h.backend.calls)

	code, _ = h.do(t, "POST", "/indicators", "tok", `[{"indicator":"example.com","tags":"phishing"}]`)
	assert.Equal(t, fasthttp.StatusOK, code)
	c := h.backend.last(t)
	assert.Equal(t, msg.IndicatorsCreate, c.t)
	raw, ok := c.payload.(json.RawMessage)
	require.True(t, ok)
	assert.JSONEq(t, `[{"indicator":"example.com","tags":"phishing"}]`, string(raw))
}

func TestTokenRoutes(t *testing.T) {
	h := newHarness(t, auth.Limits{})
	code, _ := h.do(t, "PATCH", "/tokens", "admin", `{"token":"abc","write":true}`)
	assert.Equal(t, fasthttp.StatusOK, code)
	assert.Equal(t, msg.TokensEdit, h.backend.last(t).t)

	code, _ = h.do(t, "DELETE", "/tokens?username=bob", "admin", "")
	assert.Equal(t, fasthttp.StatusOK, code)
	c := h.backend.last(t)
	assert.Equal(t, msg.TokensDelete, c.t)
	assert.Equal(t, map[string]any{"username": "bob"}, c.payload)

	code, _ = h.do(t, "PUT", "/tokens", "admin", `{}`)
	assert.Equal(t, fasthttp.StatusMethodNotAllowed, code)
}

func TestFailureStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
		msg  string
	}{
		{&client.Failure{Message: "unauthorized"}, fasthttp.StatusUnauthorized, "unauthorized"},
		{&client.Failure{Message: errs.BusyMessage}, fasthttp.StatusTooManyRequests, errs.BusyMessage},
		{&client.Failure{Message: "invalid indicator missing itype"}, fasthttp.StatusUnprocessableEntity, "invalid indicator missing itype"},
		{&client.Failure{Message: "prefix needs to be >= 8"}, fasthttp.StatusBadRequest, "prefix needs to be >= 8"},
		{errs.ErrTimeout, fasthttp.StatusServiceUnavailable, errs.TimeoutMessage},
	}
	for _, tc := range cases {
		code, m := Status(tc.err)
		assert.Equal(t, tc.code, code, tc.err.Error())
		assert.Equal(t, tc.msg, m)
	}

	h := newHarness(t, auth.Limits{})
	h.backend.mu.Lock()
	h.backend.err = errs.ErrTimeout
	h.backend.mu.Unlock()
	code, body := h.do(t, "GET", "/stats", "tok", "")
	assert.Equal(t, fasthttp.StatusServiceUnavailable, code)
	assert.True(t, strings.Contains(body, errs.TimeoutMessage))
}
