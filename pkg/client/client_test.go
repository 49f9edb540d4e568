package client

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csirtgadgets/verbose-robot/pkg/errs"
	"github.com/csirtgadgets/verbose-robot/pkg/models"
	"github.com/csirtgadgets/verbose-robot/pkg/msg"
	"github.com/csirtgadgets/verbose-robot/pkg/transport"
)

// memDialer opens in-memory socket pairs and hands the router end of each
// one to the test, in dial order.
func memDialer() (Dialer, <-chan *transport.Mem) {
	ends := make(chan *transport.Mem, MaxInFlight+2)
	var n atomic.Int64
	return func() (transport.Socket, error) {
		id := n.Add(1)
		dealer, router := transport.Pair(fmt.Sprintf("dealer-%d", id), fmt.Sprintf("router-%d", id), 4)
		ends <- router
		return dealer, nil
	}, ends
}

// answer reads one request from the router end and replies with data the
// way the router relays a store reply to a DEALER: [""][type][data].
func answer(t *testing.T, router *transport.Mem, data []byte) msg.Message {
	t.Helper()
	frames := <-router.C()
	require.Len(t, frames, 4, "dealer requests are [''][token][type][data]")
	require.Empty(t, frames[0])
	m, err := msg.Decode(frames)
	require.NoError(t, err)
	require.NoError(t, router.Send([][]byte{{}, frames[2], data}))
	return m
}

func TestDoRoundTrip(t *testing.T) {
	dial, ends := memDialer()
	c := New(dial, "tok", time.Second)

	done := make(chan msg.Message, 1)
	go func() {
		done <- answer(t, <-ends, msg.Success([]map[string]any{{"indicator": "example.org", "itype": "fqdn"}}))
	}()
	got, err := c.IndicatorsSearch(context.Background(), map[string]any{"indicator": "example.org"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "example.org", got[0].Indicator)

	req := <-done
	assert.Equal(t, "tok", req.Token)
	assert.Equal(t, msg.IndicatorsSearch, req.Type)
	assert.JSONEq(t, `[{"indicator":"example.org"}]`, string(req.Data))
}

func TestSocketIsReusedAfterCleanReply(t *testing.T) {
	dial, ends := memDialer()
	c := New(dial, "tok", time.Second)

	go func() {
		router := <-ends
		answer(t, router, msg.Success(nil))
		answer(t, router, msg.Success(nil))
	}()
	_, err := c.Ping(context.Background())
	require.NoError(t, err)
	_, err = c.Ping(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ends, "no second socket dialed")
}

func TestEmptyTokenIsStillFramed(t *testing.T) {
	dial, ends := memDialer()
	c := New(dial, "", time.Second)

	done := make(chan msg.Message, 1)
	go func() { done <- answer(t, <-ends, msg.Failure("unauthorized")) }()
	_, err := c.Ping(context.Background())
	assert.ErrorIs(t, err, errs.ErrAuth)
	req := <-done
	assert.Empty(t, req.Token)
	assert.Equal(t, msg.Ping, req.Type)
}

func TestDoTimesOut(t *testing.T) {
	dial, _ := memDialer()
	c := New(dial, "tok", 10*time.Millisecond)
	_, err := c.Ping(context.Background())
	assert.ErrorIs(t, err, errs.ErrTimeout)
}

func TestLateReplyNeverReachesAnotherCaller(t *testing.T) {
	dial, ends := memDialer()
	x := New(dial, "token-x", 100*time.Millisecond)
	y := x.WithToken("token-y")

	_, err := x.Ping(context.Background())
	require.ErrorIs(t, err, errs.ErrTimeout)

	// the reply for x shows up after x gave up
	routerX := <-ends
	late := <-routerX.C()
	require.NoError(t, routerX.Send([][]byte{{}, late[2], msg.Failure("reply meant for token-x")}))

	done := make(chan msg.Message, 1)
	go func() { done <- answer(t, <-ends, msg.Success(nil)) }()
	_, err = y.Ping(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-y", (<-done).Token)
}

func TestOutstandingRequestDoesNotBlockOthers(t *testing.T) {
	dial, ends := memDialer()
	c := New(dial, "hunter", 5*time.Second)

	created := make(chan error, 1)
	go func() {
		_, err := c.IndicatorsCreate(context.Background(), []models.Indicator{{Indicator: "192.0.2.1", Itype: "ipv4"}}, false)
		created <- err
	}()
	// the create is on the wire and its reply is held back
	held := <-ends
	req := <-held.C()

	go answer(t, <-ends, msg.Success(nil))
	start := time.Now()
	_, err := c.WithToken("reader").Ping(context.Background())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)

	select {
	case err := <-created:
		t.Fatalf("create returned before its reply: %v", err)
	default:
	}
	require.NoError(t, held.Send([][]byte{{}, req[2], msg.Success(nil)}))
	assert.NoError(t, <-created)
}

func TestAcquireHonoursContext(t *testing.T) {
	dial, _ := memDialer()
	p := newPool(dial, 1)
	sock, err := p.acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	p.release(sock, true)
	again, err := p.acquire(context.Background())
	require.NoError(t, err)
	assert.Same(t, sock, again)
	require.NoError(t, p.close())
	_, err = p.acquire(context.Background())
	assert.ErrorIs(t, err, transport.ErrClosed)
}

func TestFailureClassified(t *testing.T) {
	dial, ends := memDialer()
	c := New(dial, "bad", time.Second)
	go func() { answer(t, <-ends, msg.Failure("unauthorized")) }()

	_, err := c.PingWrite(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrAuth)
	var f *Failure
	require.True(t, errors.As(err, &f))
	assert.Equal(t, "unauthorized", f.Message)
}

func TestCreateNoWait(t *testing.T) {
	dial, ends := memDialer()
	c := New(dial, "hunter", time.Second).WithToken("hunter-2")
	_, err := c.IndicatorsCreate(context.Background(), []models.Indicator{{Indicator: "192.0.2.1", Itype: "ipv4"}}, true)
	require.NoError(t, err)

	router := <-ends
	frames := <-router.C()
	m, err := msg.Decode(frames)
	require.NoError(t, err)
	assert.Equal(t, "hunter-2", m.Token)
	assert.Equal(t, msg.IndicatorsCreate, m.Type)
	require.NoError(t, c.Close())
}
