package transport

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestPollerTakesOnePerSocketInOrder(t *testing.T) {
	a := NewMem("a", 4)
	b := NewMem("b", 4)
	b.Inject([]byte("b1"))
	a.Inject([]byte("a1"))
	a.Inject([]byte("a2"))

	p := NewPoller(a, b)
	items := p.Poll(time.Millisecond)
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if items[0].Socket.Name() != "a" || string(items[0].Frames[0]) != "a1" {
		t.Fatalf("unexpected first item %s %q", items[0].Socket.Name(), items[0].Frames)
	}
	if items[1].Socket.Name() != "b" {
		t.Fatalf("unexpected second item %s", items[1].Socket.Name())
	}
	items = p.Poll(time.Millisecond)
	if len(items) != 1 || string(items[0].Frames[0]) != "a2" {
		t.Fatalf("expected the queued a2, got %v", items)
	}
}

func TestPollerTimeout(t *testing.T) {
	p := NewPoller(NewMem("idle", 1))
	start := time.Now()
	if items := p.Poll(20 * time.Millisecond); len(items) != 0 {
		t.Fatalf("expected no items")
	}
	if time.Since(start) < 15*time.Millisecond {
		t.Fatalf("poll returned before timeout")
	}
}

func TestPollerWakesOnArrival(t *testing.T) {
	m := NewMem("late", 1)
	p := NewPoller(m)
	go func() {
		time.Sleep(5 * time.Millisecond)
		m.Inject([]byte("x"))
	}()
	items := p.Poll(time.Second)
	if len(items) != 1 {
		t.Fatalf("expected wake on arrival")
	}
}

func TestPairDelivers(t *testing.T) {
	a, b := Pair("a", "b", 2)
	if err := a.Send([][]byte{[]byte("hello")}); err != nil {
		t.Fatalf("send: %v", err)
	}
	got := <-b.C()
	if string(got[0]) != "hello" {
		t.Fatalf("unexpected frames %q", got)
	}
	_ = a.Close()
	if err := a.Send([][]byte{[]byte("x")}); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestRouterDealerInproc(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ep := fmt.Sprintf("inproc://router-test-%d", time.Now().UnixNano())

	rt, err := Listen(ctx, Router, "router", ep, Options{})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer rt.Close()
	dl, err := Dial(ctx, Dealer, "dealer", ep, Options{Identity: "client-1"})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer dl.Close()

	if err := dl.Send([][]byte{[]byte("token"), []byte("payload")}); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case f := <-rt.C():
		if len(f) != 3 || string(f[0]) != "client-1" {
			t.Fatalf("expected identity frame prepended, got %q", f)
		}
		if err := rt.Send([][]byte{f[0], []byte("reply")}); err != nil {
			t.Fatalf("reply: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("router did not receive")
	}
	select {
	case f := <-dl.C():
		if len(f) != 1 || string(f[0]) != "reply" {
			t.Fatalf("unexpected reply %q", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("dealer did not receive reply")
	}
}
