package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/csirtgadgets/verbose-robot/pkg/transport"
)

type echo struct {
	sock   *transport.Mem
	seen   *atomic.Int32
	closed atomic.Bool
}

func (e *echo) Run(stop <-chan struct{}) {
	Serve(stop, e.sock, 10*time.Millisecond, func(frames [][]byte) {
		e.seen.Add(1)
		_ = e.sock.Send(frames)
	})
}

func (e *echo) Close() error {
	e.closed.Store(true)
	return nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestPoolStartStop(t *testing.T) {
	var seen atomic.Int32
	var built []*echo
	p := NewPool("test")
	err := p.Start(3, func(id int) (Worker, error) {
		w := &echo{sock: transport.NewMem("w", 4), seen: &seen}
		built = append(built, w)
		return w, nil
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, func() bool { return p.Running() == 3 })

	for _, w := range built {
		w.sock.Inject([]byte("x"))
	}
	waitFor(t, func() bool { return seen.Load() == 3 })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	p.Stop(ctx)
	if p.Running() != 0 {
		t.Fatalf("workers still running: %d", p.Running())
	}
	for _, w := range built {
		if !w.closed.Load() {
			t.Fatalf("worker not closed")
		}
	}
	// stopping twice is a no-op
	p.Stop(ctx)
}

func TestPoolConstructorFailureClosesBuilt(t *testing.T) {
	var seen atomic.Int32
	first := &echo{sock: transport.NewMem("w", 1), seen: &seen}
	p := NewPool("broken")
	err := p.Start(2, func(id int) (Worker, error) {
		if id == 0 {
			return first, nil
		}
		return nil, errors.New("no socket")
	})
	if err == nil {
		t.Fatalf("expected constructor error")
	}
	if !first.closed.Load() {
		t.Fatalf("already built worker was not closed")
	}
	if p.Running() != 0 {
		t.Fatalf("no worker should run after a failed start")
	}
}

func TestPoolZeroCountIsIdle(t *testing.T) {
	p := NewPool("off")
	if err := p.Start(0, nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	p.Stop(context.Background())
}
