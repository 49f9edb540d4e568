package store

import (
	"fmt"
	"testing"
	"time"

	"github.com/csirtgadgets/verbose-robot/pkg/models"
	"github.com/csirtgadgets/verbose-robot/pkg/msg"
	"github.com/csirtgadgets/verbose-robot/pkg/transport"
)

type fakeCommitter struct {
	batches [][]models.Indicator
	touched int
	err     error
}

func (f *fakeCommitter) Upsert(inds []models.Indicator) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.batches = append(f.batches, inds)
	return len(inds), nil
}

func (f *fakeCommitter) Touch(*models.Token) { f.touched++ }

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestQueue(c Committer, max int) (*CreateQueue, *clock) {
	clk := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	q := NewCreateQueue(c, 5*time.Second, max, 5*time.Second)
	q.now = clk.now
	q.lastFlush = clk.t
	return q, clk
}

func request(i int) msg.Message {
	return msg.Message{ID: []byte("router"), ClientID: []byte(fmt.Sprintf("client-%d", i)), Token: "w", Type: msg.IndicatorsCreate}
}

func drain(t *testing.T, m *transport.Mem) []msg.Reply {
	t.Helper()
	var out []msg.Reply
	for {
		select {
		case frames := <-m.Out():
			d, err := msg.Decode(frames)
			if err != nil {
				t.Fatalf("decode reply: %v", err)
			}
			r, err := msg.DecodeReply(d.Data)
			if err != nil {
				t.Fatalf("decode envelope: %v", err)
			}
			out = append(out, r)
		default:
			return out
		}
	}
}

func TestCreateQueueRepliesToEveryCaller(t *testing.T) {
	c := &fakeCommitter{}
	q, clk := newTestQueue(c, 1000)
	sock := transport.NewMem("store_write", 64)
	tok := writer("everyone")

	const n = 7
	for i := 0; i < n; i++ {
		q.Add(tok, sock, request(i), models.Indicator{Indicator: fmt.Sprintf("10.0.0.%d", i)})
	}
	if q.Check() {
		t.Fatalf("flush fired before the interval")
	}
	if got := drain(t, sock); len(got) != 0 {
		t.Fatalf("expected no replies before flush, got %d", len(got))
	}

	clk.advance(5 * time.Second)
	if !q.Check() {
		t.Fatalf("expected the interval to trigger a flush")
	}
	replies := drain(t, sock)
	if len(replies) != n {
		t.Fatalf("expected %d replies, got %d", n, len(replies))
	}
	for _, r := range replies {
		if !r.OK() {
			t.Fatalf("unexpected failure reply %+v", r)
		}
	}
	if len(c.batches) != 1 || len(c.batches[0]) != n {
		t.Fatalf("expected one batch of %d, got %v", n, c.batches)
	}
	if c.touched != 1 {
		t.Fatalf("expected the token to be touched once, got %d", c.touched)
	}
	if q.Len() != 0 {
		t.Fatalf("queue not emptied: %d", q.Len())
	}
}

func TestCreateQueueFlushesAtCap(t *testing.T) {
	c := &fakeCommitter{}
	q, _ := newTestQueue(c, 3)
	sock := transport.NewMem("store_write", 64)
	tok := writer("everyone")

	for i := 0; i < 2; i++ {
		q.Add(tok, sock, request(i), models.Indicator{Indicator: "example.com"})
	}
	if q.Check() {
		t.Fatalf("flushed below the cap")
	}
	q.Add(tok, sock, request(2), models.Indicator{Indicator: "example.com"})
	q.Add(tok, sock, request(3), models.Indicator{Indicator: "example.com"})
	if !q.Check() {
		t.Fatalf("expected the cap to force a flush without waiting")
	}
	if got := len(drain(t, sock)); got != 4 {
		t.Fatalf("expected 4 replies, got %d", got)
	}
}

func TestCreateQueueFailureStillReplies(t *testing.T) {
	c := &fakeCommitter{err: fmt.Errorf("disk full")}
	q, _ := newTestQueue(c, 2)
	sock := transport.NewMem("store_write", 64)
	tok := writer("everyone")
	q.Add(tok, sock, request(0), models.Indicator{Indicator: "a.example.com"})
	q.Add(tok, sock, request(1), models.Indicator{Indicator: "b.example.com"})
	q.Check()

	replies := drain(t, sock)
	if len(replies) != 2 {
		t.Fatalf("expected 2 replies, got %d", len(replies))
	}
	for _, r := range replies {
		if r.OK() || r.Message != "store failure" {
			t.Fatalf("unexpected reply %+v", r)
		}
	}
	if c.touched != 0 {
		t.Fatalf("failed flush must not touch the token")
	}
}

func TestCreateQueuePrunesIdleTokens(t *testing.T) {
	c := &fakeCommitter{}
	q, clk := newTestQueue(c, 1)
	sock := transport.NewMem("store_write", 64)
	q.Add(writer("everyone"), sock, request(0), models.Indicator{Indicator: "example.com"})
	q.Check()
	if _, ok := q.entries["w"]; !ok {
		t.Fatalf("entry pruned before the idle timeout")
	}
	clk.advance(6 * time.Second)
	q.Check()
	if _, ok := q.entries["w"]; ok {
		t.Fatalf("idle empty entry was not pruned")
	}
}
