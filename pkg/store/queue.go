package store

import (
	"errors"
	"time"

	"github.com/csirtgadgets/verbose-robot/pkg/errs"
	"github.com/csirtgadgets/verbose-robot/pkg/logger"
	"github.com/csirtgadgets/verbose-robot/pkg/metrics"
	"github.com/csirtgadgets/verbose-robot/pkg/models"
	"github.com/csirtgadgets/verbose-robot/pkg/msg"
	"github.com/csirtgadgets/verbose-robot/pkg/transport"
)

// queued is one single-item create waiting for a flush. The reply goes
// back on sock through req's identity frames.
type queued struct {
	sock transport.Socket
	req  msg.Message
	ind  models.Indicator
}

type queueEntry struct {
	tok          *models.Token
	count        int
	lastActivity time.Time
	messages     []queued
}

// Committer persists a flushed batch.
type Committer interface {
	Upsert(inds []models.Indicator) (int, error)
	Touch(t *models.Token)
}

// CreateQueue coalesces single-item creates per token. It is owned by the
// store loop and is not safe for concurrent use.
type CreateQueue struct {
	store     Committer
	flushWait time.Duration
	max       int
	idle      time.Duration

	entries   map[string]*queueEntry
	order     []string
	total     int
	lastFlush time.Time
	now       func() time.Time
}

// NewCreateQueue builds a queue flushing every flushWait or once max items
// are pending. Idle empty entries are pruned after idle.
func NewCreateQueue(store Committer, flushWait time.Duration, max int, idle time.Duration) *CreateQueue {
	q := &CreateQueue{
		store:     store,
		flushWait: flushWait,
		max:       max,
		idle:      idle,
		entries:   map[string]*queueEntry{},
		now:       time.Now,
	}
	q.lastFlush = q.now()
	return q
}

// Add buffers one checked indicator for tok.
func (q *CreateQueue) Add(tok *models.Token, sock transport.Socket, req msg.Message, ind models.Indicator) {
	e := q.entries[tok.Token]
	if e == nil {
		e = &queueEntry{tok: tok}
		q.entries[tok.Token] = e
		q.order = append(q.order, tok.Token)
	}
	e.tok = tok
	e.count++
	e.lastActivity = q.now()
	e.messages = append(e.messages, queued{sock: sock, req: req, ind: ind})
	q.total++
	metrics.QueueDepth.Set(float64(q.total))
	metrics.QueueTokens.Set(float64(len(q.entries)))
}

// Len is the number of buffered items across tokens.
func (q *CreateQueue) Len() int { return q.total }

// Pending is the number of buffered items for token.
func (q *CreateQueue) Pending(token string) int {
	if e := q.entries[token]; e != nil {
		return e.count
	}
	return 0
}

// Due reports whether a flush should run now.
func (q *CreateQueue) Due() bool {
	if q.total == 0 {
		return false
	}
	return q.total >= q.max || q.now().Sub(q.lastFlush) >= q.flushWait
}

// Check flushes when the queue is due and prunes idle entries. It returns
// whether a flush ran.
func (q *CreateQueue) Check() bool {
	flushed := false
	if q.Due() {
		q.Flush()
		flushed = true
	} else if q.total == 0 {
		q.lastFlush = q.now()
	}
	q.prune()
	return flushed
}

// Flush commits every token's buffer as one batch and answers each
// buffered caller exactly once.
func (q *CreateQueue) Flush() {
	start := q.now()
	for _, key := range q.order {
		e := q.entries[key]
		if e == nil || len(e.messages) == 0 {
			continue
		}
		inds := make([]models.Indicator, len(e.messages))
		for i, m := range e.messages {
			inds[i] = m.ind
		}

		t0 := time.Now()
		n, err := q.store.Upsert(inds)
		metrics.QueueFlushSeconds.Observe(time.Since(t0).Seconds())

		var reply []byte
		switch {
		case err == nil:
			reply = msg.Success(n)
			q.store.Touch(e.tok)
			metrics.QueueFlushSize.Observe(float64(n))
			logger.Debug("create_queue_flushed", "username", e.tok.Username, "queued", len(inds), "committed", n)
		case errors.Is(err, errs.ErrAuth):
			reply = msg.Failure("unauthorized")
			logger.Warn("create_queue_unauthorized", "username", e.tok.Username, "queued", len(inds))
		default:
			reply = msg.Failure("store failure")
			logger.Error("create_queue_flush_failed", "username", e.tok.Username, "queued", len(inds), "error", err)
		}
		for _, m := range e.messages {
			q.send(m, reply)
		}
		q.total -= len(e.messages)
		e.messages = e.messages[:0]
		e.count = 0
	}
	q.lastFlush = start
	metrics.QueueDepth.Set(float64(q.total))
}

func (q *CreateQueue) send(m queued, data []byte) {
	frames, err := msg.Encode(m.req.Reply(data))
	if err == nil {
		err = m.sock.Send(frames)
	}
	if err != nil {
		logger.Error("create_queue_reply_failed", "socket", m.sock.Name(), "error", err)
	}
}

func (q *CreateQueue) prune() {
	now := q.now()
	keep := q.order[:0]
	for _, key := range q.order {
		e := q.entries[key]
		if e.count == 0 && now.Sub(e.lastActivity) > q.idle {
			delete(q.entries, key)
			continue
		}
		keep = append(keep, key)
	}
	q.order = keep
	metrics.QueueTokens.Set(float64(len(q.entries)))
}
