// Package worker runs fixed-size pools of identical workers. The gatherer,
// hunter, streamer and webhooks pools all share this shape; workers only
// talk to the rest of the system through their own sockets.
package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/csirtgadgets/verbose-robot/pkg/logger"
	"github.com/csirtgadgets/verbose-robot/pkg/metrics"
	"github.com/csirtgadgets/verbose-robot/pkg/transport"
)

// PollTimeout bounds how long a worker blocks before it re-checks the stop
// flag.
const PollTimeout = time.Second

// Worker is one pool member.
type Worker interface {
	// Run serves until stop is closed.
	Run(stop <-chan struct{})
	// Close releases the worker's sockets.
	Close() error
}

// Constructor builds worker id of a pool.
type Constructor func(id int) (Worker, error)

// Pool owns count workers built by one constructor.
type Pool struct {
	name    string
	workers []Worker
	stop    chan struct{}
	wg      sync.WaitGroup
	running int32
	alive   atomic.Int32
}

// NewPool returns an idle pool. name labels logs and metrics.
func NewPool(name string) *Pool {
	return &Pool{name: name, stop: make(chan struct{})}
}

// Name is the pool label.
func (p *Pool) Name() string { return p.name }

// Running is the number of workers currently inside Run.
func (p *Pool) Running() int { return int(p.alive.Load()) }

// Start builds count workers and launches each on its own goroutine. When
// a constructor fails the workers built so far are closed and the error is
// returned.
func (p *Pool) Start(count int, ctor Constructor) error {
	if count <= 0 {
		return nil
	}
	if !atomic.CompareAndSwapInt32(&p.running, 0, 1) {
		return fmt.Errorf("pool %s already started", p.name)
	}
	for i := 0; i < count; i++ {
		w, err := ctor(i)
		if err != nil {
			for _, built := range p.workers {
				_ = built.Close()
			}
			p.workers = nil
			atomic.StoreInt32(&p.running, 0)
			return fmt.Errorf("pool %s worker %d: %w", p.name, i, err)
		}
		p.workers = append(p.workers, w)
	}
	for i, w := range p.workers {
		p.wg.Add(1)
		go func(id int, w Worker) {
			defer p.wg.Done()
			p.alive.Add(1)
			metrics.WorkersRunning.WithLabelValues(p.name).Inc()
			defer func() {
				p.alive.Add(-1)
				metrics.WorkersRunning.WithLabelValues(p.name).Dec()
			}()
			w.Run(p.stop)
			logger.Debug("worker_exited", "pool", p.name, "id", id)
		}(i, w)
	}
	logger.Info("pool_started", "pool", p.name, "workers", count)
	return nil
}

// Stop signals every worker and waits for them until ctx expires. Sockets
// are closed once the workers have returned.
func (p *Pool) Stop(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&p.running, 1, 0) {
		return
	}
	close(p.stop)
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("pool_stopped", "pool", p.name)
	case <-ctx.Done():
		logger.Warn("pool_stop_timeout", "pool", p.name, "running", p.Running())
	}
	for _, w := range p.workers {
		if err := w.Close(); err != nil {
			logger.Debug("worker_close_failed", "pool", p.name, "error", err)
		}
	}
}

// Serve polls sock until stop is closed, handing every frame set to fn.
// A closed socket ends the loop as well.
func Serve(stop <-chan struct{}, sock transport.Socket, timeout time.Duration, fn func([][]byte)) {
	if timeout <= 0 {
		timeout = PollTimeout
	}
	for {
		select {
		case <-stop:
			return
		case frames, ok := <-sock.C():
			if !ok {
				return
			}
			fn(frames)
		case <-time.After(timeout):
		}
	}
}
