// Package streamer republishes every accepted indicator. The router
// pushes one JSON document per indicator; the streamer writes it to a PUB
// socket and to whichever of the redis, NATS and websocket sinks are
// configured.
package streamer

import (
	"context"
	"fmt"
	"time"

	"github.com/csirtgadgets/verbose-robot/pkg/config"
	"github.com/csirtgadgets/verbose-robot/pkg/logger"
	"github.com/csirtgadgets/verbose-robot/pkg/metrics"
	"github.com/csirtgadgets/verbose-robot/pkg/transport"
	"github.com/csirtgadgets/verbose-robot/pkg/worker"
)

const publishTimeout = 5 * time.Second

// Sink receives each republished document.
type Sink interface {
	Name() string
	Publish(ctx context.Context, data []byte) error
	Close() error
}

// PubSink writes single-frame messages to a PUB socket.
type PubSink struct {
	sock transport.Socket
}

func NewPubSink(sock transport.Socket) *PubSink { return &PubSink{sock: sock} }

func (p *PubSink) Name() string { return "pub" }

func (p *PubSink) Publish(_ context.Context, data []byte) error {
	return p.sock.Send([][]byte{data})
}

func (p *PubSink) Close() error { return p.sock.Close() }

// Worker pulls documents from the router and hands them to every sink.
// A failing sink never holds back the others.
type Worker struct {
	pull        transport.Socket
	sinks       []Sink
	pollTimeout time.Duration
}

func NewWorker(pull transport.Socket, sinks []Sink, pollTimeout time.Duration) *Worker {
	return &Worker{pull: pull, sinks: sinks, pollTimeout: pollTimeout}
}

func (w *Worker) Run(stop <-chan struct{}) {
	worker.Serve(stop, w.pull, w.pollTimeout, func(frames [][]byte) {
		if len(frames) == 0 {
			return
		}
		w.Publish(frames[len(frames)-1])
	})
}

// Publish hands data to every sink.
func (w *Worker) Publish(data []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	for _, s := range w.sinks {
		if err := s.Publish(ctx, data); err != nil {
			metrics.StreamPublished.WithLabelValues(s.Name(), "error").Inc()
			logger.Warn("stream_publish_failed", "sink", s.Name(), "error", err)
			continue
		}
		metrics.StreamPublished.WithLabelValues(s.Name(), "ok").Inc()
	}
}

func (w *Worker) Close() error {
	err := w.pull.Close()
	for _, s := range w.sinks {
		if cerr := s.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// Constructor returns the constructor for the single streamer worker.
// hub may be nil when the websocket firehose is off.
func Constructor(ctx context.Context, cfg *config.Config, hub *Hub) worker.Constructor {
	return func(id int) (worker.Worker, error) {
		var sinks []Sink
		fail := func(err error) (worker.Worker, error) {
			for _, s := range sinks {
				_ = s.Close()
			}
			return nil, err
		}

		pub, err := transport.Listen(ctx, transport.Pub, "stream_pub", cfg.Streamer.PubAddr, transport.Options{})
		if err != nil {
			return fail(fmt.Errorf("stream pub: %w", err))
		}
		sinks = append(sinks, NewPubSink(pub))

		if addr := cfg.Streamer.Redis.Addr; addr != "" {
			r, err := DialRedis(ctx, addr, cfg.Streamer.Redis.Channel)
			if err != nil {
				return fail(err)
			}
			sinks = append(sinks, r)
		}
		if url := cfg.Streamer.NATS.URL; url != "" {
			n, err := DialNATS(url, cfg.Streamer.NATS.Subject)
			if err != nil {
				return fail(err)
			}
			sinks = append(sinks, n)
		}
		if hub != nil {
			sinks = append(sinks, hub.Sink())
		}

		pull, err := transport.Dial(ctx, transport.Pull, fmt.Sprintf("streamer_%d_pull", id), cfg.Streamer.Addr, transport.Options{})
		if err != nil {
			return fail(err)
		}
		names := make([]string, len(sinks))
		for i, s := range sinks {
			names[i] = s.Name()
		}
		logger.Info("streamer_sinks", "sinks", names)
		return NewWorker(pull, sinks, 0), nil
	}
}
