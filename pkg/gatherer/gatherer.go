// Package gatherer is the enrichment pool that runs between the router and
// the store: every created indicator passes through the configured plugins
// and, when enabled, the batched probability scorers before it is written.
package gatherer

import (
	"context"
	"fmt"
	"time"

	"github.com/sugawarayuuta/sonnet"

	"github.com/csirtgadgets/verbose-robot/pkg/config"
	"github.com/csirtgadgets/verbose-robot/pkg/logger"
	"github.com/csirtgadgets/verbose-robot/pkg/models"
	"github.com/csirtgadgets/verbose-robot/pkg/msg"
	"github.com/csirtgadgets/verbose-robot/pkg/plugin"
	"github.com/csirtgadgets/verbose-robot/pkg/predict"
	"github.com/csirtgadgets/verbose-robot/pkg/transport"
	"github.com/csirtgadgets/verbose-robot/pkg/worker"
)

const pool = "gatherer"

// Registry holds every gatherer plugin, keyed by its config name.
var Registry = plugin.NewRegistry[plugin.Gatherer, *Deps](pool)

func init() {
	Registry.Register("geo", newGeo)
	Registry.Register("asn", newASN)
	Registry.Register("peers", newPeers)
}

// Options tune one worker.
type Options struct {
	Predict bool
	// Timeout bounds the plugin chain for one message.
	Timeout     time.Duration
	PollTimeout time.Duration
}

// Worker pulls create requests, enriches them and pushes them back to the
// router sink with the original envelope.
type Worker struct {
	pull    transport.Socket
	push    transport.Socket
	plugins []plugin.Gatherer
	opts    Options
}

// NewWorker builds a worker over already connected sockets.
func NewWorker(pull, push transport.Socket, plugins []plugin.Gatherer, opts Options) *Worker {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Worker{pull: pull, push: push, plugins: plugins, opts: opts}
}

func (w *Worker) Run(stop <-chan struct{}) {
	worker.Serve(stop, w.pull, w.opts.PollTimeout, func(frames [][]byte) {
		out, err := w.Process(frames)
		if err != nil {
			// the store still owes the client a reply, so pass it on as is
			logger.Warn("gatherer_passthrough", "error", err)
			out = frames
		}
		if err := w.push.Send(out); err != nil {
			logger.Error("gatherer_push_failed", "error", err)
		}
	})
}

func (w *Worker) Close() error {
	err := w.pull.Close()
	if perr := w.push.Close(); err == nil {
		err = perr
	}
	return err
}

// Process enriches the payload of one envelope and re-encodes it with the
// same identity, token and type.
func (w *Worker) Process(frames [][]byte) ([][]byte, error) {
	m, err := msg.Decode(frames)
	if err != nil {
		return nil, err
	}
	inds, err := models.DecodeIndicators(m.Data)
	if err != nil {
		return nil, fmt.Errorf("payload: %w", err)
	}
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), w.opts.Timeout)
	inds = w.Enrich(ctx, inds)
	cancel()
	if m.Data, err = sonnet.Marshal(inds); err != nil {
		return nil, err
	}
	logger.Debug("gatherer_processed", "indicators", len(inds), "took", time.Since(start).String())
	return msg.EncodeRequest(m)
}

// Enrich runs every plugin over every indicator, then scores the batch.
func (w *Worker) Enrich(ctx context.Context, inds []models.Indicator) []models.Indicator {
	for i := range inds {
		if inds[i].Itype == "" {
			inds[i].Itype, _ = models.ResolveItype(inds[i].Indicator)
		}
	}
	for _, p := range w.plugins {
		for i := range inds {
			in := inds[i].Clone()
			out, ok := plugin.Call(pool, p.Name(), in.Indicator, func() (models.Indicator, bool, error) {
				return p.Gather(ctx, in)
			})
			if ok {
				inds[i] = out
			}
		}
	}
	if w.opts.Predict {
		Score(inds)
	}
	return inds
}

// Score assigns a probability to every url and fqdn that lacks one, with
// one scorer call per itype.
func Score(inds []models.Indicator) {
	for _, itype := range []string{models.ItypeURL, models.ItypeFQDN} {
		s, ok := predict.ForItype(itype)
		if !ok {
			continue
		}
		var idx []int
		var values []string
		for i, ind := range inds {
			if ind.Itype == itype && ind.Probability == nil {
				idx = append(idx, i)
				values = append(values, ind.Indicator)
			}
		}
		if len(values) == 0 {
			continue
		}
		scores := s.Score(values)
		for j, i := range idx {
			p := models.RoundProbability(scores[j])
			inds[i].Probability = &p
		}
	}
}

// Constructor returns a pool constructor: each worker dials its own pull
// and push sockets and loads its own plugin instances.
func Constructor(ctx context.Context, cfg *config.Config, deps *Deps) worker.Constructor {
	return func(id int) (worker.Worker, error) {
		plugins, err := Registry.Load(cfg.Gatherer.Plugins, deps)
		if err != nil {
			return nil, err
		}
		pull, err := transport.Dial(ctx, transport.Pull, fmt.Sprintf("gatherer_%d_pull", id), cfg.Gatherer.Addr, transport.Options{})
		if err != nil {
			return nil, err
		}
		push, err := transport.Dial(ctx, transport.Push, fmt.Sprintf("gatherer_%d_push", id), cfg.Gatherer.SinkAddr, transport.Options{})
		if err != nil {
			_ = pull.Close()
			return nil, err
		}
		return NewWorker(pull, push, plugins, Options{Predict: cfg.Gatherer.Predict}), nil
	}
}
