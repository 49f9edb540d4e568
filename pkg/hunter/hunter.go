// Package hunter is the pivoting pool. Accepted indicators and searches
// are fanned out to it by the router; each plugin may derive related
// indicators, which are submitted back through the hunter sink under the
// hunter token.
package hunter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/csirtgadgets/verbose-robot/pkg/client"
	"github.com/csirtgadgets/verbose-robot/pkg/config"
	"github.com/csirtgadgets/verbose-robot/pkg/logger"
	"github.com/csirtgadgets/verbose-robot/pkg/models"
	"github.com/csirtgadgets/verbose-robot/pkg/msg"
	"github.com/csirtgadgets/verbose-robot/pkg/plugin"
	"github.com/csirtgadgets/verbose-robot/pkg/resolve"
	"github.com/csirtgadgets/verbose-robot/pkg/transport"
	"github.com/csirtgadgets/verbose-robot/pkg/worker"
)

const pool = "hunter"

// Search records built from raw search payloads.
const (
	searchConfidence = 4
	searchGroup      = "everyone"
	searchTLP        = "amber"
)

// Registry holds every hunter plugin, keyed by its config name.
var Registry = plugin.NewRegistry[plugin.Hunter, *Deps](pool)

func init() {
	Registry.Register("fqdn", newFQDN)
	Registry.Register("fqdn_ns", newFQDNNS)
	Registry.Register("fqdn_mx", newFQDNMX)
	Registry.Register("fqdn_cname", newFQDNCNAME)
	Registry.Register("fqdn_subdomain", newFQDNSubdomain)
	Registry.Register("url", newURL)
	Registry.Register("ipv4_resolve_prefix_whitelist", newPrefixWhitelist)
	Registry.Register("spamhaus_ip", newSpamhausIP)
}

// Deps are shared by the plugin instances of one worker.
type Deps struct {
	Resolver resolve.Resolver
	// Decay is subtracted from the source confidence of derived records.
	Decay float64
}

// derive builds a child of src with the decayed confidence.
func (d *Deps) derive(src models.Indicator, value, itype string) models.Indicator {
	c := src.Confidence - d.Decay
	if c < 0 {
		c = 0
	}
	out := src.Derive(value, itype, c)
	out.LastAt = models.Now()
	return out
}

// Submitter takes derived indicators. *client.Client satisfies it.
type Submitter interface {
	IndicatorsCreate(ctx context.Context, inds []models.Indicator, nowait bool) (msg.Reply, error)
}

// Exclusions maps a provider to the tags whose records are never hunted.
type Exclusions map[string]map[string]bool

// ParseExclusions reads "provider:tag,provider:tag".
func ParseExclusions(s string) (Exclusions, error) {
	out := Exclusions{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		provider, tag, ok := strings.Cut(part, ":")
		if !ok || provider == "" || tag == "" {
			return nil, fmt.Errorf("hunter exclude %q: want provider:tag", part)
		}
		if out[provider] == nil {
			out[provider] = map[string]bool{}
		}
		out[provider][tag] = true
		logger.Debug("hunter_exclude", "provider", provider, "tag", tag)
	}
	return out, nil
}

// Excluded reports whether ind's provider has one of its tags excluded.
func (e Exclusions) Excluded(ind models.Indicator) bool {
	tags := e[ind.Provider]
	for _, t := range ind.Tags {
		if tags[t] {
			return true
		}
	}
	return false
}

var degenerate = map[string]bool{"": true, "localhost": true, "example.com": true}

// Options tune one worker.
type Options struct {
	Exclude     Exclusions
	Timeout     time.Duration
	PollTimeout time.Duration
}

// Worker pulls published indicators, runs the plugins over them and
// submits whatever they derive.
type Worker struct {
	pull    transport.Socket
	out     Submitter
	plugins []plugin.Hunter
	opts    Options
	closer  func() error
}

// NewWorker builds a worker over a connected pull socket.
func NewWorker(pull transport.Socket, out Submitter, plugins []plugin.Hunter, opts Options) *Worker {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Worker{pull: pull, out: out, plugins: plugins, opts: opts}
}

func (w *Worker) Run(stop <-chan struct{}) {
	worker.Serve(stop, w.pull, w.opts.PollTimeout, func(frames [][]byte) {
		if len(frames) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), w.opts.Timeout)
		defer cancel()
		derived, err := w.Process(ctx, frames[len(frames)-1])
		if err != nil {
			logger.Error("hunter_message_failed", "error", err)
			return
		}
		if len(derived) == 0 {
			return
		}
		if _, err := w.out.IndicatorsCreate(ctx, derived, true); err != nil {
			logger.Error("hunter_submit_failed", "count", len(derived), "error", err)
		}
	})
}

func (w *Worker) Close() error {
	err := w.pull.Close()
	if w.closer != nil {
		if cerr := w.closer(); err == nil {
			err = cerr
		}
	}
	return err
}

// Process decodes one published document and returns everything the
// plugins derived from it.
func (w *Worker) Process(ctx context.Context, data []byte) ([]models.Indicator, error) {
	inds, err := models.DecodeIndicators(data)
	if err != nil {
		return nil, fmt.Errorf("payload: %w", err)
	}
	var out []models.Indicator
	for _, ind := range inds {
		if ind.Itype == "" {
			var ok bool
			if ind, ok = searchRecord(ind); !ok {
				continue
			}
		}
		if degenerate[strings.ToLower(ind.Indicator)] {
			continue
		}
		if w.opts.Exclude.Excluded(ind) {
			logger.Debug("hunter_skipped", "indicator", ind.Indicator, "provider", ind.Provider)
			continue
		}
		for _, p := range w.plugins {
			in := ind.Clone()
			got, ok := plugin.Call(pool, p.Name(), in.Indicator, func() ([]models.Indicator, bool, error) {
				return p.Hunt(ctx, in)
			})
			if ok {
				out = append(out, got...)
			}
		}
	}
	return out, nil
}

// searchRecord turns a raw search query into the record hunters work on.
func searchRecord(q models.Indicator) (models.Indicator, bool) {
	if q.Indicator == "" {
		return q, false
	}
	itype, ok := models.ResolveItype(q.Indicator)
	if !ok {
		return q, false
	}
	return models.Indicator{
		Indicator:  q.Indicator,
		Itype:      itype,
		Tags:       models.Tags{"search"},
		Confidence: searchConfidence,
		Group:      searchGroup,
		TLP:        searchTLP,
		Provider:   q.Provider,
		ReportedAt: models.Now(),
	}, true
}

// Constructor returns a pool constructor. Each worker owns a pull socket
// on the hunter ingress and a client on the hunter sink.
func Constructor(ctx context.Context, cfg *config.Config, token string, deps *Deps) (worker.Constructor, error) {
	excl, err := ParseExclusions(cfg.Hunter.Exclude)
	if err != nil {
		return nil, err
	}
	return func(id int) (worker.Worker, error) {
		plugins, err := Registry.Load(cfg.Hunter.Plugins, deps)
		if err != nil {
			return nil, err
		}
		pull, err := transport.Dial(ctx, transport.Pull, fmt.Sprintf("hunter_%d_pull", id), cfg.Hunter.Addr, transport.Options{})
		if err != nil {
			return nil, err
		}
		c, err := client.Dial(ctx, fmt.Sprintf("hunter_%d_sink", id), cfg.Hunter.SinkAddr, token, 0)
		if err != nil {
			_ = pull.Close()
			return nil, err
		}
		w := NewWorker(pull, c, plugins, Options{Exclude: excl})
		w.closer = c.Close
		return w, nil
	}, nil
}
