// Package webhooks posts logged searches to the urls in webhooks.yml.
// Delivery is best effort: a failed post is logged and counted, never
// retried.
package webhooks

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/sugawarayuuta/sonnet"
	"github.com/valyala/fasthttp"

	"github.com/csirtgadgets/verbose-robot/pkg/config"
	"github.com/csirtgadgets/verbose-robot/pkg/logger"
	"github.com/csirtgadgets/verbose-robot/pkg/metrics"
	"github.com/csirtgadgets/verbose-robot/pkg/models"
	"github.com/csirtgadgets/verbose-robot/pkg/transport"
	"github.com/csirtgadgets/verbose-robot/pkg/worker"
)

const DefaultTimeout = 5 * time.Second

// Hook is one configured endpoint.
type Hook struct {
	Name string
	URL  string
}

// Slack reports whether the hook takes slack's incoming webhook format.
func (h Hook) Slack() bool {
	if h.Name == "slack" {
		return true
	}
	u, err := url.Parse(h.URL)
	return err == nil && u.Host == "hooks.slack.com"
}

// Hooks turns the name → url map of webhooks.yml into a stable list.
func Hooks(m map[string]string) []Hook {
	out := make([]Hook, 0, len(m))
	for name, u := range m {
		if strings.TrimSpace(u) == "" {
			continue
		}
		out = append(out, Hook{Name: name, URL: u})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// record is the loosely typed view of a pushed document; searches arrive
// as raw filter dicts, not indicators.
type record map[string]any

func (r record) str(key string) string {
	if v, ok := r[key].(string); ok {
		return v
	}
	return ""
}

// IsSearch reports whether the document is a logged search: its tags
// contain "search", or it is a raw query (an indicator with no itype, or
// one carrying a limit).
func (r record) IsSearch() bool {
	switch tags := r["tags"].(type) {
	case string:
		if models.ParseTags(tags).Has("search") {
			return true
		}
	case []any:
		for _, t := range tags {
			if s, ok := t.(string); ok && models.ParseTags(s).Has("search") {
				return true
			}
		}
	}
	if r.str("indicator") == "" {
		return false
	}
	_, limited := r["limit"]
	return r.str("itype") == "" || limited
}

// decode accepts one object or a list of them.
func decode(data []byte) ([]record, error) {
	var v any
	if err := sonnet.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	switch t := v.(type) {
	case map[string]any:
		return []record{t}, nil
	case []any:
		out := make([]record, 0, len(t))
		for _, e := range t {
			if m, ok := e.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("unexpected %T", v)
}

// Body renders the post body of r for h.
func Body(h Hook, r record) ([]byte, error) {
	if h.Slack() {
		return sonnet.Marshal(map[string]string{"text": "search: " + r.str("indicator")})
	}
	return sonnet.Marshal(r)
}

// Worker pulls router documents and posts the searches among them.
type Worker struct {
	pull        transport.Socket
	hooks       []Hook
	client      *fasthttp.Client
	timeout     time.Duration
	pollTimeout time.Duration
}

func NewWorker(pull transport.Socket, hooks []Hook, timeout time.Duration) *Worker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Worker{
		pull:    pull,
		hooks:   hooks,
		timeout: timeout,
		client: &fasthttp.Client{
			Name:         "cif-router",
			ReadTimeout:  timeout,
			WriteTimeout: timeout,
		},
	}
}

func (w *Worker) Run(stop <-chan struct{}) {
	worker.Serve(stop, w.pull, w.pollTimeout, func(frames [][]byte) {
		if len(frames) == 0 {
			return
		}
		w.Handle(frames[len(frames)-1])
	})
}

func (w *Worker) Close() error {
	w.client.CloseIdleConnections()
	return w.pull.Close()
}

// Handle posts every search in data to every hook and returns the number
// of successful posts.
func (w *Worker) Handle(data []byte) int {
	recs, err := decode(data)
	if err != nil {
		logger.Error("webhook_decode_failed", "error", err)
		return 0
	}
	sent := 0
	for _, r := range recs {
		if !r.IsSearch() {
			continue
		}
		for _, h := range w.hooks {
			if err := w.post(h, r); err != nil {
				metrics.WebhookPosts.WithLabelValues(h.Name, "error").Inc()
				logger.Error("webhook_post_failed", "hook", h.Name, "error", err)
				continue
			}
			metrics.WebhookPosts.WithLabelValues(h.Name, "ok").Inc()
			sent++
		}
	}
	return sent
}

func (w *Worker) post(h Hook, r record) error {
	body, err := Body(h, r)
	if err != nil {
		return err
	}
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(h.URL)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(body)
	if err := w.client.DoTimeout(req, resp, w.timeout); err != nil {
		return err
	}
	if code := resp.StatusCode(); code != fasthttp.StatusOK {
		return fmt.Errorf("status %d: %s", code, truncate(resp.Body(), 200))
	}
	logger.Debug("webhook_posted", "hook", h.Name, "indicator", r.str("indicator"))
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}

// Constructor returns the constructor for the single webhooks worker. A
// missing webhooks.yml leaves the worker running with no hooks.
func Constructor(ctx context.Context, cfg *config.Config) worker.Constructor {
	return func(id int) (worker.Worker, error) {
		m, err := config.LoadWebhooks(cfg.Webhooks.Path)
		switch {
		case os.IsNotExist(err):
			logger.Warn("webhooks_missing", "path", cfg.Webhooks.Path)
		case err != nil:
			return nil, err
		}
		hooks := Hooks(m)
		pull, err := transport.Dial(ctx, transport.Pull, fmt.Sprintf("webhooks_%d_pull", id), cfg.Webhooks.Addr, transport.Options{})
		if err != nil {
			return nil, err
		}
		logger.Info("webhooks_loaded", "count", len(hooks))
		return NewWorker(pull, hooks, cfg.Webhooks.Timeout.Duration()), nil
	}
}
