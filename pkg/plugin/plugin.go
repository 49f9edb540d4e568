// Package plugin defines the enrichment plugin contracts and the static,
// config-ordered registry the gatherer and hunter pools load them from.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/csirtgadgets/verbose-robot/pkg/logger"
	"github.com/csirtgadgets/verbose-robot/pkg/metrics"
	"github.com/csirtgadgets/verbose-robot/pkg/models"
)

// Named is implemented by every plugin.
type Named interface {
	Name() string
}

// Gatherer enriches an indicator before it is stored. ok is false when the
// plugin had nothing to add; the returned indicator is then ignored.
type Gatherer interface {
	Named
	Gather(ctx context.Context, ind models.Indicator) (models.Indicator, bool, error)
}

// Hunter derives related indicators from an accepted one. ok is false when
// the plugin does not apply to ind.
type Hunter interface {
	Named
	Hunt(ctx context.Context, ind models.Indicator) ([]models.Indicator, bool, error)
}

// Registry maps plugin names to constructors taking dependencies D.
type Registry[P Named, D any] struct {
	kind  string
	ctors map[string]func(D) (P, error)
}

// NewRegistry returns an empty registry. kind labels errors ("gatherer").
func NewRegistry[P Named, D any](kind string) *Registry[P, D] {
	return &Registry[P, D]{kind: kind, ctors: map[string]func(D) (P, error){}}
}

// Register adds a constructor. Registering a name twice panics.
func (r *Registry[P, D]) Register(name string, ctor func(D) (P, error)) {
	if _, dup := r.ctors[name]; dup {
		panic(fmt.Sprintf("%s plugin %q registered twice", r.kind, name))
	}
	r.ctors[name] = ctor
}

// Names lists the registered plugins, sorted.
func (r *Registry[P, D]) Names() []string {
	out := make([]string, 0, len(r.ctors))
	for n := range r.ctors {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Load builds the plugins in the given order. Unknown names fail the load;
// a constructor returning ErrDisabled is skipped with a log line.
func (r *Registry[P, D]) Load(names []string, deps D) ([]P, error) {
	out := make([]P, 0, len(names))
	for _, n := range names {
		ctor, ok := r.ctors[n]
		if !ok {
			return nil, fmt.Errorf("unknown %s plugin %q", r.kind, n)
		}
		p, err := ctor(deps)
		if errors.Is(err, ErrDisabled) {
			logger.Info("plugin_disabled", "pool", r.kind, "plugin", n)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%s plugin %s: %w", r.kind, n, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// ErrDisabled is returned by a constructor whose prerequisites (a database
// path, a resolver) are not configured.
var ErrDisabled = errors.New("plugin disabled")

// Call runs fn and turns a returned error or a panic into a log line that
// names the plugin and the indicator. ok is false in both cases.
func Call[R any](pool, name, indicator string, fn func() (R, bool, error)) (res R, ok bool) {
	defer func() {
		if p := recover(); p != nil {
			metrics.PluginErrors.WithLabelValues(pool, name).Inc()
			logger.Error("plugin_panic", "pool", pool, "plugin", name, "indicator", indicator, "panic", fmt.Sprint(p))
			var zero R
			res, ok = zero, false
		}
	}()
	r, ok, err := fn()
	if err != nil {
		metrics.PluginErrors.WithLabelValues(pool, name).Inc()
		logger.Error("plugin_failed", "pool", pool, "plugin", name, "indicator", indicator, "error", err)
		return r, false
	}
	return r, ok
}
