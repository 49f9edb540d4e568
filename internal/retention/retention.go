// Package retention prunes old indicators on a cron schedule. Two rules
// run per tick: everything reported before max_age, and search records
// reported before search_max_age.
package retention

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/csirtgadgets/verbose-robot/pkg/config"
	"github.com/csirtgadgets/verbose-robot/pkg/logger"
)

// Pruner deletes records reported before cutoff, optionally only those
// carrying tag. *store.Store satisfies it.
type Pruner interface {
	Prune(cutoff time.Time, tag string) (int, error)
}

// ErrBusy is returned by RunImmediate while a run is in progress.
var ErrBusy = errors.New("retention run already in progress")

type Manager struct {
	cfg    config.RetentionConfig
	pruner Pruner
	now    func() time.Time

	mu      sync.Mutex
	running bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New validates the cron expression and returns an idle manager.
func New(cfg config.RetentionConfig, pruner Pruner) (*Manager, error) {
	if cfg.Cron != "" && !gronx.New().IsValid(cfg.Cron) {
		return nil, fmt.Errorf("invalid retention cron %q", cfg.Cron)
	}
	return &Manager{cfg: cfg, pruner: pruner, now: time.Now}, nil
}

// Start launches the schedule loop. It returns a nil manager when
// retention is disabled.
func Start(ctx context.Context, cfg config.RetentionConfig, pruner Pruner) (*Manager, error) {
	if !cfg.Enabled {
		logger.Info("retention_disabled")
		return nil, nil
	}
	m, err := New(cfg, pruner)
	if err != nil {
		return nil, err
	}
	ctx2, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	logger.Info("retention_enabled", "cron", cfg.Cron, "max_age", cfg.MaxAge.String(), "search_max_age", cfg.SearchMaxAge.String())
	go m.scheduleLoop(ctx2)
	return m, nil
}

// Stop ends the schedule loop and waits for an in-flight run.
func (m *Manager) Stop() {
	if m == nil || m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
}

// RunImmediate runs both rules now unless a run is already in progress.
func (m *Manager) RunImmediate(ctx context.Context) (Result, error) {
	if !m.begin() {
		return Result{}, ErrBusy
	}
	defer m.end()
	return m.runOnce(ctx)
}

func (m *Manager) begin() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return false
	}
	m.running = true
	return true
}

func (m *Manager) end() {
	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
}

func (m *Manager) scheduleLoop(ctx context.Context) {
	defer close(m.done)
	for {
		next, err := gronx.NextTickAfter(m.cfg.Cron, m.now(), false)
		if err != nil {
			logger.Error("retention_nexttick_failed", "cron", m.cfg.Cron, "error", err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		wait := next.Sub(m.now())
		if wait < time.Second {
			wait = time.Second
		}
		select {
		case <-time.After(wait):
			m.runJob(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) runJob(ctx context.Context) {
	if _, err := m.RunImmediate(ctx); err != nil {
		if errors.Is(err, ErrBusy) {
			logger.Info("retention_run_skipped", "reason", "busy")
			return
		}
		logger.Error("retention_run_error", "error", err)
	}
}
