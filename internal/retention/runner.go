package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/csirtgadgets/verbose-robot/pkg/logger"
	"github.com/csirtgadgets/verbose-robot/pkg/metrics"
)

// SearchTag marks the records the gateway and hunters write for searches.
const SearchTag = "search"

// Result counts what one run removed.
type Result struct {
	RunID  string
	Pruned int
	Search int
}

type rule struct {
	name string
	age  time.Duration
	tag  string
}

// runOnce applies every configured rule and writes the audit trail.
func (m *Manager) runOnce(ctx context.Context) (Result, error) {
	res := Result{RunID: uuid.NewString()}
	now := m.now()
	logger.Info("retention_run_start", "run_id", res.RunID)
	logger.AuditEvent("retention_audit_header", "run_id", res.RunID, "started_at", now.UTC().Format(time.RFC3339))

	rules := []rule{
		{name: "search_max_age", age: m.cfg.SearchMaxAge.Duration(), tag: SearchTag},
		{name: "max_age", age: m.cfg.MaxAge.Duration()},
	}
	for _, r := range rules {
		if r.age <= 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("retention run aborted: %w", err)
		}
		cutoff := now.Add(-r.age)
		n, err := m.pruner.Prune(cutoff, r.tag)
		if err != nil {
			logger.AuditEvent("retention_audit_item", "run_id", res.RunID, "rule", r.name, "status", "failed", "error", err.Error())
			return res, fmt.Errorf("%s: %w", r.name, err)
		}
		metrics.RetentionPruned.WithLabelValues(r.name).Add(float64(n))
		logger.AuditEvent("retention_audit_item", "run_id", res.RunID, "rule", r.name, "status", "success",
			"cutoff", cutoff.UTC().Format(time.RFC3339), "pruned", n)
		if r.tag == SearchTag {
			res.Search = n
		} else {
			res.Pruned = n
		}
	}

	logger.AuditEvent("retention_audit_footer", "run_id", res.RunID, "pruned", res.Pruned, "search", res.Search)
	logger.Info("retention_run_complete", "run_id", res.RunID, "pruned", res.Pruned, "search", res.Search, "took", time.Since(now))
	return res, nil
}
