package retention

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csirtgadgets/verbose-robot/pkg/config"
)

type pruneCall struct {
	cutoff time.Time
	tag    string
}

type fakePruner struct {
	mu    sync.Mutex
	calls []pruneCall
	n     int
	err   error
	block chan struct{}
}

func (f *fakePruner) Prune(cutoff time.Time, tag string) (int, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, pruneCall{cutoff, tag})
	return f.n, f.err
}

func retentionConfig() config.RetentionConfig {
	return config.RetentionConfig{
		Enabled:      true,
		Cron:         "0 3 * * *",
		MaxAge:       config.Duration(180 * 24 * time.Hour),
		SearchMaxAge: config.Duration(14 * 24 * time.Hour),
	}
}

func TestRunImmediateAppliesBothRules(t *testing.T) {
	now := time.Date(2024, 6, 1, 3, 0, 0, 0, time.UTC)
	p := &fakePruner{n: 3}
	m, err := New(retentionConfig(), p)
	require.NoError(t, err)
	m.now = func() time.Time { return now }

	res, err := m.RunImmediate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Pruned)
	assert.Equal(t, 3, res.Search)
	assert.NotEmpty(t, res.RunID)

	require.Len(t, p.calls, 2)
	assert.Equal(t, SearchTag, p.calls[0].tag)
	assert.Equal(t, now.Add(-14*24*time.Hour), p.calls[0].cutoff)
	assert.Equal(t, "", p.calls[1].tag)
	assert.Equal(t, now.Add(-180*24*time.Hour), p.calls[1].cutoff)
}

func TestRunSkipsUnsetRule(t *testing.T) {
	cfg := retentionConfig()
	cfg.SearchMaxAge = 0
	p := &fakePruner{}
	m, err := New(cfg, p)
	require.NoError(t, err)
	_, err = m.RunImmediate(context.Background())
	require.NoError(t, err)
	require.Len(t, p.calls, 1)
	assert.Equal(t, "", p.calls[0].tag)
}

func TestRunPropagatesPruneError(t *testing.T) {
	p := &fakePruner{err: errors.New("disk full")}
	m, err := New(retentionConfig(), p)
	require.NoError(t, err)
	_, err = m.RunImmediate(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "search_max_age")
}

func TestRunsAreSerialized(t *testing.T) {
	p := &fakePruner{block: make(chan struct{})}
	m, err := New(retentionConfig(), p)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = m.RunImmediate(context.Background())
	}()
	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.running
	}, time.Second, time.Millisecond)

	_, err = m.RunImmediate(context.Background())
	assert.ErrorIs(t, err, ErrBusy)

	close(p.block)
	<-done
}

func TestInvalidCron(t *testing.T) {
	cfg := retentionConfig()
	cfg.Cron = "not a cron"
	_, err := New(cfg, &fakePruner{})
	assert.Error(t, err)
}

func TestStartDisabled(t *testing.T) {
	m, err := Start(context.Background(), config.RetentionConfig{}, &fakePruner{})
	require.NoError(t, err)
	assert.Nil(t, m)
	m.Stop()
}

func TestStartStop(t *testing.T) {
	m, err := Start(context.Background(), retentionConfig(), &fakePruner{})
	require.NoError(t, err)
	m.Stop()
}
