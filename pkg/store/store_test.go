package store

import (
	"errors"
	"testing"
	"time"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csirtgadgets/verbose-robot/pkg/config"
	"github.com/csirtgadgets/verbose-robot/pkg/errs"
	"github.com/csirtgadgets/verbose-robot/pkg/models"
	"github.com/csirtgadgets/verbose-robot/pkg/store/engine/pebblestore"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	eng, err := pebblestore.Open("db", pebblestore.Options{FS: vfs.NewMem(), NoSync: true})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	cfg := config.Default().Store
	s := New(eng, cfg)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func writer(groups ...string) *models.Token {
	return &models.Token{Token: "w", Username: "writer", Groups: groups, Read: true, Write: true}
}

func ts(t *testing.T, s string) models.Timestamp {
	t.Helper()
	v, err := models.ParseTimestamp(s)
	if err != nil {
		t.Fatalf("timestamp %q: %v", s, err)
	}
	return v
}

func checked(t *testing.T, tok *models.Token, ind models.Indicator) models.Indicator {
	t.Helper()
	if err := Check(tok, &ind, models.Now()); err != nil {
		t.Fatalf("check: %v", err)
	}
	return ind
}

func TestUpsertCountsRepeatSighting(t *testing.T) {
	s := newTestStore(t)
	tok := writer("everyone")
	base := models.Indicator{Indicator: "example.com", Itype: "fqdn", Tags: models.Tags{"botnet"}, Provider: "x", Group: "everyone"}

	first := base.Clone()
	first.LastAt = ts(t, "2024-01-01T00:00:00Z")
	n, err := s.Upsert([]models.Indicator{checked(t, tok, first)})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	second := base.Clone()
	second.LastAt = ts(t, "2024-01-02T00:00:00Z")
	n, err = s.Upsert([]models.Indicator{checked(t, tok, second)})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	out, err := s.Search(tok, map[string]any{"indicator": "example.com"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 2, out[0].Count)
	assert.True(t, out[0].LastAt.Equal(second.LastAt.Time))
}

func TestUpsertIgnoresStaleSighting(t *testing.T) {
	s := newTestStore(t)
	tok := writer("everyone")
	ind := models.Indicator{Indicator: "198.51.100.7", Tags: models.Tags{"scanner"}, Provider: "x", LastAt: ts(t, "2024-03-01T00:00:00Z")}

	_, err := s.Upsert([]models.Indicator{checked(t, tok, ind)})
	require.NoError(t, err)

	again := ind.Clone()
	again.Confidence = 9
	n, err := s.Upsert([]models.Indicator{checked(t, tok, again)})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	older := ind.Clone()
	older.LastAt = ts(t, "2024-02-01T00:00:00Z")
	n, err = s.Upsert([]models.Indicator{checked(t, tok, older)})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	out, err := s.Search(tok, map[string]any{"indicator": "198.51.100.7"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 1, out[0].Count)
	assert.Equal(t, 0.0, out[0].Confidence)
	assert.True(t, out[0].LastAt.Equal(ind.LastAt.Time))
}

func TestUpsertDedupsWithinBatch(t *testing.T) {
	s := newTestStore(t)
	tok := writer("everyone")
	a := checked(t, tok, models.Indicator{Indicator: "evil.example.net", Tags: models.Tags{"phishing"}, LastAt: ts(t, "2024-01-01T00:00:00Z")})
	b := a.Clone()
	b.LastAt = ts(t, "2024-01-01T01:00:00Z")

	n, err := s.Upsert([]models.Indicator{a, b, a})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	out, err := s.Search(tok, map[string]any{"indicator": "evil.example.net"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 2, out[0].Count)
}

func TestPrefixSearchReturnsContainedAddress(t *testing.T) {
	s := newTestStore(t)
	tok := writer("everyone")
	_, err := s.Upsert([]models.Indicator{
		checked(t, tok, models.Indicator{Indicator: "192.168.1.1", Tags: models.Tags{"scanner"}}),
		checked(t, tok, models.Indicator{Indicator: "192.168.2.1", Tags: models.Tags{"scanner"}}),
	})
	require.NoError(t, err)

	out, err := s.Search(tok, map[string]any{"indicator": "192.168.1.0/24"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "192.168.1.1", out[0].Indicator)

	_, err = s.Search(tok, map[string]any{"indicator": "10.0.0.0/7"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrInvalidSearch))
}

func TestCheckRejectsForeignGroup(t *testing.T) {
	s := newTestStore(t)
	tok := writer("everyone")
	ind := models.Indicator{Indicator: "example.org", Tags: models.Tags{"malware"}, Group: "staff"}

	err := Check(tok, &ind, models.Now())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrAuth))

	admin := &models.Token{Token: "a", Username: "admin", Admin: true}
	out, err := s.Search(admin, map[string]any{"indicator": "example.org"})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestCheckFillsDefaults(t *testing.T) {
	tok := writer("partners", "everyone")
	now := ts(t, "2024-05-05T05:05:05Z")
	ind := models.Indicator{Indicator: "  Bad.Example.COM. ", Message: "aGVsbG8="}

	require.NoError(t, Check(tok, &ind, now))
	assert.Equal(t, "bad.example.com", ind.Indicator)
	assert.Equal(t, models.ItypeFQDN, ind.Itype)
	assert.Equal(t, "partners", ind.Group)
	assert.Equal(t, "writer", ind.Provider)
	assert.Equal(t, models.Tags{"suspicious"}, ind.Tags)
	assert.Equal(t, "hello", ind.Message)
	assert.True(t, ind.ReportedAt.Equal(now.Time))
	assert.True(t, ind.FirstAt.Equal(now.Time))

	bad := models.Indicator{Indicator: "not an indicator"}
	err := Check(tok, &bad, now)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrInvalidIndicator))
}

func TestSearchHidesLoggedSearches(t *testing.T) {
	s := newTestStore(t)
	tok := writer("everyone")
	s.LogSearch(tok, map[string]any{"indicator": "lookup.example.com"})
	s.LogSearch(tok, map[string]any{"indicator": "*.example.com"})
	s.LogSearch(tok, map[string]any{"indicator": "quiet.example.com", "nolog": "1"})

	out, err := s.Search(tok, map[string]any{"itype": "fqdn"})
	require.NoError(t, err)
	assert.Empty(t, out)

	out, err = s.Search(tok, map[string]any{"tags": "search"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "lookup.example.com", out[0].Indicator)
	assert.Equal(t, float64(searchConfidence), out[0].Confidence)
}

func TestDeleteAndPrune(t *testing.T) {
	s := newTestStore(t)
	tok := writer("everyone")
	old := checked(t, tok, models.Indicator{Indicator: "203.0.113.5", Tags: models.Tags{"scanner"}, ReportedAt: ts(t, "2020-01-01T00:00:00Z")})
	fresh := checked(t, tok, models.Indicator{Indicator: "203.0.113.6", Tags: models.Tags{"scanner"}})
	_, err := s.Upsert([]models.Indicator{old, fresh})
	require.NoError(t, err)

	n, err := s.Prune(time.Now().AddDate(-1, 0, 0), "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	admin := &models.Token{Token: "a", Username: "admin", Admin: true}
	n, err = s.Delete(admin, []map[string]any{{"indicator": "203.0.113.6"}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	out, err := s.Search(admin, map[string]any{"itype": "ipv4"})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestStatsAndGraph(t *testing.T) {
	s := newTestStore(t)
	tok := writer("everyone")
	src := checked(t, tok, models.Indicator{Indicator: "pivot.example.com", Provider: "alpha", Tags: models.Tags{"botnet"}})
	child := checked(t, tok, src.Derive("192.0.2.10", models.ItypeIPv4, 2))
	other := checked(t, tok, models.Indicator{Indicator: "192.0.2.99", Provider: "beta", Tags: models.Tags{"scanner"}})
	_, err := s.Upsert([]models.Indicator{src, child, other})
	require.NoError(t, err)

	rows, err := s.Stats(tok, map[string]any{"q": "provider"})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, StatRow{Value: "alpha", Count: 2}, rows[0])

	g, err := s.Graph(tok, map[string]any{"indicator": "pivot.example.com"})
	require.NoError(t, err)
	require.Len(t, g, 2)
}
