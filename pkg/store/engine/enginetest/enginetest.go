// Package enginetest is a conformance suite run against every storage
// backend.
package enginetest

import (
	"errors"
	"sort"
	"testing"

	"github.com/csirtgadgets/verbose-robot/pkg/models"
	"github.com/csirtgadgets/verbose-robot/pkg/store/engine"
	"github.com/csirtgadgets/verbose-robot/pkg/store/search"
)

// Run exercises e. open must return a fresh, empty engine.
func Run(t *testing.T, open func(t *testing.T) engine.Engine) {
	t.Run("PutLookupCommit", func(t *testing.T) { testPutLookup(t, open(t)) })
	t.Run("Rollback", func(t *testing.T) { testRollback(t, open(t)) })
	t.Run("ScanIPv4Prefix", func(t *testing.T) { testScanIPv4(t, open(t)) })
	t.Run("ScanFQDN", func(t *testing.T) { testScanFQDN(t, open(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, open(t)) })
	t.Run("Tokens", func(t *testing.T) { testTokens(t, open(t)) })
}

func rec(uuid, v, itype string) *models.Indicator {
	return &models.Indicator{UUID: uuid, Indicator: v, Itype: itype, Provider: "p", Tags: models.Tags{"malware"}, Group: "everyone", Count: 1}
}

func put(t *testing.T, e engine.Engine, inds ...*models.Indicator) {
	t.Helper()
	tx, err := e.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	for _, i := range inds {
		if err := tx.Put(i); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func scan(t *testing.T, e engine.Engine, filters map[string]any) []string {
	t.Helper()
	q, err := search.Parse(filters, nil, 0)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	var out []string
	if err := e.Scan(q, func(i *models.Indicator) bool {
		if q.Match(i) {
			out = append(out, i.Indicator)
		}
		return true
	}); err != nil {
		t.Fatalf("scan: %v", err)
	}
	sort.Strings(out)
	return out
}

func testPutLookup(t *testing.T, e engine.Engine) {
	defer e.Close()
	r := rec("u1", "example.com", models.ItypeFQDN)
	tx, err := e.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := tx.Put(r); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := tx.Lookup(r.MatchKey())
	if err != nil || got.UUID != "u1" {
		t.Fatalf("lookup inside tx: %v %+v", err, got)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	r.Count = 2
	put(t, e, r)
	tx, _ = e.Begin()
	defer tx.Rollback()
	got, err = tx.Lookup(r.MatchKey())
	if err != nil || got.Count != 2 {
		t.Fatalf("expected updated record, got %v %+v", err, got)
	}
	if _, err := tx.Lookup("nope"); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func testRollback(t *testing.T, e engine.Engine) {
	defer e.Close()
	tx, _ := e.Begin()
	if err := tx.Put(rec("u1", "example.com", models.ItypeFQDN)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if got := scan(t, e, map[string]any{}); len(got) != 0 {
		t.Fatalf("rolled back write is visible: %v", got)
	}
}

func testScanIPv4(t *testing.T, e engine.Engine) {
	defer e.Close()
	put(t, e,
		rec("a", "192.168.1.1", models.ItypeIPv4),
		rec("b", "192.168.1.200", models.ItypeIPv4),
		rec("c", "192.168.2.1", models.ItypeIPv4),
		rec("d", "10.0.0.1", models.ItypeIPv4),
	)
	got := scan(t, e, map[string]any{"indicator": "192.168.1.0/24"})
	if len(got) != 2 || got[0] != "192.168.1.1" || got[1] != "192.168.1.200" {
		t.Fatalf("unexpected /24 result %v", got)
	}
	if got := scan(t, e, map[string]any{"indicator": "10.0.0.1"}); len(got) != 1 {
		t.Fatalf("unexpected host result %v", got)
	}
}

func testScanFQDN(t *testing.T, e engine.Engine) {
	defer e.Close()
	put(t, e,
		rec("a", "example.com", models.ItypeFQDN),
		rec("b", "www.example.com", models.ItypeFQDN),
		rec("c", "badexample.com", models.ItypeFQDN),
		rec("d", "http://example.com/x", models.ItypeURL),
	)
	got := scan(t, e, map[string]any{"indicator": "example.com"})
	if len(got) != 2 || got[0] != "example.com" || got[1] != "www.example.com" {
		t.Fatalf("unexpected fqdn result %v", got)
	}
	if got := scan(t, e, map[string]any{"indicator": "http://example.com/x"}); len(got) != 1 {
		t.Fatalf("unexpected url result %v", got)
	}
}

func testDelete(t *testing.T, e engine.Engine) {
	defer e.Close()
	put(t, e, rec("a", "example.com", models.ItypeFQDN), rec("b", "example.org", models.ItypeFQDN))
	n, err := e.Delete([]string{"a", "missing"})
	if err != nil || n != 1 {
		t.Fatalf("delete: %v %d", err, n)
	}
	if got := scan(t, e, map[string]any{}); len(got) != 1 || got[0] != "example.org" {
		t.Fatalf("unexpected remaining %v", got)
	}
	tx, _ := e.Begin()
	defer tx.Rollback()
	if _, err := tx.Lookup(rec("a", "example.com", models.ItypeFQDN).MatchKey()); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("match index survived delete: %v", err)
	}
}

func testTokens(t *testing.T, e engine.Engine) {
	defer e.Close()
	tok := &models.Token{Token: "abc", Username: "admin", Groups: []string{"everyone"}, Admin: true}
	if err := e.PutToken(tok); err != nil {
		t.Fatalf("put token: %v", err)
	}
	got, err := e.GetToken("abc")
	if err != nil || got.Username != "admin" || !bool(got.Admin) {
		t.Fatalf("get token: %v %+v", err, got)
	}
	n := 0
	_ = e.ScanTokens(func(*models.Token) bool { n++; return true })
	if n != 1 {
		t.Fatalf("expected 1 token, got %d", n)
	}
	if err := e.DeleteToken("abc"); err != nil {
		t.Fatalf("delete token: %v", err)
	}
	if _, err := e.GetToken("abc"); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := e.Ping(); err != nil {
		t.Fatalf("ping: %v", err)
	}
}
