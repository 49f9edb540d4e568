package auth

import (
	"testing"
	"time"
)

func TestParseToken(t *testing.T) {
	cases := []struct {
		header, query, want string
	}{
		{"Token token=abc", "", "abc"},
		{`Token token="abc"`, "", "abc"},
		{"Bearer abc", "", "abc"},
		{"abc", "", "abc"},
		{"", "fromquery", "fromquery"},
		{"", "", ""},
	}
	for _, c := range cases {
		if got := ParseToken(c.header, c.query); got != c.want {
			t.Fatalf("ParseToken(%q, %q) = %q, want %q", c.header, c.query, got, c.want)
		}
	}
}

func TestLimiterSweepsIdleTokens(t *testing.T) {
	now := time.Unix(1700000000, 0)
	p := newLimiterPool(Limits{RPS: 1, Burst: 1})
	p.ttl = time.Minute
	p.cleanupPeriod = time.Hour
	p.now = func() time.Time { return now }
	defer p.Shutdown()

	if !p.Allow("a") {
		t.Fatalf("first request refused")
	}
	if p.Allow("a") {
		t.Fatalf("burst of one allowed twice")
	}
	p.Allow("b")

	now = now.Add(2 * time.Minute)
	p.Allow("b")
	p.sweep()
	if got := p.size(); got != 1 {
		t.Fatalf("pool size after sweep = %d, want 1", got)
	}
}

func TestLimiterDisabled(t *testing.T) {
	p := newLimiterPool(Limits{})
	for i := 0; i < 10; i++ {
		if !p.Allow("a") {
			t.Fatalf("disabled limiter refused request %d", i)
		}
	}
}
