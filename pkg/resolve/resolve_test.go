package resolve

import (
	"context"
	"net"
	"testing"

	"github.com/miekg/dns"

	"github.com/csirtgadgets/verbose-robot/pkg/config"
)

func configFor(servers ...string) config.ResolverConfig {
	return config.ResolverConfig{Servers: servers}
}

func TestAnswersFiltersByType(t *testing.T) {
	rrs := []dns.RR{
		&dns.CNAME{Hdr: dns.RR_Header{Rrtype: dns.TypeCNAME}, Target: "edge.example.net."},
		&dns.A{Hdr: dns.RR_Header{Rrtype: dns.TypeA}, A: net.ParseIP("192.0.2.10")},
		&dns.A{Hdr: dns.RR_Header{Rrtype: dns.TypeA}, A: net.ParseIP("192.0.2.11")},
	}
	got := answers(rrs, dns.TypeA)
	if len(got) != 2 || got[0] != "192.0.2.10" || got[1] != "192.0.2.11" {
		t.Fatalf("unexpected A answers %v", got)
	}
	if got := answers(rrs, dns.TypeCNAME); len(got) != 1 || got[0] != "edge.example.net" {
		t.Fatalf("unexpected CNAME answers %v", got)
	}
}

func TestTXTJoinsStrings(t *testing.T) {
	rr := &dns.TXT{Hdr: dns.RR_Header{Rrtype: dns.TypeTXT}, Txt: []string{"15169 | 8.8.8.0/24 ", "| US | arin |"}}
	got := answers([]dns.RR{rr}, dns.TypeTXT)
	if len(got) != 1 || got[0] != "15169 | 8.8.8.0/24 | US | arin |" {
		t.Fatalf("unexpected TXT %q", got)
	}
}

func TestReverseIPv4(t *testing.T) {
	if got, ok := ReverseIPv4("192.0.2.1"); !ok || got != "1.2.0.192" {
		t.Fatalf("got %q %v", got, ok)
	}
	if _, ok := ReverseIPv4("2001:db8::1"); ok {
		t.Fatalf("ipv6 should not reverse")
	}
}

func TestMapResolver(t *testing.T) {
	r := Map{
		"A example.org":    {"192.0.2.1"},
		"AAAA example.org": {"2001:db8::1"},
		"MX example.org":   {"mail.example.org"},
	}
	v4, v6, err := Addrs(context.Background(), r, "example.org.")
	if err != nil || len(v4) != 1 || len(v6) != 1 {
		t.Fatalf("addrs: %v %v %v", v4, v6, err)
	}
	mx, _ := MX(context.Background(), r, "example.org")
	if len(mx) != 1 || mx[0] != "mail.example.org" {
		t.Fatalf("mx: %v", mx)
	}
	ns, _ := NS(context.Background(), r, "example.org")
	if ns != nil {
		t.Fatalf("expected no NS, got %v", ns)
	}
}

func TestNewAddsDefaultPort(t *testing.T) {
	d, err := New(configFor("192.0.2.53", "[2001:db8::53]:5353"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if d.servers[0] != "192.0.2.53:53" || d.servers[1] != "[2001:db8::53]:5353" {
		t.Fatalf("servers %v", d.servers)
	}
}
