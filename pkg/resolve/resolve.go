// Package resolve is the DNS client shared by the enrichment plugins.
package resolve

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/csirtgadgets/verbose-robot/pkg/config"
	"github.com/csirtgadgets/verbose-robot/pkg/logger"
)

// Resolver answers one question. NXDOMAIN and empty answers are (nil, nil).
type Resolver interface {
	Query(ctx context.Context, name string, qtype uint16) ([]string, error)
}

// DNS queries the configured servers in order until one answers.
type DNS struct {
	servers []string
	client  *dns.Client
}

// New builds a resolver from cfg. Without configured servers the system
// resolv.conf is used.
func New(cfg config.ResolverConfig) (*DNS, error) {
	servers := append([]string(nil), cfg.Servers...)
	if len(servers) == 0 {
		cc, err := dns.ClientConfigFromFile("/etc/resolv.conf")
		if err != nil {
			return nil, fmt.Errorf("resolver: %w", err)
		}
		for _, s := range cc.Servers {
			servers = append(servers, net.JoinHostPort(s, cc.Port))
		}
	}
	for i, s := range servers {
		if _, _, err := net.SplitHostPort(s); err != nil {
			servers[i] = net.JoinHostPort(s, "53")
		}
	}
	if len(servers) == 0 {
		return nil, fmt.Errorf("resolver: no servers")
	}
	timeout := cfg.Timeout.Duration()
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &DNS{servers: servers, client: &dns.Client{Timeout: timeout}}, nil
}

func (d *DNS) Query(ctx context.Context, name string, qtype uint16) ([]string, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.RecursionDesired = true

	var lastErr error
	for _, srv := range d.servers {
		in, _, err := d.client.ExchangeContext(ctx, m, srv)
		if err != nil {
			lastErr = err
			logger.Debug("dns_exchange_failed", "server", srv, "name", name, "error", err)
			continue
		}
		switch in.Rcode {
		case dns.RcodeSuccess:
			return answers(in.Answer, qtype), nil
		case dns.RcodeNameError:
			return nil, nil
		default:
			lastErr = fmt.Errorf("%s %s: %s", name, dns.TypeToString[qtype], dns.RcodeToString[in.Rcode])
		}
	}
	return nil, lastErr
}

func answers(rrs []dns.RR, qtype uint16) []string {
	var out []string
	for _, rr := range rrs {
		if rr.Header().Rrtype != qtype {
			continue
		}
		switch v := rr.(type) {
		case *dns.A:
			out = append(out, v.A.String())
		case *dns.AAAA:
			out = append(out, v.AAAA.String())
		case *dns.NS:
			out = append(out, trimDot(v.Ns))
		case *dns.MX:
			out = append(out, trimDot(v.Mx))
		case *dns.CNAME:
			out = append(out, trimDot(v.Target))
		case *dns.TXT:
			out = append(out, strings.Join(v.Txt, ""))
		case *dns.PTR:
			out = append(out, trimDot(v.Ptr))
		}
	}
	return out
}

func trimDot(s string) string { return strings.TrimSuffix(s, ".") }

// Addrs returns the A and AAAA answers for name.
func Addrs(ctx context.Context, r Resolver, name string) (v4, v6 []string, err error) {
	if v4, err = r.Query(ctx, name, dns.TypeA); err != nil {
		return nil, nil, err
	}
	if v6, err = r.Query(ctx, name, dns.TypeAAAA); err != nil {
		return v4, nil, err
	}
	return v4, v6, nil
}

// A returns the ipv4 addresses of name.
func A(ctx context.Context, r Resolver, name string) ([]string, error) {
	return r.Query(ctx, name, dns.TypeA)
}

// NS returns the name servers of name.
func NS(ctx context.Context, r Resolver, name string) ([]string, error) {
	return r.Query(ctx, name, dns.TypeNS)
}

// MX returns the mail exchangers of name.
func MX(ctx context.Context, r Resolver, name string) ([]string, error) {
	return r.Query(ctx, name, dns.TypeMX)
}

// CNAME returns the canonical name targets of name.
func CNAME(ctx context.Context, r Resolver, name string) ([]string, error) {
	return r.Query(ctx, name, dns.TypeCNAME)
}

// TXT returns the text records of name.
func TXT(ctx context.Context, r Resolver, name string) ([]string, error) {
	return r.Query(ctx, name, dns.TypeTXT)
}

// ReverseIPv4 turns 192.0.2.1 into 1.2.0.192, the label order the DNSBL
// and cymru zones expect.
func ReverseIPv4(ip string) (string, bool) {
	addr := net.ParseIP(ip).To4()
	if addr == nil {
		return "", false
	}
	return fmt.Sprintf("%d.%d.%d.%d", addr[3], addr[2], addr[1], addr[0]), true
}

// Map is a canned Resolver keyed by "<TYPE> <name>", e.g. "A example.org".
type Map map[string][]string

func (m Map) Query(_ context.Context, name string, qtype uint16) ([]string, error) {
	return m[dns.TypeToString[qtype]+" "+trimDot(name)], nil
}
