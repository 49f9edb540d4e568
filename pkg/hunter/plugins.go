package hunter

import (
	"context"
	"fmt"
	"net/netip"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/csirtgadgets/verbose-robot/pkg/models"
	"github.com/csirtgadgets/verbose-robot/pkg/plugin"
	"github.com/csirtgadgets/verbose-robot/pkg/resolve"
)

func needsResolver(d *Deps) error {
	if d == nil || d.Resolver == nil {
		return plugin.ErrDisabled
	}
	return nil
}

// huntable is true for fqdn records that are not logged searches.
func huntable(ind models.Indicator) bool {
	return ind.Itype == models.ItypeFQDN && !ind.IsSearch()
}

func usable(v string) bool {
	return v != "" && v != "localhost"
}

// fqdn resolves A and AAAA records into address indicators and records
// the resolution itself as passive dns.
type fqdn struct{ *Deps }

func newFQDN(d *Deps) (plugin.Hunter, error) {
	if err := needsResolver(d); err != nil {
		return nil, err
	}
	return fqdn{d}, nil
}

func (fqdn) Name() string { return "fqdn" }

func (p fqdn) Hunt(ctx context.Context, ind models.Indicator) ([]models.Indicator, bool, error) {
	if !huntable(ind) {
		return nil, false, nil
	}
	v4, v6, err := resolve.Addrs(ctx, p.Resolver, ind.Indicator)
	if err != nil {
		return nil, false, err
	}
	var out []models.Indicator
	add := func(addr, itype string) {
		if a, err := netip.ParseAddr(addr); err != nil || a.IsUnspecified() || a.IsLoopback() {
			return
		}
		out = append(out, p.derive(ind, addr, itype))
		pdns := p.derive(ind, ind.Indicator, models.ItypeFQDN)
		pdns.RData = addr
		pdns.Tags = models.Tags{"pdns"}
		out = append(out, pdns)
	}
	for _, a := range v4 {
		add(a, models.ItypeIPv4)
	}
	for _, a := range v6 {
		add(a, models.ItypeIPv6)
	}
	return out, len(out) > 0, nil
}

// lookupFQDNs derives one fqdn indicator per answer of lookup.
func lookupFQDNs(ctx context.Context, d *Deps, ind models.Indicator, lookup func(context.Context, resolve.Resolver, string) ([]string, error), clean func(string) string) ([]models.Indicator, bool, error) {
	if !huntable(ind) {
		return nil, false, nil
	}
	answers, err := lookup(ctx, d.Resolver, ind.Indicator)
	if err != nil {
		return nil, false, err
	}
	var out []models.Indicator
	for _, a := range answers {
		a = clean(a)
		if !usable(a) || a == ind.Indicator {
			continue
		}
		if itype, ok := models.ResolveItype(a); !ok || itype != models.ItypeFQDN {
			continue
		}
		out = append(out, d.derive(ind, a, models.ItypeFQDN))
	}
	return out, len(out) > 0, nil
}

func lower(s string) string { return strings.ToLower(strings.TrimSuffix(s, ".")) }

type fqdnNS struct{ *Deps }

func newFQDNNS(d *Deps) (plugin.Hunter, error) {
	if err := needsResolver(d); err != nil {
		return nil, err
	}
	return fqdnNS{d}, nil
}

func (fqdnNS) Name() string { return "fqdn_ns" }

func (p fqdnNS) Hunt(ctx context.Context, ind models.Indicator) ([]models.Indicator, bool, error) {
	return lookupFQDNs(ctx, p.Deps, ind, resolve.NS, lower)
}

type fqdnMX struct{ *Deps }

func newFQDNMX(d *Deps) (plugin.Hunter, error) {
	if err := needsResolver(d); err != nil {
		return nil, err
	}
	return fqdnMX{d}, nil
}

func (fqdnMX) Name() string { return "fqdn_mx" }

var mxPref = regexp.MustCompile(`^\d+\s+`)

func (p fqdnMX) Hunt(ctx context.Context, ind models.Indicator) ([]models.Indicator, bool, error) {
	return lookupFQDNs(ctx, p.Deps, ind, resolve.MX, func(s string) string {
		return lower(mxPref.ReplaceAllString(s, ""))
	})
}

type fqdnCNAME struct{ *Deps }

func newFQDNCNAME(d *Deps) (plugin.Hunter, error) {
	if err := needsResolver(d); err != nil {
		return nil, err
	}
	return fqdnCNAME{d}, nil
}

func (fqdnCNAME) Name() string { return "fqdn_cname" }

func (p fqdnCNAME) Hunt(ctx context.Context, ind models.Indicator) ([]models.Indicator, bool, error) {
	return lookupFQDNs(ctx, p.Deps, ind, resolve.CNAME, func(s string) string {
		return strings.TrimPrefix(lower(s), "*.")
	})
}

// fqdnSubdomain derives the registered domain of a subdomain.
type fqdnSubdomain struct{ *Deps }

func newFQDNSubdomain(d *Deps) (plugin.Hunter, error) {
	if d == nil {
		d = &Deps{}
	}
	return fqdnSubdomain{d}, nil
}

func (fqdnSubdomain) Name() string { return "fqdn_subdomain" }

func (p fqdnSubdomain) Hunt(_ context.Context, ind models.Indicator) ([]models.Indicator, bool, error) {
	if !huntable(ind) {
		return nil, false, nil
	}
	host := lower(ind.Indicator)
	base, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		// a bare public suffix has no registered domain
		return nil, false, nil
	}
	if base == host {
		return nil, false, nil
	}
	return []models.Indicator{p.derive(ind, base, models.ItypeFQDN)}, true, nil
}

// urlHost derives the host of a url as an fqdn or address indicator.
type urlHost struct{ *Deps }

func newURL(d *Deps) (plugin.Hunter, error) {
	if d == nil {
		d = &Deps{}
	}
	return urlHost{d}, nil
}

func (urlHost) Name() string { return "url" }

func (p urlHost) Hunt(_ context.Context, ind models.Indicator) ([]models.Indicator, bool, error) {
	if ind.Itype != models.ItypeURL {
		return nil, false, nil
	}
	raw := ind.Indicator
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, false, fmt.Errorf("parse url: %w", err)
	}
	host := lower(u.Hostname())
	itype, ok := models.ResolveItype(host)
	if !ok || !usable(host) {
		return nil, false, nil
	}
	switch itype {
	case models.ItypeFQDN, models.ItypeIPv4, models.ItypeIPv6:
	default:
		return nil, false, nil
	}
	return []models.Indicator{p.derive(ind, host, itype)}, true, nil
}

// prefixWhitelist widens a whitelisted address to its /24.
type prefixWhitelist struct{ *Deps }

func newPrefixWhitelist(d *Deps) (plugin.Hunter, error) {
	if d == nil {
		d = &Deps{}
	}
	return prefixWhitelist{d}, nil
}

func (prefixWhitelist) Name() string { return "ipv4_resolve_prefix_whitelist" }

func (p prefixWhitelist) Hunt(_ context.Context, ind models.Indicator) ([]models.Indicator, bool, error) {
	if ind.Itype != models.ItypeIPv4 || !ind.Tags.Has("whitelist") {
		return nil, false, nil
	}
	addr, err := netip.ParseAddr(ind.Indicator)
	if err != nil || !addr.Is4() {
		// already a network
		return nil, false, nil
	}
	prefix, err := addr.Prefix(24)
	if err != nil {
		return nil, false, err
	}
	out := p.derive(ind, prefix.String(), models.ItypeIPv4)
	out.Tags = models.Tags{"whitelist"}
	return []models.Indicator{out}, true, nil
}

const (
	spamhausZone       = "zen.spamhaus.org"
	spamhausProvider   = "spamhaus.org"
	spamhausConfidence = 9
)

type spamhausCode struct {
	tag, description string
}

var spamhausCodes = map[string]spamhausCode{
	"127.0.0.2": {"spam", "Direct UBE sources, spam operations & spam services"},
	"127.0.0.3": {"spam", "Direct snowshoe spam sources detected via automation"},
	"127.0.0.4": {"exploit", "CBL + customised NJABL. 3rd party exploits (proxies, trojans, etc.)"},
	"127.0.0.5": {"exploit", "CBL + customised NJABL. 3rd party exploits (proxies, trojans, etc.)"},
	"127.0.0.6": {"exploit", "CBL + customised NJABL. 3rd party exploits (proxies, trojans, etc.)"},
	"127.0.0.7": {"exploit", "CBL + customised NJABL. 3rd party exploits (proxies, trojans, etc.)"},
	"127.0.0.9": {"hijacked", "Spamhaus DROP/EDROP Data"},
}

// spamhausIP looks addresses up in the zen DNSBL.
type spamhausIP struct{ *Deps }

func newSpamhausIP(d *Deps) (plugin.Hunter, error) {
	if err := needsResolver(d); err != nil {
		return nil, err
	}
	return spamhausIP{d}, nil
}

func (spamhausIP) Name() string { return "spamhaus_ip" }

func (p spamhausIP) Hunt(ctx context.Context, ind models.Indicator) ([]models.Indicator, bool, error) {
	if ind.Itype != models.ItypeIPv4 || ind.Provider == spamhausProvider {
		return nil, false, nil
	}
	rev, ok := resolve.ReverseIPv4(ind.Indicator)
	if !ok {
		return nil, false, nil
	}
	answers, err := resolve.A(ctx, p.Resolver, rev+"."+spamhausZone)
	if err != nil || len(answers) == 0 {
		return nil, false, err
	}
	code, ok := spamhausCodes[answers[0]]
	if !ok {
		return nil, false, nil
	}
	out := ind.Derive(ind.Indicator, models.ItypeIPv4, spamhausConfidence)
	out.RData = ""
	out.Provider = spamhausProvider
	out.Tags = models.Tags{code.tag}
	out.Description = code.description
	out.Reference = "http://www.spamhaus.org/query/bl?ip=" + ind.Indicator
	out.LastAt = models.Now()
	return []models.Indicator{out}, true, nil
}
