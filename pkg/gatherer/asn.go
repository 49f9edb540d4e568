package gatherer

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"github.com/csirtgadgets/verbose-robot/pkg/models"
	"github.com/csirtgadgets/verbose-robot/pkg/plugin"
	"github.com/csirtgadgets/verbose-robot/pkg/resolve"
)

const (
	cymruOrigin = "origin.asn.cymru.com"
	cymruPeer   = "peer.asn.cymru.com"
	cymruASN    = "asn.cymru.com"
)

// asn fills asn and asn_desc from a GeoLite2 ASN database when one is
// configured, otherwise from the Team Cymru DNS service.
type asn struct {
	db  ASNReader
	res resolve.Resolver
}

func newASN(d *Deps) (plugin.Gatherer, error) {
	if d == nil || (d.ASN == nil && d.Resolver == nil) {
		return nil, plugin.ErrDisabled
	}
	return &asn{db: d.ASN, res: d.Resolver}, nil
}

func (*asn) Name() string { return "asn" }

func (a *asn) Gather(ctx context.Context, ind models.Indicator) (models.Indicator, bool, error) {
	if ind.ASN != 0 {
		return ind, false, nil
	}
	addr, ok := ipv4Addr(ind)
	if !ok {
		return ind, false, nil
	}
	if a.db != nil {
		rec, err := a.db.ASN(net.IP(addr.AsSlice()))
		if err != nil {
			return ind, false, err
		}
		if rec.AutonomousSystemNumber == 0 {
			return ind, false, nil
		}
		ind.ASN = int64(rec.AutonomousSystemNumber)
		ind.ASNDesc = rec.AutonomousSystemOrganization
		return ind, true, nil
	}

	row, ok, err := cymruRow(ctx, a.res, addr, cymruOrigin)
	if err != nil || !ok {
		return ind, false, err
	}
	n, err := models.ParseASN(strings.Fields(row[0])[0])
	if err != nil {
		return ind, false, fmt.Errorf("cymru origin %q: %w", row[0], err)
	}
	ind.ASN = n
	if len(row) > 2 && ind.CC == "" {
		ind.CC = row[2]
	}
	desc, err := resolve.TXT(ctx, a.res, fmt.Sprintf("AS%d.%s", n, cymruASN))
	if err != nil {
		return ind, true, nil
	}
	if len(desc) > 0 {
		if bits := splitCymru(desc[0]); len(bits) > 4 {
			ind.ASNDesc = bits[4]
		}
	}
	return ind, true, nil
}

// peers lists the neighbouring ASNs of the indicator's /24.
type peers struct {
	res resolve.Resolver
}

func newPeers(d *Deps) (plugin.Gatherer, error) {
	if d == nil || d.Resolver == nil {
		return nil, plugin.ErrDisabled
	}
	return &peers{res: d.Resolver}, nil
}

func (*peers) Name() string { return "peers" }

func (p *peers) Gather(ctx context.Context, ind models.Indicator) (models.Indicator, bool, error) {
	addr, ok := ipv4Addr(ind)
	if !ok {
		return ind, false, nil
	}
	row, ok, err := cymruRow(ctx, p.res, addr, cymruPeer)
	if err != nil || !ok {
		return ind, false, err
	}
	var prefix, cc string
	if len(row) > 1 {
		prefix = row[1]
	}
	if len(row) > 2 {
		cc = row[2]
	}
	var out []models.Peer
	for _, f := range strings.Fields(row[0]) {
		n, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, models.Peer{ASN: n, Prefix: prefix, CC: cc})
	}
	if len(out) == 0 {
		return ind, false, nil
	}
	ind.Peers = out
	return ind, true, nil
}

// ipv4Addr returns the public ipv4 address of an ipv4 indicator.
func ipv4Addr(ind models.Indicator) (netip.Addr, bool) {
	if ind.Itype != models.ItypeIPv4 {
		return netip.Addr{}, false
	}
	s := ind.Indicator
	if p, err := netip.ParsePrefix(s); err == nil {
		s = p.Addr().String()
	}
	addr, err := netip.ParseAddr(s)
	if err != nil || !addr.Is4() || !public(addr) {
		return netip.Addr{}, false
	}
	return addr, true
}

// cymruRow queries zone for the /24 of addr and returns the first answer
// split on its " | " separators.
func cymruRow(ctx context.Context, res resolve.Resolver, addr netip.Addr, zone string) ([]string, bool, error) {
	b := addr.As4()
	name := fmt.Sprintf("0.%d.%d.%d.%s", b[2], b[1], b[0], zone)
	answers, err := resolve.TXT(ctx, res, name)
	if err != nil || len(answers) == 0 {
		return nil, false, err
	}
	row := splitCymru(answers[0])
	if len(row) == 0 || strings.TrimSpace(row[0]) == "" {
		return nil, false, nil
	}
	return row, true, nil
}

func splitCymru(s string) []string {
	s = strings.TrimSpace(strings.ReplaceAll(s, `"`, ""))
	parts := strings.Split(s, "|")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
