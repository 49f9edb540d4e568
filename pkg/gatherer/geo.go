package gatherer

import (
	"context"
	"net"
	"net/netip"
	"net/url"
	"strings"

	"github.com/csirtgadgets/verbose-robot/pkg/models"
	"github.com/csirtgadgets/verbose-robot/pkg/plugin"
	"github.com/csirtgadgets/verbose-robot/pkg/resolve"
)

type geo struct {
	db  CityReader
	res resolve.Resolver
}

func newGeo(d *Deps) (plugin.Gatherer, error) {
	if d == nil || d.City == nil {
		return nil, plugin.ErrDisabled
	}
	return &geo{db: d.City, res: d.Resolver}, nil
}

func (*geo) Name() string { return "geo" }

func (g *geo) Gather(ctx context.Context, ind models.Indicator) (models.Indicator, bool, error) {
	addr, ok, err := lookupAddr(ctx, g.res, ind)
	if err != nil || !ok {
		return ind, false, err
	}
	if addr.Is4() {
		// one lookup per /24
		b := addr.As4()
		b[3] = 0
		addr = netip.AddrFrom4(b)
	}
	rec, err := g.db.City(net.IP(addr.AsSlice()))
	if err != nil {
		return ind, false, err
	}
	if rec.Country.IsoCode != "" {
		ind.CC = rec.Country.IsoCode
	}
	if name := rec.City.Names["en"]; name != "" {
		ind.City = name
	}
	if rec.Location.Latitude != 0 || rec.Location.Longitude != 0 {
		ind.Latitude = rec.Location.Latitude
		ind.Longitude = rec.Location.Longitude
	}
	if rec.Location.TimeZone != "" {
		ind.Timezone = rec.Location.TimeZone
	}
	if len(rec.Subdivisions) > 0 && rec.Subdivisions[0].IsoCode != "" {
		ind.Region = rec.Subdivisions[0].IsoCode
	}
	return ind, true, nil
}

// lookupAddr returns the public address an indicator stands for: the
// address itself for ipv4/ipv6 (a CIDR gives its network address), or the
// first A record of an fqdn or url host. ok is false for every other
// itype and for private ranges.
func lookupAddr(ctx context.Context, res resolve.Resolver, ind models.Indicator) (netip.Addr, bool, error) {
	var host string
	switch ind.Itype {
	case models.ItypeIPv4, models.ItypeIPv6:
		host = ind.Indicator
		if p, err := netip.ParsePrefix(host); err == nil {
			host = p.Addr().String()
		}
	case models.ItypeFQDN:
		host = ind.Indicator
	case models.ItypeURL:
		host = urlHost(ind.Indicator)
	default:
		return netip.Addr{}, false, nil
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		if res == nil || host == "" {
			return netip.Addr{}, false, nil
		}
		v4, err := resolve.A(ctx, res, host)
		if err != nil || len(v4) == 0 {
			return netip.Addr{}, false, err
		}
		if addr, err = netip.ParseAddr(v4[0]); err != nil {
			return netip.Addr{}, false, nil
		}
	}
	if !public(addr) {
		return netip.Addr{}, false, nil
	}
	return addr, true, nil
}

func public(a netip.Addr) bool {
	return a.IsValid() && !a.IsPrivate() && !a.IsLoopback() && !a.IsLinkLocalUnicast() &&
		!a.IsMulticast() && !a.IsUnspecified()
}

// urlHost returns the host part of a url, with or without a scheme.
func urlHost(raw string) string {
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
