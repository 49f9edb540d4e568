package gatherer

import (
	"io"
	"net"

	"github.com/oschwald/geoip2-golang"

	"github.com/csirtgadgets/verbose-robot/pkg/config"
	"github.com/csirtgadgets/verbose-robot/pkg/logger"
	"github.com/csirtgadgets/verbose-robot/pkg/resolve"
)

// CityReader is the part of a GeoLite2 City database the geo plugin uses.
type CityReader interface {
	City(ip net.IP) (*geoip2.City, error)
}

// ASNReader is the part of a GeoLite2 ASN database the asn plugin uses.
type ASNReader interface {
	ASN(ip net.IP) (*geoip2.ASN, error)
}

// Deps are shared by every plugin instance of the pool. The readers are
// safe for concurrent use.
type Deps struct {
	Resolver resolve.Resolver
	City     CityReader
	ASN      ASNReader

	closers []io.Closer
}

// LoadDeps opens the databases and the resolver named in cfg. Missing
// optional pieces are left nil and the plugins that need them disable
// themselves.
func LoadDeps(cfg *config.Config) (*Deps, error) {
	d := &Deps{}
	if cfg.Gatherer.GeoCityDB != "" {
		r, err := geoip2.Open(cfg.Gatherer.GeoCityDB)
		if err != nil {
			return nil, err
		}
		d.City = r
		d.closers = append(d.closers, r)
	}
	if cfg.Gatherer.GeoASNDB != "" {
		r, err := geoip2.Open(cfg.Gatherer.GeoASNDB)
		if err != nil {
			d.Close()
			return nil, err
		}
		d.ASN = r
		d.closers = append(d.closers, r)
	}
	res, err := resolve.New(cfg.Resolver)
	if err != nil {
		logger.Warn("gatherer_resolver_unavailable", "error", err)
	} else {
		d.Resolver = res
	}
	return d, nil
}

// Close releases the opened databases.
func (d *Deps) Close() {
	for _, c := range d.closers {
		_ = c.Close()
	}
	d.closers = nil
}
