package models

import (
	"bytes"
	"fmt"
	"math"
	"net"
	"net/netip"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/sugawarayuuta/sonnet"
)

// Indicator types.
const (
	ItypeIPv4   = "ipv4"
	ItypeIPv6   = "ipv6"
	ItypeFQDN   = "fqdn"
	ItypeURL    = "url"
	ItypeEmail  = "email"
	ItypeMD5    = "md5"
	ItypeSHA1   = "sha1"
	ItypeSHA256 = "sha256"
	ItypeSHA512 = "sha512"
	ItypeASN    = "asn"
)

// Peer is an ASN neighbour attached by the peers enrichment.
type Peer struct {
	ASN    int64  `json:"asn"`
	Prefix string `json:"prefix,omitempty"`
	CC     string `json:"cc,omitempty"`
}

// Indicator is a single threat-intelligence observation.
type Indicator struct {
	Indicator   string    `json:"indicator"`
	Itype       string    `json:"itype,omitempty"`
	TLP         string    `json:"tlp,omitempty"`
	Provider    string    `json:"provider,omitempty"`
	Group       string    `json:"group,omitempty"`
	Tags        Tags      `json:"tags,omitempty"`
	Confidence  float64   `json:"confidence"`
	Probability *float64  `json:"probability,omitempty"`
	Count       int       `json:"count,omitempty"`
	FirstAt     Timestamp `json:"first_at"`
	LastAt      Timestamp `json:"last_at"`
	ReportedAt  Timestamp `json:"reported_at"`
	Description string    `json:"description,omitempty"`
	Reference   string    `json:"reference,omitempty"`
	Message     string    `json:"message,omitempty"`
	RData       string    `json:"rdata,omitempty"`
	UUID        string    `json:"uuid,omitempty"`
	Related     string    `json:"related,omitempty"`

	ASN       int64   `json:"asn,omitempty"`
	ASNDesc   string  `json:"asn_desc,omitempty"`
	CC        string  `json:"cc,omitempty"`
	City      string  `json:"city,omitempty"`
	Region    string  `json:"region,omitempty"`
	Timezone  string  `json:"timezone,omitempty"`
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
	Peers     []Peer  `json:"peers,omitempty"`
}

// UnmarshalJSON accepts a group list (first entry wins) and an asn given
// as a number, a numeric string or an "AS1234" string.
func (i *Indicator) UnmarshalJSON(b []byte) error {
	type alias Indicator
	aux := struct {
		*alias
		Group any `json:"group"`
		ASN   any `json:"asn"`
	}{alias: (*alias)(i)}
	if err := sonnet.Unmarshal(b, &aux); err != nil {
		return err
	}
	switch g := aux.Group.(type) {
	case string:
		i.Group = g
	case []any:
		if len(g) > 0 {
			i.Group = fmt.Sprint(g[0])
		}
	}
	switch a := aux.ASN.(type) {
	case float64:
		i.ASN = int64(a)
	case string:
		i.ASN, _ = ParseASN(a)
	}
	return nil
}

// ParseASN reads "AS15169", "as15169" or "15169".
func ParseASN(s string) (int64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.ToUpper(s), "AS")
	if s == "" {
		return 0, fmt.Errorf("empty asn")
	}
	return strconv.ParseInt(s, 10, 64)
}

// Clone returns a deep copy; plugins receive and return values, never
// shared slices.
func (i Indicator) Clone() Indicator {
	out := i
	if i.Tags != nil {
		out.Tags = append(Tags(nil), i.Tags...)
	}
	if i.Peers != nil {
		out.Peers = append([]Peer(nil), i.Peers...)
	}
	if i.Probability != nil {
		p := *i.Probability
		out.Probability = &p
	}
	return out
}

// MatchKey identifies the record an upsert merges into.
func (i Indicator) MatchKey() string {
	parts := []string{i.Provider, i.Itype, i.Indicator}
	if i.RData != "" {
		parts = append(parts, i.RData)
	}
	parts = append(parts, i.Tags.First())
	return strings.Join(parts, "|")
}

// IsSearch reports whether the record is a logged search.
func (i Indicator) IsSearch() bool {
	return i.Tags.Has("search")
}

// Derive returns a child indicator of value/itype that keeps the source
// attribution and points back at it through rdata.
func (i Indicator) Derive(value, itype string, confidence float64) Indicator {
	return Indicator{
		Indicator:  value,
		Itype:      itype,
		TLP:        i.TLP,
		Provider:   i.Provider,
		Group:      i.Group,
		Tags:       append(Tags(nil), i.Tags...),
		Confidence: confidence,
		RData:      i.Indicator,
		LastAt:     i.LastAt,
		ReportedAt: i.ReportedAt,
	}
}

// RoundProbability scales a 0..1 score to a 0..100 probability with two
// decimals.
func RoundProbability(p float64) float64 {
	return math.Round(p*100*100) / 100
}

var (
	fqdnRe  = regexp.MustCompile(`^(?i)([a-z0-9_]([a-z0-9_-]{0,61}[a-z0-9_])?\.)+[a-z][a-z0-9-]{0,61}[a-z0-9]\.?$`)
	emailRe = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	hexRe   = regexp.MustCompile(`^[a-fA-F0-9]+$`)
	asnRe   = regexp.MustCompile(`^(?i)as\d+$`)
)

// ResolveItype guesses the itype of v. ok is false when nothing matches.
func ResolveItype(v string) (string, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", false
	}
	if p, err := netip.ParsePrefix(v); err == nil {
		if p.Addr().Is4() {
			return ItypeIPv4, true
		}
		return ItypeIPv6, true
	}
	if ip := net.ParseIP(v); ip != nil {
		if ip.To4() != nil {
			return ItypeIPv4, true
		}
		return ItypeIPv6, true
	}
	if strings.Contains(v, "://") {
		if u, err := url.Parse(v); err == nil && u.Host != "" {
			return ItypeURL, true
		}
	}
	if emailRe.MatchString(v) {
		return ItypeEmail, true
	}
	if hexRe.MatchString(v) {
		switch len(v) {
		case 32:
			return ItypeMD5, true
		case 40:
			return ItypeSHA1, true
		case 64:
			return ItypeSHA256, true
		case 128:
			return ItypeSHA512, true
		}
	}
	if asnRe.MatchString(v) {
		return ItypeASN, true
	}
	if fqdnRe.MatchString(v) {
		return ItypeFQDN, true
	}
	// urls without a scheme, e.g. example.com/login.php
	if i := strings.IndexByte(v, '/'); i > 0 && fqdnRe.MatchString(v[:i]) {
		return ItypeURL, true
	}
	return "", false
}

// IsHash reports whether itype is one of the hash family.
func IsHash(itype string) bool {
	switch itype {
	case ItypeMD5, ItypeSHA1, ItypeSHA256, ItypeSHA512:
		return true
	}
	return false
}

// DecodeIndicators reads a JSON array of indicators or a single object.
func DecodeIndicators(b []byte) ([]Indicator, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil, nil
	}
	if b[0] == '{' {
		var one Indicator
		if err := sonnet.Unmarshal(b, &one); err != nil {
			return nil, err
		}
		return []Indicator{one}, nil
	}
	var many []Indicator
	if err := sonnet.Unmarshal(b, &many); err != nil {
		return nil, err
	}
	return many, nil
}
