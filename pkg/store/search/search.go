// Package search parses indicator search filters and matches records
// against them. Storage engines use the index hints (IPv4 ranges, reversed
// fqdn prefixes, exact values) to narrow candidates; Match is the final
// word on whether a record is returned.
package search

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"sort"
	"strconv"
	"strings"

	"github.com/csirtgadgets/verbose-robot/pkg/errs"
	"github.com/csirtgadgets/verbose-robot/pkg/models"
)

// DefaultLimit caps a search when the caller gives no limit.
const DefaultLimit = 500

// hidden unless asked for by tag or by indicator
var hiddenTags = []string{"pdns", "search"}

// Range is an inclusive numeric range. A single value means >= Min.
type Range struct {
	Min, Max float64
	Bounded  bool
}

func (r Range) contains(v float64) bool {
	if v < r.Min {
		return false
	}
	return !r.Bounded || v <= r.Max
}

// TimeRange is an inclusive timestamp window.
type TimeRange struct {
	Start, End models.Timestamp
}

func (r TimeRange) contains(t models.Timestamp) bool {
	if t.IsZero() {
		return false
	}
	if !r.Start.IsZero() && t.Before(r.Start.Time) {
		return false
	}
	if !r.End.IsZero() && t.After(r.End) {
		return false
	}
	return true
}

// Query is a parsed search.
type Query struct {
	Indicator string
	Itype     string
	// Prefix is set for ip queries, a host address is a /32 or /128.
	Prefix netip.Prefix

	Confidence  *Range
	Probability *Range
	Exact       map[string]string
	ASNDesc     string
	Tags        []string
	ReportedAt  *TimeRange
	FirstAt     *TimeRange
	LastAt      *TimeRange
	// Groups restricts results; empty means no restriction.
	Groups []string
	Limit  int
	NoLog  bool
	// All keeps pdns and search records in open queries.
	All bool
}

var exactKeys = []string{"itype", "provider", "asn", "cc", "rdata", "region", "uuid", "tlp", "group"}

// Parse builds a Query from a filter map. groups are the caller's groups;
// admin callers pass nil to search every group.
func Parse(filters map[string]any, groups []string, defaultLimit int) (*Query, error) {
	if defaultLimit <= 0 {
		defaultLimit = DefaultLimit
	}
	q := &Query{Exact: map[string]string{}, Limit: defaultLimit}

	get := func(k string) (string, bool) {
		v, ok := filters[k]
		if !ok || v == nil {
			return "", false
		}
		s := strings.TrimSpace(stringify(v))
		return s, s != ""
	}

	if v, ok := get("indicator"); ok {
		if err := q.setIndicator(v); err != nil {
			return nil, err
		}
	}
	for _, k := range exactKeys {
		if v, ok := get(k); ok {
			if k == "asn" {
				if n, err := models.ParseASN(v); err == nil {
					v = strconv.FormatInt(n, 10)
				}
			}
			q.Exact[k] = v
		}
	}
	if v, ok := get("asn_desc"); ok {
		q.ASNDesc = strings.ToLower(v)
	}
	if v, ok := get("tags"); ok {
		q.Tags = models.ParseTags(v)
	}
	var err error
	if v, ok := get("confidence"); ok {
		if q.Confidence, err = parseRange("confidence", v); err != nil {
			return nil, err
		}
	}
	if v, ok := get("probability"); ok {
		if q.Probability, err = parseRange("probability", v); err != nil {
			return nil, err
		}
	}
	for key, dst := range map[string]**TimeRange{"reported_at": &q.ReportedAt, "first_at": &q.FirstAt, "last_at": &q.LastAt} {
		if v, ok := get(key); ok {
			if *dst, err = parseTimeRange(key, v); err != nil {
				return nil, err
			}
		}
	}
	if v, ok := get("limit"); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, errs.InvalidSearch("invalid limit: %s", v)
		}
		q.Limit = n
	}
	if v, ok := get("nolog"); ok {
		q.NoLog = models.ParseFlag(v)
	}

	q.Groups = restrictGroups(groups, filters["groups"])
	return q, nil
}

func (q *Query) setIndicator(v string) error {
	q.Indicator = v
	itype, ok := models.ResolveItype(v)
	if !ok {
		// free text searches fall through to an exact compare
		return nil
	}
	q.Itype = itype
	switch itype {
	case models.ItypeIPv4, models.ItypeIPv6:
		p, err := parsePrefix(v)
		if err != nil {
			return errs.InvalidSearch("invalid ip: %s", v)
		}
		if p.Addr().Is4() && p.Bits() < 8 {
			return errs.InvalidSearch("prefix needs to be >= 8")
		}
		if !p.Addr().Is4() && p.Bits() < 32 {
			return errs.InvalidSearch("prefix needs to be >= 32")
		}
		q.Prefix = p.Masked()
	case models.ItypeFQDN, models.ItypeEmail:
		q.Indicator = strings.ToLower(v)
	}
	return nil
}

// restrictGroups intersects requested groups with the caller's groups.
func restrictGroups(allowed []string, requested any) []string {
	var req []string
	switch v := requested.(type) {
	case string:
		req = models.ParseTags(v)
	case []any:
		for _, g := range v {
			req = append(req, stringify(g))
		}
	case []string:
		req = v
	}
	if allowed == nil {
		return req
	}
	if len(req) == 0 {
		return append([]string(nil), allowed...)
	}
	out := []string{}
	for _, g := range req {
		for _, a := range allowed {
			if g == a {
				out = append(out, g)
				break
			}
		}
	}
	// asking only for foreign groups yields nothing rather than everything
	if len(out) == 0 {
		return []string{"\x00"}
	}
	return out
}

func parseRange(name, v string) (*Range, error) {
	parts := strings.SplitN(v, ",", 2)
	lo, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return nil, errs.InvalidSearch("invalid %s: %s", name, v)
	}
	r := &Range{Min: lo}
	if len(parts) == 2 {
		hi, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err != nil {
			return nil, errs.InvalidSearch("invalid %s: %s", name, v)
		}
		r.Max, r.Bounded = hi, true
	}
	return r, nil
}

func parseTimeRange(name, v string) (*TimeRange, error) {
	parts := strings.SplitN(v, ",", 2)
	var r TimeRange
	var err error
	if s := strings.TrimSpace(parts[0]); s != "" {
		if r.Start, err = models.ParseTimestamp(s); err != nil {
			return nil, errs.InvalidSearch("invalid %s: %s", name, v)
		}
	}
	if len(parts) == 2 {
		if s := strings.TrimSpace(parts[1]); s != "" {
			if r.End, err = models.ParseTimestamp(s); err != nil {
				return nil, errs.InvalidSearch("invalid %s: %s", name, v)
			}
		}
	}
	return &r, nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		if t {
			return "1"
		}
		return "0"
	case []any:
		parts := make([]string, 0, len(t))
		for _, p := range t {
			parts = append(parts, stringify(p))
		}
		return strings.Join(parts, ",")
	case []string:
		return strings.Join(t, ",")
	}
	return fmt.Sprint(v)
}

// Match reports whether ind satisfies every filter of q.
func (q *Query) Match(ind *models.Indicator) bool {
	if q.Indicator != "" && !q.matchIndicator(ind) {
		return false
	}
	for k, v := range q.Exact {
		if !matchExact(ind, k, v) {
			return false
		}
	}
	if q.ASNDesc != "" && !strings.Contains(strings.ToLower(ind.ASNDesc), q.ASNDesc) {
		return false
	}
	if len(q.Tags) > 0 {
		hit := false
		for _, t := range q.Tags {
			if ind.Tags.Has(t) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	} else if q.Indicator == "" && !q.All {
		for _, t := range hiddenTags {
			if ind.Tags.Has(t) {
				return false
			}
		}
	}
	if q.Confidence != nil && !q.Confidence.contains(ind.Confidence) {
		return false
	}
	if q.Probability != nil {
		if ind.Probability == nil || !q.Probability.contains(*ind.Probability) {
			return false
		}
	}
	if q.ReportedAt != nil && !q.ReportedAt.contains(ind.ReportedAt) {
		return false
	}
	if q.FirstAt != nil && !q.FirstAt.contains(ind.FirstAt) {
		return false
	}
	if q.LastAt != nil && !q.LastAt.contains(ind.LastAt) {
		return false
	}
	if len(q.Groups) > 0 {
		in := false
		for _, g := range q.Groups {
			if ind.Group == g {
				in = true
				break
			}
		}
		if !in {
			return false
		}
	}
	return true
}

func (q *Query) matchIndicator(ind *models.Indicator) bool {
	switch q.Itype {
	case models.ItypeIPv4, models.ItypeIPv6:
		p, err := parsePrefix(ind.Indicator)
		if err != nil {
			return false
		}
		return q.Prefix.Bits() <= p.Bits() && q.Prefix.Contains(p.Addr())
	case models.ItypeFQDN:
		v := strings.ToLower(ind.Indicator)
		return v == q.Indicator || strings.HasSuffix(v, "."+q.Indicator)
	case models.ItypeEmail:
		return strings.EqualFold(ind.Indicator, q.Indicator)
	}
	return ind.Indicator == q.Indicator
}

func matchExact(ind *models.Indicator, key, v string) bool {
	switch key {
	case "itype":
		return ind.Itype == v
	case "provider":
		return ind.Provider == v
	case "asn":
		return strconv.FormatInt(ind.ASN, 10) == v
	case "cc":
		return strings.EqualFold(ind.CC, v)
	case "rdata":
		return ind.RData == v
	case "region":
		return strings.EqualFold(ind.Region, v)
	case "uuid":
		return ind.UUID == v
	case "tlp":
		return ind.TLP == v
	case "group":
		return ind.Group == v
	}
	return true
}

// IPv4Range returns the inclusive address range of an ipv4 query.
func (q *Query) IPv4Range() (start, end uint32, ok bool) {
	if q.Itype != models.ItypeIPv4 || !q.Prefix.IsValid() {
		return 0, 0, false
	}
	return prefixRange(q.Prefix)
}

// ReversedFQDN returns the reversed-label form of an fqdn query.
func (q *Query) ReversedFQDN() (string, bool) {
	if q.Itype != models.ItypeFQDN {
		return "", false
	}
	return ReverseFQDN(q.Indicator), true
}

// IPv4Bounds returns the network range of an ipv4 host or cidr value.
func IPv4Bounds(v string) (start, end uint32, ok bool) {
	p, err := parsePrefix(v)
	if err != nil || !p.Addr().Is4() {
		return 0, 0, false
	}
	return prefixRange(p.Masked())
}

func prefixRange(p netip.Prefix) (uint32, uint32, bool) {
	a4 := p.Addr().As4()
	start := binary.BigEndian.Uint32(a4[:])
	hostBits := 32 - p.Bits()
	var span uint32
	if hostBits == 32 {
		span = ^uint32(0)
	} else {
		span = (uint32(1) << hostBits) - 1
	}
	return start, start | span, true
}

// ReverseFQDN turns www.example.com into com.example.www.
func ReverseFQDN(v string) string {
	labels := strings.Split(strings.TrimSuffix(strings.ToLower(v), "."), ".")
	for i, j := 0, len(labels)-1; i < j; i, j = i+1, j-1 {
		labels[i], labels[j] = labels[j], labels[i]
	}
	return strings.Join(labels, ".")
}

func parsePrefix(v string) (netip.Prefix, error) {
	v = strings.TrimSpace(v)
	if strings.Contains(v, "/") {
		return netip.ParsePrefix(v)
	}
	a, err := netip.ParseAddr(v)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(a, a.BitLen()), nil
}

// Sort orders results by reported_at descending and truncates to limit.
func Sort(out []models.Indicator, limit int) []models.Indicator {
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ReportedAt.After(out[j].ReportedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
