// Package predict scores urls and domains for maliciousness from lexical
// features. Scores are in 0..1; the gatherer scales them to a probability.
package predict

import (
	"math"
	"net"
	"net/url"
	"strings"

	"github.com/csirtgadgets/verbose-robot/pkg/models"
)

// Scorer scores a batch of values of one itype in a single call.
type Scorer interface {
	Score(values []string) []float64
}

// ForItype returns the scorer for itype, if there is one.
func ForItype(itype string) (Scorer, bool) {
	switch itype {
	case models.ItypeURL:
		return urlScorer{}, true
	case models.ItypeFQDN:
		return fqdnScorer{}, true
	}
	return nil, false
}

var lures = []string{
	"login", "signin", "verify", "secure", "account", "update", "banking",
	"confirm", "paypal", "appleid", "wallet", "webscr", "password", "invoice",
}

var riskyTLDs = map[string]bool{
	"tk": true, "ml": true, "ga": true, "cf": true, "gq": true, "xyz": true,
	"top": true, "zip": true, "click": true, "country": true, "work": true,
}

type fqdnScorer struct{}

func (fqdnScorer) Score(values []string) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = logistic(fqdnFeatures(strings.ToLower(v)))
	}
	return out
}

func fqdnFeatures(host string) float64 {
	labels := strings.Split(strings.TrimSuffix(host, "."), ".")
	tld := labels[len(labels)-1]
	z := -3.0
	z += 0.04 * float64(len(host))
	z += 0.35 * float64(max(len(labels)-3, 0))
	z += 2.5 * ratio(host, isDigit)
	z += 0.4 * float64(strings.Count(host, "-"))
	z += 0.6 * (entropy(labels[0]) - 3)
	if riskyTLDs[tld] {
		z += 1.5
	}
	z += 1.2 * float64(lureHits(host))
	return z
}

type urlScorer struct{}

func (urlScorer) Score(values []string) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = logistic(urlFeatures(v))
	}
	return out
}

func urlFeatures(raw string) float64 {
	s := raw
	if !strings.Contains(s, "://") {
		s = "http://" + s
	}
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return 0
	}
	host := strings.ToLower(u.Hostname())
	rest := strings.ToLower(u.EscapedPath() + "?" + u.RawQuery)

	z := -2.5
	if net.ParseIP(host) != nil {
		z += 2.0
	} else {
		z += 0.5 * fqdnFeatures(host)
	}
	z += 0.015 * float64(len(raw))
	z += 1.5 * float64(strings.Count(raw, "@"))
	z += 0.3 * float64(strings.Count(u.EscapedPath(), "/"))
	z += 1.0 * float64(lureHits(rest))
	if u.Port() != "" && u.Port() != "80" && u.Port() != "443" {
		z += 0.8
	}
	if strings.HasSuffix(u.Path, ".exe") || strings.HasSuffix(u.Path, ".php") {
		z += 0.7
	}
	return z
}

func lureHits(s string) int {
	n := 0
	for _, w := range lures {
		if strings.Contains(s, w) {
			n++
		}
	}
	return n
}

func isDigit(r rune) bool { return r >= '0' && r <= '9' }

func ratio(s string, pred func(rune) bool) float64 {
	if s == "" {
		return 0
	}
	n := 0
	for _, r := range s {
		if pred(r) {
			n++
		}
	}
	return float64(n) / float64(len(s))
}

// entropy is the Shannon entropy of s in bits per symbol.
func entropy(s string) float64 {
	if s == "" {
		return 0
	}
	counts := map[rune]int{}
	for _, r := range s {
		counts[r]++
	}
	var h float64
	n := float64(len([]rune(s)))
	for _, c := range counts {
		p := float64(c) / n
		h -= p * math.Log2(p)
	}
	return h
}

func logistic(z float64) float64 { return 1 / (1 + math.Exp(-z)) }
