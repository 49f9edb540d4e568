package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveItype(t *testing.T) {
	cases := map[string]string{
		"192.168.1.1":                      ItypeIPv4,
		"192.168.1.0/24":                   ItypeIPv4,
		"2001:db8::1":                      ItypeIPv6,
		"example.com":                      ItypeFQDN,
		"www.example.co.uk":                ItypeFQDN,
		"http://example.com/login.php":     ItypeURL,
		"example.com/login.php":            ItypeURL,
		"root@example.com":                 ItypeEmail,
		"d41d8cd98f00b204e9800998ecf8427e": ItypeMD5,
		"AS15169":                          ItypeASN,
	}
	for in, want := range cases {
		got, ok := ResolveItype(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := ResolveItype("not an indicator at all")
	assert.False(t, ok)
}

func TestDecodeIndicatorsFlexibleFields(t *testing.T) {
	in := []byte(`{"indicator":"example.com","tags":"botnet, malware","group":["everyone","staff"],"asn":"AS15169","last_at":"2019-01-01T00:00:00Z"}`)
	out, err := DecodeIndicators(in)
	require.NoError(t, err)
	require.Len(t, out, 1)
	i := out[0]
	assert.Equal(t, Tags{"botnet", "malware"}, i.Tags)
	assert.Equal(t, "everyone", i.Group)
	assert.Equal(t, int64(15169), i.ASN)
	assert.Equal(t, 2019, i.LastAt.Year())
	assert.True(t, i.FirstAt.IsZero())
}

func TestMatchKeyUsesFirstTagAndRData(t *testing.T) {
	a := Indicator{Provider: "x", Itype: "fqdn", Indicator: "example.com", Tags: Tags{"botnet", "malware"}}
	b := a.Clone()
	b.Tags = Tags{"botnet"}
	assert.Equal(t, a.MatchKey(), b.MatchKey())

	b.RData = "1.2.3.4"
	assert.NotEqual(t, a.MatchKey(), b.MatchKey())
}

func TestCloneDoesNotShare(t *testing.T) {
	p := 12.5
	a := Indicator{Tags: Tags{"a"}, Probability: &p}
	b := a.Clone()
	b.Tags[0] = "b"
	*b.Probability = 1
	assert.Equal(t, "a", a.Tags[0])
	assert.Equal(t, 12.5, *a.Probability)
}

func TestTokenFlags(t *testing.T) {
	var tok Token
	require.NoError(t, tokenFromJSON(`{"token":"abc","read":"1","write":0,"admin":true,"groups":["everyone"]}`, &tok))
	assert.True(t, bool(tok.Read))
	assert.False(t, bool(tok.Write))
	assert.True(t, bool(tok.Admin))
	assert.True(t, tok.InGroup("everyone"))
}

func TestRoundProbability(t *testing.T) {
	assert.Equal(t, 87.65, RoundProbability(0.876543))
}
