package models

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/sugawarayuuta/sonnet"
)

// Tags is an order-irrelevant set of labels. Feeds send either a list or
// a comma separated string; both decode to the same value.
type Tags []string

// ParseTags splits a comma separated string, trimming and dropping empties.
func ParseTags(s string) Tags {
	var out Tags
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (t *Tags) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*t = nil
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := sonnet.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = ParseTags(s)
		return nil
	}
	var list []string
	if err := sonnet.Unmarshal(b, &list); err != nil {
		return err
	}
	*t = nil
	for _, s := range list {
		*t = append(*t, ParseTags(s)...)
	}
	return nil
}

// Has reports whether tag is present.
func (t Tags) Has(tag string) bool {
	for _, v := range t {
		if v == tag {
			return true
		}
	}
	return false
}

// First returns the first tag or "".
func (t Tags) First() string {
	if len(t) == 0 {
		return ""
	}
	return t[0]
}

// Flag is a boolean that also accepts "1", "0", "true", 1 and 0.
type Flag bool

func (f *Flag) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(bytes.TrimSpace(b)), `"`)
	switch strings.ToLower(s) {
	case "", "null", "0", "false", "no":
		*f = false
	default:
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			*f = n != 0
			return nil
		}
		*f = true
	}
	return nil
}

// ParseFlag reads s the same way Flag decodes JSON.
func ParseFlag(s string) bool {
	var f Flag
	_ = f.UnmarshalJSON([]byte(s))
	return bool(f)
}
