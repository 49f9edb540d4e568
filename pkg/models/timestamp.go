package models

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TimeLayout is the wire format for every timestamp field.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

var parseLayouts = []string{
	TimeLayout,
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.00Z",
	"2006-01-02T15:04:05Z",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// Timestamp is a UTC time that tolerates the layouts feeds send and
// encodes as null when unset.
type Timestamp struct {
	time.Time
}

// Now returns the current time truncated to microseconds.
func Now() Timestamp {
	return Timestamp{time.Now().UTC().Truncate(time.Microsecond)}
}

// At wraps t.
func At(t time.Time) Timestamp {
	return Timestamp{t.UTC()}
}

// ParseTimestamp parses s using the accepted layouts. Plain numbers are
// read as unix seconds.
func ParseTimestamp(s string) (Timestamp, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Timestamp{}, nil
	}
	for _, l := range parseLayouts {
		if t, err := time.Parse(l, s); err == nil {
			return At(t), nil
		}
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		sec := int64(f)
		return At(time.Unix(sec, int64((f-float64(sec))*1e9))), nil
	}
	return Timestamp{}, fmt.Errorf("invalid timestamp %q", s)
}

func (t Timestamp) String() string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(TimeLayout)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return []byte(`"` + t.String() + `"`), nil
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*t = Timestamp{}
		return nil
	}
	s := string(b)
	if b[0] == '"' {
		uq, err := strconv.Unquote(s)
		if err != nil {
			return err
		}
		s = uq
	}
	parsed, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// After reports whether t is strictly later than u.
func (t Timestamp) After(u Timestamp) bool {
	return t.Time.After(u.Time)
}
