package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestReplyMessage(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{Auth("token %s not found", "abc"), "unauthorized"},
		{ErrAuth, "unauthorized"},
		{InvalidSearch("prefix needs to be >= 8"), "prefix needs to be >= 8"},
		{InvalidIndicator("missing itype"), "invalid indicator missing itype"},
		{fmt.Errorf("queue: %w", ErrBusy), BusyMessage},
		{errors.New("pebble: disk on fire"), "unknown failure"},
	}
	for _, c := range cases {
		if got := ReplyMessage(c.err); got != c.want {
			t.Fatalf("ReplyMessage(%v) = %q, want %q", c.err, got, c.want)
		}
	}
}

func TestWrappedClassification(t *testing.T) {
	err := fmt.Errorf("upsert: %w", InvalidIndicator("missing group"))
	if !errors.Is(err, ErrInvalidIndicator) {
		t.Fatalf("expected ErrInvalidIndicator in chain")
	}
	if Message(err) != "missing group" {
		t.Fatalf("unexpected message %q", Message(err))
	}
}
