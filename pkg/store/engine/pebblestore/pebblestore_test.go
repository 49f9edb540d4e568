package pebblestore

import (
	"testing"

	"github.com/cockroachdb/pebble/vfs"

	"github.com/csirtgadgets/verbose-robot/pkg/store/engine"
	"github.com/csirtgadgets/verbose-robot/pkg/store/engine/enginetest"
)

func TestEngine(t *testing.T) {
	enginetest.Run(t, func(t *testing.T) engine.Engine {
		s, err := Open("db", Options{FS: vfs.NewMem(), NoSync: true})
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		return s
	})
}

func TestPrefixEnd(t *testing.T) {
	if got := string(prefixEnd([]byte("x4:"))); got != "x4;" {
		t.Fatalf("unexpected prefix end %q", got)
	}
	if got := prefixEnd([]byte{0xff, 0xff}); got != nil {
		t.Fatalf("expected nil for all-0xff prefix, got %v", got)
	}
}
