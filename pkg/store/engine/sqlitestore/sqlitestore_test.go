package sqlitestore

import (
	"testing"

	"github.com/csirtgadgets/verbose-robot/pkg/store/engine"
	"github.com/csirtgadgets/verbose-robot/pkg/store/engine/enginetest"
)

func TestEngine(t *testing.T) {
	enginetest.Run(t, func(t *testing.T) engine.Engine {
		s, err := Open(":memory:")
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		return s
	})
}
