package logger

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestParseLevel(t *testing.T) {
	if ParseLevel("WARNING") != slog.LevelWarn {
		t.Fatalf("expected warn")
	}
	if ParseLevel("bogus") != slog.LevelInfo {
		t.Fatalf("expected info default")
	}
}

func TestHelpersAreNilSafe(t *testing.T) {
	Log = nil
	Info("nothing_happens")
	if Enabled(slog.LevelError) {
		t.Fatalf("nil logger should not be enabled")
	}
}

func TestInitWriterEmitsEvents(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(&buf, "debug")
	defer func() { Log = nil }()
	Debug("router_started", "listen", "ipc:///tmp/router.ipc")
	if !strings.Contains(buf.String(), "msg=router_started") {
		t.Fatalf("missing event in %q", buf.String())
	}
}

func TestAuditSink(t *testing.T) {
	dir := t.TempDir()
	if err := AttachAuditFileSink(dir); err != nil {
		t.Fatalf("attach: %v", err)
	}
	Audit.Info("token_created", zap.String("username", "admin"))
	_ = Audit.Sync()
	b, err := os.ReadFile(filepath.Join(dir, "audit.log"))
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	if !strings.Contains(string(b), `"msg":"token_created"`) {
		t.Fatalf("audit record missing: %s", b)
	}
	Audit = zap.NewNop()
}
