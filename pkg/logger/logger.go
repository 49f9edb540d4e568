package logger

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var Log *slog.Logger

// Audit records administrative actions (token changes, deletes) as JSON
// lines. It is a no-op logger until AttachAuditFileSink is called.
var Audit = zap.NewNop()

type asyncWriter struct {
	ch chan []byte
}

func (a *asyncWriter) Write(p []byte) (n int, err error) {
	cp := make([]byte, len(p))
	copy(cp, p)
	select {
	case a.ch <- cp:
		return len(p), nil
	default:
		// drop if queue full to avoid blocking the event loops
		return len(p), nil
	}
}

var logCh chan []byte
var logStopCh chan struct{}
var logWG sync.WaitGroup
var stopOnce sync.Once

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Init installs the global logger. sink is "" for stdout or
// "file:/path/to/log".
func Init(level string, sink string) {
	logCh = make(chan []byte, 10000)
	logStopCh = make(chan struct{})
	stopOnce = sync.Once{}
	aw := &asyncWriter{ch: logCh}
	Log = slog.New(slog.NewTextHandler(aw, &slog.HandlerOptions{Level: ParseLevel(level)}))

	logWG.Add(1)
	go func() {
		defer logWG.Done()
		var out io.Writer = os.Stdout
		var f *os.File
		if strings.HasPrefix(sink, "file:") {
			path := strings.TrimPrefix(sink, "file:")
			var err error
			f, err = os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to open log file %s: %v\n", path, err)
			} else {
				out = f
			}
		}
		buf := bufio.NewWriterSize(out, 8192)
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case b := <-logCh:
				buf.Write(b)
			case <-ticker.C:
				buf.Flush()
			case <-logStopCh:
				for {
					select {
					case b := <-logCh:
						buf.Write(b)
						continue
					default:
					}
					break
				}
				buf.Flush()
				if f != nil {
					f.Close()
				}
				return
			}
		}
	}()
}

// InitWriter installs a synchronous logger writing to w. Tests use it to
// capture output.
func InitWriter(w io.Writer, level string) {
	Log = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)}))
}

// AttachAuditFileSink opens <dir>/audit.log and routes Audit there.
func AttachAuditFileSink(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	fname := filepath.Join(dir, "audit.log")
	f, err := os.OpenFile(fname, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "ts"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(enc), zapcore.AddSync(f), zapcore.InfoLevel)
	Audit = zap.New(core)
	Audit.Info("audit_sink_attached", zap.String("path", fname))
	return nil
}

// Sync flushes pending log lines. It is safe to call more than once.
func Sync() {
	_ = Audit.Sync()
	if logStopCh != nil {
		stopOnce.Do(func() { close(logStopCh) })
		logWG.Wait()
	}
}

func Debug(msg string, args ...any) {
	if Log == nil {
		return
	}
	Log.Debug(msg, args...)
}

func Info(msg string, args ...any) {
	if Log == nil {
		return
	}
	Log.Info(msg, args...)
}

func Warn(msg string, args ...any) {
	if Log == nil {
		return
	}
	Log.Warn(msg, args...)
}

func Error(msg string, args ...any) {
	if Log == nil {
		return
	}
	Log.Error(msg, args...)
}

// Enabled reports whether level would be logged.
func Enabled(level slog.Level) bool {
	if Log == nil {
		return false
	}
	return Log.Enabled(context.Background(), level)
}

// LogConfigSummary prints a titled block of items at info level.
func LogConfigSummary(title string, items []string) {
	Info(title, "items", strings.Join(items, "; "))
}

// AuditEvent writes one audit line with alternating key/value pairs.
func AuditEvent(event string, kv ...any) {
	Audit.Sugar().Infow(event, kv...)
}
