package state

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/csirtgadgets/verbose-robot/pkg/logger"
)

// WriteCrashDump writes reason, err and every goroutine stack to a new
// file under dir and returns its path.
func WriteCrashDump(dir, reason string, err error) (string, error) {
	if e := os.MkdirAll(dir, 0o700); e != nil {
		return "", e
	}
	path := filepath.Join(dir, fmt.Sprintf("crash-%d.log", time.Now().UnixNano()))
	f, e := os.Create(path)
	if e != nil {
		return "", e
	}
	defer f.Close()

	fmt.Fprintf(f, "time: %s\n", time.Now().Format(time.RFC3339))
	fmt.Fprintf(f, "reason: %s\n", reason)
	if err != nil {
		fmt.Fprintf(f, "error: %v\n", err)
	}
	fmt.Fprintf(f, "\n--- goroutine stacks ---\n")
	buf := make([]byte, 1<<20)
	n := runtime.Stack(buf, true)
	if _, e := f.Write(buf[:n]); e != nil {
		return path, e
	}
	return path, nil
}

// Crash writes a crash dump to the crash folder and terminates the process.
func Crash(reason string, err error) {
	if PathsVar.Crash == "" {
		logger.Error("crash_path_not_initialized", "reason", reason, "error", err)
		logger.Sync()
		os.Exit(1)
	}
	path, e := WriteCrashDump(PathsVar.Crash, reason, err)
	if e != nil {
		logger.Error("failed_to_write_crash_dump", "error", e, "reason", reason)
	} else {
		logger.Error("crash_dump_written_exiting", "path", path, "reason", reason, "error", err)
	}
	logger.Sync()
	os.Exit(1)
}
