package state

import "path/filepath"

// Paths is the runtime layout. Every ipc endpoint, the store and the
// settings files live under Runtime unless configured elsewhere.
type Paths struct {
	Runtime string
	State   string
	Audit   string
	Tmp     string
	Crash   string // goroutine dumps written by Crash
}

func PathsFor(runtimePath string) Paths {
	statePath := filepath.Join(runtimePath, "state")
	return Paths{
		Runtime: runtimePath,

		State: statePath,
		Audit: filepath.Join(statePath, "audit"),
		Tmp:   filepath.Join(statePath, "tmp"),
		Crash: filepath.Join(statePath, "crash"),
	}
}

func AuditPath(runtimePath string) string { return PathsFor(runtimePath).Audit }
func CrashPath(runtimePath string) string { return PathsFor(runtimePath).Crash }
