package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/csirtgadgets/verbose-robot/pkg/logger"
)

// ErrRunning is returned by AcquirePidfile when another live process owns
// the pidfile.
var ErrRunning = errors.New("router already running")

// Pidfile is an flock-held pid file. The lock lives as long as the open
// descriptor.
type Pidfile struct {
	path string
	f    *os.File
}

// AcquirePidfile writes the current pid to path. A pidfile left behind by
// a dead process is replaced; one held by a live process is an error.
func AcquirePidfile(path string) (*Pidfile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			pid, _ := ReadPid(path)
			return nil, fmt.Errorf("%w: pid %d holds %s", ErrRunning, pid, path)
		}
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}

	if pid, err := ReadPid(path); err == nil && pid != os.Getpid() {
		if Alive(pid) {
			_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
			f.Close()
			return nil, fmt.Errorf("%w: pid %d holds %s", ErrRunning, pid, path)
		}
		logger.Warn("pidfile_stale_replaced", "path", path, "pid", pid)
	}

	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, err
	}
	logger.Info("pidfile_written", "path", path, "pid", os.Getpid())
	return &Pidfile{path: path, f: f}, nil
}

// Path is where the pid was written.
func (p *Pidfile) Path() string { return p.path }

// Release removes the file and drops the lock.
func (p *Pidfile) Release() error {
	if p == nil || p.f == nil {
		return nil
	}
	err := os.Remove(p.path)
	_ = unix.Flock(int(p.f.Fd()), unix.LOCK_UN)
	if cerr := p.f.Close(); err == nil {
		err = cerr
	}
	p.f = nil
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// ReadPid parses the pid stored in path.
func ReadPid(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(b))
	if s == "" {
		return 0, fmt.Errorf("empty pidfile %s", path)
	}
	pid, err := strconv.Atoi(s)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid %q in %s", s, path)
	}
	return pid, nil
}

// Alive reports whether a process with pid exists.
func Alive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
