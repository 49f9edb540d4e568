package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/csirtgadgets/verbose-robot/pkg/logger"
)

// Step is one stage of an ordered teardown.
type Step struct {
	Name string
	Fn   func(context.Context) error
}

// Run executes steps in order. A failing step is logged and the rest
// still run; the joined errors are returned.
func Run(ctx context.Context, steps []Step) error {
	logger.Info("shutdown_requested", "steps", len(steps))
	var errs []error
	for _, s := range steps {
		if s.Fn == nil {
			continue
		}
		if ctx.Err() != nil {
			logger.Warn("shutdown_deadline_exceeded", "skipping", s.Name)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, ctx.Err()))
			continue
		}
		logger.Info("shutdown_step", "step", s.Name)
		if err := s.Fn(ctx); err != nil {
			logger.Error("shutdown_step_failed", "step", s.Name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
		}
	}
	logger.Info("shutdown_complete")
	return errors.Join(errs...)
}

// SetupSignalHandler installs handlers for SIGINT/SIGTERM and SIGPIPE and
// returns a context cancelled when any of them arrives.
func SetupSignalHandler(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case s := <-sigc:
			logger.Info("signal_received", "signal", s.String(), "msg", "shutdown requested")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigc)
	}()

	// dump goroutine stacks on SIGPIPE to aid diagnostics
	sigpipe := make(chan os.Signal, 1)
	signal.Notify(sigpipe, syscall.SIGPIPE)
	go func() {
		select {
		case s := <-sigpipe:
			logger.Info("signal_received", "signal", s.String(), "msg", "SIGPIPE - dumping goroutine stacks")
			buf := make([]byte, 1<<20)
			n := runtime.Stack(buf, true)
			logger.Info("goroutine_stack_dump", "dump", string(buf[:n]))
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigpipe)
	}()

	return ctx, cancel
}

// Abort reports a fatal startup error on stderr and in the log, then
// exits non-zero.
func Abort(msg string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
		logger.Error("fatal", "msg", msg, "error", err)
	} else {
		fmt.Fprintln(os.Stderr, msg)
		logger.Error("fatal", "msg", msg)
	}
	logger.Sync()
	os.Exit(1)
}
