// Package proc abstracts a live child process behind a small handle
// interface so the process registry works the same for plain OS processes
// and Docker containers.
package proc

import (
	"context"
	"os/exec"
	"sync"
	"syscall"
)

// SignalKind selects the termination stage.
type SignalKind int

const (
	// SignalGraceful asks the process to finish its current atomic step and
	// exit (SIGTERM for OS processes).
	SignalGraceful SignalKind = iota
	// SignalKill forcibly terminates the process (SIGKILL).
	SignalKill
)

// Handle is a live child-process handle.
type Handle interface {
	// Poll reports the exit code without blocking. The second return is
	// false while the process is still running.
	Poll() (int, bool)
	// Signal delivers a graceful or forced termination signal.
	Signal(kind SignalKind) error
	// Wait blocks until the process exits or the context is done, returning
	// the exit code.
	Wait(ctx context.Context) (int, error)
}

// ExecHandle wraps an already-started exec.Cmd. A single reaper goroutine
// owns cmd.Wait so Poll and Wait are safe from any number of goroutines.
type ExecHandle struct {
	cmd *exec.Cmd

	once     sync.Once
	done     chan struct{}
	exitCode int
}

// NewExecHandle adopts a started command and begins reaping it.
func NewExecHandle(cmd *exec.Cmd) *ExecHandle {
	h := &ExecHandle{cmd: cmd, done: make(chan struct{})}
	go h.reap()
	return h
}

func (h *ExecHandle) reap() {
	err := h.cmd.Wait()
	h.once.Do(func() {
		h.exitCode = exitCodeFromError(err)
		close(h.done)
	})
}

func exitCodeFromError(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}

// Poll reports the exit code if the process has finished.
func (h *ExecHandle) Poll() (int, bool) {
	select {
	case <-h.done:
		return h.exitCode, true
	default:
		return 0, false
	}
}

// Signal sends SIGTERM or SIGKILL to the process.
func (h *ExecHandle) Signal(kind SignalKind) error {
	sig := syscall.SIGTERM
	if kind == SignalKill {
		sig = syscall.SIGKILL
	}
	return h.cmd.Process.Signal(sig)
}

// Wait blocks until exit or context cancellation.
func (h *ExecHandle) Wait(ctx context.Context) (int, error) {
	select {
	case <-h.done:
		return h.exitCode, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
