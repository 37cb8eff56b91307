//go:build !windows

package launcher

import (
	"errors"
	"os"
	"syscall"
)

// stopProcess asks the daemon to exit with the standard stop signal.
func stopProcess(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Signal(syscall.SIGTERM)
}

// killProcessTree force-kills the daemon. Signals are reliable on POSIX, so
// SIGKILL on the PID is sufficient here.
func killProcessTree(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	err = proc.Signal(syscall.SIGKILL)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// isProcessAlive checks liveness with signal 0. EPERM means the process
// exists but belongs to someone else.
func isProcessAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPERM
	}
	return false
}
