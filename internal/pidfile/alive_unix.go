//go:build !windows

package pidfile

import (
	"errors"

	"golang.org/x/sys/unix"
)

// Alive reports whether a process with pid exists. EPERM means the process
// exists but belongs to another user.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Terminate asks pid to shut down with SIGTERM.
func Terminate(pid int) error {
	return unix.Kill(pid, unix.SIGTERM)
}
