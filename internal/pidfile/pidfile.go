// Package pidfile manages the PID markers that tie a controller to its VM.
package pidfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrNoMarker is returned by Read when no marker exists.
var ErrNoMarker = errors.New("no PID marker")

// Write records pid at path, creating parent directories. The marker is
// written to a temporary file and renamed into place.
func Write(path string, pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create PID marker directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		return fmt.Errorf("write PID marker: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write PID marker: %w", err)
	}
	return nil
}

// Read returns the pid stored at path.
func Read(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("%w at %s", ErrNoMarker, path)
		}
		return 0, fmt.Errorf("read PID marker: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("malformed PID marker %s: %q", path, strings.TrimSpace(string(data)))
	}
	return pid, nil
}

// Remove deletes the marker. A missing marker is not an error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove PID marker: %w", err)
	}
	return nil
}

// Check returns the pid recorded at path if that process is alive. Stale or
// malformed markers are removed and reported as 0.
func Check(path string) (int, error) {
	pid, err := Read(path)
	if errors.Is(err, ErrNoMarker) {
		return 0, nil
	}
	if err == nil && Alive(pid) {
		return pid, nil
	}
	if rmErr := Remove(path); rmErr != nil {
		return 0, rmErr
	}
	return 0, nil
}

// Running reports whether the process recorded at path is alive, without
// touching the marker.
func Running(path string) bool {
	pid, err := Read(path)
	return err == nil && Alive(pid)
}
