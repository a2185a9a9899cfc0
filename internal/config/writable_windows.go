//go:build windows

package config

import "os"

// Windows has no access(2); probe by creating a file.
func writable(dir string) bool {
	f, err := os.CreateTemp(dir, ".balloond-probe-*")
	if err != nil {
		return false
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return true
}
