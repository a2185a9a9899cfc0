// Package paths provides the per-VM filesystem layout used by balloond.
// These helpers take configuration as input to avoid global config coupling.
package paths

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/spin-stack/balloond/internal/config"
	"github.com/spin-stack/balloond/internal/telemetry"
)

// DefaultTCPAddress is the monitor address used where unix sockets are
// unavailable.
const DefaultTCPAddress = "127.0.0.1:4444"

// BaseDir returns ~/.vm, the root of all VM directories.
func BaseDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".vm")
}

// VMDir returns the directory holding a VM's files. The default VM lives
// directly in ~/.vm, others in ~/.vm/<name>, unless state_dir is set.
func VMDir(vm config.VMConfig) string {
	if vm.StateDir != "" {
		return vm.StateDir
	}
	if vm.Name == config.DefaultVMName {
		return BaseDir()
	}
	return filepath.Join(BaseDir(), vm.Name)
}

// MonitorSocket returns the QMP unix socket of the VM.
func MonitorSocket(vm config.VMConfig) string {
	return filepath.Join(VMDir(vm), vm.Name+"-monitor.sock")
}

// VMPIDFile returns the PID file QEMU was started with.
func VMPIDFile(vm config.VMConfig) string {
	return filepath.Join(VMDir(vm), vm.Name+".pid")
}

// BalloonPIDFile returns the controller's own PID marker.
func BalloonPIDFile(vm config.VMConfig) string {
	if vm.PIDFile != "" {
		return vm.PIDFile
	}
	return filepath.Join(VMDir(vm), "balloon.pid")
}

// BalloonLogFile returns the log file used by a detached controller.
func BalloonLogFile(vm config.VMConfig) string {
	return filepath.Join(VMDir(vm), "balloon.log")
}

// DataDir returns the directory shared with the guest.
func DataDir(vm config.VMConfig) string {
	return filepath.Join(VMDir(vm), "data")
}

// StatusFile returns the guest telemetry file.
func StatusFile(cfg *config.Config) string {
	if cfg.Telemetry.StatusFile != "" {
		return cfg.Telemetry.StatusFile
	}
	dir := cfg.Telemetry.SharedDir
	if dir == "" {
		dir = DataDir(cfg.VM)
	}
	return filepath.Join(dir, telemetry.StatusFileName)
}

// JournalPath returns the adjustment journal database, or "" when the
// journal is disabled.
func JournalPath(cfg *config.Config) string {
	if cfg.Journal.Disabled {
		return ""
	}
	if cfg.Journal.Path != "" {
		return cfg.Journal.Path
	}
	return filepath.Join(VMDir(cfg.VM), "balloon.db")
}

// Transport returns the network and address of the QEMU monitor. Windows
// defaults to TCP on the loopback interface.
func Transport(cfg *config.Config) (network, address string) {
	network = cfg.Transport.Network
	if network == "" {
		network = "unix"
		if runtime.GOOS == "windows" {
			network = "tcp"
		}
	}

	address = cfg.Transport.Address
	if address == "" {
		if network == "tcp" {
			address = DefaultTCPAddress
		} else {
			address = MonitorSocket(cfg.VM)
		}
	}
	return network, address
}

// Exists reports whether a non-directory file (regular file or socket)
// exists at path, resolving symlinks to the real path.
func Exists(path string) bool {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return false
	}
	info, err := os.Stat(resolved)
	return err == nil && !info.IsDir()
}
