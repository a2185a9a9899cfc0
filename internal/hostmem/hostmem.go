// Package hostmem derives the memory ceiling of a VM from the host.
package hostmem

import (
	"fmt"

	"github.com/shirou/gopsutil/v4/mem"
)

// DefaultReserveMB is kept for the host when the ceiling is derived.
const DefaultReserveMB = 1024

const bytesPerMB = 1024 * 1024

// virtualMemory is replaced in tests.
var virtualMemory = mem.VirtualMemory

// TotalMB returns the physical memory of the host in MiB.
func TotalMB() (int64, error) {
	v, err := virtualMemory()
	if err != nil {
		return 0, fmt.Errorf("query host memory: %w", err)
	}
	return int64(v.Total / bytesPerMB), nil
}

// Ceiling returns explicitMB when set, otherwise host memory minus
// reserveMB. A non-positive reserve uses DefaultReserveMB.
func Ceiling(explicitMB, reserveMB int64) (int64, error) {
	if explicitMB > 0 {
		return explicitMB, nil
	}
	if reserveMB <= 0 {
		reserveMB = DefaultReserveMB
	}

	total, err := TotalMB()
	if err != nil {
		return 0, err
	}
	if total <= reserveMB {
		return 0, fmt.Errorf("host memory %dMB does not exceed reserve %dMB", total, reserveMB)
	}
	return total - reserveMB, nil
}
