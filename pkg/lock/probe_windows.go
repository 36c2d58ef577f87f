//go:build windows

package lock

import "os"

// IsAlive opens a handle to the process; FindProcess fails once it has exited.
func (ProcessProbe) IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = process.Release()
	return true
}
