//go:build !windows

package lock

import (
	"errors"
	"os"
	"syscall"
)

// IsAlive sends signal 0, which performs the permission and existence checks
// without delivering anything. EPERM still proves the process exists.
func (ProcessProbe) IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
