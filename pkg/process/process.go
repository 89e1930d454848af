// Package process holds small helpers for inspecting OS processes.
package process

import (
	"os"
	"syscall"
)

// IsAlive reports whether a process with the given pid exists. Signal 0
// probes for existence without delivering anything; EPERM still means the
// process is there, just owned by someone else.
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	err = proc.Signal(syscall.Signal(0))
	return err == nil || os.IsPermission(err)
}
