// Package pidfile guards against concurrent daemon instances.
package pidfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/grovetools/burrow/pkg/process"
)

// Acquire writes the current pid to path. It fails if another live daemon
// already holds the file; a stale file from a dead process is replaced.
func Acquire(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create pid directory: %w", err)
	}

	if pid, err := Read(path); err == nil {
		if process.IsAlive(pid) {
			return fmt.Errorf("daemon already running with pid %d", pid)
		}
		_ = os.Remove(path)
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

// Release removes the pid file.
func Release(path string) error {
	return os.Remove(path)
}

// Read returns the pid recorded in the file.
func Read(path string) (int, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(content)))
}

// IsRunning reports whether the daemon described by the pid file is alive.
func IsRunning(path string) (bool, int, error) {
	pid, err := Read(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, 0, nil
		}
		return false, 0, err
	}
	return process.IsAlive(pid), pid, nil
}
