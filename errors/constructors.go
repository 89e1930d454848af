package errors

import (
	"fmt"
	"os/exec"
	"time"
)

// WorktreeLimitReached creates a worktree ceiling error
func WorktreeLimitReached(count, limit int) *BurrowError {
	return New(ErrCodeWorktreeLimit,
		fmt.Sprintf("worktree limit reached: %d of %d in use", count, limit)).
		WithDetail("count", count).
		WithDetail("limit", limit)
}

// BranchExists creates a branch-already-exists error
func BranchExists(branch string) *BurrowError {
	return New(ErrCodeBranchExists, fmt.Sprintf("branch '%s' already exists", branch)).
		WithDetail("branch", branch)
}

// PathExists creates a target-path-already-exists error
func PathExists(path string) *BurrowError {
	return New(ErrCodePathExists, fmt.Sprintf("path already exists: %s", path)).
		WithDetail("path", path)
}

// NotARepository creates an error for a path that is not a git repository
func NotARepository(path string) *BurrowError {
	return New(ErrCodeNotARepository, fmt.Sprintf("not a git repository: %s", path)).
		WithDetail("path", path)
}

// SessionNotFound creates a session lookup error
func SessionNotFound(id string) *BurrowError {
	return New(ErrCodeSessionNotFound, fmt.Sprintf("session '%s' not found", id)).
		WithDetail("sessionId", id)
}

// SessionNotReady creates an error for operations that require a ready session
func SessionNotReady(id, status string) *BurrowError {
	return New(ErrCodeSessionNotReady,
		fmt.Sprintf("session '%s' is %s, not ready", id, status)).
		WithDetail("sessionId", id).
		WithDetail("status", status)
}

// TooManyClients creates a per-session connection cap error
func TooManyClients(id string, limit int) *BurrowError {
	return New(ErrCodeTooManyClients,
		fmt.Sprintf("session '%s' already has %d attached terminals", id, limit)).
		WithDetail("sessionId", id).
		WithDetail("limit", limit)
}

// CommandFailed creates a command execution failure error
func CommandFailed(cmd string, err error) *BurrowError {
	burrowErr := Wrap(err, ErrCodeCommandFailed, fmt.Sprintf("command failed: %s", cmd)).
		WithDetail("command", cmd)

	if exitErr, ok := err.(*exec.ExitError); ok {
		burrowErr = burrowErr.WithDetail("exitCode", exitErr.ExitCode())
	}

	return burrowErr
}

// CommandTimeout creates a command deadline error
func CommandTimeout(cmd string, timeout time.Duration) *BurrowError {
	return New(ErrCodeCommandTimeout,
		fmt.Sprintf("command '%s' timed out after %s", cmd, timeout)).
		WithDetail("command", cmd).
		WithDetail("timeout", timeout.String())
}

// CommandNotFound creates a missing-binary error
func CommandNotFound(cmd string) *BurrowError {
	return New(ErrCodeCommandNotFound, fmt.Sprintf("command not found: %s", cmd)).
		WithDetail("command", cmd)
}

// ContainerCreateFailed creates a container creation error. It is always
// raised after the partial container has been swept away.
func ContainerCreateFailed(name string, err error) *BurrowError {
	return Wrap(err, ErrCodeContainerCreateFailed,
		fmt.Sprintf("failed to create container '%s'", name)).
		WithDetail("container", name)
}

// FirewallFailed creates a firewall initialization error. The container is
// destroyed before this error is returned; a sandbox without a working
// egress firewall must not be left running.
func FirewallFailed(name string, err error) *BurrowError {
	return Wrap(err, ErrCodeFirewallFailed,
		fmt.Sprintf("failed to initialize egress firewall in container '%s'", name)).
		WithDetail("container", name)
}

// ContainerUnhealthy creates a post-create health verification error. Like
// FirewallFailed, the container is destroyed before this error is returned.
func ContainerUnhealthy(name, reason string) *BurrowError {
	return New(ErrCodeContainerUnhealthy,
		fmt.Sprintf("container '%s' failed health verification: %s", name, reason)).
		WithDetail("container", name).
		WithDetail("reason", reason)
}

// ContainerNotRunning creates an error for a container in the wrong state
func ContainerNotRunning(name, state string) *BurrowError {
	return New(ErrCodeContainerNotRunning,
		fmt.Sprintf("container '%s' is %s, not running", name, state)).
		WithDetail("container", name).
		WithDetail("state", state)
}
