package command

import (
	"context"
	"os/exec"
)

// Executor creates exec.Cmd instances. The indirection lets tests substitute
// command creation (e.g. pointing PATH at mock binaries) without touching
// production code.
type Executor interface {
	// Command creates a new exec.Cmd instance for the given command and arguments.
	Command(name string, args ...string) *exec.Cmd

	// CommandContext creates a new context-aware exec.Cmd instance.
	CommandContext(ctx context.Context, name string, args ...string) *exec.Cmd
}

// RealExecutor is the production implementation backed by os/exec.
type RealExecutor struct{}

// Command creates a standard exec.Cmd.
func (e *RealExecutor) Command(name string, args ...string) *exec.Cmd {
	return exec.Command(name, args...)
}

// CommandContext creates a standard context-aware exec.Cmd.
func (e *RealExecutor) CommandContext(ctx context.Context, name string, args ...string) *exec.Cmd {
	return exec.CommandContext(ctx, name, args...)
}
