// Package tmux drives the dedicated terminal-multiplexer server that hosts
// agent processes. Every command runs against a named socket so agent
// sessions never collide with the user's own tmux server.
package tmux

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/grovetools/burrow/command"
	"github.com/grovetools/burrow/logging"
)

// Client runs multiplexer commands against a dedicated server socket.
type Client struct {
	builder *command.SafeBuilder
	socket  string
	log     *logrus.Entry
}

// NewClient creates a client for the given socket name. The tmux binary
// must be on PATH.
func NewClient(socket string) (*Client, error) {
	if _, err := exec.LookPath("tmux"); err != nil {
		return nil, fmt.Errorf("tmux not found in PATH: %w", err)
	}
	return NewClientWithExecutor(socket, nil), nil
}

// NewClientWithExecutor creates a client with an injected command executor.
// Used by tests; a nil executor means real subprocess execution.
func NewClientWithExecutor(socket string, executor command.Executor) *Client {
	builder := command.NewSafeBuilder()
	if executor != nil {
		builder = command.NewSafeBuilderWithExecutor(executor)
	}
	return &Client{
		builder: builder,
		socket:  socket,
		log:     logging.NewLogger("tmux"),
	}
}

// Socket returns the server socket name this client uses.
func (c *Client) Socket() string {
	return c.socket
}

func (c *Client) run(ctx context.Context, runner Runner, args ...string) (string, error) {
	argv := append([]string{"tmux", "-L", c.socket}, args...)
	argv = runner.SpawnCommand(argv)

	cmd, err := c.builder.Build(ctx, argv[0], argv[1:]...)
	if err != nil {
		return "", fmt.Errorf("build tmux command: %w", err)
	}

	output, err := cmd.CombinedOutput("")
	if err != nil {
		return string(output), fmt.Errorf("tmux %s: %w, output: %s",
			strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}

// NewSession creates a detached session running shellCommand (or the
// default shell when empty) in workdir.
func (c *Client) NewSession(ctx context.Context, runner Runner, name, workdir, shellCommand string) error {
	if err := c.builder.Validate("sessionName", name); err != nil {
		return err
	}

	args := []string{"new-session", "-d", "-s", name}
	if workdir != "" {
		args = append(args, "-c", workdir)
	}
	if shellCommand != "" {
		args = append(args, shellCommand)
	}

	if _, err := c.run(ctx, runner, args...); err != nil {
		return err
	}
	c.log.WithField("session", name).Info("multiplexer session created")
	return nil
}

// HasSession reports whether the named session exists.
func (c *Client) HasSession(ctx context.Context, runner Runner, name string) (bool, error) {
	_, err := c.run(ctx, runner, "has-session", "-t", "="+name)
	if err == nil {
		return true, nil
	}
	if strings.Contains(err.Error(), "exit status 1") {
		return false, nil
	}
	return false, err
}

// KillSession kills the named session. Killing a session that does not
// exist is not an error.
func (c *Client) KillSession(ctx context.Context, runner Runner, name string) error {
	_, err := c.run(ctx, runner, "kill-session", "-t", "="+name)
	if err != nil && (strings.Contains(err.Error(), "can't find session") ||
		strings.Contains(err.Error(), "no server running")) {
		return nil
	}
	return err
}

// ListSessions returns the names of all live sessions on the socket. A
// server that is not running yields an empty list, not an error.
func (c *Client) ListSessions(ctx context.Context, runner Runner) ([]string, error) {
	output, err := c.run(ctx, runner, "list-sessions", "-F", "#{session_name}")
	if err != nil {
		if strings.Contains(err.Error(), "no server running") {
			return nil, nil
		}
		return nil, err
	}

	var names []string
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		if line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// RefreshClient forces attached clients of the session to re-read their
// size. Called after a PTY resize so the terminal geometry the agent sees
// matches the viewer's.
func (c *Client) RefreshClient(ctx context.Context, runner Runner, name string) error {
	_, err := c.run(ctx, runner, "refresh-client", "-t", "="+name)
	return err
}

// AttachCommand returns the command and args a terminal should spawn as a
// PTY to attach to the named session in the given execution context.
func (c *Client) AttachCommand(runner Runner, name string) (string, []string) {
	argv := runner.AttachArgs([]string{"tmux", "-L", c.socket, "attach-session", "-t", "=" + name})
	return argv[0], argv[1:]
}
