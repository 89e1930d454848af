package command

import (
	"context"
	stderrors "errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/grovetools/burrow/errors"
)

const (
	// DefaultTimeout is the default command execution timeout
	DefaultTimeout = 2 * time.Minute

	// MaxTimeout is the maximum allowed timeout. Image builds are the only
	// operation expected to get anywhere near it.
	MaxTimeout = 10 * time.Minute
)

// SafeBuilder provides secure command execution with validation
type SafeBuilder struct {
	defaultTimeout time.Duration
	validators     map[string]func(string) error
	executor       Executor
}

// NewSafeBuilder creates a new SafeBuilder instance with a RealExecutor
func NewSafeBuilder() *SafeBuilder {
	return NewSafeBuilderWithExecutor(&RealExecutor{})
}

// NewSafeBuilderWithExecutor creates a new SafeBuilder with a custom Executor
func NewSafeBuilderWithExecutor(exec Executor) *SafeBuilder {
	return &SafeBuilder{
		defaultTimeout: DefaultTimeout,
		validators:     makeDefaultValidators(),
		executor:       exec,
	}
}

// makeDefaultValidators returns the default set of validators
func makeDefaultValidators() map[string]func(string) error {
	return map[string]func(string) error{
		"sessionName":   validateSessionName,
		"containerName": validateContainerName,
		"gitRef":        validateGitRef,
		"fileName":      validateFileName,
	}
}

// validateSessionName ensures tmux session names are safe. Session names are
// derived from the agent type and session id, so the character set is narrow.
func validateSessionName(name string) error {
	if name == "" {
		return fmt.Errorf("session name cannot be empty")
	}

	validName := regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)
	if !validName.MatchString(name) {
		return fmt.Errorf("invalid session name: %s", name)
	}

	return nil
}

// validateContainerName ensures container names are safe for the runtime
func validateContainerName(name string) error {
	if name == "" {
		return fmt.Errorf("container name cannot be empty")
	}

	// Container names: lowercase letters, digits, underscores, hyphens
	validName := regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)
	if !validName.MatchString(name) {
		return fmt.Errorf("invalid container name: %s (must contain only lowercase letters, digits, underscores, and hyphens)", name)
	}

	if len(name) > 63 {
		return fmt.Errorf("container name too long: %s (max 63 characters)", name)
	}

	return nil
}

// validateGitRef ensures git references are safe
func validateGitRef(ref string) error {
	if ref == "" {
		return fmt.Errorf("git ref cannot be empty")
	}

	// Git refs: alphanumeric, slashes, hyphens, underscores, dots
	validRef := regexp.MustCompile(`^[a-zA-Z0-9/_.-]+$`)
	if !validRef.MatchString(ref) {
		return fmt.Errorf("invalid git ref: %s", ref)
	}

	if strings.Contains(ref, "..") {
		return fmt.Errorf("git ref cannot contain '..': %s", ref)
	}

	return nil
}

// validateFileName ensures file paths are safe
func validateFileName(path string) error {
	if path == "" {
		return fmt.Errorf("file path cannot be empty")
	}

	// Prevent directory traversal
	if strings.Contains(path, "..") {
		return fmt.Errorf("file path cannot contain '..'")
	}

	// Prevent command injection via shell metacharacters
	if strings.ContainsAny(path, ";|&$`") {
		return fmt.Errorf("file path contains invalid characters")
	}

	return nil
}

// Command represents a safe command configuration
type Command struct {
	ctx      context.Context
	name     string
	args     []string
	timeout  time.Duration
	executor Executor
}

// Build creates a new command with validation
func (sb *SafeBuilder) Build(ctx context.Context, name string, args ...string) (*Command, error) {
	if name == "" {
		return nil, fmt.Errorf("command name cannot be empty")
	}

	// Apply timeout to context. The cancel is owned by command execution,
	// not by the builder.
	timeoutCtx, cancel := context.WithTimeout(ctx, sb.defaultTimeout)
	_ = cancel

	return &Command{
		ctx:      timeoutCtx,
		name:     name,
		args:     args,
		timeout:  sb.defaultTimeout,
		executor: sb.executor,
	}, nil
}

// WithTimeout sets a custom timeout for the command
func (c *Command) WithTimeout(timeout time.Duration) *Command {
	if timeout > MaxTimeout {
		timeout = MaxTimeout
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	_ = cancel // Handled during execution

	c.ctx = ctx
	c.timeout = timeout
	return c
}

// Validate validates specific arguments
func (sb *SafeBuilder) Validate(argType string, value string) error {
	validator, exists := sb.validators[argType]
	if !exists {
		return fmt.Errorf("no validator for argument type: %s", argType)
	}

	return validator(value)
}

// Exec creates and returns an exec.Cmd
func (c *Command) Exec() *exec.Cmd {
	return c.executor.CommandContext(c.ctx, c.name, c.args...) //nolint:gosec // SafeBuilder provides validation
}

// CombinedOutput runs the command in dir (empty means the current working
// directory) and returns its combined output. Failures carry their error
// code: COMMAND_TIMEOUT when the deadline expired, COMMAND_NOT_FOUND for a
// missing binary, COMMAND_FAILED otherwise.
func (c *Command) CombinedOutput(dir string) ([]byte, error) {
	execCmd := c.Exec()
	execCmd.Dir = dir

	output, err := execCmd.CombinedOutput()
	if err == nil {
		return output, nil
	}
	if c.ctx.Err() == context.DeadlineExceeded {
		return output, errors.CommandTimeout(c.name, c.timeout)
	}
	if stderrors.Is(err, exec.ErrNotFound) {
		return output, errors.CommandNotFound(c.name)
	}
	return output, errors.CommandFailed(c.name, err)
}
