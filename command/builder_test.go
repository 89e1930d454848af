package command

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grovetools/burrow/errors"
)

func TestBuild_RejectsEmptyName(t *testing.T) {
	sb := NewSafeBuilder()
	_, err := sb.Build(context.Background(), "")
	assert.Error(t, err)
}

func TestBuild_CarriesArgs(t *testing.T) {
	sb := NewSafeBuilder()
	cmd, err := sb.Build(context.Background(), "git", "worktree", "list")
	require.NoError(t, err)

	execCmd := cmd.Exec()
	assert.Contains(t, execCmd.Path, "git")
	assert.Equal(t, []string{"git", "worktree", "list"}, execCmd.Args)
}

func TestWithTimeout_CapsAtMax(t *testing.T) {
	sb := NewSafeBuilder()
	cmd, err := sb.Build(context.Background(), "sleep", "1")
	require.NoError(t, err)

	cmd = cmd.WithTimeout(time.Hour)
	assert.Equal(t, MaxTimeout, cmd.timeout)
}

func TestValidate_SessionName(t *testing.T) {
	sb := NewSafeBuilder()

	assert.NoError(t, sb.Validate("sessionName", "claude-a1b2c3"))
	assert.NoError(t, sb.Validate("sessionName", "codex-X9"))
	assert.Error(t, sb.Validate("sessionName", ""))
	assert.Error(t, sb.Validate("sessionName", "bad name"))
	assert.Error(t, sb.Validate("sessionName", "-leading"))
	assert.Error(t, sb.Validate("sessionName", "semi;colon"))
}

func TestValidate_ContainerName(t *testing.T) {
	sb := NewSafeBuilder()

	assert.NoError(t, sb.Validate("containerName", "burrow-a1b2c3"))
	assert.Error(t, sb.Validate("containerName", "Upper"))
	assert.Error(t, sb.Validate("containerName", ""))

	long := make([]byte, 70)
	for i := range long {
		long[i] = 'a'
	}
	assert.Error(t, sb.Validate("containerName", string(long)))
}

func TestValidate_GitRef(t *testing.T) {
	sb := NewSafeBuilder()

	assert.NoError(t, sb.Validate("gitRef", "feature/add-dark-mode"))
	assert.NoError(t, sb.Validate("gitRef", "main"))
	assert.Error(t, sb.Validate("gitRef", "bad..ref"))
	assert.Error(t, sb.Validate("gitRef", "evil;rm -rf"))
	assert.Error(t, sb.Validate("gitRef", ""))
}

func TestValidate_FileName(t *testing.T) {
	sb := NewSafeBuilder()

	assert.NoError(t, sb.Validate("fileName", "/home/me/project"))
	assert.Error(t, sb.Validate("fileName", "../../etc/passwd"))
	assert.Error(t, sb.Validate("fileName", "path;rm"))
}

func TestValidate_UnknownType(t *testing.T) {
	sb := NewSafeBuilder()
	assert.Error(t, sb.Validate("unknown", "anything"))
}

func TestCombinedOutput_MapsExitFailure(t *testing.T) {
	sb := NewSafeBuilder()
	cmd, err := sb.Build(context.Background(), "false")
	require.NoError(t, err)

	_, err = cmd.CombinedOutput("")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeCommandFailed, errors.GetCode(err))
}

func TestCombinedOutput_MapsTimeout(t *testing.T) {
	sb := NewSafeBuilder()
	cmd, err := sb.Build(context.Background(), "sleep", "5")
	require.NoError(t, err)

	_, err = cmd.WithTimeout(50 * time.Millisecond).CombinedOutput("")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeCommandTimeout, errors.GetCode(err))
}

func TestCombinedOutput_MapsMissingBinary(t *testing.T) {
	sb := NewSafeBuilder()
	cmd, err := sb.Build(context.Background(), "no-such-binary-burrow-test")
	require.NoError(t, err)

	_, err = cmd.CombinedOutput("")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeCommandNotFound, errors.GetCode(err))
}
