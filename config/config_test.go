package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
	require.NoError(t, err)
	assert.Equal(t, "burrow", cfg.TmuxSocket)
	assert.Equal(t, 12, cfg.WorktreeLimit)
	assert.Equal(t, 3, cfg.MaxConnectionsPerSession)
	assert.NotEmpty(t, cfg.Sandbox.AllowedDomains)
}

func TestLoad_OverlaysFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "burrow.yml")
	content := `
worktree_limit: 4
tmux_socket: burrow-test
sandbox:
  image: burrow-sandbox:test
  pids_limit: 128
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.WorktreeLimit)
	assert.Equal(t, "burrow-test", cfg.TmuxSocket)
	assert.Equal(t, "burrow-sandbox:test", cfg.Sandbox.Image)
	assert.Equal(t, int64(128), cfg.Sandbox.PidsLimit)
	// Untouched fields keep defaults
	assert.Equal(t, 3, cfg.MaxConnectionsPerSession)
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "burrow.yml")
	require.NoError(t, os.WriteFile(path, []byte("worktree_limit: 0\n"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestDerivedPaths(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "/var/lib/burrow"

	assert.Equal(t, "/var/lib/burrow/burrow.db", cfg.DatabasePath())
	assert.Equal(t, "/var/lib/burrow/image.hash", cfg.ImageHashPath())
	assert.Equal(t, "/var/lib/burrow/worktrees", cfg.WorktreeBaseDir())
}
