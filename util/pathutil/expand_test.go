package pathutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpand_Home(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	got, err := Expand("~/projects")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "projects"), got)

	got, err = Expand("~")
	require.NoError(t, err)
	assert.Equal(t, home, got)
}

func TestExpand_EnvVars(t *testing.T) {
	t.Setenv("BURROW_TEST_DIR", "/tmp/burrow-test")

	got, err := Expand("$BURROW_TEST_DIR/repo")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/burrow-test/repo", got)
}

func TestExpand_RelativeBecomesAbsolute(t *testing.T) {
	got, err := Expand("somewhere/nested")
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(got))
}
