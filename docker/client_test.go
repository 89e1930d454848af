package docker

import (
	"bytes"
	"strings"
	"testing"

	"github.com/docker/docker/pkg/stdcopy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadExecOutput_StripsStreamHeaders(t *testing.T) {
	var stream bytes.Buffer
	stdout := stdcopy.NewStdWriter(&stream, stdcopy.Stdout)
	stderr := stdcopy.NewStdWriter(&stream, stdcopy.Stderr)

	_, err := stdout.Write([]byte("-P OUTPUT DROP\n"))
	require.NoError(t, err)
	_, err = stderr.Write([]byte("warning: table partially loaded\n"))
	require.NoError(t, err)
	_, err = stdout.Write([]byte("-A OUTPUT -o lo -j ACCEPT\n"))
	require.NoError(t, err)

	out, err := readExecOutput(&stream)
	require.NoError(t, err)

	// Exact line matches must work, so no 8-byte frame headers may survive.
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	assert.Equal(t, "-P OUTPUT DROP", lines[0])
	assert.Contains(t, lines, "warning: table partially loaded")
	assert.Contains(t, lines, "-A OUTPUT -o lo -j ACCEPT")
}
