package pathutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Expand expands a leading home directory (~) and environment variables in a
// path, and returns an absolute path.
func Expand(path string) (string, error) {
	if path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("could not get user home directory: %w", err)
		}
		path = home
	} else if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("could not get user home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	path = os.ExpandEnv(path)

	return filepath.Abs(path)
}
