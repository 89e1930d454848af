package git

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/grovetools/burrow/command"
)

// runGit executes a git command in the given directory and returns its
// combined output.
func runGit(ctx context.Context, builder *command.SafeBuilder, dir string, args ...string) (string, error) {
	cmd, err := builder.Build(ctx, "git", args...)
	if err != nil {
		return "", fmt.Errorf("failed to build command: %w", err)
	}

	output, err := cmd.CombinedOutput(dir)
	if err != nil {
		return string(output), fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}

// IsRepository reports whether path is inside a git working tree.
func IsRepository(ctx context.Context, builder *command.SafeBuilder, path string) bool {
	out, err := runGit(ctx, builder, path, "rev-parse", "--is-inside-work-tree")
	return err == nil && strings.TrimSpace(out) == "true"
}

// BranchExists reports whether a local branch exists in the repository.
func BranchExists(ctx context.Context, builder *command.SafeBuilder, repoPath, branch string) bool {
	_, err := runGit(ctx, builder, repoPath, "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

// CurrentBranch returns the checked-out branch of the repository.
func CurrentBranch(ctx context.Context, builder *command.SafeBuilder, repoPath string) (string, error) {
	out, err := runGit(ctx, builder, repoPath, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// MainRepoFromWorktree resolves the main repository path from inside a
// worktree by reading the absolute common git directory and taking its
// parent. The main repo path is not derivable from the worktree path alone;
// both worktree deletion and container git-mounting need it.
func MainRepoFromWorktree(ctx context.Context, builder *command.SafeBuilder, worktreePath string) (string, error) {
	out, err := runGit(ctx, builder, worktreePath, "rev-parse", "--path-format=absolute", "--git-common-dir")
	if err != nil {
		return "", fmt.Errorf("resolve common git dir: %w", err)
	}

	commonDir := strings.TrimSpace(out)
	if commonDir == "" {
		return "", fmt.Errorf("empty git common dir for %s", worktreePath)
	}
	if filepath.Base(commonDir) != ".git" {
		return "", fmt.Errorf("unexpected git common dir %q", commonDir)
	}

	return filepath.Dir(commonDir), nil
}
