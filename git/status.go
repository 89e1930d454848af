package git

import (
	"context"
	"strconv"
	"strings"
)

// HasUncommittedChanges reports whether the worktree has uncommitted changes,
// staged or not. Any probe error answers true: ambiguity is never read as
// "safe to destroy".
func (c *WorktreeController) HasUncommittedChanges(ctx context.Context, worktreePath string) bool {
	out, err := runGit(ctx, c.builder, worktreePath, "status", "--porcelain")
	if err != nil {
		c.log.WithError(err).WithField("path", worktreePath).Warn("status probe failed, assuming changes exist")
		return true
	}
	return strings.TrimSpace(out) != ""
}

// BranchHasChanges reports whether the branch has commits the base branch
// does not. Any probe error answers true.
func (c *WorktreeController) BranchHasChanges(ctx context.Context, repoPath, branch, baseBranch string) bool {
	if baseBranch == "" {
		baseBranch = "HEAD"
	}
	out, err := runGit(ctx, c.builder, repoPath, "rev-list", "--count", baseBranch+".."+branch)
	if err != nil {
		c.log.WithError(err).WithField("branch", branch).Warn("rev-list probe failed, assuming changes exist")
		return true
	}
	count, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return true
	}
	return count > 0
}

// DiscardUncommittedChanges hard-resets the worktree to HEAD and removes
// untracked files. Destructive; callers are responsible for confirming with
// the user before invoking it.
func (c *WorktreeController) DiscardUncommittedChanges(ctx context.Context, worktreePath string) error {
	if _, err := runGit(ctx, c.builder, worktreePath, "reset", "--hard", "HEAD"); err != nil {
		return err
	}
	_, err := runGit(ctx, c.builder, worktreePath, "clean", "-fd")
	return err
}
