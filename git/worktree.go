package git

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/grovetools/burrow/command"
	"github.com/grovetools/burrow/errors"
	"github.com/grovetools/burrow/logging"
	"github.com/grovetools/burrow/util/sanitize"
)

// branchPrefix is prepended to every slugged feature name.
const branchPrefix = "feature/"

// protectedBranches are never deleted, whatever the caller asked for.
var protectedBranches = map[string]bool{
	"main":    true,
	"master":  true,
	"develop": true,
}

// WorktreeInfo describes one entry of `git worktree list --porcelain`.
type WorktreeInfo struct {
	Path   string
	Branch string
	Commit string
	Bare   bool
}

// CreateWorktreeRequest carries the inputs for worktree creation.
type CreateWorktreeRequest struct {
	ProjectPath string
	FeatureName string
	BaseBranch  string
}

// CreateWorktreeResult describes the created worktree.
type CreateWorktreeResult struct {
	WorktreePath string
	BranchName   string
	BaseBranch   string
}

// WorktreeController creates and deletes isolated git worktrees.
type WorktreeController struct {
	builder *command.SafeBuilder
	log     *logrus.Entry
	trust   *TrustStore

	baseDir string
	limit   int
	countFn func() (int, error)

	// reserveMu serializes the count-then-create window so concurrent
	// creations cannot both slip under the ceiling.
	reserveMu sync.Mutex
}

// NewWorktreeController creates a worktree controller. baseDir is where new
// worktree directories are placed, limit is the global worktree ceiling, and
// countFn reports how many worktrees are currently in use.
func NewWorktreeController(baseDir string, limit int, countFn func() (int, error), trust *TrustStore) *WorktreeController {
	return &WorktreeController{
		builder: command.NewSafeBuilder(),
		log:     logging.NewLogger("worktree"),
		trust:   trust,
		baseDir: baseDir,
		limit:   limit,
		countFn: countFn,
	}
}

// BranchNameFor returns the branch a feature name would map to.
func BranchNameFor(featureName string) string {
	return branchPrefix + sanitize.Slug(featureName)
}

// CreateWorktree creates a new worktree and branch for the feature.
//
// The branch and directory names are both derived from the slugged feature
// name, so they are deterministic and contain no path traversal. Creation is
// rejected before any git state changes if the ceiling is reached, the branch
// already exists, or the target path already exists.
func (c *WorktreeController) CreateWorktree(ctx context.Context, req CreateWorktreeRequest) (*CreateWorktreeResult, error) {
	if !IsRepository(ctx, c.builder, req.ProjectPath) {
		return nil, errors.NotARepository(req.ProjectPath)
	}

	slug := sanitize.Slug(req.FeatureName)
	if slug == "" {
		return nil, errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("feature name %q produces an empty slug", req.FeatureName))
	}
	branch := branchPrefix + slug
	worktreePath := filepath.Join(c.baseDir, slug)

	if err := c.builder.Validate("gitRef", branch); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid branch name")
	}

	c.reserveMu.Lock()
	defer c.reserveMu.Unlock()

	count, err := c.countFn()
	if err != nil {
		return nil, fmt.Errorf("count worktrees: %w", err)
	}
	if count >= c.limit {
		return nil, errors.WorktreeLimitReached(count, c.limit)
	}

	if BranchExists(ctx, c.builder, req.ProjectPath, branch) {
		return nil, errors.BranchExists(branch)
	}
	if _, err := os.Stat(worktreePath); err == nil {
		return nil, errors.PathExists(worktreePath)
	}

	if err := os.MkdirAll(c.baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create worktree base directory: %w", err)
	}

	base := req.BaseBranch
	if base == "" {
		base = "HEAD"
	}
	if base == "HEAD" {
		// Record the concrete checked-out branch as the base; a detached
		// HEAD stays symbolic.
		if cur, err := CurrentBranch(ctx, c.builder, req.ProjectPath); err == nil && cur != "" && cur != "HEAD" {
			base = cur
		}
	}

	// Try the local branch ref first, then the bare ref name. The bare name
	// lets git resolve remote-tracking refs when no local branch exists.
	candidates := []string{"refs/heads/" + base, base}
	if base == "HEAD" {
		candidates = []string{"HEAD"}
	}

	var lastErr error
	created := false
	for _, ref := range candidates {
		_, err := runGit(ctx, c.builder, req.ProjectPath, "worktree", "add", "-b", branch, worktreePath, ref)
		if err == nil {
			created = true
			break
		}
		lastErr = err
	}
	if !created {
		return nil, errors.Wrap(lastErr, errors.ErrCodeCommandFailed,
			fmt.Sprintf("create worktree for branch %s", branch))
	}

	// Register the new path as trusted so the agent CLI does not stop to ask
	// for directory-trust approval on first launch.
	if c.trust != nil {
		if err := c.trust.Add(worktreePath); err != nil {
			c.log.WithError(err).WithField("path", worktreePath).Warn("Failed to register trusted path")
		}
	}

	c.log.WithFields(logrus.Fields{
		"path":   worktreePath,
		"branch": branch,
		"base":   base,
	}).Info("Worktree created")

	return &CreateWorktreeResult{
		WorktreePath: worktreePath,
		BranchName:   branch,
		BaseBranch:   base,
	}, nil
}

// DeleteWorktree removes a worktree, falling back to manual filesystem
// removal plus prune when git refuses. When deleteBranch is set and the
// branch is not protected, the branch is deleted best-effort.
func (c *WorktreeController) DeleteWorktree(ctx context.Context, worktreePath, projectPath string, deleteBranch bool) error {
	branch := c.branchOfWorktree(ctx, projectPath, worktreePath)

	if _, err := runGit(ctx, c.builder, projectPath, "worktree", "remove", "--force", worktreePath); err != nil {
		c.log.WithError(err).WithField("path", worktreePath).Warn("git worktree remove failed, removing manually")
		if rmErr := os.RemoveAll(worktreePath); rmErr != nil {
			return fmt.Errorf("remove worktree directory: %w", rmErr)
		}
		if _, pruneErr := runGit(ctx, c.builder, projectPath, "worktree", "prune"); pruneErr != nil {
			c.log.WithError(pruneErr).Warn("git worktree prune failed")
		}
	}

	if deleteBranch && branch != "" && !protectedBranches[branch] {
		if _, err := runGit(ctx, c.builder, projectPath, "branch", "-D", branch); err != nil {
			c.log.WithError(err).WithField("branch", branch).Warn("Failed to delete branch")
		}
	}

	if c.trust != nil {
		if err := c.trust.Remove(worktreePath); err != nil {
			c.log.WithError(err).WithField("path", worktreePath).Warn("Failed to remove trusted path")
		}
	}

	c.log.WithField("path", worktreePath).Info("Worktree deleted")
	return nil
}

// ListWorktrees returns all worktrees of the repository.
func (c *WorktreeController) ListWorktrees(ctx context.Context, repoPath string) ([]WorktreeInfo, error) {
	out, err := runGit(ctx, c.builder, repoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("list worktrees: %w", err)
	}
	return parseWorktreeList(out), nil
}

// GetMainRepoFromWorktree resolves the owning repository of a worktree.
func (c *WorktreeController) GetMainRepoFromWorktree(ctx context.Context, worktreePath string) (string, error) {
	return MainRepoFromWorktree(ctx, c.builder, worktreePath)
}

// branchOfWorktree looks up which branch is checked out at worktreePath.
// Best-effort; returns "" when the worktree is not listed.
func (c *WorktreeController) branchOfWorktree(ctx context.Context, projectPath, worktreePath string) string {
	worktrees, err := c.ListWorktrees(ctx, projectPath)
	if err != nil {
		return ""
	}
	abs, err := filepath.Abs(worktreePath)
	if err != nil {
		abs = worktreePath
	}
	for _, wt := range worktrees {
		if wt.Path == abs || wt.Path == worktreePath {
			return wt.Branch
		}
	}
	return ""
}

// parseWorktreeList parses `git worktree list --porcelain` output.
func parseWorktreeList(output string) []WorktreeInfo {
	var worktrees []WorktreeInfo

	var current WorktreeInfo
	for _, line := range strings.Split(output, "\n") {
		if line == "" {
			if current.Path != "" {
				worktrees = append(worktrees, current)
				current = WorktreeInfo{}
			}
			continue
		}

		parts := strings.SplitN(line, " ", 2)
		switch parts[0] {
		case "worktree":
			if len(parts) == 2 {
				current.Path = parts[1]
			}
		case "HEAD":
			if len(parts) == 2 {
				current.Commit = parts[1]
			}
		case "branch":
			if len(parts) == 2 {
				current.Branch = strings.TrimPrefix(parts[1], "refs/heads/")
			}
		case "bare":
			current.Bare = true
		}
	}

	if current.Path != "" {
		worktrees = append(worktrees, current)
	}

	return worktrees
}
