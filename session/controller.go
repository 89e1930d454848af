// Package session implements the lifecycle engine: it drives a session
// from creation through worktree, sandbox, and multiplexer setup to ready,
// and tears all of it down again on delete. It composes the other
// controllers behind narrow interfaces so each collaborator can be faked
// in tests.
package session

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/grovetools/burrow/config"
	"github.com/grovetools/burrow/errors"
	"github.com/grovetools/burrow/git"
	"github.com/grovetools/burrow/logging"
	"github.com/grovetools/burrow/sandbox"
	"github.com/grovetools/burrow/status"
	"github.com/grovetools/burrow/store"
	"github.com/grovetools/burrow/tmux"
	"github.com/grovetools/burrow/util/pathutil"
)

// tmuxStartTimeout bounds multiplexer session creation.
const tmuxStartTimeout = 30 * time.Second

// WorktreeManager is the slice of the worktree controller the lifecycle
// engine uses.
type WorktreeManager interface {
	CreateWorktree(ctx context.Context, req git.CreateWorktreeRequest) (*git.CreateWorktreeResult, error)
	DeleteWorktree(ctx context.Context, worktreePath, projectPath string, deleteBranch bool) error
	GetMainRepoFromWorktree(ctx context.Context, worktreePath string) (string, error)
}

// SandboxManager is the slice of the sandbox controller the lifecycle
// engine uses.
type SandboxManager interface {
	EnsureImage(ctx context.Context) error
	CreateContainer(ctx context.Context, req sandbox.CreateRequest) (string, error)
	IsRunning(ctx context.Context, idOrName string) bool
	VerifyHealth(ctx context.Context, containerID, expectedWorktreePath string) sandbox.HealthReport
	DestroyContainer(ctx context.Context, idOrName string) error
}

// Multiplexer is the slice of the tmux client the lifecycle engine uses.
type Multiplexer interface {
	NewSession(ctx context.Context, runner tmux.Runner, name, workdir, shellCommand string) error
	HasSession(ctx context.Context, runner tmux.Runner, name string) (bool, error)
	KillSession(ctx context.Context, runner tmux.Runner, name string) error
	AttachCommand(runner tmux.Runner, name string) (string, []string)
	RefreshClient(ctx context.Context, runner tmux.Runner, name string) error
}

// StatusPublisher is the slice of the status hub the lifecycle engine uses.
type StatusPublisher interface {
	UpdateStatus(u status.Update)
	ClearSession(id string)
}

// Controller is the session lifecycle engine.
type Controller struct {
	db        *store.Store
	worktrees WorktreeManager
	sandboxes SandboxManager
	mux       Multiplexer
	hub       StatusPublisher
	cfg       *config.Config
	log       *logrus.Entry
}

// NewController creates a lifecycle controller.
func NewController(db *store.Store, worktrees WorktreeManager, sandboxes SandboxManager,
	mux Multiplexer, hub StatusPublisher, cfg *config.Config) *Controller {
	return &Controller{
		db:        db,
		worktrees: worktrees,
		sandboxes: sandboxes,
		mux:       mux,
		hub:       hub,
		cfg:       cfg,
		log:       logging.NewLogger("session"),
	}
}

// GetSession returns the session row.
func (c *Controller) GetSession(id string) (*store.Session, error) {
	sess, err := c.db.GetSession(id)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, errors.SessionNotFound(id)
		}
		return nil, err
	}
	return sess, nil
}

// RunnerFor returns the execution context for a session: in-container exec
// for sandboxed sessions with a container, the host otherwise.
func (c *Controller) RunnerFor(sess *store.Session) tmux.Runner {
	if sess.Sandboxed() && sess.ContainerID != nil {
		return tmux.ContainerRunner{
			ContainerID: *sess.ContainerID,
			User:        sandbox.AgentUser,
			Workdir:     sandbox.WorkspaceMount,
		}
	}
	return tmux.HostRunner{}
}

// MultiplexerName returns the deterministic multiplexer session name.
func (c *Controller) MultiplexerName(sess *store.Session) string {
	return tmux.SessionName(sess.AgentType, sess.ID)
}

// AttachCommand returns the command a terminal spawns as a PTY to view the
// session's agent.
func (c *Controller) AttachCommand(sess *store.Session) (string, []string) {
	return c.mux.AttachCommand(c.RunnerFor(sess), c.MultiplexerName(sess))
}

// hostWorkspace returns the host path a sandboxed session mounts at the
// container workspace: its worktree when it owns one, its project otherwise.
func (c *Controller) hostWorkspace(sess *store.Session) string {
	if sess.HasWorktree() {
		return *sess.WorktreePath
	}
	return sess.WorkingDirectory
}

// ContainerRunning re-verifies that a sandboxed session's container is
// actually running. Always false for sessions without a container.
func (c *Controller) ContainerRunning(ctx context.Context, sess *store.Session) bool {
	if sess.ContainerID == nil {
		return false
	}
	return c.sandboxes.IsRunning(ctx, *sess.ContainerID)
}

// RefreshAttachedClients tells the multiplexer to re-read client sizes
// after a PTY resize, keeping the agent's view of the terminal geometry in
// step with the viewer's.
func (c *Controller) RefreshAttachedClients(ctx context.Context, sess *store.Session) error {
	return c.mux.RefreshClient(ctx, c.RunnerFor(sess), c.MultiplexerName(sess))
}

// StartTmuxSession starts the agent's multiplexer session and marks the
// session ready. A start failure is returned to the caller, who is
// responsible for marking the session failed.
func (c *Controller) StartTmuxSession(ctx context.Context, id string) error {
	sess, err := c.GetSession(id)
	if err != nil {
		return err
	}

	workdir := c.workdirFor(sess)
	name := c.MultiplexerName(sess)

	startCtx, cancel := context.WithTimeout(ctx, tmuxStartTimeout)
	defer cancel()

	if err := c.mux.NewSession(startCtx, c.RunnerFor(sess), name, workdir, sess.AgentType); err != nil {
		return err
	}

	if err := c.db.UpdateLifecycleStatus(id, store.StatusReady); err != nil {
		return err
	}

	c.hub.UpdateStatus(status.Update{
		SessionID:       id,
		Status:          status.StatusIdle,
		LifecycleStatus: store.StatusReady,
	})
	c.log.WithFields(logrus.Fields{"session": id, "name": name}).Info("agent session started")
	return nil
}

// workdirFor resolves where the agent process starts: the container mount
// for sandboxed sessions, else the worktree or working directory with home
// expansion applied.
func (c *Controller) workdirFor(sess *store.Session) string {
	if sess.Sandboxed() {
		return sandbox.WorkspaceMount
	}
	dir := sess.WorkingDirectory
	if sess.HasWorktree() {
		dir = *sess.WorktreePath
	}
	expanded, err := pathutil.Expand(dir)
	if err != nil {
		return dir
	}
	return expanded
}

// IsSessionAlive probes whether the session's agent process still exists.
// Sandboxed sessions require a running container and a live multiplexer
// session inside it; plain sessions require the multiplexer session on the
// host. Probe errors answer false.
func (c *Controller) IsSessionAlive(ctx context.Context, sess *store.Session) bool {
	if sess.Sandboxed() {
		if sess.ContainerID == nil {
			return false
		}
		if !c.sandboxes.IsRunning(ctx, *sess.ContainerID) {
			return false
		}
	}

	alive, err := c.mux.HasSession(ctx, c.RunnerFor(sess), c.MultiplexerName(sess))
	if err != nil {
		c.log.WithError(err).WithField("session", sess.ID).Warn("liveness probe failed, assuming dead")
		return false
	}
	return alive
}
