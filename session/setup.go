package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/grovetools/burrow/git"
	"github.com/grovetools/burrow/sandbox"
	"github.com/grovetools/burrow/status"
	"github.com/grovetools/burrow/store"
)

// CreateSessionRequest carries the inputs for session creation.
type CreateSessionRequest struct {
	Title     string
	AgentType string

	// WorkingDirectory is the project the session works on. Isolated
	// sessions get a dedicated worktree of it; plain sessions run in it
	// directly.
	WorkingDirectory string

	// Isolated requests a dedicated git worktree and branch.
	Isolated bool

	// BaseBranch is the branch the worktree forks from. Empty means the
	// repository HEAD. Only meaningful with Isolated.
	BaseBranch string

	// AutoApprove lets the agent act without per-action confirmation, which
	// requires running it inside a sandbox container.
	AutoApprove bool

	ExtraMounts    []string
	AllowedDomains []string
}

func (r CreateSessionRequest) validate() error {
	if r.Title == "" {
		return fmt.Errorf("title is required")
	}
	if r.AgentType == "" {
		return fmt.Errorf("agent type is required")
	}
	if r.WorkingDirectory == "" {
		return fmt.Errorf("working directory is required")
	}
	return nil
}

// CreateSession inserts a new session in the creating state and returns it.
// Setup runs separately via RunSetup.
func (c *Controller) CreateSession(req CreateSessionRequest) (*store.Session, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	sess := &store.Session{
		ID:               uuid.NewString(),
		Title:            req.Title,
		AgentType:        req.AgentType,
		Status:           store.StatusCreating,
		AutoApprove:      req.AutoApprove,
		WorkingDirectory: req.WorkingDirectory,
		SetupStatus:      store.SetupPending,
		ExtraMounts:      req.ExtraMounts,
		AllowedDomains:   req.AllowedDomains,
	}
	if req.Isolated {
		base := req.BaseBranch
		if base == "" {
			base = "HEAD"
		}
		sess.BaseBranch = &base
	}

	if err := c.db.CreateSession(sess); err != nil {
		return nil, err
	}

	c.hub.UpdateStatus(status.Update{
		SessionID:       sess.ID,
		Status:          status.StatusIdle,
		SetupStatus:     store.SetupPending,
		LifecycleStatus: store.StatusCreating,
	})
	c.log.WithFields(map[string]interface{}{
		"session":  sess.ID,
		"agent":    sess.AgentType,
		"isolated": req.Isolated,
		"sandbox":  sess.Sandboxed(),
	}).Info("session created")
	return sess, nil
}

// RunSetup drives the setup pipeline for a session in the creating state:
// worktree, then sandbox, then the agent's multiplexer session. Each step
// re-checks its own postcondition before acting and persists its completion
// in setup_status, so a repeated run only performs the missing steps. Any
// step failure marks the session failed with the step's error.
func (c *Controller) RunSetup(ctx context.Context, id string) error {
	steps := []struct {
		name string
		run  func(ctx context.Context, sess *store.Session) error
	}{
		{store.SetupWorktree, c.stepWorktree},
		{store.SetupSandbox, c.stepSandbox},
		{store.SetupTmux, c.stepTmux},
	}

	for _, step := range steps {
		sess, err := c.GetSession(id)
		if err != nil {
			return err
		}
		if sess.Status == store.StatusDeleting {
			return fmt.Errorf("session %s is being deleted", id)
		}

		if err := step.run(ctx, sess); err != nil {
			c.markFailed(id, step.name, err)
			return err
		}

		if err := c.db.UpdateSetup(id, step.name, nil); err != nil {
			return err
		}
		// Lifecycle status is sticky in the hub; the tmux step publishes
		// ready itself, the earlier steps stay on creating.
		c.hub.UpdateStatus(status.Update{
			SessionID:   id,
			Status:      status.StatusIdle,
			SetupStatus: step.name,
		})
	}

	if err := c.db.UpdateSetup(id, store.SetupComplete, nil); err != nil {
		return err
	}
	c.hub.UpdateStatus(status.Update{
		SessionID:       id,
		Status:          status.StatusIdle,
		SetupStatus:     store.SetupComplete,
		LifecycleStatus: store.StatusReady,
	})
	return nil
}

// stepWorktree creates the session's isolated worktree. Skipped for plain
// sessions and for sessions that already own one.
func (c *Controller) stepWorktree(ctx context.Context, sess *store.Session) error {
	if sess.BaseBranch == nil || sess.HasWorktree() {
		return nil
	}

	result, err := c.worktrees.CreateWorktree(ctx, createWorktreeRequest(sess))
	if err != nil {
		return err
	}
	return c.db.UpdateWorktree(sess.ID, result.WorktreePath, result.BranchName, result.BaseBranch)
}

func createWorktreeRequest(sess *store.Session) git.CreateWorktreeRequest {
	req := git.CreateWorktreeRequest{
		ProjectPath: sess.WorkingDirectory,
		FeatureName: sess.Title,
	}
	if sess.BaseBranch != nil && *sess.BaseBranch != "HEAD" {
		req.BaseBranch = *sess.BaseBranch
	}
	return req
}

// stepSandbox builds the image if needed and creates the session's
// container. Skipped for unsandboxed sessions and for sessions that
// already have one.
func (c *Controller) stepSandbox(ctx context.Context, sess *store.Session) error {
	if !sess.Sandboxed() || sess.ContainerID != nil {
		return nil
	}

	if err := c.sandboxes.EnsureImage(ctx); err != nil {
		return err
	}

	cid, err := c.sandboxes.CreateContainer(ctx, sandbox.CreateRequest{
		SessionID:      sess.ID,
		WorktreePath:   c.hostWorkspace(sess),
		ExtraMounts:    sess.ExtraMounts,
		AllowedDomains: sess.AllowedDomains,
	})
	if err != nil {
		failed := store.ContainerFailed
		if dbErr := c.db.UpdateContainer(sess.ID, nil, &failed); dbErr != nil {
			c.log.WithError(dbErr).WithField("session", sess.ID).Warn("failed to record container failure")
		}
		return err
	}

	ready := store.ContainerReady
	if err := c.db.UpdateContainer(sess.ID, &cid, &ready); err != nil {
		return err
	}
	// CreateContainer only returns a verified container, so the first
	// recorded health state is healthy.
	if err := c.db.UpdateContainerHealth(sess.ID, store.HealthHealthy, time.Now()); err != nil {
		c.log.WithError(err).WithField("session", sess.ID).Warn("failed to record container health")
	}
	return nil
}

// stepTmux starts the agent's multiplexer session and flips the session to
// ready.
func (c *Controller) stepTmux(ctx context.Context, sess *store.Session) error {
	name := c.MultiplexerName(sess)
	if alive, err := c.mux.HasSession(ctx, c.RunnerFor(sess), name); err == nil && alive {
		return nil
	}
	return c.StartTmuxSession(ctx, sess.ID)
}

// markFailed records a failed setup: lifecycle failed, the failing step and
// its error durable in the row, and a dead status published.
func (c *Controller) markFailed(id, step string, cause error) {
	msg := cause.Error()
	if err := c.db.UpdateSetup(id, step, &msg); err != nil {
		c.log.WithError(err).WithField("session", id).Error("failed to record setup error")
	}
	if err := c.db.UpdateLifecycleStatus(id, store.StatusFailed); err != nil {
		c.log.WithError(err).WithField("session", id).Error("failed to mark session failed")
	}
	c.hub.UpdateStatus(status.Update{
		SessionID:       id,
		Status:          status.StatusDead,
		Message:         msg,
		SetupStatus:     step,
		LifecycleStatus: store.StatusFailed,
	})
	c.log.WithField("session", id).WithField("step", step).Error("session setup failed: " + msg)
}
