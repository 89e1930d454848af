package session

import (
	"context"

	"github.com/grovetools/burrow/status"
	"github.com/grovetools/burrow/store"
)

// DeleteSession tears a session down: multiplexer session, container,
// worktree, status cache entry, then the row itself. The atomic write of
// the deleting status acts as the per-session mutex; a session already in
// deleting is left alone. Every teardown step is independently best-effort
// so one failing step never blocks the rest.
func (c *Controller) DeleteSession(ctx context.Context, id string) error {
	sess, err := c.db.GetSession(id)
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return err
	}

	claimed, err := c.db.MarkDeleting(id)
	if err != nil {
		return err
	}
	if !claimed {
		c.log.WithField("session", id).Debug("session already being deleted")
		return nil
	}

	c.hub.UpdateStatus(status.Update{
		SessionID:       id,
		Status:          status.StatusDead,
		LifecycleStatus: store.StatusDeleting,
	})

	c.killMultiplexer(ctx, sess)
	c.destroyContainer(ctx, sess)
	c.removeWorktree(ctx, sess)

	c.hub.ClearSession(id)

	if err := c.db.DeleteSession(id); err != nil {
		return err
	}
	c.log.WithField("session", id).Info("session deleted")
	return nil
}

func (c *Controller) killMultiplexer(ctx context.Context, sess *store.Session) {
	if err := c.mux.KillSession(ctx, c.RunnerFor(sess), c.MultiplexerName(sess)); err != nil {
		c.log.WithError(err).WithField("session", sess.ID).Warn("failed to kill multiplexer session")
	}
}

func (c *Controller) destroyContainer(ctx context.Context, sess *store.Session) {
	if sess.ContainerID == nil {
		return
	}
	if err := c.sandboxes.DestroyContainer(ctx, *sess.ContainerID); err != nil {
		c.log.WithError(err).WithField("session", sess.ID).Warn("failed to destroy container")
	}
}

// removeWorktree deletes the session's worktree and branch. Worktrees
// shared with other sessions are left alone; the main repository path is
// derived from the worktree itself since it is not stored.
func (c *Controller) removeWorktree(ctx context.Context, sess *store.Session) {
	if !sess.HasWorktree() {
		return
	}
	path := *sess.WorktreePath

	siblings, err := c.db.SessionsSharingWorktree(path, sess.ID)
	if err != nil {
		c.log.WithError(err).WithField("session", sess.ID).Warn("failed to check worktree sharing, preserving worktree")
		return
	}
	if len(siblings) > 0 {
		c.log.WithField("session", sess.ID).Info("worktree shared with other sessions, preserving")
		return
	}

	mainRepo, err := c.worktrees.GetMainRepoFromWorktree(ctx, path)
	if err != nil {
		c.log.WithError(err).WithField("path", path).Warn("failed to resolve main repository, preserving worktree")
		return
	}
	if err := c.worktrees.DeleteWorktree(ctx, path, mainRepo, true); err != nil {
		c.log.WithError(err).WithField("path", path).Warn("failed to delete worktree")
	}
}
