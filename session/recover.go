package session

import (
	"context"
	"time"

	"github.com/grovetools/burrow/status"
	"github.com/grovetools/burrow/store"
)

// RecoverSessions reconciles durable state with reality after a daemon
// restart. Three independent passes: finish interrupted deletes, fail
// interrupted setups, and fail ready sessions whose agent died with the
// daemon. Worktrees are always preserved; uncommitted work must never be
// silently lost to a crash. A failure on one session is logged and does
// not abort the rest of its pass.
func (c *Controller) RecoverSessions(ctx context.Context) {
	c.recoverDeleting(ctx)
	c.recoverCreating(ctx)
	c.recoverReady(ctx)
}

// recoverDeleting finishes teardown for sessions caught mid-delete. The
// container and multiplexer session go; the worktree stays on disk and
// only the row is removed.
func (c *Controller) recoverDeleting(ctx context.Context) {
	sessions, err := c.db.ListSessionsByStatus(store.StatusDeleting)
	if err != nil {
		c.log.WithError(err).Error("recovery: failed to list deleting sessions")
		return
	}

	for _, sess := range sessions {
		log := c.log.WithField("session", sess.ID)
		log.Info("recovery: finishing interrupted delete")

		c.killMultiplexer(ctx, sess)
		c.destroyContainer(ctx, sess)
		c.hub.ClearSession(sess.ID)

		if err := c.db.DeleteSession(sess.ID); err != nil {
			log.WithError(err).Error("recovery: failed to delete session row")
		}
	}
}

// recoverCreating fails sessions caught mid-setup. Their orphaned
// containers are destroyed; worktrees are preserved.
func (c *Controller) recoverCreating(ctx context.Context) {
	sessions, err := c.db.ListSessionsByStatus(store.StatusCreating)
	if err != nil {
		c.log.WithError(err).Error("recovery: failed to list creating sessions")
		return
	}

	for _, sess := range sessions {
		log := c.log.WithField("session", sess.ID)
		log.Warn("recovery: session was mid-setup at shutdown, marking failed")

		c.destroyContainer(ctx, sess)
		if sess.ContainerID != nil {
			if err := c.db.UpdateContainer(sess.ID, nil, nil); err != nil {
				log.WithError(err).Error("recovery: failed to clear container reference")
			}
		}

		msg := "restarted during setup"
		if err := c.db.UpdateSetup(sess.ID, sess.SetupStatus, &msg); err != nil {
			log.WithError(err).Error("recovery: failed to record setup error")
		}
		if err := c.db.UpdateLifecycleStatus(sess.ID, store.StatusFailed); err != nil {
			log.WithError(err).Error("recovery: failed to mark session failed")
			continue
		}

		c.hub.UpdateStatus(status.Update{
			SessionID:       sess.ID,
			Status:          status.StatusDead,
			Message:         msg,
			SetupStatus:     sess.SetupStatus,
			LifecycleStatus: store.StatusFailed,
		})
	}
}

// recoverReady checks sessions claiming ready: the dead ones are failed and
// the live ones re-seeded in the status hub. The startup tmux sweep only
// sees the host server, so without a fresh cache entry it would mislabel a
// live sandboxed session, whose tmux lives inside its container, as dead.
// Sandboxed survivors are also health-checked; an unhealthy container is
// torn down rather than trusted. Worktrees are preserved either way.
func (c *Controller) recoverReady(ctx context.Context) {
	sessions, err := c.db.ListSessionsByStatus(store.StatusReady)
	if err != nil {
		c.log.WithError(err).Error("recovery: failed to list ready sessions")
		return
	}

	for _, sess := range sessions {
		log := c.log.WithField("session", sess.ID)

		alive := c.IsSessionAlive(ctx, sess)
		msg := "agent process died"

		if alive && sess.Sandboxed() && sess.ContainerID != nil {
			report := c.sandboxes.VerifyHealth(ctx, *sess.ContainerID, c.hostWorkspace(sess))
			health := store.HealthHealthy
			if !report.Healthy {
				health = store.HealthUnhealthy
			}
			if err := c.db.UpdateContainerHealth(sess.ID, health, time.Now()); err != nil {
				log.WithError(err).Error("recovery: failed to record container health")
			}
			if !report.Healthy {
				alive = false
				msg = "container failed health verification: " + report.Error
			}
		}

		if alive {
			c.hub.UpdateStatus(status.Update{
				SessionID:       sess.ID,
				Status:          status.StatusIdle,
				SetupStatus:     sess.SetupStatus,
				LifecycleStatus: sess.Status,
			})
			continue
		}

		log.WithField("reason", msg).Warn("recovery: ready session is dead, marking failed")

		c.destroyContainer(ctx, sess)
		if sess.ContainerID != nil {
			if err := c.db.UpdateContainer(sess.ID, nil, nil); err != nil {
				log.WithError(err).Error("recovery: failed to clear container reference")
			}
		}

		if err := c.db.UpdateSetup(sess.ID, sess.SetupStatus, &msg); err != nil {
			log.WithError(err).Error("recovery: failed to record error")
		}
		if err := c.db.UpdateLifecycleStatus(sess.ID, store.StatusFailed); err != nil {
			log.WithError(err).Error("recovery: failed to mark session failed")
			continue
		}

		c.hub.UpdateStatus(status.Update{
			SessionID:       sess.ID,
			Status:          status.StatusDead,
			Message:         msg,
			LifecycleStatus: store.StatusFailed,
		})
	}
}
