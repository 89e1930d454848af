// Package sandbox builds, creates, health-checks, and destroys the agent
// sandbox containers. Containers run with tight resource caps and a
// default-deny egress firewall; a container that cannot be firewalled is
// destroyed rather than left running open.
package sandbox

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/grovetools/burrow/config"
	"github.com/grovetools/burrow/docker"
	"github.com/grovetools/burrow/logging"
	"github.com/grovetools/burrow/pkg/retry"
)

const (
	// WorkspaceMount is where the session worktree appears inside the
	// container.
	WorkspaceMount = "/workspace"

	// AgentUser is the unprivileged user agent processes run as.
	AgentUser = "agent"

	// agentConfigMount is the read-only host agent-config mount. An
	// in-container setup step symlinks its files into the agent's real
	// config directory.
	agentConfigMount = "/mnt/agent-config"

	// hostAlias lets in-container processes reach services on the host.
	hostAlias = "host.docker.internal"

	containerNamePrefix = "burrow-"

	imageBuildTimeout      = 10 * time.Minute
	containerCreateTimeout = 180 * time.Second
	containerStopTimeout   = 5 * time.Second
)

// Controller manages sandbox containers for sessions.
type Controller struct {
	client docker.Client
	cfg    *config.Config
	log    *logrus.Entry
	audit  *logrus.Entry
}

// NewController creates a sandbox controller.
func NewController(client docker.Client, cfg *config.Config) *Controller {
	return &Controller{
		client: client,
		cfg:    cfg,
		log:    logging.NewLogger("sandbox"),
		audit:  logging.Security(),
	}
}

// ContainerNameFor returns the deterministic container name for a session.
func ContainerNameFor(sessionID string) string {
	return containerNamePrefix + sessionID
}

// IsRunning reports whether the container exists and is in the running
// state. Probe errors answer false; a session is never reported alive on
// ambiguous evidence.
func (c *Controller) IsRunning(ctx context.Context, idOrName string) bool {
	info, err := c.client.InspectContainer(ctx, idOrName)
	if err != nil {
		c.log.WithError(err).WithField("container", idOrName).Warn("liveness probe failed, assuming not running")
		return false
	}
	return info != nil && info.State == "running"
}

// DestroyContainer stops and removes a container. It retries with linear
// backoff and force-removes on the final attempt. Destroying a container
// that is already gone is not an error.
func (c *Controller) DestroyContainer(ctx context.Context, idOrName string) error {
	info, err := c.client.InspectContainer(ctx, idOrName)
	if err != nil {
		return err
	}
	if info == nil {
		return nil
	}
	id := info.ID

	policy := retry.Policy{
		MaxAttempts: 3,
		Backoff:     retry.Linear(time.Second),
		Fallback: func(ctx context.Context) error {
			c.log.WithField("container", id).Warn("graceful destroy failed, force removing")
			return c.client.RemoveContainer(ctx, id, true)
		},
	}

	err = policy.Do(ctx, func(ctx context.Context) error {
		if err := c.client.StopContainer(ctx, id, containerStopTimeout); err != nil {
			return err
		}
		return c.client.RemoveContainer(ctx, id, false)
	})
	if err != nil {
		return fmt.Errorf("destroy container %s: %w", id, err)
	}

	c.log.WithField("container", idOrName).Info("container destroyed")
	return nil
}

// sweepContainer force-removes any container with the given name, running
// or not. Called after a failed create so no partial container leaks.
func (c *Controller) sweepContainer(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ids, err := c.client.ListContainerIDsByName(ctx, name)
	if err != nil {
		c.log.WithError(err).WithField("container", name).Error("sweep: failed to list containers")
		return
	}
	for _, id := range ids {
		if err := c.client.RemoveContainer(ctx, id, true); err != nil {
			c.log.WithError(err).WithField("container", id).Error("sweep: failed to remove partial container")
		} else {
			c.log.WithField("container", id).Warn("sweep: removed partial container")
		}
	}
}

func joinDomains(domains []string) string {
	return strings.Join(domains, ",")
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
