package sandbox

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/grovetools/burrow/docker"
)

// HealthReport is the outcome of a container health check.
type HealthReport struct {
	Healthy bool
	Error   string
}

// VerifyHealth runs the ordered container health checks: the container
// exists, it is running, the egress-deny firewall is active, and (when an
// expected path is given) the workspace mount resolves to that path. The
// first failing check short-circuits. Every outcome is written to the
// security audit log.
func (c *Controller) VerifyHealth(ctx context.Context, containerID, expectedWorktreePath string) HealthReport {
	report := c.runHealthChecks(ctx, containerID, expectedWorktreePath)

	entry := c.audit.WithFields(map[string]interface{}{
		"event":     "container_health_check",
		"container": containerID,
		"healthy":   report.Healthy,
	})
	if report.Healthy {
		entry.Info("container health check passed")
	} else {
		entry.WithField("reason", report.Error).Warn("container health check failed")
	}
	return report
}

func (c *Controller) runHealthChecks(ctx context.Context, containerID, expectedWorktreePath string) HealthReport {
	info, err := c.client.InspectContainer(ctx, containerID)
	if err != nil {
		return HealthReport{Error: fmt.Sprintf("inspect failed: %v", err)}
	}
	if info == nil {
		return HealthReport{Error: "container does not exist"}
	}

	if info.State != "running" {
		return HealthReport{Error: fmt.Sprintf("container is %s, not running", info.State)}
	}

	if err := c.checkFirewallActive(ctx, containerID); err != nil {
		return HealthReport{Error: err.Error()}
	}

	if expectedWorktreePath != "" {
		if err := checkWorkspaceMount(info.Mounts, expectedWorktreePath); err != nil {
			return HealthReport{Error: err.Error()}
		}
	}

	return HealthReport{Healthy: true}
}

// checkFirewallActive verifies the default-deny egress rule is installed.
func (c *Controller) checkFirewallActive(ctx context.Context, containerID string) error {
	out, err := c.client.ExecInContainer(ctx, containerID, "root", []string{"iptables", "-S", "OUTPUT"})
	if err != nil {
		return fmt.Errorf("firewall check failed: %v", err)
	}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "-P OUTPUT DROP" || strings.Contains(line, "-j REJECT") {
			return nil
		}
	}
	return fmt.Errorf("egress firewall is not active")
}

// checkWorkspaceMount verifies the workspace bind-mount source resolves to
// the expected worktree path after symlink normalization.
func checkWorkspaceMount(mounts []docker.MountInfo, expected string) error {
	for _, m := range mounts {
		if m.Destination != WorkspaceMount {
			continue
		}
		got := resolvePath(m.Source)
		want := resolvePath(expected)
		if got != want {
			return fmt.Errorf("workspace mount source %q does not match expected worktree %q", m.Source, expected)
		}
		return nil
	}
	return fmt.Errorf("container has no mount at %s", WorkspaceMount)
}

func resolvePath(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}
	return filepath.Clean(path)
}
