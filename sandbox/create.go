package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/grovetools/burrow/docker"
	"github.com/grovetools/burrow/errors"
)

// CreateRequest holds the per-session inputs to container creation.
type CreateRequest struct {
	SessionID    string
	WorktreePath string

	// ExtraMounts are additional binds in "src:dst" or "src:dst:ro" form.
	ExtraMounts []string

	// AllowedDomains overrides the configured egress allowlist when set.
	AllowedDomains []string
}

// CreateContainer creates, starts, and firewalls a sandbox container for a
// session, returning the container id. The whole operation is bounded by a
// single deadline; on any failure (including timeout) every container with
// the session's name is force-removed before the error is returned, so a
// failed create never leaks a container.
func (c *Controller) CreateContainer(ctx context.Context, req CreateRequest) (string, error) {
	name := ContainerNameFor(req.SessionID)

	ctx, cancel := context.WithTimeout(ctx, containerCreateTimeout)
	defer cancel()

	id, err := c.createAndFirewall(ctx, name, req)
	if err != nil {
		c.sweepContainer(name)
		if errors.GetCode(err) == errors.ErrCodeFirewallFailed {
			return "", err
		}
		return "", errors.ContainerCreateFailed(name, err)
	}

	// A container is only handed to a session after the full health check
	// passes. Same fail-closed posture as firewall init: no verified
	// firewall and workspace, no container.
	if report := c.VerifyHealth(ctx, id, req.WorktreePath); !report.Healthy {
		if destroyErr := c.DestroyContainer(context.WithoutCancel(ctx), id); destroyErr != nil {
			c.log.WithError(destroyErr).WithField("container", id).Error("failed to destroy unhealthy container")
		}
		c.sweepContainer(name)
		return "", errors.ContainerUnhealthy(name, report.Error)
	}

	c.log.WithFields(map[string]interface{}{
		"session":   req.SessionID,
		"container": shortID(id),
	}).Info("sandbox container ready")
	return id, nil
}

func (c *Controller) createAndFirewall(ctx context.Context, name string, req CreateRequest) (string, error) {
	mounts, env, err := c.buildMounts(req)
	if err != nil {
		return "", err
	}

	sb := c.cfg.Sandbox
	opts := docker.CreateOptions{
		Name:  name,
		Image: sb.Image,
		// The container idles; agent processes are started by exec.
		Cmd:    []string{"sleep", "infinity"},
		Env:    env,
		Labels: map[string]string{"burrow.session": req.SessionID},
		Mounts: mounts,

		MemoryBytes:     sb.MemoryBytes,
		MemorySwapBytes: sb.MemorySwapBytes,
		CPUShares:       sb.CPUShares,
		PidsLimit:       sb.PidsLimit,
		Ulimits: []docker.Ulimit{
			{Name: "nofile", Soft: sb.NoFileLimit, Hard: sb.NoFileLimit},
		},

		// NET_ADMIN and NET_RAW are required for firewall setup and are the
		// only capabilities granted.
		CapAdd:      []string{"NET_ADMIN", "NET_RAW"},
		SecurityOpt: []string{"no-new-privileges"},
		ExtraHosts:  []string{hostAlias + ":host-gateway"},
	}

	id, err := c.client.CreateContainer(ctx, opts)
	if err != nil {
		return "", err
	}

	if err := c.client.StartContainer(ctx, id); err != nil {
		return "", err
	}

	if err := c.linkAgentConfig(ctx, id); err != nil {
		return "", err
	}

	domains := req.AllowedDomains
	if len(domains) == 0 {
		domains = sb.AllowedDomains
	}
	if err := c.initFirewall(ctx, id, domains); err != nil {
		// Fail closed: a container without a working egress firewall must
		// not be left running.
		c.audit.WithFields(map[string]interface{}{
			"event":     "firewall_init_failed",
			"session":   req.SessionID,
			"container": id,
		}).Error(err.Error())

		if destroyErr := c.DestroyContainer(context.WithoutCancel(ctx), id); destroyErr != nil {
			c.log.WithError(destroyErr).WithField("container", id).Error("failed to destroy unfirewalled container")
		}
		return "", errors.FirewallFailed(name, err)
	}

	return id, nil
}

// buildMounts assembles the bind mounts and environment for a container.
func (c *Controller) buildMounts(req CreateRequest) ([]docker.MountSpec, []string, error) {
	mounts := []docker.MountSpec{
		{Source: req.WorktreePath, Target: WorkspaceMount},
	}
	env := []string{"BURROW_SESSION_ID=" + req.SessionID}

	if info, err := os.Stat(c.cfg.AgentConfigDir); err == nil && info.IsDir() {
		mounts = append(mounts, docker.MountSpec{
			Source:   c.cfg.AgentConfigDir,
			Target:   agentConfigMount,
			ReadOnly: true,
		})
	}

	if gitDir, err := mainGitDirOf(req.WorktreePath); err != nil {
		return nil, nil, err
	} else if gitDir != "" {
		// Mount the main repository's .git at its host path so the
		// worktree's gitdir pointer resolves inside the container.
		mounts = append(mounts, docker.MountSpec{Source: gitDir, Target: gitDir})
	}

	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if _, err := os.Stat(sock); err == nil {
			mounts = append(mounts, docker.MountSpec{Source: sock, Target: "/ssh-agent"})
			env = append(env, "SSH_AUTH_SOCK=/ssh-agent")
		}
	}

	for _, raw := range req.ExtraMounts {
		m, err := parseMount(raw)
		if err != nil {
			return nil, nil, err
		}
		mounts = append(mounts, m)
	}

	return mounts, env, nil
}

// mainGitDirOf returns the main repository's .git directory when the
// worktree's .git is a gitdir pointer file, or "" for a normal checkout.
// The pointer target is validated to block path injection through a
// crafted pointer file.
func mainGitDirOf(worktreePath string) (string, error) {
	dotGit := filepath.Join(worktreePath, ".git")
	info, err := os.Stat(dotGit)
	if err != nil || info.IsDir() {
		return "", nil
	}

	data, err := os.ReadFile(dotGit)
	if err != nil {
		return "", fmt.Errorf("read gitdir pointer: %w", err)
	}
	target := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(string(data)), "gitdir:"))
	if target == "" {
		return "", nil
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(worktreePath, target)
	}
	target = filepath.Clean(target)

	// The pointer points into <main>/.git/worktrees/<name>; walk up to the
	// .git component itself and require it to be a real directory.
	gitDir := target
	for filepath.Base(gitDir) != ".git" {
		parent := filepath.Dir(gitDir)
		if parent == gitDir {
			return "", fmt.Errorf("gitdir pointer %q does not reference a .git directory", target)
		}
		gitDir = parent
	}
	if info, err := os.Stat(gitDir); err != nil || !info.IsDir() {
		return "", fmt.Errorf("gitdir pointer target %q is not a directory", gitDir)
	}
	return gitDir, nil
}

func parseMount(raw string) (docker.MountSpec, error) {
	parts := strings.Split(raw, ":")
	switch len(parts) {
	case 2:
		return docker.MountSpec{Source: parts[0], Target: parts[1]}, nil
	case 3:
		if parts[2] != "ro" {
			return docker.MountSpec{}, fmt.Errorf("invalid mount option %q in %q", parts[2], raw)
		}
		return docker.MountSpec{Source: parts[0], Target: parts[1], ReadOnly: true}, nil
	default:
		return docker.MountSpec{}, fmt.Errorf("invalid mount spec %q, want src:dst[:ro]", raw)
	}
}

// linkAgentConfig symlinks the read-only host agent config into the agent
// user's home, copying the one mutable settings file so in-container edits
// survive upstream refreshes of the host file. The helper script ships in
// the sandbox image.
func (c *Controller) linkAgentConfig(ctx context.Context, id string) error {
	if _, err := os.Stat(c.cfg.AgentConfigDir); err != nil {
		return nil
	}
	out, err := c.client.ExecInContainer(ctx, id, AgentUser,
		[]string{"/usr/local/bin/link-agent-config", agentConfigMount, c.cfg.AgentSettingsFile})
	if err != nil {
		return fmt.Errorf("link agent config: %w (output: %s)", err, strings.TrimSpace(out))
	}
	return nil
}

// initFirewall installs the default-deny egress firewall inside the
// container, allowing only the given domains. Runs as root; the agent user
// cannot alter the rules afterwards because of no-new-privileges.
func (c *Controller) initFirewall(ctx context.Context, id string, domains []string) error {
	out, err := c.client.ExecInContainer(ctx, id, "root",
		[]string{"/usr/local/bin/init-firewall", joinDomains(domains)})
	if err != nil {
		return fmt.Errorf("init firewall: %w (output: %s)", err, strings.TrimSpace(out))
	}
	return nil
}
