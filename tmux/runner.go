package tmux

// Runner is the execution context multiplexer commands run in. A session is
// bound to one runner for its whole life: plain sessions run on the host,
// sandboxed sessions exec into their container.
type Runner interface {
	// SpawnCommand wraps a non-interactive argv for this context.
	SpawnCommand(argv []string) []string

	// AttachArgs wraps an interactive argv (a TTY is allocated) for this
	// context. The result is what a terminal spawns as a PTY.
	AttachArgs(argv []string) []string
}

// HostRunner executes commands directly on the host.
type HostRunner struct{}

func (HostRunner) SpawnCommand(argv []string) []string { return argv }
func (HostRunner) AttachArgs(argv []string) []string   { return argv }

// ContainerRunner executes commands inside a sandbox container via the
// container runtime's exec.
type ContainerRunner struct {
	ContainerID string
	User        string
	Workdir     string
}

func (r ContainerRunner) SpawnCommand(argv []string) []string {
	return append(r.execPrefix(false), argv...)
}

func (r ContainerRunner) AttachArgs(argv []string) []string {
	return append(r.execPrefix(true), argv...)
}

func (r ContainerRunner) execPrefix(interactive bool) []string {
	prefix := []string{"docker", "exec"}
	if interactive {
		prefix = append(prefix, "-it", "-e", "TERM=xterm-256color")
	}
	if r.User != "" {
		prefix = append(prefix, "-u", r.User)
	}
	if r.Workdir != "" {
		prefix = append(prefix, "-w", r.Workdir)
	}
	return append(prefix, r.ContainerID)
}
