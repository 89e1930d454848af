// Package docker abstracts the container runtime behind a narrow interface
// so the sandbox controller can be tested without a daemon.
package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-units"
)

// MountSpec describes one bind mount.
type MountSpec struct {
	Source   string
	Target   string
	ReadOnly bool
}

// Ulimit is a process resource limit applied to the container.
type Ulimit struct {
	Name string
	Soft int64
	Hard int64
}

// CreateOptions holds everything needed to create a sandbox container.
type CreateOptions struct {
	Name   string
	Image  string
	Cmd    []string
	Env    []string
	Labels map[string]string
	Mounts []MountSpec

	// Resource caps
	MemoryBytes     int64
	MemorySwapBytes int64
	CPUShares       int64
	PidsLimit       int64
	Ulimits         []Ulimit

	// Security
	CapAdd      []string
	SecurityOpt []string

	// ExtraHosts entries in "host:ip" form (e.g. the host gateway alias).
	ExtraHosts []string
}

// MountInfo describes an actual mount of a running container.
type MountInfo struct {
	Source      string
	Destination string
	ReadOnly    bool
}

// ContainerInfo is the subset of inspect output the daemon cares about.
type ContainerInfo struct {
	ID     string
	Name   string
	State  string // created, running, paused, exited, dead
	Mounts []MountInfo
}

// Client abstracts container runtime operations for testing.
type Client interface {
	Ping(ctx context.Context) error

	// Image operations
	BuildImage(ctx context.Context, buildContextPath, dockerfilePath, imageName string) error
	ImageExists(ctx context.Context, imageName string) (bool, error)

	// Container lifecycle
	CreateContainer(ctx context.Context, opts CreateOptions) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, id string, force bool) error
	InspectContainer(ctx context.Context, idOrName string) (*ContainerInfo, error)

	// ListContainerIDsByName returns ids of containers (running or not)
	// whose name matches exactly.
	ListContainerIDsByName(ctx context.Context, name string) ([]string, error)

	// ExecInContainer runs a command inside a running container as the given
	// user and returns its combined output. A non-zero exit is an error.
	ExecInContainer(ctx context.Context, id string, user string, cmd []string) (string, error)

	Close() error
}

// SDKClient implements Client using the Docker SDK.
type SDKClient struct {
	cli *client.Client
}

// NewSDKClient creates a new Docker SDK client, probing the common socket
// locations when DOCKER_HOST is unset.
func NewSDKClient() (*SDKClient, error) {
	if os.Getenv("DOCKER_HOST") != "" {
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return nil, fmt.Errorf("failed to create docker client with DOCKER_HOST: %w", err)
		}
		return &SDKClient{cli: cli}, nil
	}

	homeDir, _ := os.UserHomeDir()
	socketPaths := []string{
		"unix:///var/run/docker.sock", // Standard Docker
		fmt.Sprintf("unix://%s/.docker/run/docker.sock", homeDir),            // Docker Desktop
		fmt.Sprintf("unix://%s/.config/colima/default/docker.sock", homeDir), // Colima
		fmt.Sprintf("unix://%s/.colima/default/docker.sock", homeDir),        // Colima alternate
	}

	var lastErr error
	for _, socketPath := range socketPaths {
		cli, err := client.NewClientWithOpts(
			client.WithHost(socketPath),
			client.WithAPIVersionNegotiation(),
		)
		if err != nil {
			lastErr = err
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, err = cli.Ping(ctx)
		cancel()
		if err == nil {
			return &SDKClient{cli: cli}, nil
		}

		cli.Close()
		lastErr = err
	}

	return nil, fmt.Errorf("failed to connect to Docker. Make sure Docker is running. Last error: %w", lastErr)
}

// Ping checks connectivity to the runtime.
func (c *SDKClient) Ping(ctx context.Context) error {
	_, err := c.cli.Ping(ctx)
	return err
}

// ImageExists checks if an image exists locally.
func (c *SDKClient) ImageExists(ctx context.Context, imageName string) (bool, error) {
	images, err := c.cli.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.KeyValuePair{
			Key:   "reference",
			Value: imageName,
		}),
	})
	if err != nil {
		return false, fmt.Errorf("failed to list images: %w", err)
	}
	return len(images) > 0, nil
}

// BuildImage builds an image from a build context directory.
func (c *SDKClient) BuildImage(ctx context.Context, buildContextPath, dockerfilePath, imageName string) error {
	buildContext, err := createBuildContext(buildContextPath)
	if err != nil {
		return fmt.Errorf("failed to create build context: %w", err)
	}
	defer buildContext.Close()

	relativeDockerfilePath := dockerfilePath
	if filepath.IsAbs(dockerfilePath) {
		relativeDockerfilePath, err = filepath.Rel(buildContextPath, dockerfilePath)
		if err != nil {
			return fmt.Errorf("failed to get relative dockerfile path: %w", err)
		}
	}

	buildResponse, err := c.cli.ImageBuild(ctx, buildContext, types.ImageBuildOptions{
		Dockerfile: relativeDockerfilePath,
		Tags:       []string{imageName},
		Remove:     true, // Remove intermediate containers
	})
	if err != nil {
		return fmt.Errorf("failed to build image: %w", err)
	}
	defer buildResponse.Body.Close()

	if _, err := io.Copy(io.Discard, buildResponse.Body); err != nil {
		return fmt.Errorf("failed to read build response: %w", err)
	}

	return nil
}

// CreateContainer creates (but does not start) a container.
func (c *SDKClient) CreateContainer(ctx context.Context, opts CreateOptions) (string, error) {
	mounts := make([]mount.Mount, 0, len(opts.Mounts))
	for _, m := range opts.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	ulimits := make([]*units.Ulimit, 0, len(opts.Ulimits))
	for _, u := range opts.Ulimits {
		ulimits = append(ulimits, &units.Ulimit{Name: u.Name, Soft: u.Soft, Hard: u.Hard})
	}

	resp, err := c.cli.ContainerCreate(ctx, &container.Config{
		Image:  opts.Image,
		Cmd:    opts.Cmd,
		Env:    opts.Env,
		Labels: opts.Labels,
	}, &container.HostConfig{
		Mounts:      mounts,
		CapAdd:      opts.CapAdd,
		SecurityOpt: opts.SecurityOpt,
		ExtraHosts:  opts.ExtraHosts,
		Resources: container.Resources{
			Memory:     opts.MemoryBytes,
			MemorySwap: opts.MemorySwapBytes,
			CPUShares:  opts.CPUShares,
			PidsLimit:  &opts.PidsLimit,
			Ulimits:    ulimits,
		},
	}, nil, nil, opts.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	return resp.ID, nil
}

// StartContainer starts a created container.
func (c *SDKClient) StartContainer(ctx context.Context, id string) error {
	if err := c.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container: %w", err)
	}
	return nil
}

// StopContainer stops a container with the given grace period.
// "Already gone" is not an error.
func (c *SDKClient) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	err := c.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &seconds})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to stop container: %w", err)
	}
	return nil
}

// RemoveContainer removes a container. "Already gone" is not an error.
func (c *SDKClient) RemoveContainer(ctx context.Context, id string, force bool) error {
	err := c.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: force})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

// InspectContainer returns state and mount details, or nil when the
// container does not exist.
func (c *SDKClient) InspectContainer(ctx context.Context, idOrName string) (*ContainerInfo, error) {
	inspect, err := c.cli.ContainerInspect(ctx, idOrName)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to inspect container: %w", err)
	}

	info := &ContainerInfo{
		ID:   inspect.ID,
		Name: strings.TrimPrefix(inspect.Name, "/"),
	}
	if inspect.State != nil {
		info.State = inspect.State.Status
	}
	for _, m := range inspect.Mounts {
		info.Mounts = append(info.Mounts, MountInfo{
			Source:      m.Source,
			Destination: m.Destination,
			ReadOnly:    !m.RW,
		})
	}
	return info, nil
}

// ListContainerIDsByName returns ids of containers whose name matches
// exactly, including stopped ones.
func (c *SDKClient) ListContainerIDsByName(ctx context.Context, name string) ([]string, error) {
	containers, err := c.cli.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(filters.KeyValuePair{
			Key:   "name",
			Value: name,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	var ids []string
	for _, cont := range containers {
		// The name filter is a substring match; require exact (runtime
		// prefixes names with "/").
		for _, n := range cont.Names {
			if n == "/"+name {
				ids = append(ids, cont.ID)
				break
			}
		}
	}
	return ids, nil
}

// ExecInContainer executes a command inside a running container and returns
// its combined output. A non-zero exit code is an error.
func (c *SDKClient) ExecInContainer(ctx context.Context, id string, user string, cmd []string) (string, error) {
	execIDResp, err := c.cli.ContainerExecCreate(ctx, id, container.ExecOptions{
		User:         user,
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          cmd,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create exec instance: %w", err)
	}

	attachResp, err := c.cli.ContainerExecAttach(ctx, execIDResp.ID, container.ExecStartOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to attach to exec instance: %w", err)
	}
	defer attachResp.Close()

	output, err := readExecOutput(attachResp.Reader)
	if err != nil {
		return "", fmt.Errorf("failed to read exec output: %w", err)
	}

	execInspect, err := c.cli.ContainerExecInspect(ctx, execIDResp.ID)
	if err != nil {
		return "", fmt.Errorf("failed to inspect exec instance: %w", err)
	}

	if execInspect.ExitCode != 0 {
		return output, fmt.Errorf("command exited with code %d: %s", execInspect.ExitCode, strings.TrimSpace(output))
	}

	return output, nil
}

// readExecOutput drains a non-tty exec stream. The engine multiplexes stdout
// and stderr with 8-byte frame headers; stdcopy strips them so callers see
// the raw text.
func readExecOutput(r io.Reader) (string, error) {
	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, r); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Close closes the runtime connection.
func (c *SDKClient) Close() error {
	return c.cli.Close()
}

// createBuildContext creates a tar archive of the build context directory.
func createBuildContext(contextPath string) (io.ReadCloser, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	defer tw.Close()

	err := filepath.Walk(contextPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(contextPath, path)
		if err != nil {
			return err
		}
		if relPath == "." {
			return nil
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = relPath

		if err := tw.WriteHeader(header); err != nil {
			return err
		}

		if info.Mode().IsRegular() {
			file, err := os.Open(path)
			if err != nil {
				return err
			}
			defer file.Close()

			if _, err := io.Copy(tw, file); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return io.NopCloser(&buf), nil
}
