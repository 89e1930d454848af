// Package mocks provides a test double for the docker.Client interface.
package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/grovetools/burrow/docker"
)

// MockClient implements docker.Client with overridable function fields.
// Unset fields behave as benign no-ops. Calls are recorded so tests can
// assert on interaction order.
type MockClient struct {
	mu    sync.Mutex
	Calls []string

	PingFunc                   func(ctx context.Context) error
	BuildImageFunc             func(ctx context.Context, buildContextPath, dockerfilePath, imageName string) error
	ImageExistsFunc            func(ctx context.Context, imageName string) (bool, error)
	CreateContainerFunc        func(ctx context.Context, opts docker.CreateOptions) (string, error)
	StartContainerFunc         func(ctx context.Context, id string) error
	StopContainerFunc          func(ctx context.Context, id string, timeout time.Duration) error
	RemoveContainerFunc        func(ctx context.Context, id string, force bool) error
	InspectContainerFunc       func(ctx context.Context, idOrName string) (*docker.ContainerInfo, error)
	ListContainerIDsByNameFunc func(ctx context.Context, name string) ([]string, error)
	ExecInContainerFunc        func(ctx context.Context, id string, user string, cmd []string) (string, error)
	CloseFunc                  func() error
}

func (m *MockClient) record(call string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, call)
}

// CallCount returns how many recorded calls match the given name.
func (m *MockClient) CallCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.Calls {
		if c == name {
			n++
		}
	}
	return n
}

func (m *MockClient) Ping(ctx context.Context) error {
	m.record("Ping")
	if m.PingFunc != nil {
		return m.PingFunc(ctx)
	}
	return nil
}

func (m *MockClient) BuildImage(ctx context.Context, buildContextPath, dockerfilePath, imageName string) error {
	m.record("BuildImage")
	if m.BuildImageFunc != nil {
		return m.BuildImageFunc(ctx, buildContextPath, dockerfilePath, imageName)
	}
	return nil
}

func (m *MockClient) ImageExists(ctx context.Context, imageName string) (bool, error) {
	m.record("ImageExists")
	if m.ImageExistsFunc != nil {
		return m.ImageExistsFunc(ctx, imageName)
	}
	return true, nil
}

func (m *MockClient) CreateContainer(ctx context.Context, opts docker.CreateOptions) (string, error) {
	m.record("CreateContainer")
	if m.CreateContainerFunc != nil {
		return m.CreateContainerFunc(ctx, opts)
	}
	return "mock-container-id", nil
}

func (m *MockClient) StartContainer(ctx context.Context, id string) error {
	m.record("StartContainer")
	if m.StartContainerFunc != nil {
		return m.StartContainerFunc(ctx, id)
	}
	return nil
}

func (m *MockClient) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	m.record("StopContainer")
	if m.StopContainerFunc != nil {
		return m.StopContainerFunc(ctx, id, timeout)
	}
	return nil
}

func (m *MockClient) RemoveContainer(ctx context.Context, id string, force bool) error {
	m.record("RemoveContainer")
	if m.RemoveContainerFunc != nil {
		return m.RemoveContainerFunc(ctx, id, force)
	}
	return nil
}

func (m *MockClient) InspectContainer(ctx context.Context, idOrName string) (*docker.ContainerInfo, error) {
	m.record("InspectContainer")
	if m.InspectContainerFunc != nil {
		return m.InspectContainerFunc(ctx, idOrName)
	}
	return &docker.ContainerInfo{ID: idOrName, State: "running"}, nil
}

func (m *MockClient) ListContainerIDsByName(ctx context.Context, name string) ([]string, error) {
	m.record("ListContainerIDsByName")
	if m.ListContainerIDsByNameFunc != nil {
		return m.ListContainerIDsByNameFunc(ctx, name)
	}
	return nil, nil
}

func (m *MockClient) ExecInContainer(ctx context.Context, id string, user string, cmd []string) (string, error) {
	m.record("ExecInContainer")
	if m.ExecInContainerFunc != nil {
		return m.ExecInContainerFunc(ctx, id, user, cmd)
	}
	return "", nil
}

func (m *MockClient) Close() error {
	m.record("Close")
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}
