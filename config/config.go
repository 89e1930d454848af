// Package config loads the daemon configuration from burrow.yml.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// SandboxConfig holds container sandbox settings.
type SandboxConfig struct {
	// Image is the sandbox image tag to build and run.
	Image string `yaml:"image"`

	// BuildContext is the directory holding the Dockerfile and its support
	// scripts. The content hash of this directory gates rebuilds.
	BuildContext string `yaml:"build_context"`

	// Resource caps applied to every sandbox container.
	MemoryBytes     int64 `yaml:"memory_bytes"`
	MemorySwapBytes int64 `yaml:"memory_swap_bytes"`
	CPUShares       int64 `yaml:"cpu_shares"`
	PidsLimit       int64 `yaml:"pids_limit"`
	NoFileLimit     int64 `yaml:"nofile_limit"`

	// AllowedDomains is the default egress allowlist for sessions that do
	// not specify their own.
	AllowedDomains []string `yaml:"allowed_domains"`
}

// Config is the daemon configuration.
type Config struct {
	// DataDir holds the sqlite database, the image hash file, and worktrees.
	DataDir string `yaml:"data_dir"`

	// ListenAddr is the HTTP listen address for the terminal and status
	// endpoints.
	ListenAddr string `yaml:"listen_addr"`

	// TmuxSocket is the dedicated tmux server socket name. Using a separate
	// server keeps agent sessions out of the user's own tmux.
	TmuxSocket string `yaml:"tmux_socket"`

	// WorktreeLimit is the global ceiling on concurrently managed worktrees.
	WorktreeLimit int `yaml:"worktree_limit"`

	// MaxConnectionsPerSession caps concurrent terminal attachments.
	MaxConnectionsPerSession int `yaml:"max_connections_per_session"`

	// AgentConfigDir is the agent CLI's config directory on the host,
	// mounted read-only into sandbox containers.
	AgentConfigDir string `yaml:"agent_config_dir"`

	// AgentSettingsFile is the one mutable file inside AgentConfigDir that
	// is copied (not symlinked) into the container so in-container edits
	// survive upstream token refreshes.
	AgentSettingsFile string `yaml:"agent_settings_file"`

	Sandbox SandboxConfig `yaml:"sandbox"`
}

// Default returns the built-in configuration.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		DataDir:                  filepath.Join(home, ".burrow"),
		ListenAddr:               "127.0.0.1:7433",
		TmuxSocket:               "burrow",
		WorktreeLimit:            12,
		MaxConnectionsPerSession: 3,
		AgentConfigDir:           filepath.Join(home, ".claude"),
		AgentSettingsFile:        "settings.json",
		Sandbox: SandboxConfig{
			Image:           "burrow-sandbox:latest",
			BuildContext:    filepath.Join(home, ".burrow", "sandbox"),
			MemoryBytes:     4 << 30, // 4 GiB
			MemorySwapBytes: 4 << 30, // no extra swap
			CPUShares:       1024,
			PidsLimit:       512,
			NoFileLimit:     4096,
			AllowedDomains: []string{
				"api.anthropic.com",
				"github.com",
				"registry.npmjs.org",
				"proxy.golang.org",
			},
		},
	}
}

// Load reads configuration from the given path, layered over the defaults.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		if env := os.Getenv("BURROW_CONFIG"); env != "" {
			path = env
		} else {
			home, err := os.UserHomeDir()
			if err != nil {
				return cfg, nil
			}
			path = filepath.Join(home, ".burrow", "burrow.yml")
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.WorktreeLimit < 1 {
		return fmt.Errorf("worktree_limit must be at least 1, got %d", c.WorktreeLimit)
	}
	if c.MaxConnectionsPerSession < 1 {
		return fmt.Errorf("max_connections_per_session must be at least 1, got %d", c.MaxConnectionsPerSession)
	}
	if c.TmuxSocket == "" {
		return fmt.Errorf("tmux_socket cannot be empty")
	}
	if c.Sandbox.Image == "" {
		return fmt.Errorf("sandbox.image cannot be empty")
	}
	return nil
}

// DatabasePath returns the sqlite database location.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "burrow.db")
}

// ImageHashPath returns the location of the persisted sandbox image hash.
func (c *Config) ImageHashPath() string {
	return filepath.Join(c.DataDir, "image.hash")
}

// WorktreeBaseDir returns the directory new worktrees are created under.
func (c *Config) WorktreeBaseDir() string {
	return filepath.Join(c.DataDir, "worktrees")
}
