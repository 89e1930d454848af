// burrowd is the session orchestration daemon: it manages agent sessions,
// their git worktrees, sandbox containers, and terminal attachments.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/grovetools/burrow/config"
	"github.com/grovetools/burrow/docker"
	"github.com/grovetools/burrow/git"
	"github.com/grovetools/burrow/internal/daemon/pidfile"
	"github.com/grovetools/burrow/internal/daemon/server"
	"github.com/grovetools/burrow/logging"
	"github.com/grovetools/burrow/sandbox"
	"github.com/grovetools/burrow/session"
	"github.com/grovetools/burrow/status"
	"github.com/grovetools/burrow/store"
	"github.com/grovetools/burrow/terminal"
	"github.com/grovetools/burrow/tmux"
	"github.com/grovetools/burrow/version"
)

func main() {
	root := &cobra.Command{
		Use:           "burrowd",
		Short:         "Agent session orchestration daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newStartCmd())
	root.AddCommand(newStopCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newVersionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newStartCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return runDaemon(cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "config file path")
	return cmd
}

func runDaemon(cfg *config.Config) error {
	log := logging.NewLogger("burrowd")
	pidPath := filepath.Join(cfg.DataDir, "burrowd.pid")

	if err := pidfile.Acquire(pidPath); err != nil {
		return err
	}
	defer func() {
		if err := pidfile.Release(pidPath); err != nil {
			log.WithError(err).Warn("failed to release pid file")
		}
	}()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	db, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return err
	}
	defer db.Close()

	dockerClient, err := docker.NewSDKClient()
	if err != nil {
		return fmt.Errorf("container runtime unavailable: %w", err)
	}
	defer dockerClient.Close()

	tmuxClient, err := tmux.NewClient(cfg.TmuxSocket)
	if err != nil {
		return err
	}

	trust := git.NewTrustStore(filepath.Join(cfg.AgentConfigDir, ".claude.json"))
	worktrees := git.NewWorktreeController(cfg.WorktreeBaseDir(), cfg.WorktreeLimit, db.CountWorktrees, trust)
	sandboxes := sandbox.NewController(dockerClient, cfg)

	hub := status.NewHub(db, func(ctx context.Context) ([]string, error) {
		return tmuxClient.ListSessions(ctx, tmux.HostRunner{})
	})

	lifecycle := session.NewController(db, worktrees, sandboxes, tmuxClient, hub, cfg)
	bridge := terminal.NewBridge(lifecycle, cfg.MaxConnectionsPerSession)
	srv := server.New(log, db, hub, bridge)

	// Reconcile durable state with reality before accepting work.
	recoverCtx, recoverCancel := context.WithTimeout(context.Background(), 2*time.Minute)
	lifecycle.RecoverSessions(recoverCtx)
	hub.SyncFromTmux(recoverCtx)
	recoverCancel()

	hub.Start()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-stop
		log.Info("received stop signal")

		// Terminals first so no PTY outlives its session state, then the
		// hub timers, then the HTTP server. The store closes last.
		bridge.Shutdown()
		hub.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Error("server shutdown error")
		}
	}()

	log.WithField("pid", os.Getpid()).Info("starting daemon")
	return srv.ListenAndServe(cfg.ListenAddr)
}

func newStopCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			pidPath := filepath.Join(cfg.DataDir, "burrowd.pid")

			running, pid, err := pidfile.IsRunning(pidPath)
			if err != nil {
				return fmt.Errorf("check daemon status: %w", err)
			}
			if !running {
				fmt.Println("Daemon is not running")
				return nil
			}

			proc, err := os.FindProcess(pid)
			if err != nil {
				return fmt.Errorf("find process %d: %w", pid, err)
			}
			if err := proc.Signal(syscall.SIGTERM); err != nil {
				return fmt.Errorf("send stop signal: %w", err)
			}
			fmt.Printf("Sent SIGTERM to process %d\n", pid)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "config file path")
	return cmd
}

func newStatusCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			pidPath := filepath.Join(cfg.DataDir, "burrowd.pid")

			running, pid, err := pidfile.IsRunning(pidPath)
			if err != nil {
				return fmt.Errorf("check daemon status: %w", err)
			}
			if running {
				fmt.Printf("Daemon is running (pid %d)\n", pid)
			} else {
				fmt.Println("Daemon is not running")
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "config file path")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.GetInfo().String())
		},
	}
}
