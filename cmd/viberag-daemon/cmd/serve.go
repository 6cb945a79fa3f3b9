package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/viberag/viberag/internal/client"
	"github.com/viberag/viberag/internal/daemon"
	"github.com/viberag/viberag/internal/rpc"
)

// newServeCmd starts the daemon's JSON-RPC server. This replaces the
// teacher's MCP-stdio "serve" subcommand: agents now talk to the daemon
// over its Unix socket (internal/rpc) instead of a per-invocation stdio
// pipe, so there is no transport/session flag surface left to expose here.
func newServeCmd() *cobra.Command {
	var foreground bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the daemon's JSON-RPC server",
		Long: `Starts the viberag daemon, which serves JSON-RPC requests (search,
index, getSymbol, ...) over a Unix socket for AI coding agents and the
viberag CLI itself.

By default this ensures a background daemon is running and returns
immediately. Use --foreground to run the daemon in this process instead,
which is how process supervisors (systemd, launchd) should invoke it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), foreground)
		},
	}

	cmd.Flags().BoolVarP(&foreground, "foreground", "f", false, "Run the daemon in this process instead of spawning a background one")
	return cmd
}

// runServe either runs the daemon inline (foreground) or ensures a
// background daemon is running and returns once its socket is reachable.
func runServe(ctx context.Context, foreground bool) error {
	cfg := daemon.DefaultConfig()

	if foreground {
		d, err := daemon.NewDaemon(cfg)
		if err != nil {
			return fmt.Errorf("failed to create daemon: %w", err)
		}
		return d.Start(ctx)
	}

	c := client.New(client.Config{SocketPath: cfg.SocketPath, PIDPath: cfg.PIDPath, Timeout: cfg.Timeout, Source: "cli"})
	defer c.Close()
	return c.EnsureDaemon(ctx)
}

// runServeWithSession resumes a saved session by ensuring the background
// daemon is running, then pre-loading (indexing if needed) the session's
// project root through it. It returns once indexing completes; it does not
// block serving the daemon itself.
func runServeWithSession(ctx context.Context, sessionName, projectPath string) error {
	cfg := daemon.DefaultConfig()
	c := client.New(client.Config{SocketPath: cfg.SocketPath, PIDPath: cfg.PIDPath, Timeout: cfg.Timeout, Source: "cli"})
	defer c.Close()

	if err := c.EnsureDaemon(ctx); err != nil {
		return fmt.Errorf("resume %s: %w", sessionName, err)
	}

	if _, err := c.Index(ctx, rpc.IndexParams{RootPath: projectPath}); err != nil {
		return fmt.Errorf("resume %s: index %s: %w", sessionName, projectPath, err)
	}

	return nil
}
