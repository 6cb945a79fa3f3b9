package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/viberag/viberag/internal/config"
	"github.com/viberag/viberag/internal/session"
)

func newResumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume NAME",
		Short: "Resume a saved session",
		Long: `Resume a previously saved session.

This ensures the daemon is running and (re)indexes the project associated
with the session, so it's immediately searchable again.

If the project directory no longer exists, an error is returned with
instructions to delete the orphaned session.

Example:
  # Resume the work-api session
  viberag-daemon resume work-api

  # List available sessions first
  viberag-daemon sessions`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResume(cmd, args[0])
		},
	}

	return cmd
}

func runResume(cmd *cobra.Command, name string) error {
	cfg := config.NewConfig()

	mgr, err := session.NewManager(session.ManagerConfig{
		StoragePath: cfg.Sessions.StoragePath,
		MaxSessions: cfg.Sessions.MaxSessions,
	})
	if err != nil {
		return fmt.Errorf("failed to create session manager: %w", err)
	}

	// Get the session
	sess, err := mgr.Get(name)
	if err != nil {
		return fmt.Errorf("session not found: %s\n\nRun 'viberag-daemon sessions' to list available sessions", name)
	}

	// Check if project still exists
	if _, err := os.Stat(sess.ProjectPath); os.IsNotExist(err) {
		return fmt.Errorf("project directory no longer exists: %s\n\nTo remove this session, run:\n  viberag-daemon sessions delete %s",
			sess.ProjectPath, name)
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Resuming session '%s' for %s\n", name, sess.ProjectPath)

	// Ensure the daemon is running and the project is freshly indexed
	return runServeWithSession(cmd.Context(), name, sess.ProjectPath)
}
