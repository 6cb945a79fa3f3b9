package cmd

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viberag/viberag/internal/daemon"
)

func TestServeCmd_HasForegroundFlag(t *testing.T) {
	cmd := NewRootCmd()

	serveCmd, _, err := cmd.Find([]string{"serve"})
	require.NoError(t, err)

	flag := serveCmd.Flags().Lookup("foreground")
	require.NotNil(t, flag, "serve should have --foreground flag")
	assert.Equal(t, "f", flag.Shorthand)
	assert.Equal(t, "false", flag.DefValue)
}

func TestServeCmd_NoLeftoverTransportOrSessionFlags(t *testing.T) {
	// The old MCP-stdio "serve" took --transport/--session; the JSON-RPC
	// daemon has neither concept, so those flags must not linger.
	cmd := NewRootCmd()

	serveCmd, _, err := cmd.Find([]string{"serve"})
	require.NoError(t, err)

	assert.Nil(t, serveCmd.Flags().Lookup("transport"))
	assert.Nil(t, serveCmd.Flags().Lookup("session"))
	assert.Nil(t, serveCmd.Flags().Lookup("debug"))
}

func serveTestDaemonConfig(t *testing.T) daemon.Config {
	t.Helper()
	suffix := fmt.Sprintf("%d", time.Now().UnixNano())
	dir := t.TempDir()
	return daemon.Config{
		SocketPath:          filepath.Join(dir, fmt.Sprintf("viberag-serve-test-%s.sock", suffix)),
		PIDPath:             filepath.Join(dir, fmt.Sprintf("viberag-serve-test-%s.pid", suffix)),
		Timeout:             5 * time.Second,
		ShutdownGracePeriod: 2 * time.Second,
		MaxProjects:         5,
	}
}

// TestForegroundDaemon_WatcherDoesNotBlockStartup exercises the same daemon
// the "serve --foreground" path runs, confirming socket accept doesn't wait
// on file-watcher startup (slow on large repos or network filesystems).
func TestForegroundDaemon_WatcherDoesNotBlockStartup(t *testing.T) {
	t.Setenv("VIBERAG_WATCHER_STARTUP_TIMEOUT", "10s")

	cfg := serveTestDaemonConfig(t)
	d, err := daemon.NewDaemon(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	start := time.Now()
	go func() { errCh <- d.Start(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	var connected bool
	for time.Now().Before(deadline) {
		if conn, dialErr := net.DialTimeout("unix", cfg.SocketPath, 200*time.Millisecond); dialErr == nil {
			_ = conn.Close()
			connected = true
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	elapsed := time.Since(start)

	cancel()
	select {
	case <-errCh:
	case <-time.After(3 * time.Second):
		t.Fatal("daemon didn't stop within timeout")
	}

	require.True(t, connected, "daemon socket never became reachable")
	assert.Less(t, elapsed.Seconds(), 2.0,
		"daemon should accept connections well before the 10s watcher timeout (took %.2fs)", elapsed.Seconds())
}

func TestResumeCmd_RequiresSessionName(t *testing.T) {
	cmd := NewRootCmd()
	cmd.SetArgs([]string{"resume"})
	err := cmd.Execute()
	require.Error(t, err)
}

func TestResumeCmd_UnknownSession(t *testing.T) {
	cmd := NewRootCmd()
	cmd.SetArgs([]string{"resume", "definitely-not-a-real-session"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session not found")
}
