// Package paths computes the deterministic on-disk and runtime locations
// the daemon uses for a given project. Every path is a pure function of
// (project_root, home_dir); nothing here touches the filesystem.
package paths

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

const projectIDHexLen = 20

// ProjectID returns the stable identifier for a project root: the first
// 20 hex characters of SHA-256("viberag:" + realpath(project_root)).
// Symlinked invocations of the same project share an identity because the
// root is resolved before hashing.
func ProjectID(projectRoot string) (string, error) {
	real, err := filepath.EvalSymlinks(projectRoot)
	if err != nil {
		// Fall back to the absolute (unresolved) path: a project that does
		// not exist yet (e.g. being initialized) still needs an identity.
		abs, absErr := filepath.Abs(projectRoot)
		if absErr != nil {
			return "", fmt.Errorf("resolve project root: %w", err)
		}
		real = abs
	}
	sum := sha256.Sum256([]byte("viberag:" + real))
	return hex.EncodeToString(sum[:])[:projectIDHexLen], nil
}

// Home returns the VibeRAG home directory, honoring VIBERAG_HOME, then
// XDG_DATA_HOME/viberag on Linux, then ~/.local/share/viberag.
func Home() string {
	if v := os.Getenv("VIBERAG_HOME"); v != "" {
		return v
	}
	if runtime.GOOS == "linux" {
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			return filepath.Join(xdg, "viberag")
		}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".local", "share", "viberag")
}

// Resolver bundles a project's computed paths. Construct with New.
type Resolver struct {
	home      string
	projectID string
}

// New builds a Resolver for projectRoot under the given home directory.
// Pass an empty home to use Home().
func New(projectRoot, home string) (*Resolver, error) {
	id, err := ProjectID(projectRoot)
	if err != nil {
		return nil, err
	}
	if home == "" {
		home = Home()
	}
	return &Resolver{home: home, projectID: id}, nil
}

// ProjectID returns this resolver's project id.
func (r *Resolver) ProjectID() string { return r.projectID }

// ProjectDir is <home>/projects/<project_id>.
func (r *Resolver) ProjectDir() string {
	return filepath.Join(r.home, "projects", r.projectID)
}

// ConfigPath is the persisted user config, <project_dir>/config.json.
func (r *Resolver) ConfigPath() string {
	return filepath.Join(r.ProjectDir(), "config.json")
}

// ManifestPath is <project_dir>/manifest.json.
func (r *Resolver) ManifestPath() string {
	return filepath.Join(r.ProjectDir(), "manifest.json")
}

// StoreDir is <project_dir>/lancedb, the vector+FTS store's on-disk root.
func (r *Resolver) StoreDir() string {
	return filepath.Join(r.ProjectDir(), "lancedb")
}

// LogDir is <project_dir>/logs.
func (r *Resolver) LogDir() string {
	return filepath.Join(r.ProjectDir(), "logs")
}

// ServiceLogPath returns the hour-bucketed log file for one service, e.g.
// service "indexer" at 2026-07-31T14 -> logs/indexer/2026-07-31-14.log.
func (r *Resolver) ServiceLogPath(service string, hourBucket string) string {
	return filepath.Join(r.LogDir(), service, hourBucket+".log")
}

// RunDir is <home>/run/<project_id>, holding the socket/pid/lock files.
func (r *Resolver) RunDir() string {
	return filepath.Join(r.home, "run", r.projectID)
}

// SocketPath is the Unix-domain socket path, or a Windows named-pipe
// string on GOOS=windows.
func (r *Resolver) SocketPath() string {
	if runtime.GOOS == "windows" {
		return `\\.\pipe\viberag-` + r.projectID
	}
	return filepath.Join(r.RunDir(), "daemon.sock")
}

// PIDPath is <run_dir>/daemon.pid.
func (r *Resolver) PIDPath() string {
	return filepath.Join(r.RunDir(), "daemon.pid")
}

// LockPath is <run_dir>/daemon.lock.
func (r *Resolver) LockPath() string {
	return filepath.Join(r.RunDir(), "daemon.lock")
}
