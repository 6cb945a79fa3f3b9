package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gofrs/flock"
)

// lockRefreshInterval is how often a running daemon re-stamps its lock file
// to prove it is still alive. lockStaleTTL is how old a stamp can get before
// another daemon is allowed to treat the lock as abandoned and steal it.
const (
	lockRefreshInterval = 10 * time.Second
	lockStaleTTL        = 30 * time.Second
)

// lockFile is a cross-process advisory lock (gofrs/flock) with a TTL
// heartbeat layered on top, so a daemon killed without releasing the lock
// (e.g. SIGKILL, crash) doesn't wedge every future "daemon start" forever.
type lockFile struct {
	path string
	fl   *flock.Flock
}

func newLockFile(path string) *lockFile {
	return &lockFile{path: path, fl: flock.New(path)}
}

// Acquire takes the lock, first breaking it if the existing holder's last
// heartbeat is older than lockStaleTTL.
func (l *lockFile) Acquire() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}

	ok, err := l.fl.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		if !l.isStale() {
			return fmt.Errorf("lock held by another running daemon")
		}
		// Stale: the prior holder's flock was released by the OS when its
		// process died, but TryLock can still race a concurrent acquirer;
		// one more attempt settles it.
		ok, err = l.fl.TryLock()
		if err != nil {
			return fmt.Errorf("acquire lock: %w", err)
		}
		if !ok {
			return fmt.Errorf("lock held by another running daemon")
		}
	}

	return l.stamp()
}

// Refresh re-stamps the lock file's heartbeat. Safe to call periodically
// from the lock holder only.
func (l *lockFile) Refresh() {
	_ = l.stamp()
}

func (l *lockFile) stamp() error {
	data := []byte(strconv.FormatInt(time.Now().Unix(), 10))
	return os.WriteFile(l.path, data, 0644)
}

func (l *lockFile) isStale() bool {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return true
	}
	unixSec, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return true
	}
	return time.Since(time.Unix(unixSec, 0)) > lockStaleTTL
}

// Release unlocks the file. Safe to call even if Acquire failed.
func (l *lockFile) Release() error {
	return l.fl.Unlock()
}
