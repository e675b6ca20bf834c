package registry

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// RoutingLock wraps an OS-level exclusive file lock at a well-known path;
// whichever process acquires it non-blocking becomes the routing host for
// that network name (spec §4.8).
type RoutingLock struct {
	path string
	file *os.File
	held bool
}

// lockPath is the conventional ".lck" file name for networkName under
// baseDir, e.g. "/var/run/someip" + "someip-net" + ".lck".
func lockPath(baseDir, networkName string) string {
	return filepath.Join(baseDir, networkName+".lck")
}

// TryAcquire attempts to take the exclusive lock for networkName under
// baseDir without blocking. ok is true iff this process is now the
// routing host.
func TryAcquire(baseDir, networkName string) (lock *RoutingLock, ok bool, err error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, false, fmt.Errorf("registry: creating lock directory: %w", err)
	}
	path := lockPath(baseDir, networkName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, false, fmt.Errorf("registry: opening lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("registry: flock: %w", err)
	}
	return &RoutingLock{path: path, file: f, held: true}, true, nil
}

// Release unlocks and closes the lock file, relinquishing the routing-host
// role. Idempotent.
func (l *RoutingLock) Release() error {
	if l == nil || !l.held {
		return nil
	}
	l.held = false
	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
		l.file.Close()
		return fmt.Errorf("registry: unlock: %w", err)
	}
	return l.file.Close()
}

// Held reports whether this process still holds the lock.
func (l *RoutingLock) Held() bool { return l != nil && l.held }
