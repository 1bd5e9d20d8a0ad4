package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gofrs/flock"
)

const (
	runDirPerms  = 0o750
	pidFilePerms = 0o644
)

// ErrAlreadyRunning is returned when another daemon holds the pid lock.
var ErrAlreadyRunning = errors.New("another crucible daemon is running")

// pidLock is the single-instance lock of the daemon. The lock file also
// carries the pid of its holder.
type pidLock struct {
	fl *flock.Flock
}

// acquirePidLock takes the lock at path without blocking.
func acquirePidLock(path string) (*pidLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), runDirPerms); err != nil {
		return nil, fmt.Errorf("failed to create run directory: %w", err)
	}

	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w (lock %s)", ErrAlreadyRunning, path)
	}

	pid := strconv.Itoa(os.Getpid()) + "\n"
	if err := os.WriteFile(path, []byte(pid), pidFilePerms); err != nil {
		_ = fl.Unlock()
		return nil, fmt.Errorf("failed to write pid file: %w", err)
	}
	return &pidLock{fl: fl}, nil
}

// Release drops the lock. The file stays behind; its content is stale
// once nobody holds the lock.
func (l *pidLock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("failed to release pid lock: %w", err)
	}
	return nil
}
