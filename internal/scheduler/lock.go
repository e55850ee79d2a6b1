package scheduler

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// staleLockAge is how old an unheld lock file must be before it is
// reclaimed. A crashed process releases its flock automatically; the age
// check only matters for files left behind without a live lock.
const staleLockAge = time.Hour

// InstanceLock is an exclusive, OS-level file lock guaranteeing one engine
// instance per lock path.
type InstanceLock struct {
	path string
	f    *os.File
}

// AcquireLock takes the exclusive lock at path, reclaiming a stale file
// first if one is in the way. Returns an error when another live instance
// holds the lock.
func AcquireLock(path string) (*InstanceLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating lock dir: %w", err)
	}

	f, err := tryFlock(path)
	if err != nil && reclaimStale(path) {
		f, err = tryFlock(path)
	}
	if err != nil {
		return nil, fmt.Errorf("another instance holds %s: %w", path, err)
	}

	if err := f.Truncate(0); err == nil {
		_, _ = fmt.Fprintf(f, "pid=%d at=%s\n", os.Getpid(), time.Now().Format(time.RFC3339))
		_ = f.Sync()
	}
	return &InstanceLock{path: path, f: f}, nil
}

func tryFlock(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644) // #nosec G304 -- path comes from config
	if err != nil {
		return nil, err
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		return nil, err
	}
	return f, nil
}

// reclaimStale removes a lock file that is older than staleLockAge and
// whose recorded pid is no longer running.
func reclaimStale(path string) bool {
	fi, err := os.Stat(path)
	if err != nil || time.Since(fi.ModTime()) < staleLockAge {
		return false
	}
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from config
	if err != nil {
		return false
	}
	var pid int
	if _, err := fmt.Sscanf(strings.TrimSpace(string(data)), "pid=%d", &pid); err == nil && pid > 0 {
		if syscall.Kill(pid, 0) == nil {
			return false
		}
	}
	return os.Remove(path) == nil
}

// Release drops the lock and removes the file.
func (l *InstanceLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	if err := l.f.Close(); err != nil {
		return err
	}
	l.f = nil
	return os.Remove(l.path)
}
