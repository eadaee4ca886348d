// Package lockfile serializes mutating operations with advisory,
// file-backed locks. Presence of the lock file means held; acquisition
// never blocks or queues.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrLockHeld is returned when the resource's lock file already exists.
var ErrLockHeld = errors.New("resource is locked by another operation")

// Coordinator creates and releases per-resource lock files in a shared
// scratch directory.
type Coordinator struct {
	dir string
}

// NewCoordinator creates a coordinator writing locks under dir.
func NewCoordinator(dir string) *Coordinator {
	return &Coordinator{dir: dir}
}

func (c *Coordinator) path(key string) string {
	return filepath.Join(c.dir, ".lock-labkit-"+key)
}

// Lock is a held lock; Release removes it.
type Lock struct {
	path string
}

// Info describes the holder recorded in a lock file, for diagnosing
// stale locks after an abnormal termination. Stale locks are cleared
// manually, never by timeout.
type Info struct {
	Key        string
	PID        int
	AcquiredAt time.Time
}

// Acquire takes the exclusive lock for key, failing immediately with
// ErrLockHeld if any holder exists.
func (c *Coordinator) Acquire(key string) (*Lock, error) {
	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	path := c.path(key)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrLockHeld, key)
		}
		return nil, fmt.Errorf("create lock %s: %w", key, err)
	}
	fmt.Fprintf(f, "%d %d\n", os.Getpid(), time.Now().Unix())
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("write lock %s: %w", key, err)
	}
	return &Lock{path: path}, nil
}

// Release removes the lock file. Safe to call once per acquired lock on
// every exit path.
func (l *Lock) Release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// Held reports whether a lock file for key currently exists.
func (c *Coordinator) Held(key string) bool {
	_, err := os.Stat(c.path(key))
	return err == nil
}

// Inspect reads the holder information of a held lock, or nil if the
// lock is free.
func (c *Coordinator) Inspect(key string) (*Info, error) {
	data, err := os.ReadFile(c.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read lock %s: %w", key, err)
	}
	info := &Info{Key: key}
	var unix int64
	if _, err := fmt.Sscanf(strings.TrimSpace(string(data)), "%d %d", &info.PID, &unix); err == nil {
		info.AcquiredAt = time.Unix(unix, 0)
	}
	return info, nil
}

// WithLock runs fn while holding the lock for key, releasing it on every
// return path.
func (c *Coordinator) WithLock(key string, fn func() error) error {
	lock, err := c.Acquire(key)
	if err != nil {
		return err
	}
	defer lock.Release()
	return fn()
}
