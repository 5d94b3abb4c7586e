// Package lockfile guards against two daemon instances sharing one data
// directory, using an exclusive non-blocking flock on a marker file.
package lockfile

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Lock is a held instance lock. Release it with Unlock.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes the exclusive lock at path, creating the file if needed.
// It fails immediately when another process holds it.
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("lockfile open: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("lockfile %s held by another instance: %w", path, err)
	}
	// Best-effort pid marker for humans inspecting the file.
	f.Truncate(0)
	fmt.Fprintf(f, "%d\n", os.Getpid())
	return &Lock{file: f, path: path}, nil
}

// Unlock releases the lock and removes the marker file.
func (l *Lock) Unlock() error {
	if l.file == nil {
		return nil
	}
	unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	err := l.file.Close()
	l.file = nil
	os.Remove(l.path)
	return err
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }
