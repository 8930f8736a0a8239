//go:build linux
// +build linux

// Package lock provides flock(2) advisory locks on files.
//
// Locks are tied to an open file description, so two FileLocks on the same
// path conflict even inside one process. The kernel drops a lock when its
// holder dies, so a crashed install never leaves the host locked.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// ErrLocked is returned by TryAcquire when another holder has the lock.
var ErrLocked = errors.New("locked by another process")

// FileLock is a held exclusive lock.
type FileLock struct {
	path string
	file *os.File
}

// Acquire takes an exclusive lock on path, blocking until it is available.
// The file and its parent directory are created if needed.
func Acquire(path string) (*FileLock, error) {
	return acquire(path, unix.LOCK_EX)
}

// TryAcquire takes an exclusive lock on path or fails with ErrLocked.
func TryAcquire(path string) (*FileLock, error) {
	return acquire(path, unix.LOCK_EX|unix.LOCK_NB)
}

func acquire(path string, how int) (*FileLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|unix.O_CLOEXEC, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	for {
		err = unix.Flock(int(file.Fd()), how)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		file.Close()
		if err == unix.EWOULDBLOCK {
			return nil, fmt.Errorf("%s: %w", path, ErrLocked)
		}
		return nil, fmt.Errorf("acquire lock %s: %w", path, err)
	}

	return &FileLock{path: path, file: file}, nil
}

// Path is the lock file.
func (l *FileLock) Path() string { return l.path }

// Release drops the lock. Releasing twice is a no-op.
func (l *FileLock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}

	err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil

	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	if closeErr != nil {
		return fmt.Errorf("close lock file: %w", closeErr)
	}
	return nil
}
