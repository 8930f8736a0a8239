//go:build !linux
// +build !linux

package lock

import (
	"errors"

	terrors "trimorph/pkg/errors"
)

// ErrLocked is returned by TryAcquire when another holder has the lock.
var ErrLocked = errors.New("locked by another process")

// FileLock is a held exclusive lock.
type FileLock struct{}

func Acquire(path string) (*FileLock, error) { return nil, terrors.ErrUnsupportedPlatform }

func TryAcquire(path string) (*FileLock, error) { return nil, terrors.ErrUnsupportedPlatform }

func (l *FileLock) Path() string { return "" }

func (l *FileLock) Release() error { return nil }
