//go:build !linux
// +build !linux

package overlay

import (
	"os"

	terrors "trimorph/pkg/errors"
)

func hostSyscalls() syscalls { return syscalls{} }

func currentPid() int { return os.Getpid() }

func (m *Manager) Mount(jail, lower string) (*Instance, error) {
	return nil, terrors.ErrUnsupportedPlatform
}

func (m *Manager) Unmount(inst *Instance) error { return nil }

func (m *Manager) GC(alive func(pid int) bool) ([]string, error) { return nil, nil }
