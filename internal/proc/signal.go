package proc

import (
	"errors"
	"fmt"
	"syscall"
	"time"
)

const pollInterval = 50 * time.Millisecond

// Terminate sends SIGTERM to pid, waits up to grace for it to exit, then
// sends SIGKILL. A process that is already gone counts as terminated.
// It reports whether SIGKILL was needed.
func Terminate(pid int, grace time.Duration) (bool, error) {
	if pid <= 0 {
		return false, fmt.Errorf("invalid pid %d", pid)
	}

	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return false, nil
		}
		return false, fmt.Errorf("send SIGTERM to %d: %w", pid, err)
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !alive(pid) {
			return false, nil
		}
		time.Sleep(pollInterval)
	}

	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return false, nil
		}
		return true, fmt.Errorf("send SIGKILL to %d: %w", pid, err)
	}
	return true, nil
}

func alive(pid int) bool {
	return !errors.Is(syscall.Kill(pid, 0), syscall.ESRCH)
}
