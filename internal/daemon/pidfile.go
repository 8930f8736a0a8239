package daemon

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"trimorph/internal/probe"
	"trimorph/pkg/fileutil"
)

// ReadPidFile returns the pid stored at path.
func ReadPidFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("malformed pid file %s", path)
	}
	return pid, nil
}

// WritePidFile records pid at path. It refuses to overwrite the pid of
// another live process.
func WritePidFile(path string, pid int) error {
	if old, err := ReadPidFile(path); err == nil && old != pid && probe.PidAlive(old) {
		return fmt.Errorf("daemon already running (pid %d)", old)
	}
	if err := fileutil.EnsureParentDir(path, 0755); err != nil {
		return err
	}
	return fileutil.AtomicWriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0644)
}

// RemovePidFile unlinks path if it still holds pid.
func RemovePidFile(path string, pid int) error {
	old, err := ReadPidFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if old != pid {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
