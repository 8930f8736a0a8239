//go:build linux
// +build linux

package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"trimorph/pkg/envutil"

	"golang.org/x/sys/unix"
)

// IsChild reports whether this process is the detached daemon started by
// Daemonize.
func IsChild() bool {
	return os.Getenv(envutil.DaemonChildEnvVar) == "1"
}

// Daemonize re-executes the binary with args as a detached daemon: a new
// session, working directory /, stdio on /dev/null. This is the Go
// rendition of the double fork; the child finishes with EnterChild.
// It returns the child's pid.
func Daemonize(args []string) (int, error) {
	self, err := os.Executable()
	if err != nil {
		self = "/proc/self/exe"
	}

	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", os.DevNull, err)
	}
	defer devNull.Close()

	cmd := exec.Command(self, args...)
	cmd.Env = envutil.Merge(os.Environ(), envutil.DaemonChildEnvVar+"=1")
	cmd.Dir = "/"
	cmd.Stdin = devNull
	cmd.Stdout = devNull
	cmd.Stderr = devNull
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start daemon: %w", err)
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		return pid, fmt.Errorf("release daemon process: %w", err)
	}
	return pid, nil
}

// EnterChild completes daemonization inside the child: clear the umask
// and drop the marker so nothing spawned later inherits it.
func EnterChild() {
	unix.Umask(0)
	os.Unsetenv(envutil.DaemonChildEnvVar)
}
