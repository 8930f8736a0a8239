// Package probe answers questions about the host environment: which external
// tools are installed and whether a native package manager is already busy.
//
// Probes are pure queries. They never take the host package manager lock.
package probe

import (
	"os/exec"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/util"
	"github.com/shirou/gopsutil/process"
	"golang.org/x/sys/unix"
)

// NativePMProcesses are the process names treated as a native package
// manager holding the host package database.
var NativePMProcesses = []string{
	"apt", "aptitude", "dpkg", "pacman", "dnf", "yum", "zypper", "emerge", "portage", "apk",
}

// Nspawn is the preferred jail execution tool.
const Nspawn = "systemd-nspawn"

// Probe is the environment view consumed by the installer and jail executor.
type Probe interface {
	HasTool(name string) bool
	AnyNativePMRunning() bool
}

// Host probes the live system.
type Host struct {
	// ProcessNames lists the names of all running processes. Nil means the
	// process table is read through gopsutil.
	ProcessNames func() ([]string, error)
}

// NewHost returns a probe of the running system.
func NewHost() *Host {
	return &Host{}
}

// HasTool reports whether name is an executable tool. Bare names are searched
// on PATH like `command -v`; names containing a slash are tested with access(X_OK).
func (h *Host) HasTool(name string) bool {
	_, ok := Resolve(name)
	return ok
}

// Resolve returns the path a tool name resolves to.
func Resolve(name string) (string, bool) {
	if name == "" {
		return "", false
	}
	if strings.Contains(name, "/") {
		if unix.Access(name, unix.X_OK) != nil {
			return "", false
		}
		return name, true
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", false
	}
	return path, true
}

// AnyNativePMRunning reports whether any process in NativePMProcesses is alive.
// A process table that cannot be read is reported as not running.
func (h *Host) AnyNativePMRunning() bool {
	return len(h.RunningNativePMs()) > 0
}

// RunningNativePMs returns the names of native package managers that have at
// least one running process, in NativePMProcesses order.
func (h *Host) RunningNativePMs() []string {
	list := h.ProcessNames
	if list == nil {
		list = processNames
	}
	names, err := list()
	if err != nil {
		return nil
	}

	seen := make(map[string]bool, len(names))
	for _, n := range names {
		seen[n] = true
	}

	var running []string
	for _, pm := range NativePMProcesses {
		if seen[pm] {
			running = append(running, pm)
		}
	}
	return running
}

func processNames() ([]string, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(procs))
	for _, p := range procs {
		// processes may exit between listing and reading their name
		name, err := p.Name()
		if err != nil {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

// PidAlive reports whether a process with pid exists.
func PidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := process.PidExists(int32(pid))
	return err == nil && ok
}

// StartedAfter reports whether the live process pid was created after t,
// meaning a pid recorded at t now belongs to another process. A missing
// process or unreadable start time reports false.
func StartedAfter(pid int, t time.Time) bool {
	if pid <= 0 {
		return false
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	ms, err := p.CreateTime()
	if err != nil {
		return false
	}
	return time.UnixMilli(ms).After(t)
}

// InitSystem names the host's init system.
type InitSystem string

const (
	InitSystemd InitSystem = "systemd"
	InitOpenRC  InitSystem = "openrc"
)

// DetectInitSystem checks for systemd's runtime directory and falls back to
// OpenRC when systemd is not running.
func DetectInitSystem() InitSystem {
	if util.IsRunningSystemd() {
		return InitSystemd
	}
	return InitOpenRC
}

// Static is a fixed probe for tests and dry runs.
type Static struct {
	Tools     map[string]bool
	PMRunning bool
}

func (s Static) HasTool(name string) bool { return s.Tools[name] }

func (s Static) AnyNativePMRunning() bool { return s.PMRunning }
