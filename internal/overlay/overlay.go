// Package overlay materializes a jail's root as an overlay filesystem: the
// descriptor's root is the read-only lower layer, and every execution gets a
// fresh upper and work directory that are removed afterwards.
package overlay

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"trimorph/internal/logging"

	"github.com/sirupsen/logrus"
)

// Instance is one mounted overlay, owned by a single execution.
type Instance struct {
	Jail       string
	Lower      string
	Upper      string
	Work       string
	MountPoint string
}

// scratchPattern matches upper and work directories created by any
// trimorph process: trimorph_<jail>_<upper|work>_<pid>_<counter>.
var scratchPattern = regexp.MustCompile(`^trimorph_(.+)_(upper|work)_([0-9]+)_([0-9]+)$`)

// ScratchDir describes a parsed upper or work directory name.
type ScratchDir struct {
	Jail    string
	Kind    string
	Pid     int
	Counter uint64
}

// ParseScratchName parses an upper/work directory base name.
func ParseScratchName(name string) (ScratchDir, bool) {
	m := scratchPattern.FindStringSubmatch(name)
	if m == nil {
		return ScratchDir{}, false
	}
	pid, err := strconv.Atoi(m[3])
	if err != nil {
		return ScratchDir{}, false
	}
	counter, err := strconv.ParseUint(m[4], 10, 64)
	if err != nil {
		return ScratchDir{}, false
	}
	return ScratchDir{Jail: m[1], Kind: m[2], Pid: pid, Counter: counter}, true
}

func scratchName(jail, kind string, pid int, counter uint64) string {
	return fmt.Sprintf("trimorph_%s_%s_%d_%d", jail, kind, pid, counter)
}

// Manager creates and destroys overlay instances under a runtime directory.
type Manager struct {
	RuntimeDir string
	Logger     logrus.FieldLogger

	// RetryDelay is the pause before the single unmount retry on EBUSY.
	RetryDelay time.Duration

	sys     syscalls
	pid     int
	counter atomic.Uint64

	mu   sync.Mutex
	live map[string]bool
}

// syscalls are the kernel entry points the manager needs; tests replace them.
type syscalls struct {
	mount     func(source, target, fstype string, flags uintptr, data string) error
	unmount   func(target string, flags int) error
	isMounted func(path string) bool
}

// NewManager returns a manager rooted at runtimeDir.
func NewManager(runtimeDir string, logger logrus.FieldLogger) *Manager {
	return &Manager{
		RuntimeDir: runtimeDir,
		Logger:     logger,
		RetryDelay: 100 * time.Millisecond,
		sys:        hostSyscalls(),
		pid:        currentPid(),
		live:       make(map[string]bool),
	}
}

// MountPoint is where a jail's overlay is mounted.
func (m *Manager) MountPoint(jail string) string {
	return filepath.Join(m.RuntimeDir, jail)
}

// newInstance reserves unique upper/work paths for one execution.
func (m *Manager) newInstance(jail, lower string) *Instance {
	n := m.counter.Add(1)
	return &Instance{
		Jail:       jail,
		Lower:      lower,
		Upper:      filepath.Join(m.RuntimeDir, scratchName(jail, "upper", m.pid, n)),
		Work:       filepath.Join(m.RuntimeDir, scratchName(jail, "work", m.pid, n)),
		MountPoint: m.MountPoint(jail),
	}
}

func (m *Manager) track(inst *Instance, live bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, dir := range []string{inst.Upper, inst.Work} {
		if live {
			m.live[filepath.Base(dir)] = true
		} else {
			delete(m.live, filepath.Base(dir))
		}
	}
}

func (m *Manager) isLive(base string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live[base]
}

func (m *Manager) log() logrus.FieldLogger {
	return logging.Ensure(m.Logger)
}
