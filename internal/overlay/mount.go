//go:build linux
// +build linux

package overlay

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	terrors "trimorph/pkg/errors"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

func hostSyscalls() syscalls {
	return syscalls{
		mount:     unix.Mount,
		unmount:   unix.Unmount,
		isMounted: isMounted,
	}
}

func currentPid() int { return os.Getpid() }

// Mount creates a fresh upper and work directory for jail and mounts
// lowerdir=lower,upperdir=<upper>,workdir=<work> on the jail's mount point.
// On failure nothing is left behind.
func (m *Manager) Mount(jail, lower string) (*Instance, error) {
	if strings.ContainsAny(lower, ",:") {
		return nil, fmt.Errorf("%w: lower directory %q contains ',' or ':'", terrors.ErrMount, lower)
	}
	if _, err := os.Stat(lower); err != nil {
		return nil, fmt.Errorf("%w: lower directory not accessible: %v", terrors.ErrMount, err)
	}

	inst := m.newInstance(jail, lower)
	m.track(inst, true)

	fail := func(err error) (*Instance, error) {
		_ = os.RemoveAll(inst.Upper)
		_ = os.RemoveAll(inst.Work)
		m.track(inst, false)
		return nil, fmt.Errorf("%w: %v", terrors.ErrMount, err)
	}

	for _, dir := range []string{inst.Upper, inst.Work, inst.MountPoint} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fail(fmt.Errorf("create %s: %w", dir, err))
		}
	}

	options := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", inst.Lower, inst.Upper, inst.Work)
	if err := m.sys.mount("overlay", inst.MountPoint, "overlay", 0, options); err != nil {
		return fail(fmt.Errorf("mount overlay on %s: %w (options: %s)", inst.MountPoint, err, options))
	}

	m.log().WithFields(logrus.Fields{"jail": jail, "upper": inst.Upper}).Debug("overlay mounted")
	return inst, nil
}

// Unmount tears an instance down: unmount (one retry on EBUSY, then a lazy
// detach), then remove the upper and work trees. Every step runs even if an
// earlier one failed; failures are logged and returned joined so callers can
// report them without letting them replace the primary result.
func (m *Manager) Unmount(inst *Instance) error {
	if inst == nil {
		return nil
	}
	defer m.track(inst, false)
	log := m.log().WithField("jail", inst.Jail)

	var errs []error
	if m.sys.isMounted(inst.MountPoint) {
		if err := m.unmountWithRetry(inst.MountPoint); err != nil {
			log.WithError(err).Warn("overlay unmount failed")
			errs = append(errs, err)
		}
	}

	for _, dir := range []string{inst.Upper, inst.Work} {
		if err := os.RemoveAll(dir); err != nil {
			log.WithError(err).WithField("dir", dir).Warn("remove overlay scratch directory")
			errs = append(errs, err)
		}
	}

	// the mount point is recreated on the next mount; drop it while empty
	if !m.sys.isMounted(inst.MountPoint) {
		_ = os.Remove(inst.MountPoint)
	}

	return errors.Join(errs...)
}

func (m *Manager) unmountWithRetry(target string) error {
	err := m.sys.unmount(target, 0)
	if err == nil {
		return nil
	}
	if !errors.Is(err, unix.EBUSY) {
		return fmt.Errorf("unmount %s: %w", target, err)
	}

	time.Sleep(m.RetryDelay)
	if err = m.sys.unmount(target, 0); err == nil {
		return nil
	}
	if !errors.Is(err, unix.EBUSY) {
		return fmt.Errorf("unmount %s: %w", target, err)
	}

	m.log().WithField("mountpoint", target).Warn("mount point still busy, detaching lazily")
	if err := m.sys.unmount(target, unix.MNT_DETACH); err != nil {
		return fmt.Errorf("lazy unmount %s: %w", target, err)
	}
	return nil
}

// GC removes upper and work directories left behind by crashed executions,
// unmounting the overlay a crashed process left on the jail's mount point
// first. A directory is kept when it belongs to one of this manager's live
// instances or to another process that is still alive; the mount point of
// a jail with such a directory is left alone.
func (m *Manager) GC(alive func(pid int) bool) ([]string, error) {
	entries, err := os.ReadDir(m.RuntimeDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read runtime directory: %w", err)
	}

	type stale struct {
		path string
		jail string
	}
	var candidates []stale
	busy := make(map[string]bool)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		sd, ok := ParseScratchName(entry.Name())
		if !ok {
			continue
		}
		if m.isLive(entry.Name()) || (sd.Pid != m.pid && alive != nil && alive(sd.Pid)) {
			busy[sd.Jail] = true
			continue
		}
		candidates = append(candidates, stale{path: filepath.Join(m.RuntimeDir, entry.Name()), jail: sd.Jail})
	}

	var removed []string
	var errs []error
	unmounted := make(map[string]bool)
	for _, c := range candidates {
		if !busy[c.jail] && !unmounted[c.jail] {
			unmounted[c.jail] = true
			if err := m.unmountStale(m.MountPoint(c.jail)); err != nil {
				errs = append(errs, err)
			}
		}
		if err := os.RemoveAll(c.path); err != nil {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, c.path)
	}

	if len(removed) > 0 {
		m.log().WithField("count", len(removed)).Info("removed stale overlay directories")
	}
	return removed, errors.Join(errs...)
}

// maxStaleLayers bounds how many stacked overlays GC pops off one mount point.
const maxStaleLayers = 16

func (m *Manager) unmountStale(mountPoint string) error {
	for i := 0; m.sys.isMounted(mountPoint); i++ {
		if i == maxStaleLayers {
			return fmt.Errorf("%s: still mounted after %d unmounts", mountPoint, maxStaleLayers)
		}
		if err := m.unmountWithRetry(mountPoint); err != nil {
			return err
		}
		m.log().WithField("mountpoint", mountPoint).Info("unmounted stale overlay")
	}
	_ = os.Remove(mountPoint)
	return nil
}

// isMounted reports whether path is a mount point by comparing its device
// with its parent's.
func isMounted(path string) bool {
	var st, parent unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return false
	}
	if err := unix.Stat(filepath.Dir(path), &parent); err != nil {
		return false
	}
	return st.Dev != parent.Dev
}
