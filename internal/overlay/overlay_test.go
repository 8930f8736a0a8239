//go:build linux
// +build linux

package overlay

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"trimorph/internal/logging"
	terrors "trimorph/pkg/errors"

	"golang.org/x/sys/unix"
)

// fakeKernel records mount calls and tracks which mount points are mounted.
type fakeKernel struct {
	mu          sync.Mutex
	mounted     map[string]bool
	options     []string
	unmounts    []int
	unmountErrs []error
	mountErr    error
}

func newFakeKernel() *fakeKernel {
	return &fakeKernel{mounted: make(map[string]bool)}
}

func (k *fakeKernel) syscalls() syscalls {
	return syscalls{
		mount: func(source, target, fstype string, flags uintptr, data string) error {
			k.mu.Lock()
			defer k.mu.Unlock()
			if k.mountErr != nil {
				return k.mountErr
			}
			k.mounted[target] = true
			k.options = append(k.options, data)
			return nil
		},
		unmount: func(target string, flags int) error {
			k.mu.Lock()
			defer k.mu.Unlock()
			k.unmounts = append(k.unmounts, flags)
			if len(k.unmountErrs) > 0 {
				err := k.unmountErrs[0]
				k.unmountErrs = k.unmountErrs[1:]
				if err != nil {
					return err
				}
			}
			delete(k.mounted, target)
			return nil
		},
		isMounted: func(path string) bool {
			k.mu.Lock()
			defer k.mu.Unlock()
			return k.mounted[path]
		},
	}
}

func newTestManager(t *testing.T, k *fakeKernel) (*Manager, string) {
	t.Helper()
	runtime := filepath.Join(t.TempDir(), "runtime")
	lower := filepath.Join(t.TempDir(), "base")
	if err := os.MkdirAll(lower, 0755); err != nil {
		t.Fatalf("mkdir lower: %v", err)
	}
	m := NewManager(runtime, logging.Discard())
	m.sys = k.syscalls()
	m.RetryDelay = 0
	return m, lower
}

func scratchDirs(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		t.Fatalf("read %s: %v", dir, err)
	}
	var out []string
	for _, e := range entries {
		if _, ok := ParseScratchName(e.Name()); ok {
			out = append(out, e.Name())
		}
	}
	return out
}

func TestMountBuildsOverlayOptions(t *testing.T) {
	k := newFakeKernel()
	m, lower := newTestManager(t, k)

	inst, err := m.Mount("arch", lower)
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}

	if inst.MountPoint != filepath.Join(m.RuntimeDir, "arch") {
		t.Fatalf("MountPoint = %s", inst.MountPoint)
	}
	wantPrefix := filepath.Join(m.RuntimeDir, "trimorph_arch_upper_")
	if !strings.HasPrefix(inst.Upper, wantPrefix) {
		t.Fatalf("Upper = %s, want prefix %s", inst.Upper, wantPrefix)
	}
	want := "lowerdir=" + lower + ",upperdir=" + inst.Upper + ",workdir=" + inst.Work
	if len(k.options) != 1 || k.options[0] != want {
		t.Fatalf("options = %q, want %q", k.options, want)
	}
	for _, dir := range []string{inst.Upper, inst.Work, inst.MountPoint} {
		if _, err := os.Stat(dir); err != nil {
			t.Fatalf("%s not created: %v", dir, err)
		}
	}
}

func TestMountNamesAreUnique(t *testing.T) {
	k := newFakeKernel()
	m, lower := newTestManager(t, k)

	seen := make(map[string]bool)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for n := 0; n < 16; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inst := m.newInstance("arch", lower)
			mu.Lock()
			defer mu.Unlock()
			if seen[inst.Upper] || seen[inst.Work] {
				t.Errorf("duplicate scratch path %s", inst.Upper)
			}
			seen[inst.Upper] = true
			seen[inst.Work] = true
		}()
	}
	wg.Wait()
}

func TestUnmountRemovesScratchDirs(t *testing.T) {
	k := newFakeKernel()
	m, lower := newTestManager(t, k)

	before := scratchDirs(t, m.RuntimeDir)
	inst, err := m.Mount("arch", lower)
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	if err := m.Unmount(inst); err != nil {
		t.Fatalf("Unmount: %v", err)
	}

	if after := scratchDirs(t, m.RuntimeDir); len(after) != len(before) {
		t.Fatalf("scratch dirs left behind: %v", after)
	}
	if k.mounted[inst.MountPoint] {
		t.Fatalf("mount point still mounted")
	}
	if len(k.unmounts) != 1 || k.unmounts[0] != 0 {
		t.Fatalf("unmount flags = %v", k.unmounts)
	}
}

func TestUnmountRetriesOnceThenDetaches(t *testing.T) {
	k := newFakeKernel()
	m, lower := newTestManager(t, k)
	inst, err := m.Mount("arch", lower)
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}

	k.unmountErrs = []error{unix.EBUSY, unix.EBUSY, nil}
	if err := m.Unmount(inst); err != nil {
		t.Fatalf("Unmount: %v", err)
	}

	want := []int{0, 0, unix.MNT_DETACH}
	if len(k.unmounts) != len(want) {
		t.Fatalf("unmount calls = %v, want %v", k.unmounts, want)
	}
	for n := range want {
		if k.unmounts[n] != want[n] {
			t.Fatalf("unmount calls = %v, want %v", k.unmounts, want)
		}
	}
}

func TestUnmountRetrySucceeds(t *testing.T) {
	k := newFakeKernel()
	m, lower := newTestManager(t, k)
	inst, _ := m.Mount("arch", lower)

	k.unmountErrs = []error{unix.EBUSY, nil}
	if err := m.Unmount(inst); err != nil {
		t.Fatalf("Unmount: %v", err)
	}
	if len(k.unmounts) != 2 {
		t.Fatalf("expected exactly one retry, got %v", k.unmounts)
	}
}

func TestUnmountFailureStillRemovesDirs(t *testing.T) {
	k := newFakeKernel()
	m, lower := newTestManager(t, k)
	inst, _ := m.Mount("arch", lower)

	k.unmountErrs = []error{unix.EINVAL}
	if err := m.Unmount(inst); err == nil {
		t.Fatalf("expected the unmount error to be reported")
	}
	if left := scratchDirs(t, m.RuntimeDir); len(left) != 0 {
		t.Fatalf("scratch dirs left behind: %v", left)
	}
}

func TestMountFailureCleansUp(t *testing.T) {
	k := newFakeKernel()
	k.mountErr = unix.EPERM
	m, lower := newTestManager(t, k)

	_, err := m.Mount("arch", lower)
	if !errors.Is(err, terrors.ErrMount) {
		t.Fatalf("expected ErrMount, got %v", err)
	}
	if left := scratchDirs(t, m.RuntimeDir); len(left) != 0 {
		t.Fatalf("scratch dirs left behind: %v", left)
	}
}

func TestMountRejectsBadLower(t *testing.T) {
	m, _ := newTestManager(t, newFakeKernel())
	if _, err := m.Mount("arch", "/tmp/a,b"); !errors.Is(err, terrors.ErrMount) {
		t.Fatalf("expected ErrMount for option separator, got %v", err)
	}
	if _, err := m.Mount("arch", filepath.Join(t.TempDir(), "missing")); !errors.Is(err, terrors.ErrMount) {
		t.Fatalf("expected ErrMount for missing lower, got %v", err)
	}
}

func TestGCRemovesOnlyStale(t *testing.T) {
	k := newFakeKernel()
	m, lower := newTestManager(t, k)

	live, err := m.Mount("arch", lower)
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}

	const deadPid, otherLivePid = 999999, 4242
	names := []string{
		scratchName("arch", "upper", deadPid, 1),
		scratchName("arch", "work", deadPid, 1),
		scratchName("my_jail", "upper", otherLivePid, 3),
		scratchName("debian", "upper", m.pid, 77), // this process, but not a live instance
		"arch",
		"unrelated_upper_dir",
	}
	for _, n := range names {
		if err := os.MkdirAll(filepath.Join(m.RuntimeDir, n), 0755); err != nil {
			t.Fatalf("mkdir %s: %v", n, err)
		}
	}

	removed, err := m.GC(func(pid int) bool { return pid == otherLivePid })
	if err != nil {
		t.Fatalf("GC: %v", err)
	}
	if len(removed) != 3 {
		t.Fatalf("removed = %v", removed)
	}

	for _, keep := range []string{filepath.Base(live.Upper), filepath.Base(live.Work), names[2], "arch", "unrelated_upper_dir"} {
		if _, err := os.Stat(filepath.Join(m.RuntimeDir, keep)); err != nil {
			t.Errorf("%s should have been kept: %v", keep, err)
		}
	}
}

func TestParseScratchName(t *testing.T) {
	sd, ok := ParseScratchName("trimorph_my_jail_work_123_9")
	if !ok {
		t.Fatalf("expected a match")
	}
	if sd.Jail != "my_jail" || sd.Kind != "work" || sd.Pid != 123 || sd.Counter != 9 {
		t.Fatalf("parsed = %+v", sd)
	}
	for _, bad := range []string{"trimorph.sock", "trimorph_arch_upper_x_1", "arch", "trimorph__upper_1_1"} {
		if _, ok := ParseScratchName(bad); ok {
			t.Errorf("%q should not parse", bad)
		}
	}
}

func TestGCUnmountsOverlayLeftByCrash(t *testing.T) {
	k := newFakeKernel()
	m, _ := newTestManager(t, k)

	const deadPid = 999999
	for _, kind := range []string{"upper", "work"} {
		if err := os.MkdirAll(filepath.Join(m.RuntimeDir, scratchName("arch", kind, deadPid, 1)), 0755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	mp := m.MountPoint("arch")
	if err := os.MkdirAll(mp, 0755); err != nil {
		t.Fatalf("mkdir mount point: %v", err)
	}
	k.mounted[mp] = true

	removed, err := m.GC(func(int) bool { return false })
	if err != nil {
		t.Fatalf("GC: %v", err)
	}
	if len(removed) != 2 {
		t.Fatalf("removed = %v", removed)
	}
	if k.mounted[mp] {
		t.Fatalf("stale overlay still mounted")
	}
	if len(k.unmounts) != 1 {
		t.Fatalf("unmounts = %v, want one", k.unmounts)
	}
	if _, err := os.Stat(mp); !os.IsNotExist(err) {
		t.Fatalf("mount point should be removed once unmounted")
	}
}

func TestGCLeavesMountOfActiveJail(t *testing.T) {
	k := newFakeKernel()
	m, _ := newTestManager(t, k)

	const deadPid, livePid = 999999, 4242
	for _, n := range []string{
		scratchName("arch", "upper", deadPid, 1),
		scratchName("arch", "upper", livePid, 2),
	} {
		if err := os.MkdirAll(filepath.Join(m.RuntimeDir, n), 0755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	mp := m.MountPoint("arch")
	k.mounted[mp] = true

	removed, err := m.GC(func(pid int) bool { return pid == livePid })
	if err != nil {
		t.Fatalf("GC: %v", err)
	}
	if len(removed) != 1 {
		t.Fatalf("removed = %v", removed)
	}
	if !k.mounted[mp] || len(k.unmounts) != 0 {
		t.Fatalf("mount of a jail in use by pid %d must be kept", livePid)
	}
}
