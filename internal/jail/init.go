//go:build linux
// +build linux

package jail

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"syscall"

	"trimorph/internal/config"
	"trimorph/internal/proc"
	"trimorph/pkg/envutil"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"
)

func namespaceAttr(network config.Network) *syscall.SysProcAttr {
	flags := uintptr(syscall.CLONE_NEWNS)
	if network == config.NetworkPrivate {
		flags |= syscall.CLONE_NEWNET
	}
	return &syscall.SysProcAttr{Cloneflags: flags}
}

// RunInit is the entry point of the chroot helper, selected by
// TRIMORPH_JAIL_INIT=1. It runs inside the fresh namespaces, prepares the
// root and replaces itself with the jail command. It never returns.
func RunInit() {
	// namespace and chroot state is per thread until exec
	runtime.LockOSThread()

	cfg, err := decodeInitConfig(os.Environ())
	if err != nil {
		fmt.Fprintf(os.Stderr, "jail init: %v\n", err)
		os.Exit(proc.ExitCannotRun)
	}

	if err := setupJailRoot(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "jail init: %v\n", err)
		os.Exit(proc.ExitCannotRun)
	}

	env := envutil.Merge(envutil.FilterInternal(os.Environ()), cfg.Env...)
	os.Exit(execJailCommand(cfg.Argv, env))
}

func setupJailRoot(cfg InitConfig) error {
	// keep every mount below private to this namespace
	if err := unix.Mount("", "/", "", unix.MS_PRIVATE|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("make mounts private: %w", err)
	}

	for _, m := range cfg.Mounts {
		if err := bindMount(cfg.Root, m); err != nil {
			return fmt.Errorf("bind %s: %w", m, err)
		}
	}

	systemMounts(cfg.Root)

	if cfg.Network == config.NetworkPrivate {
		if err := loopbackUp(); err != nil {
			return fmt.Errorf("private network: %w", err)
		}
	}

	if err := unix.Chroot(cfg.Root); err != nil {
		return fmt.Errorf("chroot %s: %w", cfg.Root, err)
	}
	if err := unix.Chdir("/"); err != nil {
		return fmt.Errorf("chdir to new root: %w", err)
	}
	return nil
}

// bindMount mounts m.Source onto root+m.Target. Read-only binds need a
// second remount pass; MS_RDONLY is ignored on the initial bind.
func bindMount(root string, m config.Mount) error {
	target := filepath.Join(root, m.Target)

	info, err := os.Stat(m.Source)
	if err != nil {
		return err
	}
	if info.IsDir() {
		if err := os.MkdirAll(target, 0755); err != nil {
			return err
		}
	} else {
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		f.Close()
	}

	if err := unix.Mount(m.Source, target, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return err
	}
	if m.ReadOnly {
		flags := uintptr(unix.MS_BIND | unix.MS_REMOUNT | unix.MS_RDONLY)
		if err := unix.Mount("", target, "", flags, ""); err != nil {
			return fmt.Errorf("remount read-only: %w", err)
		}
	}
	return nil
}

// systemMounts gives package managers a working /proc and /dev. Failures
// are warnings: a base root without these directories still runs.
func systemMounts(root string) {
	procDir := filepath.Join(root, "proc")
	if st, err := os.Stat(procDir); err == nil && st.IsDir() {
		flags := uintptr(unix.MS_NOSUID | unix.MS_NOEXEC | unix.MS_NODEV)
		if err := unix.Mount("proc", procDir, "proc", flags, ""); err != nil {
			fmt.Fprintf(os.Stderr, "warning: mount %s: %v\n", procDir, err)
		}
	}

	devDir := filepath.Join(root, "dev")
	if st, err := os.Stat(devDir); err == nil && st.IsDir() {
		if err := unix.Mount("/dev", devDir, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
			fmt.Fprintf(os.Stderr, "warning: bind %s: %v\n", devDir, err)
		}
	}
}

// loopbackUp brings lo up in the helper's (new) network namespace.
func loopbackUp() error {
	ns, err := netns.Get()
	if err != nil {
		return fmt.Errorf("get network namespace: %w", err)
	}
	defer ns.Close()

	h, err := netlink.NewHandleAt(ns)
	if err != nil {
		return fmt.Errorf("netlink handle: %w", err)
	}
	defer h.Close()

	lo, err := h.LinkByName("lo")
	if err != nil {
		return fmt.Errorf("find lo: %w", err)
	}
	if err := h.LinkSetUp(lo); err != nil {
		return fmt.Errorf("set lo up: %w", err)
	}
	return nil
}

// execJailCommand replaces the helper with argv. It only returns on
// failure, with a shell-style exit code.
func execJailCommand(argv []string, env []string) int {
	path := argv[0]
	if !filepath.IsAbs(path) {
		resolved, err := lookPath(path, env)
		if err != nil {
			fmt.Fprintf(os.Stderr, "jail init: %s: command not found\n", path)
			return proc.ExitNotFound
		}
		path = resolved
	}

	err := unix.Exec(path, argv, env)
	fmt.Fprintf(os.Stderr, "jail init: exec %s: %v\n", path, err)
	if errors.Is(err, unix.ENOENT) {
		return proc.ExitNotFound
	}
	return proc.ExitCannotRun
}

// lookPath searches the jail's PATH, which may differ from the host's.
func lookPath(name string, env []string) (string, error) {
	if p, ok := envutil.Lookup(env, "PATH"); ok && p != "" {
		os.Setenv("PATH", p)
	} else {
		os.Setenv("PATH", "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin")
	}
	return exec.LookPath(name)
}
