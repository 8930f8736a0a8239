//go:build linux
// +build linux

package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"trimorph/internal/daemon"
	"trimorph/internal/logging"
	"trimorph/internal/paths"
	"trimorph/internal/settings"
)

type result struct {
	code   int
	stdout string
	stderr string
}

func trimorph(t *testing.T, root string, args ...string) result {
	t.Helper()
	var out, errOut bytes.Buffer
	argv := append([]string{"--root", root, "--log-level", "error"}, args...)
	code := run(context.Background(), argv, &out, &errOut)
	return result{code: code, stdout: out.String(), stderr: errOut.String()}
}

// newRoot lays out a relocated tree with one arch jail.
func newRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	layout := paths.New(root)
	if err := os.MkdirAll(filepath.Join(layout.BaseDir, "arch"), 0755); err != nil {
		t.Fatalf("mkdir base: %v", err)
	}
	if err := os.MkdirAll(layout.JailsDir, 0755); err != nil {
		t.Fatalf("mkdir jails.d: %v", err)
	}
	conf := "name = arch\nroot = arch\npkgmgr = pacman\nbootstrap = /bin/true\n"
	if err := os.WriteFile(filepath.Join(layout.JailsDir, "arch.conf"), []byte(conf), 0644); err != nil {
		t.Fatalf("write descriptor: %v", err)
	}
	return root
}

func TestListShowsStoppedJail(t *testing.T) {
	root := newRoot(t)

	r := trimorph(t, root, "list")
	if r.code != 0 {
		t.Fatalf("list exit %d: %s", r.code, r.stderr)
	}
	if r.stdout != "arch (pacman) - Status: STOPPED\n" {
		t.Fatalf("list output = %q", r.stdout)
	}
}

func TestStartIsRecordedAcrossInvocations(t *testing.T) {
	root := newRoot(t)

	if r := trimorph(t, root, "start", "arch"); r.code != 0 {
		t.Fatalf("start exit %d: %s", r.code, r.stderr)
	}
	if r := trimorph(t, root, "list"); !strings.Contains(r.stdout, "Status: RUNNING") {
		t.Fatalf("list after start = %q", r.stdout)
	}

	r := trimorph(t, root, "start", "arch")
	if r.code != 1 {
		t.Fatalf("second start exit %d, want 1", r.code)
	}
	if !strings.Contains(r.stderr, "already running") {
		t.Fatalf("second start stderr = %q", r.stderr)
	}
	if r := trimorph(t, root, "list"); !strings.Contains(r.stdout, "Status: RUNNING") {
		t.Fatalf("list after failed start = %q", r.stdout)
	}

	if r := trimorph(t, root, "stop", "arch"); r.code != 0 {
		t.Fatalf("stop exit %d: %s", r.code, r.stderr)
	}
	if r := trimorph(t, root, "list"); !strings.Contains(r.stdout, "Status: STOPPED") {
		t.Fatalf("list after stop = %q", r.stdout)
	}
}

func TestStartUnknownJail(t *testing.T) {
	r := trimorph(t, newRoot(t), "start", "gentoo")
	if r.code != 1 || !strings.Contains(r.stderr, "jail not found") {
		t.Fatalf("start gentoo = %+v", r)
	}
}

func TestInstallLocalUnsupportedFormat(t *testing.T) {
	r := trimorph(t, newRoot(t), "install-local", "/tmp/foo.unknown")
	if r.code == 0 {
		t.Fatalf("install-local succeeded on an unknown format")
	}
	if r.stderr != "Unsupported package format: .unknown\n" {
		t.Fatalf("stderr = %q", r.stderr)
	}
}

func TestStatusNeedsDaemon(t *testing.T) {
	r := trimorph(t, newRoot(t), "status")
	if r.code != 1 || !strings.Contains(r.stderr, "daemon is not running") {
		t.Fatalf("status without daemon = %+v", r)
	}
}

func TestReloadNeedsDaemon(t *testing.T) {
	r := trimorph(t, newRoot(t), "reload")
	if r.code != 1 || !strings.Contains(r.stderr, "daemon is not running") {
		t.Fatalf("reload without daemon = %+v", r)
	}
}

func TestReloadThroughDaemon(t *testing.T) {
	root := newRoot(t)
	layout := paths.New(root)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- daemon.Run(ctx, layout, settings.Default(), logging.Discard()) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("daemon.Run: %v", err)
		}
	}()

	wait, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := daemon.NewClient(layout.Socket()).WaitReady(wait, 20*time.Millisecond); err != nil {
		t.Fatalf("daemon not ready: %v", err)
	}

	r := trimorph(t, root, "reload")
	if r.code != 0 || r.stdout != "Reloaded 1 jail descriptors\n" {
		t.Fatalf("reload = %+v", r)
	}
}

func TestExecThroughDaemonNeedsDaemon(t *testing.T) {
	t.Cleanup(func() { execDaemon, execTTY = false, false })
	root := newRoot(t)

	r := trimorph(t, root, "exec", "--daemon", "arch", "/bin/true")
	if r.code != 1 || !strings.Contains(r.stderr, "daemon is not running") {
		t.Fatalf("exec --daemon without daemon = %+v", r)
	}
	r = trimorph(t, root, "exec", "-d", "-t", "arch", "/bin/true")
	if r.code != 1 || !strings.Contains(r.stderr, "--tty cannot be combined") {
		t.Fatalf("exec -d -t = %+v", r)
	}
}

func TestSupportedFormats(t *testing.T) {
	r := trimorph(t, newRoot(t), "supported-formats")
	if r.code != 0 {
		t.Fatalf("supported-formats exit %d: %s", r.code, r.stderr)
	}
	for _, want := range []string{".pkg.tar.zst", ".deb", "pacman -U --noconfirm {path}", "apt-get check"} {
		if !strings.Contains(r.stdout, want) {
			t.Fatalf("supported-formats output lacks %q:\n%s", want, r.stdout)
		}
	}
}

func TestSetupAutoUpdateStaysUnderRoot(t *testing.T) {
	root := newRoot(t)
	r := trimorph(t, root, "setup-auto-update")
	if r.code != 0 {
		t.Fatalf("setup-auto-update exit %d: %s", r.code, r.stderr)
	}
	data, err := os.ReadFile(filepath.Join(root, "etc", "cron.d", "trimorph-auto-update"))
	if err != nil {
		t.Fatalf("read cron file: %v", err)
	}
	if !strings.HasPrefix(string(data), "# Trimorph auto-update cron job\n") {
		t.Fatalf("cron file = %q", data)
	}
}

func TestExitWith(t *testing.T) {
	if err := exitWith(0); err != nil {
		t.Fatalf("exitWith(0) = %v", err)
	}
	err := exitWith(3)
	if e, ok := err.(*ExitError); !ok || e.Code != 3 {
		t.Fatalf("exitWith(3) = %v", err)
	}
	if e, ok := exitWith(-1).(*ExitError); !ok || e.Code != 1 {
		t.Fatalf("exitWith(-1) should map to 1")
	}
}
