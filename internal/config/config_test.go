package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"trimorph/internal/logging"
	terrors "trimorph/pkg/errors"
)

type fixture struct {
	jails string
	base  string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	root := t.TempDir()
	f := fixture{jails: filepath.Join(root, "jails.d"), base: filepath.Join(root, "base")}
	for _, dir := range []string{f.jails, filepath.Join(f.base, "arch"), filepath.Join(f.base, "debian")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatalf("mkdir %s: %v", dir, err)
		}
	}
	return f
}

func (f fixture) write(t *testing.T, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(f.jails, name), []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func (f fixture) loader() *Loader {
	return &Loader{Dir: f.jails, BaseDir: f.base, Logger: logging.Discard()}
}

func TestParseDescriptorFullFile(t *testing.T) {
	input := `# Arch jail
name = arch
root=/usr/local/trimorph/base/arch
  pkgmgr   =   pacman
pkgmgr_args = --noconfirm --needed
bootstrap = /bin/true   # trailing comment
mounts = /home:/home, /var/cache/pacman:/var/cache/pacman:ro
env = LANG=C.UTF-8,EDITOR=vi
network = private
color = yes
`
	d, warnings, err := ParseDescriptor(strings.NewReader(input), "arch.conf", "/base")
	if err != nil {
		t.Fatalf("ParseDescriptor: %v", err)
	}

	want := Descriptor{
		Name:       "arch",
		Root:       "/usr/local/trimorph/base/arch",
		Pkgmgr:     "pacman",
		PkgmgrArgs: []string{"--noconfirm", "--needed"},
		Bootstrap:  "/bin/true",
		Mounts: []Mount{
			{Source: "/home", Target: "/home"},
			{Source: "/var/cache/pacman", Target: "/var/cache/pacman", ReadOnly: true},
		},
		Env:     []string{"LANG=C.UTF-8", "EDITOR=vi"},
		Network: NetworkPrivate,
		File:    "arch.conf",
	}
	if !reflect.DeepEqual(d, want) {
		t.Fatalf("descriptor mismatch\n got: %+v\nwant: %+v", d, want)
	}
	if len(warnings) != 1 || !strings.Contains(warnings[0], `"color"`) {
		t.Fatalf("expected one unknown-key warning, got %v", warnings)
	}
}

func TestParseDescriptorDuplicateKeyOverwrites(t *testing.T) {
	input := "name = first\nname = second\nroot = /r\npkgmgr = apk\n"
	d, _, err := ParseDescriptor(strings.NewReader(input), "x.conf", "/base")
	if err != nil {
		t.Fatalf("ParseDescriptor: %v", err)
	}
	if d.Name != "second" {
		t.Fatalf("Name = %q, want the later value", d.Name)
	}
}

func TestParseDescriptorRelativeRoot(t *testing.T) {
	d, _, err := ParseDescriptor(strings.NewReader("name=a\nroot=alpine\npkgmgr=apk\n"), "a.conf", "/usr/local/trimorph/base")
	if err != nil {
		t.Fatalf("ParseDescriptor: %v", err)
	}
	if d.Root != "/usr/local/trimorph/base/alpine" {
		t.Fatalf("Root = %s", d.Root)
	}
	if d.Network != NetworkHost {
		t.Fatalf("default network = %s", d.Network)
	}
}

func TestParseDescriptorSkipsLineWithoutSeparator(t *testing.T) {
	input := "name=a\njunk\nroot=/r\npkgmgr=apk\n"
	d, warnings, err := ParseDescriptor(strings.NewReader(input), "x.conf", "/base")
	if err != nil {
		t.Fatalf("ParseDescriptor: %v", err)
	}
	if d.Name != "a" || d.Root != "/r" || d.Pkgmgr != "apk" {
		t.Fatalf("descriptor = %+v", d)
	}
	if len(warnings) != 1 || !strings.Contains(warnings[0], "line 2") {
		t.Fatalf("expected one warning for line 2, got %v", warnings)
	}
}

func TestParseDescriptorRejects(t *testing.T) {
	cases := map[string]string{
		"missing name":    "root=/r\npkgmgr=apk\n",
		"missing root":    "name=a\npkgmgr=apk\n",
		"missing pkgmgr":  "name=a\nroot=/r\n",
		"empty pkgmgr":    "name=a\nroot=/r\npkgmgr=\n",
		"bad name":        "name=a b\nroot=/r\npkgmgr=apk\n",
		"slash in name":   "name=../etc\nroot=/r\npkgmgr=apk\n",
		"relative mount":  "name=a\nroot=/r\npkgmgr=apk\nmounts=home:/home\n",
		"bad mount opt":   "name=a\nroot=/r\npkgmgr=apk\nmounts=/a:/b:rx\n",
		"bad env":         "name=a\nroot=/r\npkgmgr=apk\nenv=NOVALUE\n",
		"bad network":     "name=a\nroot=/r\npkgmgr=apk\nnetwork=bridge\n",
		"empty key":       "name=a\nroot=/r\npkgmgr=apk\n= value\n",
		"mount too many":  "name=a\nroot=/r\npkgmgr=apk\nmounts=/a:/b:ro:x\n",
		"bad env key":     "name=a\nroot=/r\npkgmgr=apk\nenv=1X=2\n",
		"whitespace name": "name =   \nroot=/r\npkgmgr=apk\n",
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := ParseDescriptor(strings.NewReader(input), "x.conf", "/base")
			if !errors.Is(err, terrors.ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestLoaderLoadsValidAndSkipsBroken(t *testing.T) {
	f := newFixture(t)
	f.write(t, "arch.conf", "name = arch\nroot = "+filepath.Join(f.base, "arch")+"\npkgmgr = pacman\nbootstrap = /bin/true\n")
	f.write(t, "debian.conf", "name = debian\nroot = debian\npkgmgr = apt\n")
	f.write(t, "broken.conf", "name = broken\npkgmgr = apt\n")
	f.write(t, "noroot.conf", "name = ghost\nroot = /does/not/exist\npkgmgr = apt\n")
	f.write(t, "README", "name = ignored\n")
	if err := os.Mkdir(filepath.Join(f.jails, "dir.conf"), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	set, problems, err := f.loader().Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := set.Names(); !reflect.DeepEqual(got, []string{"arch", "debian"}) {
		t.Fatalf("Names = %v", got)
	}
	if len(problems) != 2 {
		t.Fatalf("expected 2 problems, got %v", problems)
	}

	arch, ok := set.Get("arch")
	if !ok || arch.Pkgmgr != "pacman" || arch.Bootstrap != "/bin/true" {
		t.Fatalf("arch = %+v", arch)
	}
}

func TestLoaderRejectsDuplicateNames(t *testing.T) {
	f := newFixture(t)
	f.write(t, "a.conf", "name = arch\nroot = arch\npkgmgr = pacman\n")
	f.write(t, "b.conf", "name = arch\nroot = debian\npkgmgr = apt\n")

	set, problems, err := f.loader().Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if set.Len() != 1 {
		t.Fatalf("expected one descriptor, got %d", set.Len())
	}
	d, _ := set.Get("arch")
	if d.Pkgmgr != "pacman" {
		t.Fatalf("the first file in name order should win, got %s", d.Pkgmgr)
	}
	if len(problems) != 1 || !strings.Contains(problems[0].Error(), "duplicate name") {
		t.Fatalf("problems = %v", problems)
	}
}

func TestLoaderRejectsReservedNames(t *testing.T) {
	f := newFixture(t)
	f.write(t, "sock.conf", "name = trimorph.sock\nroot = arch\npkgmgr = pacman\n")
	f.write(t, "hidden.conf", "name = .locks\nroot = arch\npkgmgr = pacman\n")

	set, problems, err := f.loader().Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if set.Len() != 0 || len(problems) != 2 {
		t.Fatalf("reserved names loaded: %v, problems %v", set.Names(), problems)
	}
}

func TestLoaderMissingDirectory(t *testing.T) {
	l := &Loader{Dir: filepath.Join(t.TempDir(), "nope"), Logger: logging.Discard()}
	set, problems, err := l.Load()
	if err != nil || set.Len() != 0 || problems != nil {
		t.Fatalf("Load = %v, %v, %v", set.Names(), problems, err)
	}
}

func TestLoaderIsRepeatable(t *testing.T) {
	f := newFixture(t)
	f.write(t, "arch.conf", "name = arch\nroot = arch\npkgmgr = pacman\n")
	l := f.loader()

	first, _, err := l.Load()
	if err != nil {
		t.Fatalf("first Load: %v", err)
	}
	f.write(t, "debian.conf", "name = debian\nroot = debian\npkgmgr = apt\n")
	second, _, err := l.Load()
	if err != nil {
		t.Fatalf("second Load: %v", err)
	}

	if first.Len() != 1 || second.Len() != 2 {
		t.Fatalf("first=%v second=%v", first.Names(), second.Names())
	}
}

func TestWatcherSignalsDescriptorChanges(t *testing.T) {
	f := newFixture(t)
	w, err := NewWatcher(f.jails, logging.Discard())
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	w.debounce = 200 * time.Millisecond

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	f.write(t, "notes.txt", "ignored")
	f.write(t, "arch.conf", "name = arch\n")
	f.write(t, "arch.conf", "name = arch\nroot = arch\n")

	select {
	case <-w.Changes():
	case <-time.After(5 * time.Second):
		t.Fatalf("no change notification")
	}

	select {
	case <-w.Changes():
		t.Fatalf("burst should be coalesced into one notification")
	case <-time.After(100 * time.Millisecond):
	}
}
