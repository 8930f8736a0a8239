package jail

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"trimorph/internal/config"
	"trimorph/internal/overlay"
	"trimorph/internal/probe"
	"trimorph/internal/settings"
	"trimorph/pkg/envutil"
	terrors "trimorph/pkg/errors"
)

func TestNspawnCommand(t *testing.T) {
	d := config.Descriptor{
		Name: "deb",
		Env:  []string{"LANG=C", "DEBIAN_FRONTEND=noninteractive"},
		Mounts: []config.Mount{
			{Source: "/var/cache/apt", Target: "/var/cache/apt"},
			{Source: "/etc/resolv.conf", Target: "/etc/resolv.conf", ReadOnly: true},
		},
		Network: config.NetworkPrivate,
	}
	inst := &overlay.Instance{MountPoint: "/var/lib/trimorph/deb"}

	cmd, err := Nspawn{}.Command(d, inst, []string{"apt", "update"})
	if err != nil {
		t.Fatalf("Command: %v", err)
	}
	want := []string{
		"systemd-nspawn", "--quiet", "--directory=/var/lib/trimorph/deb",
		"--setenv=LANG=C", "--setenv=DEBIAN_FRONTEND=noninteractive",
		"--bind=/var/cache/apt:/var/cache/apt",
		"--bind-ro=/etc/resolv.conf:/etc/resolv.conf",
		"--private-network",
		"--", "apt", "update",
	}
	if !reflect.DeepEqual(cmd.Argv, want) {
		t.Fatalf("argv = %v\nwant %v", cmd.Argv, want)
	}

	if _, err := (Nspawn{}).Command(d, inst, nil); !errors.Is(err, terrors.ErrBadRequest) {
		t.Fatalf("empty argv: %v", err)
	}
}

func TestNspawnKeepsArgumentsIntact(t *testing.T) {
	inst := &overlay.Instance{MountPoint: "/mp"}
	argv := []string{"/bin/echo", "a b", "$(rm -rf /)", "; ls"}
	cmd, err := Nspawn{}.Command(config.Descriptor{}, inst, argv)
	if err != nil {
		t.Fatalf("Command: %v", err)
	}
	tail := cmd.Argv[len(cmd.Argv)-len(argv):]
	if !reflect.DeepEqual(tail, argv) {
		t.Fatalf("arguments rewritten: %v", tail)
	}
}

func TestChrootCommand(t *testing.T) {
	d := config.Descriptor{
		Env:     []string{"LANG=C"},
		Mounts:  []config.Mount{{Source: "/srv", Target: "/srv", ReadOnly: true}},
		Network: config.NetworkHost,
	}
	inst := &overlay.Instance{MountPoint: "/var/lib/trimorph/arch"}

	cmd, err := Chroot{Self: "/usr/local/bin/trimorph"}.Command(d, inst, []string{"pacman", "-Q"})
	if err != nil {
		t.Fatalf("Command: %v", err)
	}
	if !reflect.DeepEqual(cmd.Argv, []string{"/usr/local/bin/trimorph"}) {
		t.Fatalf("argv = %v", cmd.Argv)
	}
	if v, _ := envutil.Lookup(cmd.Env, envutil.JailInitEnvVar); v != "1" {
		t.Fatalf("%s = %q", envutil.JailInitEnvVar, v)
	}

	cfg, err := decodeInitConfig(cmd.Env)
	if err != nil {
		t.Fatalf("decodeInitConfig: %v", err)
	}
	want := InitConfig{
		Root:    "/var/lib/trimorph/arch",
		Argv:    []string{"pacman", "-Q"},
		Env:     []string{"LANG=C"},
		Mounts:  d.Mounts,
		Network: config.NetworkHost,
	}
	if !reflect.DeepEqual(cfg, want) {
		t.Fatalf("config = %+v\nwant %+v", cfg, want)
	}
}

func TestDecodeInitConfigRejectsIncomplete(t *testing.T) {
	if _, err := decodeInitConfig(nil); err == nil {
		t.Fatalf("missing config should fail")
	}
	data, _ := json.Marshal(InitConfig{Root: "/mp"})
	if _, err := decodeInitConfig([]string{envutil.JailConfigEnvVar + "=" + string(data)}); err == nil {
		t.Fatalf("config without argv should fail")
	}
}

func TestSelectBackend(t *testing.T) {
	withNspawn := probe.Static{Tools: map[string]bool{probe.Nspawn: true}}
	without := probe.Static{}

	tests := []struct {
		kind    settings.Backend
		p       probe.Probe
		want    string
		wantErr error
	}{
		{settings.BackendAuto, withNspawn, "nspawn", nil},
		{settings.BackendAuto, without, "chroot", nil},
		{"", without, "chroot", nil},
		{settings.BackendChroot, withNspawn, "chroot", nil},
		{settings.BackendNspawn, withNspawn, "nspawn", nil},
		{settings.BackendNspawn, without, "", terrors.ErrToolMissing},
		{"docker", withNspawn, "", terrors.ErrInvalidConfig},
	}
	for _, tt := range tests {
		b, err := SelectBackend(tt.kind, tt.p)
		if tt.wantErr != nil {
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("SelectBackend(%q): err = %v, want %v", tt.kind, err, tt.wantErr)
			}
			continue
		}
		if err != nil || b.Name() != tt.want {
			t.Errorf("SelectBackend(%q) = %v, %v; want %s", tt.kind, b, err, tt.want)
		}
	}
}
