package jail

import (
	"fmt"

	"trimorph/internal/config"
	"trimorph/internal/overlay"
	"trimorph/internal/probe"
	"trimorph/internal/proc"
	"trimorph/internal/settings"
	terrors "trimorph/pkg/errors"
)

// Backend turns a jail command into a host process.
type Backend interface {
	Name() string
	// Command returns the process that runs argv with inst's mount point as
	// its root. Stdio is filled in by the caller.
	Command(d config.Descriptor, inst *overlay.Instance, argv []string) (proc.Command, error)
}

// Nspawn runs jail commands with systemd-nspawn.
type Nspawn struct {
	// Path is the nspawn binary; empty means look it up on PATH.
	Path string
}

func (n Nspawn) Name() string { return "nspawn" }

// Command builds
//
//	systemd-nspawn --quiet --directory=<mp> [--setenv=K=V...] [--bind=...] [--private-network] -- argv...
func (n Nspawn) Command(d config.Descriptor, inst *overlay.Instance, argv []string) (proc.Command, error) {
	if len(argv) == 0 {
		return proc.Command{}, fmt.Errorf("%w: empty command", terrors.ErrBadRequest)
	}
	bin := n.Path
	if bin == "" {
		bin = probe.Nspawn
	}

	args := []string{bin, "--quiet", "--directory=" + inst.MountPoint}
	for _, kv := range d.Env {
		args = append(args, "--setenv="+kv)
	}
	for _, mnt := range d.Mounts {
		flag := "--bind="
		if mnt.ReadOnly {
			flag = "--bind-ro="
		}
		args = append(args, flag+mnt.Source+":"+mnt.Target)
	}
	if d.Network == config.NetworkPrivate {
		args = append(args, "--private-network")
	}
	args = append(args, "--")
	args = append(args, argv...)

	return proc.Command{Argv: args}, nil
}

// SelectBackend picks the execution backend. Auto prefers systemd-nspawn
// when it is installed and falls back to the chroot helper.
func SelectBackend(kind settings.Backend, p probe.Probe) (Backend, error) {
	switch kind {
	case settings.BackendNspawn:
		if !p.HasTool(probe.Nspawn) {
			return nil, fmt.Errorf("%w: %s", terrors.ErrToolMissing, probe.Nspawn)
		}
		return Nspawn{}, nil
	case settings.BackendChroot:
		return NewChroot(), nil
	case settings.BackendAuto, "":
		if p.HasTool(probe.Nspawn) {
			return Nspawn{}, nil
		}
		return NewChroot(), nil
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", terrors.ErrInvalidConfig, kind)
	}
}
