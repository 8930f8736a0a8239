package jail

import (
	"context"
	"fmt"
	"path/filepath"

	"trimorph/internal/config"

	"github.com/sirupsen/logrus"
)

// CommandArgv builds the argv executed inside the jail. A command that is
// an absolute path, or that already names the jail's package manager, runs
// as given; anything else is treated as arguments to the package manager
// and gets pkgmgr and pkgmgr_args prepended.
func CommandArgv(d config.Descriptor, argv []string) []string {
	if len(argv) > 0 && (filepath.IsAbs(argv[0]) || argv[0] == d.Pkgmgr || argv[0] == filepath.Base(d.Pkgmgr)) {
		return append([]string(nil), argv...)
	}
	out := make([]string, 0, 1+len(d.PkgmgrArgs)+len(argv))
	out = append(out, d.Pkgmgr)
	out = append(out, d.PkgmgrArgs...)
	return append(out, argv...)
}

// Exec runs argv inside the named jail and returns the child's exit code.
//
// The overlay is mounted after the per-jail lock is taken and unmounted
// before it is released, on every path including a panic in the runner.
// Unmount failures are logged and never replace the child's result.
func (m *Manager) Exec(ctx context.Context, name string, argv []string, stdio IO) (code int, err error) {
	set := m.Descriptors()
	d, err := m.resolve(set, name)
	if err != nil {
		return -1, err
	}

	unlock, err := m.lockJail(d.Name)
	if err != nil {
		return -1, err
	}
	defer unlock()

	inst, err := m.Overlay.Mount(d.Name, d.Root)
	if err != nil {
		return -1, fmt.Errorf("materialize jail %s: %w", d.Name, err)
	}
	defer func() {
		if uerr := m.Overlay.Unmount(inst); uerr != nil {
			m.log().WithError(uerr).WithField("jail", d.Name).Warn("overlay cleanup incomplete")
		}
	}()

	full := CommandArgv(d, argv)
	cmd, err := m.Backend.Command(d, inst, full)
	if err != nil {
		return -1, err
	}
	cmd.Stdin = stdio.Stdin
	cmd.Stdout = stdio.Stdout
	cmd.Stderr = stdio.Stderr
	cmd.TTY = stdio.TTY
	cmd.Grace = m.Grace

	log := m.log().WithFields(logrus.Fields{"jail": d.Name, "argv": full, "backend": m.Backend.Name()})
	log.Debug("executing in jail")

	code, err = m.Runner.Run(ctx, cmd)
	if err != nil {
		return code, fmt.Errorf("run in jail %s: %w", d.Name, err)
	}
	log.WithField("exit_code", code).Debug("jail command finished")
	return code, nil
}
