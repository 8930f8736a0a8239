package cli

import (
	"errors"
	"fmt"

	"trimorph/internal/format"
	"trimorph/internal/installer"
	"trimorph/internal/probe"
	"trimorph/internal/proc"
	"trimorph/internal/updater"

	"github.com/spf13/cobra"
)

var installLocalCmd = &cobra.Command{
	Use:   "install-local PATH",
	Short: "Install a local package file with the host's package manager",
	Long: `Install a local package file. The format is chosen from the file
extension (.deb, .rpm, .pkg.tar.zst, .pkg.tar.xz, .pkg.tar.gz, .apk, .tbz)
and the matching native package manager is invoked directly.

The install is refused while another package manager is running.`,
	Args: cobra.ExactArgs(1),
	RunE: installLocal,
}

var installCmd = &cobra.Command{
	Use:   "install JAIL PACKAGE [PACKAGE...]",
	Short: "Install packages inside a jail with its own package manager",
	Args:  cobra.MinimumNArgs(2),
	RunE:  installInJail,
}

var runCmd = &cobra.Command{
	Use:   "run PKGMGR [ARG...]",
	Short: "Run a host package manager under trimorph's lock",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runHostPM,
}

func init() {
	runCmd.Flags().SetInterspersed(false)
	installCmd.Flags().SetInterspersed(false)
}

func (e *env) installer(cmd *cobra.Command) *installer.Installer {
	return &installer.Installer{
		Registry: format.Default,
		Probe:    probe.NewHost(),
		Runner:   proc.ExecRunner{},
		LockPath: e.layout.HostPMLock(),
		Audit:    installer.NewAuditLog(e.layout.InstallLog()),
		Logger:   e.log,
		Stdin:    cmd.InOrStdin(),
		Stdout:   e.stdout,
		Stderr:   e.stderr,
	}
}

func installLocal(cmd *cobra.Command, args []string) error {
	e, err := newEnv(cmd)
	if err != nil {
		return err
	}
	code, err := e.installer(cmd).InstallLocal(cmd.Context(), args[0])
	if err != nil {
		var unsupported *format.UnsupportedError
		if errors.As(err, &unsupported) {
			fmt.Fprintln(e.stderr, unsupported.Error())
			return &ExitError{Code: 1}
		}
		return err
	}
	return exitWith(code)
}

func runHostPM(cmd *cobra.Command, args []string) error {
	e, err := newEnv(cmd)
	if err != nil {
		return err
	}
	code, err := e.installer(cmd).RunHostPM(cmd.Context(), args[0], args[1:])
	if err != nil {
		return err
	}
	return exitWith(code)
}

func installInJail(cmd *cobra.Command, args []string) error {
	e, err := newEnv(cmd)
	if err != nil {
		return err
	}
	m, err := e.jails()
	if err != nil {
		return err
	}
	u := &updater.Updater{Jails: m, IO: e.stdio(cmd), Logger: e.log}
	code, err := u.InstallInJail(cmd.Context(), args[0], args[1:])
	if err != nil {
		return err
	}
	return exitWith(code)
}
