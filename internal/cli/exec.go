package cli

import (
	"errors"
	"fmt"

	terrors "trimorph/pkg/errors"

	"github.com/spf13/cobra"
)

var (
	// exec command flags
	execTTY    bool
	execDaemon bool
)

var execCmd = &cobra.Command{
	Use:   "exec [OPTIONS] JAIL COMMAND [ARG...]",
	Short: "Run a command inside a jail",
	Long: `Run a command inside a jail on a fresh overlay of its root.

An absolute COMMAND, or the jail's package manager itself, runs as given.
Anything else is passed as arguments to the package manager, after the
descriptor's pkgmgr_args. The exit code is the command's.

With --daemon the command runs inside the daemon instead; its output is
appended to the jail's log file rather than shown here.

Examples:
  trimorph exec arch -Syu
  trimorph exec arch /bin/ls /etc
  trimorph exec -t debian /bin/bash
  trimorph exec -d arch -Sy`,
	Args: cobra.MinimumNArgs(2),
	RunE: execInJail,
}

func init() {
	execCmd.Flags().BoolVarP(&execTTY, "tty", "t", false, "attach the command to a pseudo-terminal")
	execCmd.Flags().BoolVarP(&execDaemon, "daemon", "d", false, "run the command through the daemon")
	// everything after JAIL belongs to the jail command
	execCmd.Flags().SetInterspersed(false)
}

func execInJail(cmd *cobra.Command, args []string) error {
	e, err := newEnv(cmd)
	if err != nil {
		return err
	}
	if execDaemon {
		return execViaDaemon(e, args)
	}
	m, err := e.jails()
	if err != nil {
		return err
	}

	stdio := e.stdio(cmd)
	stdio.TTY = execTTY
	code, err := m.Exec(cmd.Context(), args[0], args[1:], stdio)
	if err != nil {
		return err
	}
	return exitWith(code)
}

func execViaDaemon(e *env, args []string) error {
	if execTTY {
		return errors.New("--tty cannot be combined with --daemon")
	}
	c := e.daemon()
	if c == nil {
		return fmt.Errorf("%w: start it with 'trimorph daemon'", terrors.ErrDaemonNotRunning)
	}
	code, err := c.Execute(args[0], args[1:])
	if err != nil {
		return err
	}
	return exitWith(code)
}
