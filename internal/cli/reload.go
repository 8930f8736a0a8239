package cli

import (
	"fmt"

	terrors "trimorph/pkg/errors"

	"github.com/spf13/cobra"
)

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Make the daemon re-read the jail descriptors",
	Long: `Ask the running daemon to reload every descriptor under the jails
directory. Jails whose descriptor disappeared keep their state but are
reported as stale.`,
	Args: cobra.NoArgs,
	RunE: reloadDaemon,
}

func reloadDaemon(cmd *cobra.Command, args []string) error {
	e, err := newEnv(cmd)
	if err != nil {
		return err
	}
	c := e.daemon()
	if c == nil {
		return fmt.Errorf("%w: start it with 'trimorph daemon'", terrors.ErrDaemonNotRunning)
	}
	n, err := c.Reload()
	if err != nil {
		return err
	}
	fmt.Fprintf(e.stdout, "Reloaded %d jail descriptors\n", n)
	return nil
}
