package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"trimorph/internal/daemon"
	"trimorph/pkg/fileutil"

	"github.com/spf13/cobra"
)

var (
	// daemon command flags
	daemonForeground bool
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the trimorph daemon",
	Long: `Run trimorphd, which serializes jail operations received on
$RUNTIME/trimorph.sock. By default the daemon detaches from the terminal and
logs to /var/log/trimorph/trimorphd.log.

SIGHUP, or a change under jails.d, reloads the jail descriptors.
SIGINT or SIGTERM stop the daemon after the request in flight.`,
	Args: cobra.NoArgs,
	RunE: runDaemon,
}

func init() {
	daemonCmd.Flags().BoolVarP(&daemonForeground, "foreground", "f", false, "do not detach, log to stderr")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	e, err := newEnv(cmd)
	if err != nil {
		return err
	}

	if daemonForeground || daemon.IsChild() {
		return serveDaemon(cmd.Context(), e)
	}

	client := daemon.NewClient(e.layout.Socket())
	if client.Ping() == nil {
		return fmt.Errorf("daemon already listening on %s", e.layout.Socket())
	}
	pid, err := daemon.Daemonize(os.Args[1:])
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()
	if err := client.WaitReady(ctx, 100*time.Millisecond); err != nil {
		return fmt.Errorf("daemon (pid %d) did not come up, see %s: %w", pid, e.layout.DaemonLog(), err)
	}
	fmt.Fprintf(e.stdout, "Daemon started (pid %d)\n", pid)
	return nil
}

// serveDaemon runs the daemon in this process until it is signalled.
func serveDaemon(ctx context.Context, e *env) error {
	if daemon.IsChild() {
		daemon.EnterChild()
		if err := fileutil.EnsureParentDir(e.layout.DaemonLog(), 0755); err != nil {
			return err
		}
		f, err := os.OpenFile(e.layout.DaemonLog(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("open daemon log: %w", err)
		}
		defer f.Close()
		e.log.SetOutput(f)
	}

	pid := os.Getpid()
	if err := daemon.WritePidFile(e.layout.PidFile, pid); err != nil {
		return err
	}
	defer func() {
		if err := daemon.RemovePidFile(e.layout.PidFile, pid); err != nil {
			e.log.WithError(err).Warn("remove pid file")
		}
	}()

	e.log.WithField("pid", pid).Info("trimorphd starting")
	if err := daemon.Run(ctx, e.layout, e.settings, e.log); err != nil {
		e.log.WithError(err).Error("trimorphd failed")
		return err
	}
	e.log.Info("trimorphd stopped")
	return nil
}
