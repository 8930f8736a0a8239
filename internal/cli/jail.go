package cli

import (
	"fmt"

	"trimorph/internal/state"

	"github.com/spf13/cobra"
)

var startCmd = &cobra.Command{
	Use:   "start JAIL",
	Short: "Start a jail by running its bootstrap",
	Long: `Start a jail. The descriptor's bootstrap line runs through /bin/sh -c;
the jail is RUNNING once it exits 0.

Goes through the daemon when it is running, otherwise acts directly.`,
	Args: cobra.ExactArgs(1),
	RunE: startJail,
}

var stopCmd = &cobra.Command{
	Use:   "stop JAIL",
	Short: "Stop a running jail",
	Long: `Stop a jail: SIGTERM to the recorded pid, SIGKILL after the grace
period (stop_grace in trimorph.yaml, default 1s).`,
	Args: cobra.ExactArgs(1),
	RunE: stopJail,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List jails and their state",
	Args:  cobra.NoArgs,
	RunE:  listJails,
}

func startJail(cmd *cobra.Command, args []string) error {
	e, err := newEnv(cmd)
	if err != nil {
		return err
	}
	name := args[0]

	if c := e.daemon(); c != nil {
		if err := c.Start(name); err != nil {
			return err
		}
	} else {
		m, err := e.jails()
		if err != nil {
			return err
		}
		if err := m.Start(cmd.Context(), name, e.stdio(cmd)); err != nil {
			return err
		}
	}
	fmt.Fprintf(e.stdout, "Jail %s started\n", name)
	return nil
}

func stopJail(cmd *cobra.Command, args []string) error {
	e, err := newEnv(cmd)
	if err != nil {
		return err
	}
	name := args[0]

	if c := e.daemon(); c != nil {
		if err := c.Stop(name); err != nil {
			return err
		}
	} else {
		m, err := e.jails()
		if err != nil {
			return err
		}
		if err := m.Stop(cmd.Context(), name); err != nil {
			return err
		}
	}
	fmt.Fprintf(e.stdout, "Jail %s stopped\n", name)
	return nil
}

// listJails prints one "<name> (<pkgmgr>) - Status: <STATE>" line per jail.
func listJails(cmd *cobra.Command, args []string) error {
	e, err := newEnv(cmd)
	if err != nil {
		return err
	}

	if c := e.daemon(); c != nil {
		set, err := e.descriptors()
		if err != nil {
			return err
		}
		lines, err := c.Status("")
		if err != nil {
			return err
		}
		for _, l := range lines {
			pkgmgr := "?"
			if d, ok := set.Get(l.Name); ok {
				pkgmgr = d.Pkgmgr
			}
			printListLine(e, l.Name, pkgmgr, l.Status, l.Stale)
		}
		return nil
	}

	m, err := e.jails()
	if err != nil {
		return err
	}
	entries, err := m.Status("")
	if err != nil {
		return err
	}
	for _, en := range entries {
		printListLine(e, en.Name, en.Pkgmgr, en.Status, en.Stale)
	}
	return nil
}

func printListLine(e *env, name, pkgmgr string, status state.Status, stale bool) {
	if stale {
		fmt.Fprintf(e.stdout, "%s (%s) - Status: %s (stale)\n", name, pkgmgr, status)
		return
	}
	fmt.Fprintf(e.stdout, "%s (%s) - Status: %s\n", name, pkgmgr, status)
}
