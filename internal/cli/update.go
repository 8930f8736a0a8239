package cli

import (
	"context"
	"fmt"
	"path/filepath"

	"trimorph/internal/settings"
	"trimorph/internal/updater"

	"github.com/spf13/cobra"
)

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Update the packages of every jail",
	Long: `Run each jail's native update sequence inside the jail, one jail at a
time (pacman -Syu, apt update && apt upgrade, dnf upgrade, ...). Jails with
an unrecognized package manager are skipped.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return updateJails(cmd, (*updater.Updater).CheckForUpdates)
	},
}

var autoUpdateCmd = &cobra.Command{
	Use:   "auto-update",
	Short: "Entry point for the scheduled update job",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return updateJails(cmd, (*updater.Updater).AutoUpdatePackages)
	},
}

var setupAutoUpdateCmd = &cobra.Command{
	Use:   "setup-auto-update",
	Short: "Install the daily cron entry for auto-update",
	Args:  cobra.NoArgs,
	RunE:  setupAutoUpdate,
}

func updateJails(cmd *cobra.Command, run func(*updater.Updater, context.Context) []updater.Result) error {
	e, err := newEnv(cmd)
	if err != nil {
		return err
	}
	m, err := e.jails()
	if err != nil {
		return err
	}

	u := &updater.Updater{Jails: m, IO: e.stdio(cmd), Logger: e.log}
	failed := 0
	for _, res := range run(u, cmd.Context()) {
		switch {
		case res.Skipped:
			fmt.Fprintf(e.stdout, "%s: skipped, unknown package manager\n", res.Jail)
		case res.Err != nil:
			failed++
			fmt.Fprintf(e.stdout, "%s: failed: %v\n", res.Jail, res.Err)
		case res.ExitCode != 0:
			failed++
			fmt.Fprintf(e.stdout, "%s: failed with exit code %d\n", res.Jail, res.ExitCode)
		default:
			fmt.Fprintf(e.stdout, "%s: updated (%s)\n", res.Jail, res.Family)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d jail update(s) failed", failed)
	}
	return nil
}

// setupAutoUpdate reports a failed write but still exits 0.
func setupAutoUpdate(cmd *cobra.Command, args []string) error {
	e, err := newEnv(cmd)
	if err != nil {
		return err
	}
	a := e.settings.AutoUpdate
	if e.layout.Root != "" && a.CronFile == settings.Default().AutoUpdate.CronFile {
		// keep relocated trees self-contained
		a.CronFile = filepath.Join(e.layout.Root, a.CronFile)
	}
	if err := updater.SetupAutoUpdate(a); err != nil {
		e.log.WithError(err).Warn("auto-update not configured")
		fmt.Fprintf(e.stderr, "Could not set up auto-update (are you root?): %v\n", err)
		return nil
	}
	fmt.Fprintf(e.stdout, "Auto-update scheduled in %s\n", a.CronFile)
	return nil
}
