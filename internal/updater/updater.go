// Package updater refreshes the packages of every jail with the jail's own
// package manager, and installs the cron entry that does so daily.
package updater

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"trimorph/internal/config"
	"trimorph/internal/jail"
	"trimorph/internal/logging"
	"trimorph/internal/settings"
	"trimorph/pkg/fileutil"

	"github.com/sirupsen/logrus"
)

// Executor runs package manager invocations inside jails.
type Executor interface {
	Descriptors() *config.Set
	Exec(ctx context.Context, name string, argv []string, stdio jail.IO) (int, error)
}

// Result is the outcome of updating one jail.
type Result struct {
	Jail   string
	Family string
	// Skipped is set when the jail's package manager is not recognized.
	Skipped  bool
	ExitCode int
	Err      error
}

// Failed reports whether the update did not complete.
func (r Result) Failed() bool {
	return !r.Skipped && (r.Err != nil || r.ExitCode != 0)
}

// Updater drives per-jail package updates.
type Updater struct {
	Jails  Executor
	IO     jail.IO
	Logger logrus.FieldLogger
}

// CheckForUpdates runs the update sequence of every loaded jail, one jail
// at a time in name order. A failing jail does not stop the others.
func (u *Updater) CheckForUpdates(ctx context.Context) []Result {
	log := logging.Ensure(u.Logger)
	set := u.Jails.Descriptors()

	var results []Result
	for _, d := range set.All() {
		if ctx.Err() != nil {
			break
		}
		res := Result{Jail: d.Name}
		f, ok := FamilyOf(d.Pkgmgr)
		if !ok {
			log.WithFields(logrus.Fields{"jail": d.Name, "tool": d.Pkgmgr}).
				Warn("unknown package manager, skipping update")
			res.Skipped = true
			results = append(results, res)
			continue
		}
		res.Family = f.Name

		for _, step := range f.Update {
			jlog := log.WithFields(logrus.Fields{"jail": d.Name, "argv": step})
			jlog.Info("updating jail")
			res.ExitCode, res.Err = u.Jails.Exec(ctx, d.Name, step, u.IO)
			if res.Err != nil {
				jlog.WithError(res.Err).Error("jail update failed")
				break
			}
			if res.ExitCode != 0 {
				jlog.WithField("exit_code", res.ExitCode).Error("jail update failed")
				break
			}
		}
		results = append(results, res)
	}
	return results
}

// AutoUpdatePackages is the cron entry point. It currently updates every
// jail exactly like CheckForUpdates.
func (u *Updater) AutoUpdatePackages(ctx context.Context) []Result {
	return u.CheckForUpdates(ctx)
}

// InstallInJail installs packages inside a jail with the jail's own
// package manager and returns its exit code.
func (u *Updater) InstallInJail(ctx context.Context, name string, pkgs []string) (int, error) {
	if len(pkgs) == 0 {
		return -1, errors.New("no packages given")
	}
	d, ok := u.Jails.Descriptors().Get(name)
	if !ok {
		// let the executor produce the usual not-found error
		return u.Jails.Exec(ctx, name, pkgs, u.IO)
	}
	f, ok := FamilyOf(d.Pkgmgr)
	if !ok {
		return -1, fmt.Errorf("jail %s: unknown package manager %q", name, d.Pkgmgr)
	}
	argv := append(append([]string(nil), f.Install...), pkgs...)
	logging.Ensure(u.Logger).WithFields(logrus.Fields{"jail": name, "argv": argv}).Info("installing packages in jail")
	return u.Jails.Exec(ctx, name, argv, u.IO)
}

// CronEntry renders the cron.d file that runs the updater daily.
func CronEntry(a settings.AutoUpdate) string {
	var b strings.Builder
	b.WriteString("# Trimorph auto-update cron job\n")
	fmt.Fprintf(&b, "%s root %s\n", a.Schedule, a.Command)
	return b.String()
}

// SetupAutoUpdate writes the cron entry. The caller reports a failure
// (typically not being root) without treating it as fatal.
func SetupAutoUpdate(a settings.AutoUpdate) error {
	if err := fileutil.EnsureParentDir(a.CronFile, 0755); err != nil {
		return fmt.Errorf("setup auto-update: %w", err)
	}
	if err := fileutil.AtomicWriteFile(a.CronFile, []byte(CronEntry(a)), 0644); err != nil {
		return fmt.Errorf("setup auto-update: %w", err)
	}
	return nil
}
