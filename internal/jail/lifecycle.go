package jail

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"

	"trimorph/internal/proc"
	"trimorph/internal/state"
	"trimorph/pkg/envutil"
	terrors "trimorph/pkg/errors"

	"github.com/sirupsen/logrus"
)

// BootstrapError reports a bootstrap that ran and exited non-zero.
type BootstrapError struct {
	Jail     string
	ExitCode int
}

func (e *BootstrapError) Error() string {
	return fmt.Sprintf("bootstrap for jail %s exited with code %d", e.Jail, e.ExitCode)
}

// Start runs the jail's bootstrap with /bin/sh -c on the host. Exit code 0
// moves the jail to RUNNING with the bootstrap pid recorded; any failure
// moves it to ERROR. Starting a RUNNING jail fails with ErrJailRunning and
// changes nothing. A jail without a bootstrap becomes RUNNING with no pid.
func (m *Manager) Start(ctx context.Context, name string, stdio IO) error {
	d, err := m.resolve(m.Descriptors(), name)
	if err != nil {
		return err
	}

	unlock, err := m.lockJail(d.Name)
	if err != nil {
		return err
	}
	defer unlock()

	r, err := m.record(d.Name)
	if err != nil {
		return err
	}
	if r.IsRunning() {
		return fmt.Errorf("%w: %s", terrors.ErrJailRunning, d.Name)
	}

	log := m.log().WithField("jail", d.Name)
	if d.Bootstrap == "" {
		r.SetRunning(0)
		log.Info("jail started (no bootstrap)")
		return m.Store.Put(r)
	}

	var pid int
	cmd := bootstrapCommand(d.Name, d.Root, d.Bootstrap, stdio)
	cmd.Started = func(p int) { pid = p }
	code, runErr := m.Runner.Run(ctx, cmd)
	switch {
	case runErr != nil:
		r.SetError(runErr)
		err = fmt.Errorf("start jail %s: %w", d.Name, runErr)
	case code != 0:
		berr := &BootstrapError{Jail: d.Name, ExitCode: code}
		r.SetError(berr)
		err = berr
	default:
		r.SetRunning(pid)
	}

	if perr := m.Store.Put(r); perr != nil && err == nil {
		err = perr
	}
	if err != nil {
		log.WithError(err).Warn("jail failed to start")
		return err
	}
	log.WithField("pid", pid).Info("jail started")
	return nil
}

// Stop sends SIGTERM to the recorded pid, escalates to SIGKILL after the
// grace period, and moves the jail to STOPPED. Stale jails can be stopped;
// their record is dropped afterwards.
func (m *Manager) Stop(ctx context.Context, name string) error {
	_, err := m.resolve(m.Descriptors(), name)
	if err != nil && !isStale(err) {
		return err
	}

	unlock, err := m.lockJail(name)
	if err != nil {
		return err
	}
	defer unlock()

	r, err := m.record(name)
	if err != nil {
		return err
	}
	if !r.IsRunning() {
		return fmt.Errorf("%w: %s", terrors.ErrJailNotRunning, name)
	}

	log := m.log().WithFields(logrus.Fields{"jail": name, "pid": r.Pid})
	switch {
	case r.Pid <= 0:
	case r.StartedAt != nil && m.reused(r.Pid, *r.StartedAt):
		log.Info("recorded pid now belongs to another process; not signalling")
	default:
		killed, err := m.terminate(r.Pid, m.Grace)
		if err != nil {
			r.SetError(err)
			_ = m.Store.Put(r)
			return fmt.Errorf("stop jail %s: %w", name, err)
		}
		if killed {
			log.Warn("jail did not exit after SIGTERM; sent SIGKILL")
		}
	}

	if r.Stale {
		log.Info("stale jail stopped")
		return m.Store.Delete(name)
	}
	r.SetStopped()
	log.Info("jail stopped")
	return m.Store.Put(r)
}

// Entry is one line of a status listing.
type Entry struct {
	Name   string
	Pkgmgr string
	state.Record
}

// Status returns the state of one jail, or of every loaded jail plus any
// stale ones when name is empty. Entries are sorted by name.
func (m *Manager) Status(name string) ([]Entry, error) {
	set := m.Descriptors()
	if name != "" {
		d, err := m.resolve(set, name)
		if err != nil && !isStale(err) {
			return nil, err
		}
		r, err := m.record(name)
		if err != nil {
			return nil, err
		}
		return []Entry{{Name: name, Pkgmgr: d.Pkgmgr, Record: r}}, nil
	}

	seen := make(map[string]bool)
	var out []Entry
	for _, d := range set.All() {
		r, err := m.record(d.Name)
		if err != nil {
			return nil, err
		}
		seen[d.Name] = true
		out = append(out, Entry{Name: d.Name, Pkgmgr: d.Pkgmgr, Record: r})
	}

	records, err := m.Store.List()
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		if !seen[r.Name] && r.Stale {
			out = append(out, Entry{Name: r.Name, Record: r})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func isStale(err error) bool {
	return errors.Is(err, terrors.ErrJailStale)
}

// bootstrapCommand runs line with /bin/sh -c on the host, with the jail's
// identity added to the environment.
func bootstrapCommand(name, root, line string, stdio IO) proc.Command {
	return proc.Command{
		Argv: []string{"/bin/sh", "-c", line},
		Env: envutil.Merge(envutil.FilterInternal(os.Environ()),
			envutil.BootstrapJailEnvVar+"="+name,
			envutil.BootstrapRootEnvVar+"="+root,
		),
		Dir:    "/",
		Stdin:  stdio.Stdin,
		Stdout: stdio.Stdout,
		Stderr: stdio.Stderr,
	}
}
