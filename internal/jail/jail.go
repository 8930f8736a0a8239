// Package jail executes commands inside jails and drives their lifecycle.
//
// Every execution materializes a fresh overlay over the jail's base root,
// runs the command through a backend (systemd-nspawn, or a chroot helper in
// a private mount namespace), and tears the overlay down before returning,
// whatever the outcome. Operations on one jail are serialized by a per-jail
// lock that is both an in-process mutex and a flock(2) under the runtime
// directory, so the daemon and direct CLI invocations exclude each other.
package jail

import (
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"trimorph/internal/config"
	"trimorph/internal/lock"
	"trimorph/internal/logging"
	"trimorph/internal/overlay"
	"trimorph/internal/probe"
	"trimorph/internal/proc"
	"trimorph/internal/state"
	terrors "trimorph/pkg/errors"

	"github.com/sirupsen/logrus"
)

// Overlay materializes and destroys per-execution root filesystems.
type Overlay interface {
	Mount(jail, lower string) (*overlay.Instance, error)
	Unmount(inst *overlay.Instance) error
}

// IO is the standard streams of a jail command.
type IO struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	// TTY attaches the command to a pseudo-terminal on the caller's own
	// terminal instead of the streams above.
	TTY bool
}

// Manager owns the descriptor set and the jail records.
type Manager struct {
	Overlay Overlay
	Backend Backend
	Runner  proc.Runner
	Store   state.Store

	// LocksDir holds the per-jail flock files. Empty disables the
	// cross-process lock, leaving only the in-process mutex.
	LocksDir string
	// Grace is the stop TERM->KILL delay.
	Grace time.Duration

	Logger logrus.FieldLogger

	// terminate is proc.Terminate; tests replace it.
	terminate func(pid int, grace time.Duration) (bool, error)
	// reused is probe.StartedAfter.
	reused func(pid int, since time.Time) bool

	set atomic.Pointer[config.Set]

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Options configures a Manager.
type Options struct {
	Overlay  Overlay
	Backend  Backend
	Runner   proc.Runner
	Store    state.Store
	LocksDir string
	Grace    time.Duration
	Logger   logrus.FieldLogger
}

// NewManager returns a manager serving set.
func NewManager(set *config.Set, opts Options) *Manager {
	m := &Manager{
		Overlay:   opts.Overlay,
		Backend:   opts.Backend,
		Runner:    opts.Runner,
		Store:     opts.Store,
		LocksDir:  opts.LocksDir,
		Grace:     opts.Grace,
		Logger:    opts.Logger,
		terminate: proc.Terminate,
		reused:    probe.StartedAfter,
		locks:     make(map[string]*sync.Mutex),
	}
	if m.Runner == nil {
		m.Runner = proc.ExecRunner{}
	}
	if m.Store == nil {
		m.Store = state.NewMemoryStore()
	}
	if m.Grace == 0 {
		m.Grace = proc.DefaultGrace
	}
	if set == nil {
		set = config.NewSet()
	}
	m.set.Store(set)
	return m
}

// Descriptors returns the current descriptor snapshot. A caller that takes
// the snapshot at the top of a request keeps seeing it across a reload.
func (m *Manager) Descriptors() *config.Set {
	return m.set.Load()
}

func (m *Manager) log() logrus.FieldLogger {
	return logging.Ensure(m.Logger)
}

// lockJail serializes operations on one jail. The returned function
// releases the lock and must be called exactly once.
func (m *Manager) lockJail(name string) (func(), error) {
	m.mu.Lock()
	mu, ok := m.locks[name]
	if !ok {
		mu = &sync.Mutex{}
		m.locks[name] = mu
	}
	m.mu.Unlock()

	mu.Lock()
	if m.LocksDir == "" {
		return mu.Unlock, nil
	}

	fl, err := lock.Acquire(filepath.Join(m.LocksDir, name+".lock"))
	if err != nil {
		mu.Unlock()
		return nil, fmt.Errorf("lock jail %s: %w", name, err)
	}
	return func() {
		if err := fl.Release(); err != nil {
			m.log().WithError(err).WithField("jail", name).Warn("release jail lock")
		}
		mu.Unlock()
	}, nil
}

// record returns the stored record for name, or a fresh STOPPED one.
func (m *Manager) record(name string) (state.Record, error) {
	r, ok, err := m.Store.Get(name)
	if err != nil {
		return state.Record{}, err
	}
	if !ok {
		return state.NewRecord(name), nil
	}
	return r, nil
}

// resolve finds the descriptor for name in set. A name that only survives
// as a stale record resolves to ErrJailStale.
func (m *Manager) resolve(set *config.Set, name string) (config.Descriptor, error) {
	if d, ok := set.Get(name); ok {
		return d, nil
	}
	if r, ok, err := m.Store.Get(name); err == nil && ok && r.Stale {
		return config.Descriptor{}, fmt.Errorf("%w: %s", terrors.ErrJailStale, name)
	}
	return config.Descriptor{}, fmt.Errorf("%w: %s", terrors.ErrJailNotFound, name)
}

// Reload atomically replaces the descriptor set and reconciles records:
// records of vanished jails that are still RUNNING are marked stale, other
// records of vanished jails are dropped, and jails that reappear lose their
// stale mark. It returns the number of loaded descriptors.
func (m *Manager) Reload(set *config.Set) (int, error) {
	if set == nil {
		set = config.NewSet()
	}
	m.set.Store(set)

	records, err := m.Store.List()
	if err != nil {
		return set.Len(), fmt.Errorf("list jail records: %w", err)
	}

	var errs []error
	for _, r := range records {
		if err := m.reconcile(set, r.Name); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return set.Len(), fmt.Errorf("reconcile jail records: %v", errs)
	}
	return set.Len(), nil
}

func (m *Manager) reconcile(set *config.Set, name string) error {
	unlock, err := m.lockJail(name)
	if err != nil {
		return err
	}
	defer unlock()

	r, ok, err := m.Store.Get(name)
	if err != nil || !ok {
		return err
	}

	_, present := set.Get(name)
	switch {
	case present && r.Stale:
		r.Stale = false
		return m.Store.Put(r)
	case !present && r.IsRunning() && !r.Stale:
		r.Stale = true
		m.log().WithField("jail", name).Warn("descriptor removed while running; jail marked stale")
		return m.Store.Put(r)
	case !present && !r.IsRunning():
		return m.Store.Delete(name)
	}
	return nil
}
