package jail

import (
	"trimorph/internal/config"
	"trimorph/internal/overlay"
	"trimorph/internal/paths"
	"trimorph/internal/probe"
	"trimorph/internal/settings"
	"trimorph/internal/state"

	"github.com/sirupsen/logrus"
)

// Setup wires a Manager for layout: overlays under the runtime directory,
// the backend chosen by settings, and per-jail locks in $RUNTIME/.locks.
func Setup(layout paths.Layout, s settings.Settings, set *config.Set, store state.Store, logger logrus.FieldLogger) (*Manager, error) {
	backend, err := SelectBackend(s.Backend, probe.NewHost())
	if err != nil {
		return nil, err
	}
	m := NewManager(set, Options{
		Overlay:  overlay.NewManager(layout.RuntimeDir, logger),
		Backend:  backend,
		Store:    store,
		LocksDir: layout.LocksDir(),
		Grace:    s.Grace(),
		Logger:   logger,
	})
	// reconcile records left by earlier runs against the current set
	if _, err := m.Reload(set); err != nil {
		return nil, err
	}
	return m, nil
}
