package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"trimorph/internal/config"
	"trimorph/internal/jail"
	"trimorph/internal/overlay"
	"trimorph/internal/paths"
	"trimorph/internal/probe"
	"trimorph/internal/settings"
	"trimorph/internal/state"
	"trimorph/pkg/fileutil"

	sd "github.com/coreos/go-systemd/v22/daemon"
	"github.com/sirupsen/logrus"
)

// InitializeSystem creates the runtime, cache, log and base directories
// with mode 0755, plus the runtime lock and state directories.
func InitializeSystem(layout paths.Layout) error {
	dirs := append(layout.SystemDirs(), layout.LocksDir(), layout.StateDir())
	if err := fileutil.EnsureDirs(0755, dirs...); err != nil {
		return fmt.Errorf("initialize system directories: %w", err)
	}
	return nil
}

// Run starts the daemon in the foreground and blocks until SIGINT or
// SIGTERM. SIGHUP and changes under jails.d schedule a reload.
func Run(ctx context.Context, layout paths.Layout, s settings.Settings, logger *logrus.Logger) error {
	log := logger.WithField("component", "daemon")

	if err := InitializeSystem(layout); err != nil {
		return err
	}

	removed, err := overlay.NewManager(layout.RuntimeDir, logger).GC(probe.PidAlive)
	if err != nil {
		log.WithError(err).Warn("stale overlay cleanup incomplete")
	}
	for _, dir := range removed {
		log.WithField("path", dir).Info("removed stale overlay directory")
	}

	loader := config.NewLoader(layout, logger)
	set, problems, err := loader.Load()
	if err != nil {
		return err
	}
	for _, p := range problems {
		log.WithField("file", p.File).WithError(p.Err).Warn("descriptor skipped")
	}

	jails, err := jail.Setup(layout, s, set, state.NewMemoryStore(), logger)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{"jails": set.Len(), "backend": jails.Backend.Name()}).Info("descriptors loaded")

	srv := &Server{
		Socket: layout.Socket(),
		Jails:  jails,
		Loader: loader,
		LogDir: layout.LogDir,
		Logger: log,
		Ready:  func() { notify(log, sd.SdNotifyReady) },
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-hup:
				log.Info("SIGHUP received; reload scheduled")
				srv.RequestReload()
			case <-ctx.Done():
				return
			}
		}
	}()

	if s.Watch() {
		if w, err := startWatcher(ctx, layout.JailsDir, logger); err != nil {
			log.WithError(err).Warn("jails.d watch disabled")
		} else {
			defer w.Stop()
			go func() {
				for {
					select {
					case <-w.Changes():
						log.Info("jails.d changed; reload scheduled")
						srv.RequestReload()
					case <-ctx.Done():
						return
					}
				}
			}()
		}
	}

	err = srv.Serve(ctx)
	notify(log, sd.SdNotifyStopping)
	return err
}

func startWatcher(ctx context.Context, dir string, logger logrus.FieldLogger) (*config.Watcher, error) {
	w, err := config.NewWatcher(dir, logger)
	if err != nil {
		return nil, err
	}
	if err := w.Start(ctx); err != nil {
		w.Stop()
		return nil, err
	}
	return w, nil
}

// notify reports to systemd when running as a notify unit.
func notify(log logrus.FieldLogger, status string) {
	if _, err := sd.SdNotify(false, status); err != nil {
		log.WithError(err).Debug("sd_notify")
	}
}
