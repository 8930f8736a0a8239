package config

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"trimorph/internal/logging"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// DefaultDebounce coalesces bursts of editor writes into one reload.
const DefaultDebounce = 500 * time.Millisecond

// Watcher reports changes to *.conf files of a jails directory.
//
// Notifications are coalesced: at most one is pending on Changes at a time,
// so a slow consumer sees a single reload request for many edits.
type Watcher struct {
	dir      string
	debounce time.Duration
	watcher  *fsnotify.Watcher
	logger   logrus.FieldLogger
	changes  chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher creates a watcher for dir.
func NewWatcher(dir string, logger logrus.FieldLogger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	return &Watcher{
		dir:      dir,
		debounce: DefaultDebounce,
		watcher:  fw,
		logger:   logging.Ensure(logger),
		changes:  make(chan struct{}, 1),
	}, nil
}

// Changes delivers one value per debounced burst of descriptor changes.
func (w *Watcher) Changes() <-chan struct{} { return w.changes }

// Start begins watching until ctx is done or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.loop(ctx)
	}()

	w.logger.WithField("dir", w.dir).Debug("watching jails directory")
	return nil
}

// Stop shuts the watcher down and waits for its goroutine.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.watcher.Close()
	w.wg.Wait()
}

func (w *Watcher) loop(ctx context.Context) {
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".conf") {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.logger.WithField("file", event.Name).Debugf("descriptor changed: %s", event.Op)

			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.debounce)
			fire = timer.C

		case <-fire:
			fire = nil
			select {
			case w.changes <- struct{}{}:
			default:
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Warn("jails directory watcher error")
		}
	}
}
