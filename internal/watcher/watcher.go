// Package watcher monitors the input directory and signals when a new
// pipeline run should start.
package watcher

import (
	"context"
	"time"

	"log/slog"

	"github.com/fsnotify/fsnotify"

	"facelapse/internal/fsutil"
)

const defaultDebounce = 2 * time.Second

// Watcher monitors a directory for image changes. Rapid bursts of events,
// like a camera import dropping hundreds of files, collapse into a single
// trigger after a quiet period.
type Watcher struct {
	dir      string
	debounce time.Duration
	log      *slog.Logger

	// Triggers receives one value per settled batch of changes.
	Triggers chan struct{}
}

// New creates a watcher for dir. debounce <= 0 selects the default.
func New(dir string, debounce time.Duration, log *slog.Logger) *Watcher {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{
		dir:      dir,
		debounce: debounce,
		log:      log,
		Triggers: make(chan struct{}, 1),
	}
}

// Run watches until ctx is canceled. The directory is created if missing.
func (w *Watcher) Run(ctx context.Context) error {
	if err := fsutil.Mkdir(w.dir); err != nil {
		return err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return err
	}
	w.log.Info("watching input directory", "dir", w.dir)

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if event.Op&fsnotify.Chmod != 0 {
				continue
			}
			if !fsutil.IsImageFile(event.Name) {
				continue
			}
			w.log.Debug("input change", "path", event.Name, "op", event.Op.String())
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					<-timerC
				}
				timer.Reset(w.debounce)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			select {
			case w.Triggers <- struct{}{}:
			default:
				// A trigger is already pending; the next run picks up
				// everything anyway.
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watcher error", "error", err)
		}
	}
}
