package config

import (
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the settings store when settings.json is modified outside
// the process. It watches the containing directory rather than the file so
// atomic saves (write tmp + rename) are caught despite the inode changing.
type Watcher struct {
	fsw      *fsnotify.Watcher
	settings *Settings
	done     chan struct{}
}

func WatchSettings(s *Settings) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(s.Path())); err != nil {
		fsw.Close()
		return nil, err
	}
	w := &Watcher{fsw: fsw, settings: s, done: make(chan struct{})}
	go w.loop()
	return w, nil
}

func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}

func (w *Watcher) loop() {
	target := filepath.Base(w.settings.Path())

	// Debounce bursts: editors emit several events per save.
	var pending <-chan time.Time
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(100 * time.Millisecond)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("settings watcher error", "error", err)
		case <-pending:
			pending = nil
			if err := w.settings.Reload(); err != nil {
				slog.Warn("settings reload rejected", "error", err)
			} else {
				slog.Info("settings reloaded from disk")
			}
		}
	}
}
