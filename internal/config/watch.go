package config

// Hot reload via filesystem notification

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/openpnet/pnetctl/internal/logging"
)

// debounce window for editors that write in multiple events
const reloadDebounce = 250 * time.Millisecond

// Watcher reloads the configuration file on change and hands each
// valid new version to the callback. Invalid edits are logged and
// skipped; the previous configuration stays active.
type Watcher struct {
	path    string
	log     *logging.Logger
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// Watch starts watching path. onChange runs on the watcher goroutine.
func Watch(path string, log *logging.Logger, onChange func(*Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}
	// Watch the directory: editors replace the file, which would drop
	// a watch on the file itself.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch config directory: %w", err)
	}

	w := &Watcher{path: path, log: log, watcher: fsw, done: make(chan struct{})}
	go w.loop(onChange)
	return w, nil
}

func (w *Watcher) loop(onChange func(*Config)) {
	var pending <-chan time.Time
	target := filepath.Clean(w.path)

	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(reloadDebounce)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if w.log != nil {
				w.log.Error("config watcher: %v", err)
			}
		case <-pending:
			pending = nil
			cfg, err := Load(w.path, false)
			if err != nil {
				if w.log != nil {
					w.log.Error("config reload skipped: %v", err)
				}
				continue
			}
			if w.log != nil {
				w.log.Info("configuration reloaded from %s", w.path)
			}
			onChange(cfg)
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
