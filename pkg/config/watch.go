package config

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/entrhq/charsnap/pkg/logging"
)

// Watcher reloads a config file whenever it changes and hands every valid
// version to its callbacks. Invalid edits are logged and skipped.
type Watcher struct {
	path      string
	watcher   *fsnotify.Watcher
	log       *logging.Logger
	mu        sync.RWMutex
	callbacks []func(*Config)
	done      chan struct{}
	stopOnce  sync.Once
}

// NewWatcher starts watching path. The directory is watched rather than the
// file so editors that replace the file by rename are noticed.
func NewWatcher(path string, logger *logging.Logger) (*Watcher, error) {
	if logger == nil {
		logger = logging.Discard("config")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	return &Watcher{
		path:    abs,
		watcher: fw,
		log:     logger,
		done:    make(chan struct{}),
	}, nil
}

// OnChange registers a callback for every successfully reloaded config.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Start processes events until Stop is called. It blocks.
func (w *Watcher) Start() {
	w.log.Debugf("watching %s", w.path)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				w.reload()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Errorf("config watcher error: %v", err)
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.log.Warnf("ignoring config change: %v", err)
		return
	}
	w.log.Infof("config reloaded from %s", w.path)

	w.mu.RLock()
	defer w.mu.RUnlock()
	for _, fn := range w.callbacks {
		fn(cfg)
	}
}

// Stop stops the watcher. Safe to call multiple times.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.watcher.Close()
	})
	return err
}
