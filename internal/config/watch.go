package config

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 750 * time.Millisecond

// Watcher reloads the config file on change and hands the result to a
// callback. Editors write via rename/remove, so the parent directory is
// watched rather than the file itself.
type Watcher struct {
	path     string
	onReload func(*Config)

	mu       sync.Mutex
	timer    *time.Timer
	fw       *fsnotify.Watcher
	stopOnce sync.Once
	stopCh   chan struct{}
}

// Watch starts watching path. onReload runs on the watcher goroutine after
// each successful reload; a reload that fails validation is logged and
// dropped, keeping the previous config live.
func Watch(path string, onReload func(*Config)) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{path: abs, onReload: onReload, fw: fw, stopCh: make(chan struct{})}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReload()
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			slog.Warn("config watch error", "error", err)
		case <-w.stopCh:
			return
		}
	}
}

// scheduleReload debounces bursts of editor events into one reload.
func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(watchDebounce, func() {
		cfg, err := Load(w.path)
		if err != nil {
			slog.Warn("config reload rejected", "path", w.path, "error", err)
			return
		}
		slog.Info("config reloaded", "path", w.path)
		w.onReload(cfg)
	})
}

// Close stops the watcher.
func (w *Watcher) Close() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
		_ = w.fw.Close()
	})
}
