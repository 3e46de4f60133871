package config

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// debounceWindow coalesces editor write bursts into a single reload.
const debounceWindow = 300 * time.Millisecond

// Watch observes the config file and applies reloadable settings on change.
// onReload, when non-nil, runs after each successful apply with the live
// config so consumers holding their own copy of a setting can pick up the
// new value. It returns a stop function that terminates the watcher
// goroutine.
func Watch(path string, cfg *Config, onReload func(*Config)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory; editors commonly replace the file via rename,
	// which drops a watch placed on the file itself.
	dir := filepath.Dir(path)
	if errAdd := watcher.Add(dir); errAdd != nil {
		_ = watcher.Close()
		return nil, errAdd
	}

	done := make(chan struct{})
	go func() {
		var timer *time.Timer
		var timerC <-chan time.Time
		target := filepath.Clean(path)
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(debounceWindow)
					timerC = timer.C
				} else {
					timer.Reset(debounceWindow)
				}
			case <-timerC:
				timer = nil
				timerC = nil
				next, errLoad := LoadConfig(path)
				if errLoad != nil {
					log.Warnf("config watcher: reload failed: %v", errLoad)
					continue
				}
				cfg.ApplyReloadable(next)
				if onReload != nil {
					onReload(cfg)
				}
				log.Infof("config watcher: reloaded %s", path)
			case errWatch, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warnf("config watcher: %v", errWatch)
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		_ = watcher.Close()
	}, nil
}
