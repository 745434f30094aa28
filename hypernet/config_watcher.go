package main

import (
	"crypto/sha256"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jedisct1/dlog"
)

const watcherDebounce = 250 * time.Millisecond

// ConfigWatcher re-applies the tunable knobs (burst estimator and batch
// size) when the config file changes on disk. Pool ratios and
// structural settings like the ring geometry and worker count are not
// hot-reloaded; they take effect on restart.
type ConfigWatcher struct {
	path    string
	engine  *Engine
	watcher *fsnotify.Watcher

	mu       sync.Mutex
	lastHash [sha256.Size]byte
	timer    *time.Timer

	shutdownCh chan struct{}
	once       sync.Once
}

// NewConfigWatcher starts watching path and applying changes to engine.
func NewConfigWatcher(path string, engine *Engine) (*ConfigWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	cw := &ConfigWatcher{
		path:       path,
		engine:     engine,
		watcher:    watcher,
		shutdownCh: make(chan struct{}),
	}
	if data, err := os.ReadFile(path); err == nil {
		cw.lastHash = sha256.Sum256(data)
	}
	// Watch the directory: editors replace the file, which would orphan
	// a direct watch.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}
	go cw.loop()
	dlog.Debugf("Watching configuration file [%s]", path)
	return cw, nil
}

func (cw *ConfigWatcher) loop() {
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(cw.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				cw.scheduleReload()
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			dlog.Warnf("Config watcher error: %v", err)
		case <-cw.shutdownCh:
			return
		}
	}
}

// scheduleReload debounces editor write storms into one reload.
func (cw *ConfigWatcher) scheduleReload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.timer != nil {
		cw.timer.Stop()
	}
	cw.timer = time.AfterFunc(watcherDebounce, cw.reload)
}

func (cw *ConfigWatcher) reload() {
	data, err := os.ReadFile(cw.path)
	if err != nil {
		dlog.Warnf("Config reload: %v", err)
		return
	}
	sum := sha256.Sum256(data)

	cw.mu.Lock()
	unchanged := sum == cw.lastHash
	cw.lastHash = sum
	cw.mu.Unlock()
	if unchanged {
		return
	}

	config, err := ConfigLoad(cw.path)
	if err != nil {
		dlog.Errorf("Config reload failed, keeping previous settings: %v", err)
		return
	}
	if err := cw.engine.Burst().Reconfigure(config.burstConfig()); err != nil {
		dlog.Errorf("Config reload: burst settings rejected: %v", err)
	}
	cw.engine.SetBatchSize(config.BatchSize)
	dlog.Noticef("Configuration reloaded: batch_size=%d ewma_alpha=%v burst_window=%dms",
		config.BatchSize, config.EwmaAlpha, config.BurstWindowMs)
}

// Stop shuts the watcher down. Idempotent.
func (cw *ConfigWatcher) Stop() {
	cw.once.Do(func() {
		close(cw.shutdownCh)
		cw.watcher.Close()
		cw.mu.Lock()
		if cw.timer != nil {
			cw.timer.Stop()
		}
		cw.mu.Unlock()
	})
}
