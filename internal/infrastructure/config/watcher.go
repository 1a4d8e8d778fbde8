package config

import (
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher hot-reloads the Memory section when the config file changes.
// Only the watermark/share tunables are swapped at runtime; listener
// addresses, database and upstream settings require a restart.
//
// Safe for concurrent reads from the compactor.
type Watcher struct {
	mu      sync.RWMutex
	current *Config
	fsw     *fsnotify.Watcher
	logger  *zap.Logger
	done    chan struct{}
}

// NewWatcher wraps an already loaded config. Watching starts on Start.
func NewWatcher(cfg *Config, logger *zap.Logger) *Watcher {
	return &Watcher{
		current: cfg,
		logger:  logger.With(zap.String("component", "config-watcher")),
		done:    make(chan struct{}),
	}
}

// Config returns the latest config snapshot.
func (w *Watcher) Config() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Memory returns the latest hot-reloadable memory tunables.
func (w *Watcher) Memory() MemoryConfig {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current.Memory
}

// Start begins watching the given config file path. Blocks until Stop.
func (w *Watcher) Start(path string) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.fsw = fsw
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return err
	}

	w.logger.Info("Config watcher started", zap.String("path", path))

	for {
		select {
		case <-w.done:
			return fsw.Close()
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Config watch error", zap.Error(err))
		}
	}
}

// Stop terminates the watch loop.
func (w *Watcher) Stop() {
	close(w.done)
}

func (w *Watcher) reload() {
	fresh, err := Load()
	if err != nil {
		w.logger.Warn("Config reload rejected", zap.Error(err))
		return
	}

	w.mu.Lock()
	old := w.current
	// Only the memory section is swapped live.
	next := *old
	next.Memory = fresh.Memory
	w.current = &next
	w.mu.Unlock()

	w.logger.Info("Memory tunables reloaded",
		zap.Int("l1_high", fresh.Memory.L1High),
		zap.Int("l2_high", fresh.Memory.L2High),
		zap.Int("l3_high", fresh.Memory.L3High),
	)
}
