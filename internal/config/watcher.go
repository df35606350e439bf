package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/wudi/meshroute/internal/logging"
	"go.uber.org/zap"
)

// Watcher watches the configuration file and hands each successfully parsed
// document to the registered callbacks. It is the file-backed stand-in for the
// config-sync collaborator.
type Watcher struct {
	watcher    *fsnotify.Watcher
	loader     *Loader
	configPath string
	callbacks  []func(*Config)
	mu         sync.RWMutex
	debounce   time.Duration
	retry      time.Duration
	lastConfig *Config
	logger     *zap.Logger
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewWatcher creates a watcher and loads the initial configuration.
func NewWatcher(configPath string, logger *zap.Logger) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		watcher:    fsWatcher,
		loader:     NewLoader(),
		configPath: configPath,
		debounce:   500 * time.Millisecond,
		retry:      5 * time.Second,
		logger:     logging.Or(logger).Named("config"),
	}

	cfg, err := w.loader.Load(configPath)
	if err != nil {
		fsWatcher.Close()
		return nil, err
	}
	w.ctx, w.cancel = context.WithCancel(context.Background())
	w.lastConfig = cfg

	return w, nil
}

// OnChange registers a callback for config changes
func (w *Watcher) OnChange(callback func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Start begins watching. The directory is watched so that editors replacing
// the file atomically are still observed.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(filepath.Dir(w.configPath)); err != nil {
		return err
	}

	go w.watch()
	return nil
}

func (w *Watcher) watch() {
	var debounceTimer *time.Timer

	for {
		select {
		case <-w.ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.configPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(w.debounce, w.reload)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", zap.Error(err))
		}
	}
}

// reload parses the file and notifies callbacks. Parse failures are retried
// with exponential backoff, since editors and config-sync agents often leave a
// partially written file behind for a moment. A document that still fails
// leaves the previous configuration in effect.
func (w *Watcher) reload() {
	var cfg *Config
	load := func() error {
		var err error
		cfg, err = w.loader.Load(w.configPath)
		return err
	}

	var bo backoff.BackOff = &backoff.StopBackOff{}
	if w.retry > 0 {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = 100 * time.Millisecond
		exp.MaxInterval = time.Second
		exp.MaxElapsedTime = w.retry
		bo = exp
	}

	notify := func(err error, next time.Duration) {
		w.logger.Debug("config reload failed, retrying", zap.Error(err), zap.Duration("backoff", next))
	}
	if err := backoff.RetryNotify(load, backoff.WithContext(bo, w.ctx), notify); err != nil {
		w.logger.Error("failed to reload config, keeping previous snapshot", zap.Error(err))
		return
	}

	w.mu.Lock()
	if w.lastConfig != nil && w.lastConfig.Hash == cfg.Hash {
		w.mu.Unlock()
		return
	}
	w.lastConfig = cfg
	callbacks := make([]func(*Config), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	w.logger.Info("configuration changed",
		zap.String("path", w.configPath),
		zap.Uint64("hash", cfg.Hash),
	)

	for _, cb := range callbacks {
		cb(cfg)
	}
}

// GetConfig returns the current configuration
func (w *Watcher) GetConfig() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastConfig
}

// Stop stops watching for changes
func (w *Watcher) Stop() error {
	w.cancel()
	return w.watcher.Close()
}

// SetDebounce sets the debounce duration for file changes
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

// SetRetryWindow bounds how long a failing reload is retried. Zero disables retries.
func (w *Watcher) SetRetryWindow(d time.Duration) {
	w.retry = d
}
