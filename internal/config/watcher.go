package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Watcher hot-reloads the consolidation knobs from a YAML file. Static
// settings (dimension, capacity, index mode) are construction-time only and
// are ignored on reload; only ConsolidationConfig changes take effect.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	logger   *zap.Logger
	onChange []func(ConsolidationConfig)

	mu          sync.RWMutex
	current     ConsolidationConfig
	lastModTime time.Time

	stopCh  chan struct{}
	stopped sync.Once
}

// NewWatcher creates a watcher over the file at path, seeded with the given
// current knobs. Call Start to begin watching.
func NewWatcher(path string, seed ConsolidationConfig, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	return &Watcher{
		path:    path,
		watcher: fsWatcher,
		logger:  logger,
		current: seed,
		stopCh:  make(chan struct{}),
	}, nil
}

// OnChange registers a callback invoked with the new knobs after every
// successful reload. Register before Start.
func (w *Watcher) OnChange(fn func(ConsolidationConfig)) {
	w.onChange = append(w.onChange, fn)
}

// Current returns the most recently loaded knobs.
func (w *Watcher) Current() ConsolidationConfig {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Start loads the file once and then watches its directory for changes.
// Watching the directory instead of the file survives the rename-and-replace
// write pattern editors and configmap mounts use.
func (w *Watcher) Start() error {
	if err := w.reload(); err != nil {
		w.logger.Warn("initial dynamic config load failed, keeping seed values",
			zap.String("path", w.path), zap.Error(err))
	}
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch config directory: %w", err)
	}

	go w.loop()
	return nil
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := w.reload(); err != nil {
				w.logger.Error("dynamic config reload failed, keeping previous values",
					zap.String("path", w.path), zap.Error(err))
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() error {
	info, err := os.Stat(w.path)
	if err != nil {
		return err
	}

	w.mu.Lock()
	if !info.ModTime().After(w.lastModTime) {
		w.mu.Unlock()
		return nil
	}
	w.lastModTime = info.ModTime()
	w.mu.Unlock()

	data, err := os.ReadFile(w.path)
	if err != nil {
		return err
	}

	var file struct {
		Consolidation ConsolidationConfig `yaml:"consolidation"`
	}
	file.Consolidation = w.Current()
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse dynamic config: %w", err)
	}
	knobs := file.Consolidation
	if knobs.MergeThreshold <= 0 || knobs.MergeThreshold > 1 {
		return fmt.Errorf("merge_threshold out of range: %v", knobs.MergeThreshold)
	}
	if knobs.RecencyWeight+knobs.FrequencyWeight+knobs.ConnectivityWeight <= 0 {
		return fmt.Errorf("importance weights must have a positive sum")
	}

	w.mu.Lock()
	w.current = knobs
	w.mu.Unlock()

	w.logger.Info("dynamic config reloaded",
		zap.Float64("merge_threshold", knobs.MergeThreshold),
		zap.Duration("recency_half_life", knobs.RecencyHalfLife))
	for _, fn := range w.onChange {
		fn(knobs)
	}
	return nil
}

// Stop closes the watcher.
func (w *Watcher) Stop() error {
	w.stopped.Do(func() { close(w.stopCh) })
	return w.watcher.Close()
}
