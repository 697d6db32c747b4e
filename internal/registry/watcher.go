package registry

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/tiger/callsurface/api/consumer"
)

const defaultReloadDebounce = 100 * time.Millisecond

// WatcherConfig controls manifest reload behavior.
type WatcherConfig struct {
	ReloadDebounce time.Duration
}

// Watcher keeps a Registry current with a manifest directory, so a consumer
// becoming enabled or disabled on disk is observed live. Rapid file churn is
// debounced into one reload.
type Watcher struct {
	dir        string
	registry   *Registry
	onEnabled  func(consumer.Identity)
	onDisabled func(consumer.Identity)
	logger     zerolog.Logger
	cfg        WatcherConfig

	fs   *fsnotify.Watcher
	done chan struct{}

	mu      sync.Mutex
	timer   *time.Timer
	current map[string]consumer.Identity
	closed  bool
}

// NewWatcher builds a watcher over one manifest directory. The enabled and
// disabled callbacks fire from the watcher goroutine after each reload diff.
func NewWatcher(dir string, registry *Registry, onEnabled, onDisabled func(consumer.Identity), logger zerolog.Logger, cfg WatcherConfig) (*Watcher, error) {
	if dir == "" {
		return nil, fmt.Errorf("manifest dir is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if cfg.ReloadDebounce <= 0 {
		cfg.ReloadDebounce = defaultReloadDebounce
	}
	return &Watcher{
		dir:        dir,
		registry:   registry,
		onEnabled:  onEnabled,
		onDisabled: onDisabled,
		logger:     logger.With().Str("manifest_dir", dir).Logger(),
		cfg:        cfg,
		done:       make(chan struct{}),
		current:    make(map[string]consumer.Identity),
	}, nil
}

// Start performs the initial load and begins watching for changes.
func (w *Watcher) Start() error {
	if err := w.Reload(); err != nil {
		return err
	}

	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fs watcher: %w", err)
	}
	if err := fs.Add(w.dir); err != nil {
		_ = fs.Close()
		return fmt.Errorf("watch manifest dir: %w", err)
	}
	w.fs = fs

	go w.loop()
	return nil
}

// Close stops watching. Pending debounced reloads are dropped.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()

	close(w.done)
	if w.fs != nil {
		return w.fs.Close()
	}
	return nil
}

// Reload re-reads the manifest directory, applies the result to the
// registry, and fires enable/disable callbacks for the diff.
func (w *Watcher) Reload() error {
	manifests, err := LoadDir(w.dir)
	if err != nil {
		return err
	}

	next := make(map[string]consumer.Identity, len(manifests))
	for _, manifest := range manifests {
		id, enabled, err := w.registry.Apply(manifest)
		if err != nil {
			w.logger.Warn().Err(err).Str("process", manifest.Process).Msg("manifest rejected")
			continue
		}
		if enabled {
			next[id.Key()] = id
		}
	}

	w.mu.Lock()
	previous := w.current
	w.current = next
	w.mu.Unlock()

	for key, id := range next {
		if _, existed := previous[key]; !existed && w.onEnabled != nil {
			w.onEnabled(id)
		}
	}
	for key, id := range previous {
		if _, exists := next[key]; !exists {
			w.registry.Remove(id.Tenant, id.Process)
			if w.onDisabled != nil {
				w.onDisabled(id)
			}
		}
	}
	return nil
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Ext(event.Name) != ".json" {
				continue
			}
			w.scheduleReload()
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("manifest watch error")
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if w.timer != nil {
		w.timer.Reset(w.cfg.ReloadDebounce)
		return
	}
	w.timer = time.AfterFunc(w.cfg.ReloadDebounce, func() {
		w.mu.Lock()
		w.timer = nil
		closed := w.closed
		w.mu.Unlock()
		if closed {
			return
		}
		if err := w.Reload(); err != nil {
			w.logger.Warn().Err(err).Msg("manifest reload failed")
		}
	})
}
