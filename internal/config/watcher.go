package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] polls its file.
const DefaultWatchInterval = 5 * time.Second

// ChangeFunc receives the previous and the newly loaded config together with
// their [ConfigDiff]. It is never called with an empty diff.
type ChangeFunc func(old, new *Config, d ConfigDiff)

// Watcher polls a config file and reports effective changes. A rewrite that
// leaves every setting as it was, such as an edited comment, is absorbed
// silently. A file that fails to load or validate is logged and the previous
// config stays current.
type Watcher struct {
	path     string
	interval time.Duration

	mu      sync.Mutex
	current *Config
	stamp   fileStamp
}

// fileStamp is the cheap change probe checked before a reload.
type fileStamp struct {
	mtime time.Time
	size  int64
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is [DefaultWatchInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path once and returns a watcher primed with it. Polling
// starts with [Watcher.Run].
func NewWatcher(path string, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{path: path, interval: DefaultWatchInterval}
	for _, opt := range opts {
		opt(w)
	}
	cfg, stamp, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current, w.stamp = cfg, stamp
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls until ctx is done, calling onChange from the polling goroutine
// for each effective change. It returns ctx.Err().
func (w *Watcher) Run(ctx context.Context, onChange ChangeFunc) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if old, cfg, d, ok := w.check(); ok && onChange != nil {
				onChange(old, cfg, d)
			}
		}
	}
}

func (w *Watcher) check() (old, cfg *Config, d ConfigDiff, changed bool) {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return nil, nil, d, false
	}
	w.mu.Lock()
	same := w.stamp == stampOf(info)
	w.mu.Unlock()
	if same {
		return nil, nil, d, false
	}

	cfg, stamp, err := w.read()
	if err != nil {
		slog.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
		return nil, nil, d, false
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.stamp = stamp
	d = Diff(w.current, cfg)
	if d.Empty() {
		return nil, nil, d, false
	}
	old, w.current = w.current, cfg
	slog.Info("config watcher: configuration reloaded", "path", w.path)
	return old, cfg, d, true
}

func (w *Watcher) read() (*Config, fileStamp, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	cfg, err := loadBytes(data)
	if err != nil {
		return nil, fileStamp{}, err
	}
	return cfg, stampOf(info), nil
}

func stampOf(info os.FileInfo) fileStamp {
	return fileStamp{mtime: info.ModTime(), size: info.Size()}
}
