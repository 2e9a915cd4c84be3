package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the YAML overlay when it changes on disk and hands the
// merged configuration to registered subscribers.
type Watcher struct {
	base    Config
	path    string
	fsw     *fsnotify.Watcher
	onError func(error)

	mu   sync.Mutex
	subs []func(*Config)
}

// NewWatcher watches cfg.OverlayFile. The directory is watched rather than
// the file so that editors which replace the file on save are handled.
func NewWatcher(cfg *Config, onError func(error)) (*Watcher, error) {
	if cfg.OverlayFile == "" {
		return nil, fmt.Errorf("no overlay file configured")
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(cfg.OverlayFile)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", cfg.OverlayFile, err)
	}
	if onError == nil {
		onError = func(error) {}
	}
	return &Watcher{
		base:    *cfg,
		path:    filepath.Clean(cfg.OverlayFile),
		fsw:     fsw,
		onError: onError,
	}, nil
}

// Subscribe registers fn to receive every successfully reloaded config.
func (w *Watcher) Subscribe(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.subs = append(w.subs, fn)
}

// Run processes file events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	defer w.fsw.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			w.reload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.onError(err)
		}
	}
}

func (w *Watcher) reload() {
	overlay, err := ReadOverlay(w.path)
	if err != nil {
		w.onError(err)
		return
	}
	next := w.base
	next.Apply(overlay)
	if err := next.Validate(); err != nil {
		w.onError(fmt.Errorf("reloaded config is invalid: %w", err))
		return
	}

	w.mu.Lock()
	subs := append([]func(*Config){}, w.subs...)
	w.mu.Unlock()
	for _, fn := range subs {
		fn(&next)
	}
}
