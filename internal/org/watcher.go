package org

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"agentcorp/internal/logging"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches org/agents.json for external edits and reloads the registry
// when the file changes. Rapid saves are debounced. A reload callback lets the
// scheduler retry parked assignments against the fresh inventory.
type Watcher struct {
	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	registry    *Registry
	onReload    func()
	lastEvent   time.Time
	debounceDur time.Duration
	running     bool
	doneCh      chan struct{}
}

// NewWatcher creates a watcher over the registry's directory. onReload may be
// nil.
func NewWatcher(registry *Registry, onReload func()) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:     fw,
		registry:    registry,
		onReload:    onReload,
		debounceDur: 500 * time.Millisecond,
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching; non-blocking. Stops when ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	// Watch the directory; editors replace the file on save, so watching
	// the file itself would lose the watch after the first write.
	if err := w.watcher.Add(filepath.Dir(w.registry.Path())); err != nil {
		return err
	}

	go w.loop(ctx)
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.doneCh)
	defer w.watcher.Close()

	target := filepath.Base(w.registry.Path())
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.mu.Lock()
			if time.Since(w.lastEvent) < w.debounceDur {
				w.mu.Unlock()
				continue
			}
			w.lastEvent = time.Now()
			w.mu.Unlock()

			if err := w.registry.Reload(); err != nil {
				logging.Get(logging.CategoryOrg).Error("registry reload failed: %v", err)
				continue
			}
			if w.onReload != nil {
				w.onReload()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryOrg).Warn("watcher error: %v", err)
		}
	}
}

// Done returns a channel closed when the watcher loop exits.
func (w *Watcher) Done() <-chan struct{} { return w.doneCh }
