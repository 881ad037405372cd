package bundle

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// CacheWatcher invalidates a Store's metadata cache when another process
// writes into the same local blob root, so a replica that didn't itself
// handle the publish request still serves fresh metadata. Grounded on the
// teacher's internal/controller/filewatcher.Watcher (fsnotify.Watcher
// wrapped with its own stop/done channels).
type CacheWatcher struct {
	store  *Store
	fsw    *fsnotify.Watcher
	logger *slog.Logger
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewCacheWatcher watches store's blob root and invalidates its cache on
// every filesystem event observed under it.
func NewCacheWatcher(store *Store, logger *slog.Logger) (*CacheWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating bundle blob watcher: %w", err)
	}
	if err := fsw.Add(store.blobs.Root()); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watching bundle blob root: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CacheWatcher{store: store, fsw: fsw, logger: logger, stopCh: make(chan struct{}), doneCh: make(chan struct{})}, nil
}

// Run blocks, invalidating cache entries as events arrive, until Close is
// called.
func (w *CacheWatcher) Run() {
	defer close(w.doneCh)
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("bundle blob watcher error", slog.Any("error", err))
		}
	}
}

func (w *CacheWatcher) handle(event fsnotify.Event) {
	rel, err := filepath.Rel(w.store.blobs.Root(), event.Name)
	if err != nil {
		return
	}
	slug := strings.SplitN(filepath.ToSlash(rel), "/", 2)[0]
	if slug == "" || slug == "." {
		return
	}
	w.store.cache.invalidate(slug)
}

// Close stops the watcher and waits for Run to return.
func (w *CacheWatcher) Close() error {
	close(w.stopCh)
	<-w.doneCh
	return w.fsw.Close()
}
