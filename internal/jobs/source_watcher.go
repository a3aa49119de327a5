package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/live-assets/asset-repository/internal/asset"
	"github.com/live-assets/asset-repository/internal/repository"
)

// EventSink accepts lifecycle events.
type EventSink interface {
	Submit(ev repository.Event) error
}

type itemKey struct {
	kind asset.Kind
	slug string
}

// SourceWatcher turns filesystem changes below the plugin and theme roots
// into debounced "updated" events, one per item.
type SourceWatcher struct {
	roots    map[asset.Kind]string
	sink     EventSink
	debounce time.Duration
	watcher  *fsnotify.Watcher

	mu      sync.Mutex
	pending map[itemKey]*time.Timer

	stopChan chan struct{}
	stopOnce sync.Once
}

// NewSourceWatcher watches each root and its immediate subdirectories. Roots
// that do not exist are skipped.
func NewSourceWatcher(roots map[asset.Kind]string, sink EventSink, debounce time.Duration) (*SourceWatcher, error) {
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create filesystem watcher: %w", err)
	}

	w := &SourceWatcher{
		roots:    make(map[asset.Kind]string, len(roots)),
		sink:     sink,
		debounce: debounce,
		watcher:  fw,
		pending:  make(map[itemKey]*time.Timer),
		stopChan: make(chan struct{}),
	}
	for kind, root := range roots {
		if root == "" {
			continue
		}
		root = filepath.Clean(root)
		if _, err := os.Stat(root); errors.Is(err, os.ErrNotExist) {
			slog.Warn("source watcher: root does not exist", "kind", kind, "root", root)
			continue
		}
		if err := fw.Add(root); err != nil {
			fw.Close()
			return nil, fmt.Errorf("failed to watch %s: %w", root, err)
		}
		w.roots[kind] = root
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
				w.watchDir(filepath.Join(root, e.Name()))
			}
		}
	}
	return w, nil
}

func (w *SourceWatcher) watchDir(dir string) {
	if err := w.watcher.Add(dir); err != nil {
		slog.Warn("source watcher: cannot watch directory", "dir", dir, "error", err)
	}
}

// Start processes filesystem events until Stop is called or ctx is cancelled.
func (w *SourceWatcher) Start(ctx context.Context) {
	slog.Info("source watcher started", "roots", len(w.roots), "debounce", w.debounce)
	defer w.cancelPending()

	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("source watcher error", "error", err)
		case <-w.stopChan:
			slog.Info("source watcher stopped")
			return
		case <-ctx.Done():
			slog.Info("source watcher context cancelled")
			return
		}
	}
}

// Stop stops the watcher and releases the underlying watches.
func (w *SourceWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopChan)
		w.watcher.Close()
	})
}

func (w *SourceWatcher) handle(ev fsnotify.Event) {
	kind, slug, top, ok := w.classify(ev.Name)
	if !ok {
		return
	}
	// new item directories get their own watch
	if ev.Has(fsnotify.Create) && top == ev.Name {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			w.watchDir(ev.Name)
		}
	}
	w.schedule(itemKey{kind: kind, slug: slug}, top)
}

// classify maps a changed path to the item it belongs to. top is the path of
// the item directory or lone plugin file directly below the root.
func (w *SourceWatcher) classify(name string) (kind asset.Kind, slug, top string, ok bool) {
	name = filepath.Clean(name)
	for k, root := range w.roots {
		rel, err := filepath.Rel(root, name)
		if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		first := strings.Split(rel, string(filepath.Separator))[0]
		if first == "" || strings.HasPrefix(first, ".") {
			return "", "", "", false
		}
		top = filepath.Join(root, first)
		slug = first
		if first == rel && k == asset.KindPlugin && strings.EqualFold(filepath.Ext(first), ".php") {
			slug = strings.TrimSuffix(first, filepath.Ext(first))
		}
		if asset.SanitizeSlug(slug) == "" {
			return "", "", "", false
		}
		return k, slug, top, true
	}
	return "", "", "", false
}

func (w *SourceWatcher) schedule(key itemKey, top string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[key]; ok {
		t.Reset(w.debounce)
		return
	}
	w.pending[key] = time.AfterFunc(w.debounce, func() { w.fire(key, top) })
}

func (w *SourceWatcher) fire(key itemKey, top string) {
	w.mu.Lock()
	delete(w.pending, key)
	w.mu.Unlock()

	// removed items have nothing left to archive
	if _, err := os.Stat(top); err != nil {
		return
	}
	ev := repository.Event{Type: repository.EventUpdated, Kind: key.kind, Slug: key.slug}
	if err := w.sink.Submit(ev); err != nil {
		slog.Warn("source watcher: event not queued", "kind", key.kind, "slug", key.slug, "error", err)
	}
}

func (w *SourceWatcher) cancelPending() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for key, t := range w.pending {
		t.Stop()
		delete(w.pending, key)
	}
}
