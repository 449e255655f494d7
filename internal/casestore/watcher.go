package casestore

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce batches bursts of file events, e.g. a case being copied in
const DefaultDebounce = 500 * time.Millisecond

// Watcher invalidates cached cases when their files change on disk
type Watcher struct {
	store    *Store
	watcher  *fsnotify.Watcher
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]struct{}
	timer   *time.Timer

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWatcher watches the store's data directory and every case directory in it
func NewWatcher(store *Store) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		store:    store,
		watcher:  fw,
		debounce: DefaultDebounce,
		pending:  make(map[string]struct{}),
		done:     make(chan struct{}),
	}
	if err := fw.Add(store.Dir()); err != nil {
		fw.Close()
		return nil, err
	}
	entries, err := os.ReadDir(store.Dir())
	if err != nil {
		fw.Close()
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() {
			w.addTree(filepath.Join(store.Dir(), e.Name()))
		}
	}
	return w, nil
}

// SetDebounce sets how long events are collected before invalidating
func (w *Watcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debounce = d
}

// Start begins processing events until ctx is cancelled or Stop is called
func (w *Watcher) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)

	go func() {
		defer close(w.done)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				w.handleEvent(event)
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				w.store.logger.Warn("case watcher", "error", err)
			}
		}
	}()
}

// Stop stops watching and waits for the event loop to exit
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
		<-w.done
	}
	w.watcher.Close()

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	caseID := w.caseOf(event.Name)
	if caseID == "" {
		return
	}
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			w.addTree(event.Name)
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[caseID] = struct{}{}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.flush)
}

// caseOf maps a path below the data directory to its case id
func (w *Watcher) caseOf(path string) string {
	rel, err := filepath.Rel(w.store.Dir(), path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return ""
	}
	first := strings.SplitN(filepath.ToSlash(rel), "/", 2)[0]
	// staging directories of in-flight downloads
	if strings.HasPrefix(first, ".") {
		return ""
	}
	return first
}

func (w *Watcher) addTree(root string) {
	filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if err := w.watcher.Add(path); err != nil {
				w.store.logger.Debug("watch case dir", "path", path, "error", err)
			}
		}
		return nil
	})
}

func (w *Watcher) flush() {
	w.mu.Lock()
	pending := w.pending
	w.pending = make(map[string]struct{})
	w.mu.Unlock()

	for caseID := range pending {
		w.store.logger.Info("case changed on disk", "case", caseID)
		w.store.Invalidate(caseID)
	}
}
