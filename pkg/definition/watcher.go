package definition

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces editor write bursts into one reload per file.
const reloadDebounce = 250 * time.Millisecond

// Watcher hot-reloads dashboard definitions when their files change. Change
// notifications are debounced per file; after a successful reload the
// onChange callback fires with the affected path so open surfaces can react.
type Watcher struct {
	store    *Store
	fsw      *fsnotify.Watcher
	onChange func(path string)

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// NewWatcher creates a watcher over the store's directory. onChange may be
// nil.
func NewWatcher(store *Store, onChange func(path string)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fs watcher: %w", err)
	}
	if err := fsw.Add(store.Dir()); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", store.Dir(), err)
	}
	return &Watcher{store: store, fsw: fsw, onChange: onChange, pending: make(map[string]*time.Timer)}, nil
}

// Run processes file events until the context is canceled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule(ev.Name)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			log.Printf("[WARN] dashboards watcher: %v", err)
		}
	}
}

// schedule arms (or re-arms) the per-file debounce timer.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Stop()
	}
	w.pending[path] = time.AfterFunc(reloadDebounce, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		w.reload(path)
	})
}

func (w *Watcher) reload(path string) {
	if err := w.store.ReloadFile(path); err != nil {
		// broken edit: previous version stays served
		log.Printf("[WARN] %v", err)
		return
	}
	if w.onChange != nil {
		w.onChange(path)
	}
}
