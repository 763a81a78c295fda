// Package watcher reports changes to files in picked workspaces.
package watcher

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/lzy19926/lzy-code-editor/internal/logging"
	"github.com/lzy19926/lzy-code-editor/pkg/protocol"
)

// Event types.
const (
	EventCreate = "create"
	EventModify = "modify"
	EventDelete = "delete"
)

// Options configures a Watcher.
type Options struct {
	// Ignore lists directory and file names that are never watched.
	Ignore []string

	// Debounce merges events for the same path within this window.
	Debounce time.Duration

	// Suppress drops events for paths it returns true for.
	Suppress func(path string) bool

	// OnEvent receives every debounced change.
	OnEvent func(protocol.FileChangedEvent)
}

// Watcher watches directory trees with fsnotify.
type Watcher struct {
	opts    Options
	ignore  map[string]struct{}
	watcher *fsnotify.Watcher
	logger  *zap.Logger

	mu      sync.Mutex
	pending map[string]pendingEvent
	roots   map[string]struct{}
}

type pendingEvent struct {
	typ  string
	seen time.Time
}

// New creates a watcher. Call Add for each tree, then Run.
func New(opts Options) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if opts.Debounce == 0 {
		opts.Debounce = 200 * time.Millisecond
	}
	ignore := make(map[string]struct{}, len(opts.Ignore))
	for _, name := range opts.Ignore {
		ignore[name] = struct{}{}
	}
	return &Watcher{
		opts:    opts,
		ignore:  ignore,
		watcher: fw,
		logger:  logging.Named("watcher"),
		pending: make(map[string]pendingEvent),
		roots:   make(map[string]struct{}),
	}, nil
}

// Add watches root and every directory below it. Adding the same root
// twice is a no-op.
func (w *Watcher) Add(root string) error {
	w.mu.Lock()
	if _, ok := w.roots[root]; ok {
		w.mu.Unlock()
		return nil
	}
	w.roots[root] = struct{}{}
	w.mu.Unlock()

	return w.addTree(root)
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == root {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if _, skip := w.ignore[d.Name()]; skip && p != root {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(p); err != nil {
			w.logger.Warn("cannot watch directory", zap.String("path", p), zap.Error(err))
		}
		return nil
	})
}

// Run processes events until ctx is done, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	tick := w.opts.Debounce / 2
	if tick <= 0 {
		tick = 50 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handle(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("watch error", zap.Error(err))

		case <-ticker.C:
			w.flush(false)
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if _, skip := w.ignore[filepath.Base(event.Name)]; skip {
		return
	}

	var typ string
	switch {
	case event.Has(fsnotify.Create):
		typ = EventCreate
		if info, err := os.Lstat(event.Name); err == nil && info.IsDir() {
			if err := w.addTree(event.Name); err != nil {
				w.logger.Warn("cannot watch new directory", zap.String("path", event.Name), zap.Error(err))
			}
		}
	case event.Has(fsnotify.Write):
		typ = EventModify
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		typ = EventDelete
	default:
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	prev, ok := w.pending[event.Name]
	if ok && prev.typ == EventCreate && typ == EventModify {
		typ = EventCreate
	}
	w.pending[event.Name] = pendingEvent{typ: typ, seen: time.Now()}
}

// flush emits events older than the debounce window, or all of them when
// force is set.
func (w *Watcher) flush(force bool) {
	now := time.Now()
	var ready []protocol.FileChangedEvent

	w.mu.Lock()
	for p, ev := range w.pending {
		if !force && now.Sub(ev.seen) < w.opts.Debounce {
			continue
		}
		delete(w.pending, p)
		ready = append(ready, protocol.FileChangedEvent{Type: ev.typ, Path: p, Time: ev.seen.Unix()})
	}
	w.mu.Unlock()

	for _, ev := range ready {
		if w.opts.Suppress != nil && w.opts.Suppress(ev.Path) {
			w.logger.Debug("suppressed event", zap.String("path", ev.Path), zap.String("type", ev.Type))
			continue
		}
		w.logger.Debug("file changed", zap.String("path", ev.Path), zap.String("type", ev.Type))
		if w.opts.OnEvent != nil {
			w.opts.OnEvent(ev)
		}
	}
}
