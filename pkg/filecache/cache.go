// Package filecache holds the presentation process's in-memory file models.
package filecache

import (
	"container/list"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/singleflight"

	"github.com/lzy19926/lzy-code-editor/internal/logging"
	"github.com/lzy19926/lzy-code-editor/internal/metrics"
)

// ErrNotCached is returned by Pin and Unpin for unknown paths.
var ErrNotCached = errors.New("file not cached")

// FileModel is a cached file. Text is the baseline: the content last read
// from or written to disk, not the live edit buffer.
type FileModel struct {
	ID     string
	Text   string
	Buffer []byte
	// Handle is an opaque reference owned by the editing surface.
	Handle any
}

// Digest returns the hex BLAKE2b-256 of the baseline text.
func (m *FileModel) Digest() string {
	sum := blake2b.Sum256([]byte(m.Text))
	return hex.EncodeToString(sum[:])
}

func (m *FileModel) size() int64 {
	return int64(len(m.Text) + len(m.Buffer))
}

// Loader fetches a model that is not cached.
type Loader func(ctx context.Context) (*FileModel, error)

// Options bounds the cache. Zero values mean unbounded.
type Options struct {
	MaxEntries int
	MaxBytes   int64
	// OnEvict is called without the cache lock held for every model dropped
	// to make room.
	OnEvict func(*FileModel)
}

// Stats are cumulative cache counters.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Loads     uint64
	Evictions uint64
}

// load tracks a fetch in flight. A Remove of its path during the fetch
// keeps the result out of the cache.
type load struct {
	dropped bool
}

type entry struct {
	model      *FileModel
	size       int64
	lastAccess time.Time
	pinned     bool
	elem       *list.Element
}

// Cache maps canonical paths to file models. At most one model per path is
// held at a time.
type Cache struct {
	opts Options

	mu      sync.Mutex
	entries map[string]*entry
	lru     *list.List // front is most recently used
	size    int64
	loading map[string]*load

	group singleflight.Group

	hits      atomic.Uint64
	misses    atomic.Uint64
	loads     atomic.Uint64
	evictions atomic.Uint64
}

// New creates an empty cache.
func New(opts Options) *Cache {
	return &Cache{
		opts:    opts,
		entries: make(map[string]*entry),
		lru:     list.New(),
		loading: make(map[string]*load),
	}
}

// Canonical returns the cache key for path: URL-unescaped, absolute and clean.
func Canonical(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty path")
	}
	unescaped, err := url.PathUnescape(path)
	if err != nil {
		return "", fmt.Errorf("unescape %q: %w", path, err)
	}
	abs, err := filepath.Abs(unescaped)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", path, err)
	}
	return abs, nil
}

func key(path string) string {
	k, err := Canonical(path)
	if err != nil {
		return path
	}
	return k
}

// Get returns a copy of the model cached for path.
func (c *Cache) Get(path string) (*FileModel, bool) {
	k := key(path)

	c.mu.Lock()
	e, ok := c.entries[k]
	if ok {
		e.lastAccess = time.Now()
		c.lru.MoveToFront(e.elem)
	}
	var m FileModel
	if ok {
		m = *e.model
	}
	c.mu.Unlock()

	if !ok {
		c.misses.Add(1)
		metrics.RecordCacheEvent("miss")
		return nil, false
	}
	c.hits.Add(1)
	metrics.RecordCacheEvent("hit")
	return &m, true
}

// Set stores a copy of model under path, replacing any previous model. The
// model's ID is set to the canonical path.
func (c *Cache) Set(path string, model *FileModel) {
	k := key(path)
	m := *model
	m.ID = k

	c.mu.Lock()
	evicted := c.setLocked(k, &m)
	c.mu.Unlock()

	c.notifyEvicted(evicted)
}

func (c *Cache) setLocked(k string, m *FileModel) []*FileModel {
	if old, ok := c.entries[k]; ok {
		c.size += m.size() - old.size
		old.model = m
		old.size = m.size()
		old.lastAccess = time.Now()
		c.lru.MoveToFront(old.elem)
	} else {
		e := &entry{model: m, size: m.size(), lastAccess: time.Now()}
		e.elem = c.lru.PushFront(k)
		c.entries[k] = e
		c.size += e.size
	}
	evicted := c.evictLocked(k)
	metrics.SetCacheEntries(len(c.entries))
	return evicted
}

func (c *Cache) overLimit() bool {
	if c.opts.MaxEntries > 0 && len(c.entries) > c.opts.MaxEntries {
		return true
	}
	return c.opts.MaxBytes > 0 && c.size > c.opts.MaxBytes
}

// evictLocked drops least recently used unpinned entries until the cache
// fits its bounds. keep is never evicted.
func (c *Cache) evictLocked(keep string) []*FileModel {
	var evicted []*FileModel
	for elem := c.lru.Back(); elem != nil && c.overLimit(); {
		prev := elem.Prev()
		k := elem.Value.(string)
		e := c.entries[k]
		if k != keep && !e.pinned {
			c.lru.Remove(elem)
			delete(c.entries, k)
			c.size -= e.size
			evicted = append(evicted, e.model)
		}
		elem = prev
	}
	return evicted
}

func (c *Cache) notifyEvicted(models []*FileModel) {
	for _, m := range models {
		c.evictions.Add(1)
		metrics.RecordCacheEvent("evict")
		logging.L().Debug("evicted file model", zap.String("path", m.ID))
		if c.opts.OnEvict != nil {
			c.opts.OnEvict(m)
		}
	}
}

// Remove drops the model for path. Pinned models are removed too.
func (c *Cache) Remove(path string) bool {
	k := key(path)

	c.mu.Lock()
	e, ok := c.entries[k]
	if ok {
		c.lru.Remove(e.elem)
		delete(c.entries, k)
		c.size -= e.size
		metrics.SetCacheEntries(len(c.entries))
	}
	// A load already in flight must not bring the model back.
	if l, ok := c.loading[k]; ok {
		l.dropped = true
	}
	c.mu.Unlock()

	c.group.Forget(k)
	return ok
}

// UpdateBaseline replaces the baseline text of a cached model. A kept
// buffer is replaced with the new text's bytes.
func (c *Cache) UpdateBaseline(path, text string) bool {
	k := key(path)

	c.mu.Lock()
	e, ok := c.entries[k]
	var evicted []*FileModel
	if ok {
		m := *e.model
		m.Text = text
		if m.Buffer != nil {
			m.Buffer = []byte(text)
		}
		evicted = c.setLocked(k, &m)
	}
	c.mu.Unlock()

	c.notifyEvicted(evicted)
	return ok
}

// GetOrLoad returns the cached model for path or runs loader to fetch it.
// Concurrent calls for the same path share one load. A failed load is
// returned to every waiter and nothing is cached.
func (c *Cache) GetOrLoad(ctx context.Context, path string, loader Loader) (*FileModel, error) {
	if m, ok := c.Get(path); ok {
		return m, nil
	}
	k := key(path)

	ch := c.group.DoChan(k, func() (any, error) {
		c.mu.Lock()
		if e, ok := c.entries[k]; ok {
			m := *e.model
			c.mu.Unlock()
			return &m, nil
		}
		inflight := &load{}
		c.loading[k] = inflight
		c.mu.Unlock()

		c.loads.Add(1)
		metrics.RecordCacheEvent("load")
		// The load outlives any single waiter.
		m, err := loader(context.WithoutCancel(ctx))

		c.mu.Lock()
		if c.loading[k] == inflight {
			delete(c.loading, k)
		}
		if err != nil || m == nil {
			c.mu.Unlock()
			if err == nil {
				err = fmt.Errorf("load %s: no model", k)
			}
			return nil, err
		}
		stored := *m
		stored.ID = k
		var evicted []*FileModel
		if !inflight.dropped {
			evicted = c.setLocked(k, &stored)
		}
		c.mu.Unlock()
		c.notifyEvicted(evicted)

		return &stored, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		m := *res.Val.(*FileModel)
		return &m, nil
	}
}

// Pin keeps the model for path from being evicted.
func (c *Cache) Pin(path string) error {
	return c.setPinned(path, true)
}

// Unpin makes the model for path evictable again.
func (c *Cache) Unpin(path string) error {
	return c.setPinned(path, false)
}

func (c *Cache) setPinned(path string, pinned bool) error {
	k := key(path)

	c.mu.Lock()
	e, ok := c.entries[k]
	var evicted []*FileModel
	if ok {
		e.pinned = pinned
		if !pinned {
			evicted = c.evictLocked("")
			metrics.SetCacheEntries(len(c.entries))
		}
	}
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotCached, k)
	}
	c.notifyEvicted(evicted)
	return nil
}

// IsPinned reports whether path is cached and pinned.
func (c *Cache) IsPinned(path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key(path)]
	return ok && e.pinned
}

// Len returns the number of cached models.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Size returns the total size of cached text and buffers in bytes.
func (c *Cache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Keys returns the cached paths, most recently used first.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, c.lru.Len())
	for elem := c.lru.Front(); elem != nil; elem = elem.Next() {
		keys = append(keys, elem.Value.(string))
	}
	return keys
}

// Clear removes all unpinned models and returns how many were dropped.
func (c *Cache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := 0
	for k, e := range c.entries {
		if e.pinned {
			continue
		}
		c.lru.Remove(e.elem)
		delete(c.entries, k)
		c.size -= e.size
		count++
	}
	for _, l := range c.loading {
		l.dropped = true
	}
	metrics.SetCacheEntries(len(c.entries))
	return count
}

// Stats returns the cumulative counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Loads:     c.loads.Load(),
		Evictions: c.evictions.Load(),
	}
}
