// Package editor keeps the presentation process's file models in sync with
// the host.
package editor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/lzy19926/lzy-code-editor/internal/logging"
	"github.com/lzy19926/lzy-code-editor/pkg/filecache"
	"github.com/lzy19926/lzy-code-editor/pkg/protocol"
)

// ErrNoActiveModel is returned when no model is shown by the surface.
var ErrNoActiveModel = errors.New("no active model")

// Invoker issues capability calls to the host.
type Invoker interface {
	Invoke(ctx context.Context, op string, params any) (json.RawMessage, error)
}

// Subscriber delivers host notifications.
type Subscriber interface {
	Subscribe(channel string, fn func(payload json.RawMessage)) (unsubscribe func())
}

// ModelService opens files through the cache and tracks the active model.
type ModelService struct {
	calls Invoker
	cache *filecache.Cache
	log   *zap.Logger

	mu     sync.Mutex
	active string
}

// NewModelService creates a model service backed by cache.
func NewModelService(calls Invoker, cache *filecache.Cache) *ModelService {
	return &ModelService{
		calls: calls,
		cache: cache,
		log:   logging.Named("editor"),
	}
}

// Cache returns the underlying cache.
func (s *ModelService) Cache() *filecache.Cache {
	return s.cache
}

// Open returns the model for path, fetching its text from the host on a
// cache miss. Concurrent opens of one path share a single fetch.
func (s *ModelService) Open(ctx context.Context, path string) (*filecache.FileModel, error) {
	key, err := filecache.Canonical(path)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	return s.cache.GetOrLoad(ctx, key, func(ctx context.Context) (*filecache.FileModel, error) {
		raw, err := s.calls.Invoke(ctx, protocol.OpReadFileText, protocol.ReadFileTextParams{Path: key})
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", key, err)
		}
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, fmt.Errorf("decode %s: %w", key, err)
		}
		s.log.Debug("opened file", zap.String("path", key), zap.Int("bytes", len(text)))
		return &filecache.FileModel{ID: key, Text: text}, nil
	})
}

// OpenBuffer is Open through readFileBufferSync. The raw bytes are kept on
// the model; invalid UTF-8 is replaced in the text.
func (s *ModelService) OpenBuffer(ctx context.Context, path string) (*filecache.FileModel, error) {
	key, err := filecache.Canonical(path)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	return s.cache.GetOrLoad(ctx, key, func(ctx context.Context) (*filecache.FileModel, error) {
		raw, err := s.calls.Invoke(ctx, protocol.OpReadFileBuffer, protocol.ReadFileBufferParams{Path: key})
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", key, err)
		}
		var buf []byte
		if err := json.Unmarshal(raw, &buf); err != nil {
			return nil, fmt.Errorf("decode %s: %w", key, err)
		}
		return &filecache.FileModel{
			ID:     key,
			Text:   strings.ToValidUTF8(string(buf), "�"),
			Buffer: buf,
		}, nil
	})
}

// Activate marks the cached model m as the one shown by the surface. The
// active model is pinned in the cache.
func (s *ModelService) Activate(m *filecache.FileModel) error {
	if m == nil {
		return fmt.Errorf("activate: nil model")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.cache.Pin(m.ID); err != nil {
		return fmt.Errorf("activate: %w", err)
	}
	if s.active != "" && s.active != m.ID {
		// The previous model may already be gone.
		_ = s.cache.Unpin(s.active)
	}
	s.active = m.ID
	return nil
}

// Active returns the active model.
func (s *ModelService) Active() (*filecache.FileModel, bool) {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()

	if active == "" {
		return nil, false
	}
	return s.cache.Get(active)
}

// Close drops the model for path. Closing the active model leaves no model
// active.
func (s *ModelService) Close(path string) bool {
	key, err := filecache.Canonical(path)
	if err != nil {
		return false
	}

	s.mu.Lock()
	if s.active == key {
		s.active = ""
	}
	s.mu.Unlock()

	return s.cache.Remove(key)
}

// HandleFileChanged reacts to a change made on disk outside the editor. A
// cached model that is not active is dropped so the next open re-fetches.
func (s *ModelService) HandleFileChanged(ev protocol.FileChangedEvent) {
	key, err := filecache.Canonical(ev.Path)
	if err != nil {
		return
	}

	s.mu.Lock()
	isActive := s.active == key
	s.mu.Unlock()

	if isActive {
		s.log.Warn("active file changed on disk",
			zap.String("path", key),
			zap.String("change", ev.Type),
		)
		return
	}
	if s.cache.Remove(key) {
		s.log.Debug("dropped stale model", zap.String("path", key), zap.String("change", ev.Type))
	}
}

// Watch routes fileChanged notifications from sub to HandleFileChanged.
func (s *ModelService) Watch(sub Subscriber) (unsubscribe func()) {
	return sub.Subscribe(protocol.ChannelFileChanged, func(payload json.RawMessage) {
		var ev protocol.FileChangedEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			s.log.Warn("bad fileChanged payload", zap.Error(err))
			return
		}
		s.HandleFileChanged(ev)
	})
}
