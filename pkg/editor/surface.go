package editor

import (
	"context"
	"errors"
	"sync"
)

// ErrSurfacePublished is returned when a slot is published twice.
var ErrSurfacePublished = errors.New("editing surface already published")

// Surface is the live editing surface.
type Surface interface {
	// Text returns the current, possibly unsaved, text of the shown document.
	Text() string
}

// SurfaceSlot is a one-shot readiness signal for the editing surface. The
// owner publishes it once it is constructed; users wait for it.
type SurfaceSlot struct {
	once    sync.Once
	ready   chan struct{}
	surface Surface
}

// NewSurfaceSlot creates an empty slot.
func NewSurfaceSlot() *SurfaceSlot {
	return &SurfaceSlot{ready: make(chan struct{})}
}

// Publish makes s available to waiters. Only the first call takes effect.
func (s *SurfaceSlot) Publish(surface Surface) error {
	err := ErrSurfacePublished
	s.once.Do(func() {
		s.surface = surface
		close(s.ready)
		err = nil
	})
	return err
}

// Wait blocks until the surface is published or ctx is done.
func (s *SurfaceSlot) Wait(ctx context.Context) (Surface, error) {
	select {
	case <-s.ready:
		return s.surface, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Ready is closed once the surface is published.
func (s *SurfaceSlot) Ready() <-chan struct{} {
	return s.ready
}

// Buffer is an in-memory Surface.
type Buffer struct {
	mu   sync.RWMutex
	text string
}

// NewBuffer returns a buffer holding text.
func NewBuffer(text string) *Buffer {
	return &Buffer{text: text}
}

// Text implements Surface.
func (b *Buffer) Text() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.text
}

// SetText replaces the buffer's contents.
func (b *Buffer) SetText(text string) {
	b.mu.Lock()
	b.text = text
	b.mu.Unlock()
}
