// Package capability holds the named operations the host exposes to the
// presentation process and dispatches calls to them.
package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/lzy19926/lzy-code-editor/internal/logging"
	"github.com/lzy19926/lzy-code-editor/pkg/protocol"
)

// Registry errors.
var (
	// ErrEmptyName is returned when an operation has no name.
	ErrEmptyName = errors.New("operation name cannot be empty")

	// ErrNilHandler is returned when an operation has no handler.
	ErrNilHandler = errors.New("operation handler cannot be nil")

	// ErrAlreadyRegistered is returned when registering a duplicate.
	ErrAlreadyRegistered = errors.New("operation already registered")

	// ErrSealed is returned when registering after startup.
	ErrSealed = errors.New("registry is sealed")
)

// Handler executes one operation. params is the raw JSON of the call.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// Registry maps operation names to handlers.
// Registration happens at startup; after Seal the registry is read-only.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	sealed   bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds an operation. A duplicate name never replaces the first handler.
func (r *Registry) Register(name string, h Handler) error {
	if name == "" {
		return ErrEmptyName
	}
	if h == nil {
		return fmt.Errorf("%w: %s", ErrNilHandler, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return fmt.Errorf("%w: cannot register %s", ErrSealed, name)
	}
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, name)
	}
	r.handlers[name] = h

	logging.Debug("registered operation", zap.String("op", name))
	return nil
}

// MustRegister registers an operation and panics on error.
func (r *Registry) MustRegister(name string, h Handler) {
	if err := r.Register(name, h); err != nil {
		panic(fmt.Sprintf("failed to register operation %s: %v", name, err))
	}
}

// Seal makes the registry immutable.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Lookup returns the handler registered under name.
func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns all registered operation names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered operations.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// Typed adapts a function with typed params and result into a Handler.
// Empty params decode as the zero value of P.
func Typed[P any, R any](fn func(ctx context.Context, params P) (R, error)) Handler {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var p P
		if len(raw) > 0 && string(raw) != "null" {
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, fmt.Errorf("%w: %v", protocol.ErrBadParams, err)
			}
		}
		return fn(ctx, p)
	}
}
