package scheme

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/lzy19926/lzy-code-editor/internal/logging"
	"github.com/lzy19926/lzy-code-editor/pkg/protocol"
)

// PathPrefix is where the host socket exposes intercepted schemes:
// lzy://api/getFiles is served at /scheme/lzy/api/getFiles.
const PathPrefix = "/scheme/"

// Registrar errors.
var (
	// ErrHostReady is returned when privileges are declared after MarkReady.
	ErrHostReady = errors.New("scheme privileges must be declared before the host is ready")

	// ErrHostNotReady is returned when registering before MarkReady.
	ErrHostNotReady = errors.New("host is not ready")

	// ErrNotPrivileged is returned when registering an undeclared scheme.
	ErrNotPrivileged = errors.New("scheme was not declared privileged")

	// ErrAlreadyRegistered is returned when a scheme already has a router.
	ErrAlreadyRegistered = errors.New("scheme already registered")
)

// Privileges are declared for a scheme before the host is ready.
type Privileges struct {
	Standard        bool
	Secure          bool
	BypassCSP       bool
	SupportFetchAPI bool
}

// Registrar installs routers for intercepted schemes on the host socket.
// A scheme moves from unregistered to registered only through
// DeclarePrivileged, MarkReady and Register, in that order.
type Registrar struct {
	logger *zap.Logger

	mu         sync.RWMutex
	ready      bool
	privileged map[string]Privileges
	routers    map[string]*Router
}

// NewRegistrar creates a registrar in the not-ready state.
func NewRegistrar() *Registrar {
	return &Registrar{
		logger:     logging.Named("scheme"),
		privileged: make(map[string]Privileges),
		routers:    make(map[string]*Router),
	}
}

// DeclarePrivileged records the privileges of scheme.
func (g *Registrar) DeclarePrivileged(scheme string, p Privileges) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ready {
		return fmt.Errorf("%w: %s", ErrHostReady, scheme)
	}
	g.privileged[scheme] = p
	return nil
}

// MarkReady ends the declaration phase.
func (g *Registrar) MarkReady() {
	g.mu.Lock()
	g.ready = true
	g.mu.Unlock()
}

// Register installs r for its scheme.
func (g *Registrar) Register(r *Router) error {
	scheme := r.Scheme()
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.ready {
		return fmt.Errorf("%w: cannot register %s", ErrHostNotReady, scheme)
	}
	p, ok := g.privileged[scheme]
	if !ok || !p.SupportFetchAPI {
		return fmt.Errorf("%w: %s", ErrNotPrivileged, scheme)
	}
	if _, exists := g.routers[scheme]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, scheme)
	}
	g.routers[scheme] = r
	return nil
}

// IsRegistered reports whether scheme has a router.
func (g *Registrar) IsRegistered(scheme string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.routers[scheme]
	return ok
}

// Install registers r and verifies the registration. A failure is logged,
// not retried, and leaves the scheme unregistered.
func (g *Registrar) Install(r *Router) bool {
	if err := g.Register(r); err != nil {
		g.logger.Error("scheme registration failed", zap.String("scheme", r.Scheme()), zap.Error(err))
		return false
	}
	if !g.IsRegistered(r.Scheme()) {
		g.logger.Error("scheme not registered after install", zap.String("scheme", r.Scheme()))
		return false
	}
	g.logger.Info("scheme registered",
		zap.String("scheme", r.Scheme()),
		zap.Strings("routes", r.Routes()))
	return true
}

// ServeHTTP serves /scheme/<scheme>/<host>/<path> by rebuilding the
// intercepted URL and handing it to the scheme's router.
func (g *Registrar) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	rest := strings.TrimPrefix(req.URL.Path, PathPrefix)
	scheme, target, _ := strings.Cut(rest, "/")
	host, path, _ := strings.Cut(target, "/")

	g.mu.RLock()
	router, ok := g.routers[scheme]
	g.mu.RUnlock()

	if !ok {
		res := newResponder(rest, g.logger)
		res.Fail(http.StatusNotFound, fmt.Errorf("%w: scheme %q is not registered", protocol.ErrUnknownOperation, scheme))
		writeResponse(w, res.response())
		return
	}

	inner := req.Clone(req.Context())
	inner.URL = &url.URL{
		Scheme:   scheme,
		Host:     host,
		Path:     "/" + path,
		RawQuery: stripToken(req.URL.Query()),
	}
	inner.Host = host
	inner.RequestURI = ""
	writeResponse(w, router.ServeRequest(inner))
}

func stripToken(q url.Values) string {
	q.Del("token")
	return q.Encode()
}

func writeResponse(w http.ResponseWriter, resp *protocol.SchemeResponse) {
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(resp.StatusCode)
	if resp.StatusCode != http.StatusNotModified && resp.Data != "" {
		w.Write([]byte(resp.Data))
	}
}
