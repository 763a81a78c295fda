// Package scheme serves intercepted-scheme requests such as
// GET lzy://api/getFiles and turns them into capability dispatches.
package scheme

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lzy19926/lzy-code-editor/internal/logging"
	"github.com/lzy19926/lzy-code-editor/internal/metrics"
	"github.com/lzy19926/lzy-code-editor/pkg/protocol"
)

// Controller handles one route. It must call exactly one Responder method
// that sends before returning.
type Controller func(req *http.Request, res *Responder)

type route struct {
	method     string
	controller Controller
}

// Router matches <scheme>://<host>/<path> against a static table.
type Router struct {
	scheme string
	routes map[string]route
	logger *zap.Logger
}

// NewRouter creates an empty router for scheme.
func NewRouter(scheme string) *Router {
	return &Router{
		scheme: scheme,
		routes: make(map[string]route),
		logger: logging.Named("scheme").With(zap.String("scheme", scheme)),
	}
}

// Scheme returns the scheme the router serves.
func (r *Router) Scheme() string {
	return r.scheme
}

// Handle adds a route. target is host and path without the scheme, for
// example "api/getFiles". Routes are added before the router is registered.
func (r *Router) Handle(method, target string, c Controller) {
	target = strings.Trim(target, "/")
	if _, exists := r.routes[target]; exists {
		panic(fmt.Sprintf("scheme: duplicate route %s", target))
	}
	r.routes[target] = route{method: method, controller: c}
}

// Routes returns the route patterns, as "GET lzy://api/getFiles".
func (r *Router) Routes() []string {
	out := make([]string, 0, len(r.routes))
	for target, rt := range r.routes {
		out = append(out, fmt.Sprintf("%s %s://%s", rt.method, r.scheme, target))
	}
	return out
}

// ServeRequest routes req and returns its response. Every request gets
// exactly one response: unmatched URLs get 404, a known route with the wrong
// method gets 405, and a controller that fails to respond or panics gets 500.
func (r *Router) ServeRequest(req *http.Request) *protocol.SchemeResponse {
	start := time.Now()
	target := strings.Trim(req.URL.Host+req.URL.Path, "/")
	res := newResponder(target, r.logger)

	rt, ok := r.routes[target]
	switch {
	case req.URL.Scheme != r.scheme || !ok:
		target = "unmatched"
		res.Fail(http.StatusNotFound, fmt.Errorf("%w: %s %s", protocol.ErrUnknownOperation, req.Method, req.URL.Redacted()))
	case req.Method != rt.method:
		res.SetHeader("allow", rt.method)
		res.Fail(http.StatusMethodNotAllowed, fmt.Errorf("%w: %s not allowed on %s", protocol.ErrBadParams, req.Method, target))
	default:
		r.invoke(rt.controller, req, res)
		if !res.Sent() {
			r.logger.Error("controller returned without responding", zap.String("route", target))
			res.Fail(http.StatusInternalServerError, fmt.Errorf("%w: no response from %s", protocol.ErrHandler, target))
		}
	}

	resp := res.response()
	metrics.RecordSchemeRequest(r.scheme, target, resp.StatusCode, time.Since(start))
	logging.WithContext(req.Context()).Debug("scheme request",
		zap.String("method", req.Method),
		zap.String("url", req.URL.Redacted()),
		zap.Int("status", resp.StatusCode))
	return resp
}

func (r *Router) invoke(c Controller, req *http.Request, res *Responder) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("controller panicked",
				zap.Any("panic", rec),
				zap.ByteString("stack", debug.Stack()))
			res.Fail(http.StatusInternalServerError, fmt.Errorf("%w: panic: %v", protocol.ErrHandler, rec))
		}
	}()
	c(req, res)
}

// RoundTrip serves req in process, so an http.Client can fetch
// lzy://api/getFiles without a host socket.
func (r *Router) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Body != nil {
		req.Body.Close()
	}
	return toHTTPResponse(req, r.ServeRequest(req)), nil
}

func toHTTPResponse(req *http.Request, resp *protocol.SchemeResponse) *http.Response {
	header := make(http.Header, len(resp.Headers))
	for k, v := range resp.Headers {
		header.Set(k, v)
	}
	header.Set("Content-Length", strconv.Itoa(len(resp.Data)))
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode)),
		StatusCode:    resp.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(strings.NewReader(resp.Data)),
		ContentLength: int64(len(resp.Data)),
		Request:       req,
	}
}

// StatusFor maps a dispatch error to an HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, protocol.ErrUnknownOperation), errors.Is(err, protocol.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, protocol.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, protocol.ErrBadParams):
		return http.StatusBadRequest
	}
	switch protocol.Classify(err) {
	case protocol.CodeNotFound:
		return http.StatusNotFound
	case protocol.CodePermissionDenied:
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}
