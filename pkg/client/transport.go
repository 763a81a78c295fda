package client

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"time"
)

// DummyHost is the host name used for requests over the unix socket.
const DummyHost = "lzy-host"

// SocketTransport returns an http.Transport that dials the host's unix
// socket for every request.
func SocketTransport(socketPath string) *http.Transport {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	return &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, "unix", socketPath)
		},
		MaxIdleConns:    16,
		IdleConnTimeout: 90 * time.Second,
	}
}

// SchemeTransport maps <scheme>://<host>/<path> requests onto the host
// socket at /scheme/<scheme>/<host>/<path>.
type SchemeTransport struct {
	// Base carries the rewritten request, usually a SocketTransport.
	Base http.RoundTripper
	// Token is sent as a bearer token when set.
	Token string
}

// RoundTrip rewrites and forwards req.
func (t *SchemeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())
	out.URL = &url.URL{
		Scheme:   "http",
		Host:     DummyHost,
		Path:     "/scheme/" + req.URL.Scheme + "/" + req.URL.Host + req.URL.Path,
		RawQuery: req.URL.RawQuery,
	}
	out.Host = DummyHost
	if t.Token != "" {
		out.Header.Set("Authorization", "Bearer "+t.Token)
	}
	return t.Base.RoundTrip(out)
}
