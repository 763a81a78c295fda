// Package client fetches from the host through the intercepted scheme.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lzy19926/lzy-code-editor/internal/logging"
	"github.com/lzy19926/lzy-code-editor/pkg/models"
	"github.com/lzy19926/lzy-code-editor/pkg/protocol"
	"github.com/lzy19926/lzy-code-editor/pkg/retry"
)

// Client issues GET <scheme>://api/... requests with a plain http.Client.
type Client struct {
	scheme      string
	httpClient  *http.Client
	pickClient  *http.Client // no timeout: the host waits on the user
	base        http.RoundTripper
	retryConfig retry.Config

	mu     sync.RWMutex
	online bool
	etags  map[string]cachedContent
}

type cachedContent struct {
	etag string
	text string
}

// Config holds client configuration.
type Config struct {
	SocketPath  string
	Token       string
	Scheme      string
	Timeout     time.Duration
	RetryConfig retry.Config

	// SchemeRoundTripper serves the scheme instead of the host socket, for
	// example a scheme.Router in the same process.
	SchemeRoundTripper http.RoundTripper
}

// New creates a new client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}
	if cfg.Scheme == "" {
		cfg.Scheme = "lzy"
	}

	base := SocketTransport(cfg.SocketPath)
	rt := cfg.SchemeRoundTripper
	if rt == nil {
		rt = &SchemeTransport{Base: base, Token: cfg.Token}
	}
	base.RegisterProtocol(cfg.Scheme, rt)

	return &Client{
		scheme:      cfg.Scheme,
		httpClient:  &http.Client{Timeout: cfg.Timeout, Transport: base},
		pickClient:  &http.Client{Transport: base},
		base:        base,
		retryConfig: cfg.RetryConfig,
		online:      true,
		etags:       make(map[string]cachedContent),
	}
}

// HTTPClient returns the underlying client. It understands the scheme URLs.
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

// IsOnline reports whether the last request reached the host.
func (c *Client) IsOnline() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online
}

func (c *Client) setOnline(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.online != online {
		if online {
			logging.Info("host is reachable again")
		} else {
			logging.Warn("host is unreachable")
		}
	}
	c.online = online
}

// Ping checks the host's /health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+DummyHost+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.setOnline(false)
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("host returned %d", resp.StatusCode)
	}
	c.setOnline(true)
	return nil
}

// Get fetches <scheme>://<target>?<query>. Only failures to reach the
// host are retried; a request that was sent is never repeated. Responses of
// any status are returned to the caller.
func (c *Client) Get(ctx context.Context, target string, query url.Values, header http.Header) (*http.Response, error) {
	return c.get(ctx, c.httpClient, target, query, header)
}

func (c *Client) get(ctx context.Context, hc *http.Client, target string, query url.Values, header http.Header) (*http.Response, error) {
	rawURL := c.scheme + "://" + target
	if len(query) > 0 {
		rawURL += "?" + query.Encode()
	}
	return retry.DoWithResult(ctx, c.retryConfig, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, err
		}
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		resp, err := hc.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if isDialError(err) {
				c.setOnline(false)
				return nil, retry.Retryable(err)
			}
			return nil, err
		}
		c.setOnline(true)
		return resp, nil
	})
}

// isDialError reports whether err happened before the request was sent.
func isDialError(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

// FetchTree asks the host for a directory tree. The host prompts for the
// folder, so only ctx bounds the wait. A cancelled selection returns
// (nil, nil).
func (c *Client) FetchTree(ctx context.Context) (*models.FileTreeNode, error) {
	resp, err := c.get(ctx, c.pickClient, "api/getFiles", nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body protocol.TreeBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		if resp.StatusCode >= 300 {
			return nil, &StatusError{StatusCode: resp.StatusCode}
		}
		return nil, fmt.Errorf("decode tree: %w", err)
	}
	if err := responseError(resp.StatusCode, body.Error); err != nil {
		return nil, err
	}
	return body.Data, nil
}

// FetchContent returns the text of path. Content fetched before is
// revalidated with its ETag.
func (c *Client) FetchContent(ctx context.Context, path string) (string, error) {
	c.mu.RLock()
	cached, hasCached := c.etags[path]
	c.mu.RUnlock()

	header := http.Header{}
	if hasCached {
		header.Set("If-None-Match", cached.etag)
	}

	resp, err := c.Get(ctx, "api/getFileContent", url.Values{"path": {path}}, header)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified && hasCached {
		logging.L().Debug("content not modified", zap.String("path", path))
		return cached.text, nil
	}

	var body protocol.ContentBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		if resp.StatusCode >= 300 {
			return "", &StatusError{StatusCode: resp.StatusCode}
		}
		return "", fmt.Errorf("decode content: %w", err)
	}
	if err := responseError(resp.StatusCode, body.Error); err != nil {
		return "", err
	}

	if etag := resp.Header.Get("Etag"); etag != "" {
		c.mu.Lock()
		c.etags[path] = cachedContent{etag: etag, text: body.Data}
		c.mu.Unlock()
	}
	return body.Data, nil
}

// Forget drops the revalidation entry of path.
func (c *Client) Forget(path string) {
	c.mu.Lock()
	delete(c.etags, path)
	c.mu.Unlock()
}

// Close releases idle connections.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

// StatusError is returned for non-2xx responses without an error body.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("host returned %d", e.StatusCode)
}

func responseError(status int, remote *protocol.Error) error {
	if remote != nil {
		return remote
	}
	if status < 200 || status > 299 {
		return &StatusError{StatusCode: status}
	}
	return nil
}

// AsStatus extracts the status code of a StatusError.
func AsStatus(err error) (int, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode, true
	}
	return 0, false
}
