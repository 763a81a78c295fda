package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lzy19926/lzy-code-editor/pkg/protocol"
	"github.com/lzy19926/lzy-code-editor/pkg/retry"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestSchemeTransportRewritesURL(t *testing.T) {
	var seen *http.Request
	tr := &SchemeTransport{
		Base: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			seen = r
			return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody, Request: r}, nil
		}),
		Token: "tok",
	}

	req, _ := http.NewRequest(http.MethodGet, "lzy://api/getFileContent?path=%2Ftmp%2Fa", nil)
	if _, err := tr.RoundTrip(req); err != nil {
		t.Fatal(err)
	}

	if got := seen.URL.String(); got != "http://"+DummyHost+"/scheme/lzy/api/getFileContent?path=%2Ftmp%2Fa" {
		t.Errorf("rewritten URL = %s", got)
	}
	if got := seen.Header.Get("Authorization"); got != "Bearer tok" {
		t.Errorf("Authorization = %q", got)
	}
	if req.Header.Get("Authorization") != "" {
		t.Error("original request must not be modified")
	}
}

// serveUnix serves h on a unix socket and returns its path.
func serveUnix(t *testing.T, h http.Handler) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "lzy")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	sock := filepath.Join(dir, "h.sock")
	ln, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatal(err)
	}
	srv := &http.Server{Handler: h}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })
	return sock
}

func TestPingAndFetchTree(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/scheme/lzy/api/getFiles", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"status": 200,
			"data":   map[string]any{"isDir": true, "name": "ws", "absolutePath": "/ws", "relativePath": "", "children": []any{}},
		})
	})
	sock := serveUnix(t, mux)

	c := New(Config{SocketPath: sock, Token: "tok"})
	defer c.Close()
	ctx := context.Background()

	if err := c.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if !c.IsOnline() {
		t.Error("expected online")
	}

	root, err := c.FetchTree(ctx)
	if err != nil {
		t.Fatalf("FetchTree: %v", err)
	}
	if root == nil || root.Name != "ws" || !root.IsDir {
		t.Errorf("unexpected root %+v", root)
	}

	noAuth := New(Config{SocketPath: sock})
	defer noAuth.Close()
	_, err = noAuth.FetchTree(ctx)
	if code, ok := AsStatus(err); !ok || code != http.StatusUnauthorized {
		t.Errorf("error = %v, want status 401", err)
	}
}

func TestFetchContentErrorBody(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/scheme/lzy/api/getFileContent", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(protocol.SchemeBody{
			Status: http.StatusNotFound,
			Data:   json.RawMessage("null"),
			Error:  &protocol.Error{Code: protocol.CodeNotFound, Message: r.URL.Query().Get("path")},
		})
	})
	c := New(Config{SocketPath: serveUnix(t, mux)})
	defer c.Close()

	_, err := c.FetchContent(context.Background(), "/gone.txt")
	var remote *protocol.Error
	if !errors.As(err, &remote) || remote.Message != "/gone.txt" {
		t.Errorf("error = %v, want remote NotFound for /gone.txt", err)
	}
	if !errors.Is(err, protocol.ErrNotFound) {
		t.Errorf("error %v should match ErrNotFound", err)
	}
}

func TestGetRetriesUnreachableHost(t *testing.T) {
	c := New(Config{
		SocketPath:  filepath.Join(t.TempDir(), "missing.sock"),
		RetryConfig: retry.Config{MaxAttempts: 2},
	})
	defer c.Close()

	_, err := c.Get(context.Background(), "api/getFiles", nil, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !retry.IsRetryable(err) {
		t.Errorf("expected retryable dial error, got %v", err)
	}
	if c.IsOnline() {
		t.Error("client should be offline")
	}
}

func TestFetchTreeWaitsForSlowPicker(t *testing.T) {
	var requests atomic.Int32
	slow := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		requests.Add(1)
		select {
		case <-time.After(300 * time.Millisecond):
		case <-r.Context().Done():
			return nil, r.Context().Err()
		}
		body := `{"status":200,"data":null}`
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader(body)), Request: r}, nil
	})
	c := New(Config{
		Timeout:            50 * time.Millisecond,
		SchemeRoundTripper: slow,
		RetryConfig:        retry.Config{MaxAttempts: 5, InitialWait: time.Millisecond},
	})
	defer c.Close()

	root, err := c.FetchTree(context.Background())
	if err != nil {
		t.Fatalf("FetchTree: %v", err)
	}
	if root != nil {
		t.Errorf("root = %+v, want nil for a cancelled selection", root)
	}
	if n := requests.Load(); n != 1 {
		t.Errorf("host saw %d requests, want 1", n)
	}
}

func TestGetDoesNotRepeatSentRequest(t *testing.T) {
	var requests atomic.Int32
	c := New(Config{
		Timeout: 20 * time.Millisecond,
		SchemeRoundTripper: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			requests.Add(1)
			<-r.Context().Done()
			return nil, r.Context().Err()
		}),
		RetryConfig: retry.Config{MaxAttempts: 5, InitialWait: time.Millisecond},
	})
	defer c.Close()

	_, err := c.Get(context.Background(), "api/getFileContent", nil, nil)
	if err == nil {
		t.Fatal("expected timeout")
	}
	if retry.IsRetryable(err) {
		t.Errorf("timeout should not be retryable: %v", err)
	}
	if n := requests.Load(); n != 1 {
		t.Errorf("host saw %d requests, want 1", n)
	}
}

func TestGetRetriesDialErrors(t *testing.T) {
	var requests atomic.Int32
	c := New(Config{
		SchemeRoundTripper: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			requests.Add(1)
			return nil, &net.OpError{Op: "dial", Net: "unix", Err: errors.New("connection refused")}
		}),
		RetryConfig: retry.Config{MaxAttempts: 3, InitialWait: time.Millisecond},
	})
	defer c.Close()

	if _, err := c.Get(context.Background(), "api/getFiles", nil, nil); err == nil {
		t.Fatal("expected error")
	}
	if n := requests.Load(); n != 3 {
		t.Errorf("attempts = %d, want 3", n)
	}
}
