package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lzy19926/lzy-code-editor/internal/auth"
	"github.com/lzy19926/lzy-code-editor/internal/capability"
	"github.com/lzy19926/lzy-code-editor/internal/events"
	"github.com/lzy19926/lzy-code-editor/internal/fileservice"
	"github.com/lzy19926/lzy-code-editor/internal/hostapi"
	"github.com/lzy19926/lzy-code-editor/internal/ipc"
	"github.com/lzy19926/lzy-code-editor/internal/logging"
	"github.com/lzy19926/lzy-code-editor/internal/scheme"
	"github.com/lzy19926/lzy-code-editor/internal/terminal"
	"github.com/lzy19926/lzy-code-editor/pkg/client"
	"github.com/lzy19926/lzy-code-editor/pkg/ipcclient"
	"github.com/lzy19926/lzy-code-editor/pkg/protocol"
	"github.com/lzy19926/lzy-code-editor/pkg/retry"
)

// startHost serves a host with a fixed workspace and returns its socket
// path and session token.
func startHost(t *testing.T, workspace string) (string, string) {
	t.Helper()

	files := fileservice.New(fileservice.Options{Picker: fileservice.FixedPicker{Dir: workspace}})
	registry := capability.NewRegistry()
	api := &hostapi.API{Files: files, Terminals: terminal.NewManager("/bin/sh", workspace)}
	require.NoError(t, api.Register(registry))
	registry.Seal()

	registrar := scheme.NewRegistrar()
	require.NoError(t, registrar.DeclarePrivileged("lzy", scheme.Privileges{BypassCSP: true, SupportFetchAPI: true}))

	a, err := auth.New("test-session")
	require.NoError(t, err)
	token, err := a.Issue(time.Hour)
	require.NoError(t, err)

	ipcServer := ipc.NewServer(registry, events.NewBroadcaster())
	t.Cleanup(func() { ipcServer.Close() })

	// Unix socket paths are short; t.TempDir can exceed the limit.
	dir, err := os.MkdirTemp("", "lzyd")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	sock := filepath.Join(dir, "hostd.sock")

	ln, err := listenUnix(sock)
	require.NoError(t, err)
	srv := &http.Server{Handler: logging.Middleware(newMux(ipcServer, registrar, a.Middleware))}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	registrar.MarkReady()
	require.True(t, registrar.Install(scheme.NewAPIRouter("lzy", registry, "")))
	return sock, token
}

func TestHostServesBothTransports(t *testing.T) {
	workspace := t.TempDir()
	readme := filepath.Join(workspace, "README.md")
	require.NoError(t, os.WriteFile(readme, []byte("hello"), 0644))

	sock, token := startHost(t, workspace)
	ctx := context.Background()

	sc := client.New(client.Config{SocketPath: sock, Token: token})
	defer sc.Close()
	require.NoError(t, sc.Ping(ctx))

	root, err := sc.FetchTree(ctx)
	require.NoError(t, err)
	require.NotNil(t, root)
	assert.Equal(t, filepath.Base(workspace), root.Name)
	require.Len(t, root.Children, 1)
	assert.Equal(t, "README.md", root.Children[0].RelativePath)

	calls, err := ipcclient.Dial(ctx, ipcclient.DialConfig{SocketPath: sock, Token: token})
	require.NoError(t, err)
	defer calls.Close()

	text, err := ipcclient.Call[string](ctx, calls, protocol.OpReadFileText, protocol.ReadFileTextParams{Path: readme})
	require.NoError(t, err)
	assert.Equal(t, "hello", text)

	ping, err := ipcclient.Call[protocol.PingResult](ctx, calls, protocol.OpPing, nil)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), ping.PID)
}

func TestHostRejectsMissingToken(t *testing.T) {
	sock, _ := startHost(t, t.TempDir())
	ctx := context.Background()

	sc := client.New(client.Config{SocketPath: sock})
	defer sc.Close()
	require.NoError(t, sc.Ping(ctx), "health is not protected")

	_, err := sc.FetchTree(ctx)
	var remote *protocol.Error
	require.True(t, errors.As(err, &remote), "got %v", err)
	assert.Equal(t, "Unauthorized", remote.Code)

	_, err = ipcclient.Dial(ctx, ipcclient.DialConfig{
		SocketPath: sock,
		Retry:      retry.Config{MaxAttempts: 1},
	})
	assert.Error(t, err)
}

func TestListenUnixReplacesStaleSocket(t *testing.T) {
	dir, err := os.MkdirTemp("", "lzyd")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	sock := filepath.Join(dir, "hostd.sock")
	require.NoError(t, os.WriteFile(sock, nil, 0600))

	ln, err := listenUnix(sock)
	require.NoError(t, err)
	defer ln.Close()

	info, err := os.Stat(sock)
	require.NoError(t, err)
	assert.Equal(t, os.ModeSocket, info.Mode()&os.ModeSocket)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}
