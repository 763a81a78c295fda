package ipcclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lzy19926/lzy-code-editor/internal/logging"
	"github.com/lzy19926/lzy-code-editor/pkg/retry"
	"github.com/lzy19926/lzy-code-editor/pkg/transport"
)

// DummyHost is the host name used for requests over the unix socket.
const DummyHost = "lzy-host"

// DialConfig configures Dial.
type DialConfig struct {
	SocketPath string
	Token      string
	Options    Options
	// Retry controls reconnect attempts while the host is starting.
	// The zero value uses retry.DefaultConfig.
	Retry retry.Config
}

// Dial connects to the host's /ipc endpoint over its unix socket. Connection
// failures are retried; an authentication failure is not.
func Dial(ctx context.Context, cfg DialConfig) (*Client, error) {
	rc := cfg.Retry
	if rc.MaxAttempts == 0 {
		rc = retry.DefaultConfig()
	}

	dialer := websocket.Dialer{
		NetDialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", cfg.SocketPath)
		},
		ReadBufferSize:  64 << 10,
		WriteBufferSize: 64 << 10,
	}
	header := http.Header{}
	if cfg.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Token)
	}

	conn, err := retry.DoWithResult(ctx, rc, func() (*websocket.Conn, error) {
		conn, resp, err := dialer.DialContext(ctx, "ws://"+DummyHost+"/ipc", header)
		if err == nil {
			return conn, nil
		}
		if resp != nil && errors.Is(err, websocket.ErrBadHandshake) {
			return nil, fmt.Errorf("dial %s: handshake rejected with status %d", cfg.SocketPath, resp.StatusCode)
		}
		logging.Debug("dial failed", zap.String("socket", cfg.SocketPath), zap.Error(err))
		return nil, retry.Retryable(err)
	})
	if err != nil {
		return nil, err
	}
	return New(transport.NewWebSocketCodec(conn), cfg.Options), nil
}
