// Package ipc serves the correlated call channel on the host side.
package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/lzy19926/lzy-code-editor/internal/capability"
	"github.com/lzy19926/lzy-code-editor/internal/events"
	"github.com/lzy19926/lzy-code-editor/internal/logging"
	"github.com/lzy19926/lzy-code-editor/internal/metrics"
	"github.com/lzy19926/lzy-code-editor/pkg/protocol"
	"github.com/lzy19926/lzy-code-editor/pkg/transport"
)

// ErrServerClosed is returned by ServeCodec after Close.
var ErrServerClosed = errors.New("ipc: server closed")

// Server dispatches calls arriving on any number of connections.
type Server struct {
	dispatcher  capability.Dispatcher
	broadcaster *events.Broadcaster
	upgrader    websocket.Upgrader
	logger      *zap.Logger

	mu     sync.Mutex
	conns  map[string]transport.Codec
	closed bool
	wg     sync.WaitGroup
}

// NewServer creates a server. broadcaster may be nil, in which case
// notifications are neither forwarded nor delivered.
func NewServer(d capability.Dispatcher, b *events.Broadcaster) *Server {
	return &Server{
		dispatcher:  d,
		broadcaster: b,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 << 10,
			WriteBufferSize: 64 << 10,
			// The socket is local and guarded by the session token.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logging.Named("ipc"),
		conns:  make(map[string]transport.Codec),
	}
}

// ServeHTTP upgrades the request to a websocket and serves it.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	if err := s.ServeCodec(r.Context(), transport.NewWebSocketCodec(conn)); err != nil && !errors.Is(err, ErrServerClosed) {
		s.logger.Debug("connection ended", zap.Error(err))
	}
}

// ServeCodec serves one connection until it closes. In-flight calls finish
// before it returns; their replies are dropped if the connection is gone.
func (s *Server) ServeCodec(ctx context.Context, codec transport.Codec) error {
	id := ulid.Make().String()
	if !s.track(id, codec) {
		codec.Close()
		return ErrServerClosed
	}
	defer s.untrack(id)

	metrics.IPCConnectionOpened()
	defer metrics.IPCConnectionClosed()

	logger := s.logger.With(zap.String("conn", id))
	logger.Debug("connection opened")

	// Handlers are not cancelled when the connection goes away.
	callCtx := context.WithoutCancel(ctx)

	var forward sync.WaitGroup
	if s.broadcaster != nil {
		sub := s.broadcaster.Subscribe(id)
		forward.Add(1)
		go func() {
			defer forward.Done()
			for n := range sub {
				msg := n.Message()
				if err := codec.WriteMessage(&msg); err != nil {
					logger.Debug("notification write failed", zap.Error(err))
				}
			}
		}()
	}

	var calls sync.WaitGroup
	var err error
	for {
		var msg *protocol.Message
		msg, err = codec.ReadMessage()
		if err != nil {
			break
		}
		metrics.RecordFrame(msg.Type)

		switch msg.Type {
		case protocol.TypeCall:
			calls.Add(1)
			go func(msg *protocol.Message) {
				defer calls.Done()
				s.handleCall(callCtx, codec, msg)
			}(msg)
		case protocol.TypeNotify:
			if s.broadcaster != nil && msg.Channel != "" {
				s.broadcaster.Publish(events.Notification{
					Channel: msg.Channel,
					Payload: msg.Payload,
					Origin:  id,
				})
			}
		default:
			logger.Warn("unexpected frame", zap.String("type", msg.Type))
		}
	}

	calls.Wait()
	if s.broadcaster != nil {
		s.broadcaster.Unsubscribe(id)
	}
	forward.Wait()
	codec.Close()

	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		err = nil
	}
	logger.Debug("connection closed", zap.Error(err))
	return err
}

func (s *Server) handleCall(ctx context.Context, codec transport.Codec, msg *protocol.Message) {
	metrics.IPCCallStarted()
	defer metrics.IPCCallFinished()

	ctx = logging.WithCall(ctx, msg.Op, msg.ID)
	reply := &protocol.Message{Type: protocol.TypeReply, ID: msg.ID}

	result, err := s.dispatcher.Dispatch(ctx, msg.Op, msg.Params)
	if err == nil {
		reply.Result, err = json.Marshal(result)
		if err != nil {
			err = &capability.HandlerError{Op: msg.Op, Cause: err}
		}
	}
	if err != nil {
		reply.Result = nil
		reply.Error = protocol.ToError(err)
		logging.WithContext(ctx).Debug("call failed",
			zap.String("code", reply.Error.Code),
			zap.Error(err))
	}

	if werr := codec.WriteMessage(reply); werr != nil {
		logging.WithContext(ctx).Debug("reply dropped", zap.Error(werr))
	}
}

func (s *Server) track(id string, codec transport.Codec) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[id] = codec
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(id string) {
	s.mu.Lock()
	delete(s.conns, id)
	s.mu.Unlock()
	s.wg.Done()
}

// Count returns the number of open connections.
func (s *Server) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close closes every connection and waits for them to drain.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	conns := make([]transport.Codec, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	s.wg.Wait()
	return nil
}
