// Package ipcclient is the presentation-side end of the call channel.
package ipcclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/lzy19926/lzy-code-editor/internal/logging"
	"github.com/lzy19926/lzy-code-editor/pkg/protocol"
	"github.com/lzy19926/lzy-code-editor/pkg/transport"
)

// Options configures a Client.
type Options struct {
	// CallTimeout bounds every Invoke on top of the caller's context.
	// 0 disables it.
	CallTimeout time.Duration
}

type reply struct {
	result json.RawMessage
	err    error
}

// Client correlates calls with replies over a Codec. All methods are safe
// for concurrent use.
type Client struct {
	codec   transport.Codec
	timeout time.Duration
	logger  *zap.Logger

	mu      sync.Mutex
	pending map[string]chan reply
	closed  bool
	err     error

	subMu   sync.RWMutex
	subs    map[string]map[int]func(json.RawMessage)
	nextSub int

	done chan struct{}
}

// New starts a client on codec. The client owns codec and closes it.
func New(codec transport.Codec, opts Options) *Client {
	c := &Client{
		codec:   codec,
		timeout: opts.CallTimeout,
		logger:  logging.Named("ipcclient"),
		pending: make(map[string]chan reply),
		subs:    make(map[string]map[int]func(json.RawMessage)),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Client) readLoop() {
	var err error
	for {
		var msg *protocol.Message
		msg, err = c.codec.ReadMessage()
		if err != nil {
			break
		}
		switch msg.Type {
		case protocol.TypeReply:
			c.deliver(msg)
		case protocol.TypeNotify:
			c.notify(msg.Channel, msg.Payload)
		default:
			c.logger.Warn("unexpected frame", zap.String("type", msg.Type))
		}
	}
	c.shutdown(err)
}

func (c *Client) deliver(msg *protocol.Message) {
	c.mu.Lock()
	ch, ok := c.pending[msg.ID]
	delete(c.pending, msg.ID)
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("reply for unknown call", zap.String("id", msg.ID))
		return
	}
	if msg.Error != nil {
		ch <- reply{err: msg.Error}
		return
	}
	ch <- reply{result: msg.Result}
}

func (c *Client) notify(channel string, payload json.RawMessage) {
	c.subMu.RLock()
	handlers := make([]func(json.RawMessage), 0, len(c.subs[channel]))
	for _, fn := range c.subs[channel] {
		handlers = append(handlers, fn)
	}
	c.subMu.RUnlock()

	for _, fn := range handlers {
		fn(payload)
	}
}

// shutdown fails every pending call with ErrClosed.
func (c *Client) shutdown(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.err = cause
	pending := c.pending
	c.pending = make(map[string]chan reply)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- reply{err: protocol.ErrClosed}
	}
	c.codec.Close()
	close(c.done)
	c.logger.Debug("channel closed", zap.Error(cause))
}

// Invoke calls op with params and waits for its reply. params may be nil,
// a json.RawMessage or any value that marshals to JSON.
//
// A failure reported by the host is returned as *protocol.Error and matches
// the protocol sentinels with errors.Is.
func (c *Client) Invoke(ctx context.Context, op string, params any) (json.RawMessage, error) {
	raw, err := encodeParams(params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrBadParams, err)
	}

	id := ulid.Make().String()
	ch := make(chan reply, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, protocol.ErrClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	msg := &protocol.Message{Type: protocol.TypeCall, ID: id, Op: op, Params: raw}
	if err := c.codec.WriteMessage(msg); err != nil {
		return nil, fmt.Errorf("%w: send %s: %v", protocol.ErrClosed, op, err)
	}

	var timeout <-chan time.Time
	if c.timeout > 0 {
		timer := time.NewTimer(c.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case r := <-ch:
		return r.result, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timeout:
		return nil, fmt.Errorf("%w: %s after %s", protocol.ErrTimeout, op, c.timeout)
	}
}

// Call invokes op and decodes the result into T.
func Call[T any](ctx context.Context, c *Client, op string, params any) (T, error) {
	var out T
	raw, err := c.Invoke(ctx, op, params)
	if err != nil {
		return out, err
	}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode %s result: %w", op, err)
	}
	return out, nil
}

// Notify publishes payload on channel to the other connected processes.
func (c *Client) Notify(channel string, payload any) error {
	raw, err := encodeParams(payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return protocol.ErrClosed
	}
	return c.codec.WriteMessage(&protocol.Message{Type: protocol.TypeNotify, Channel: channel, Payload: raw})
}

// Subscribe registers fn for notifications on channel. fn runs on the read
// loop and must not block. The returned function removes the subscription.
func (c *Client) Subscribe(channel string, fn func(payload json.RawMessage)) (unsubscribe func()) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.nextSub++
	id := c.nextSub
	if c.subs[channel] == nil {
		c.subs[channel] = make(map[int]func(json.RawMessage))
	}
	c.subs[channel][id] = fn

	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		delete(c.subs[channel], id)
	}
}

// Done is closed when the channel has closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that closed the channel, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close closes the channel. Pending calls fail with ErrClosed.
func (c *Client) Close() error {
	err := c.codec.Close()
	<-c.done
	return err
}

func encodeParams(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// IsClosed reports whether err means the channel is gone.
func IsClosed(err error) bool {
	return errors.Is(err, protocol.ErrClosed)
}
