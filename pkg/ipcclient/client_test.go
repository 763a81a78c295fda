package ipcclient

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/lzy19926/lzy-code-editor/pkg/protocol"
	"github.com/lzy19926/lzy-code-editor/pkg/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// peer is a scripted host end.
type peer struct {
	codec transport.Codec
	calls chan *protocol.Message
}

func newPair(t *testing.T, opts Options) (*Client, *peer) {
	t.Helper()
	a, b := net.Pipe()
	p := &peer{codec: transport.NewStreamCodec(b), calls: make(chan *protocol.Message, 16)}
	go func() {
		defer close(p.calls)
		for {
			msg, err := p.codec.ReadMessage()
			if err != nil {
				return
			}
			p.calls <- msg
		}
	}()
	c := New(transport.NewStreamCodec(a), opts)
	t.Cleanup(func() {
		c.Close()
		p.codec.Close()
		for range p.calls {
		}
	})
	return c, p
}

func (p *peer) reply(t *testing.T, id string, result any) {
	t.Helper()
	data, _ := json.Marshal(result)
	if err := p.codec.WriteMessage(&protocol.Message{Type: protocol.TypeReply, ID: id, Result: data}); err != nil {
		t.Fatalf("reply: %v", err)
	}
}

func TestInvokeOutOfOrderReplies(t *testing.T) {
	c, p := newPair(t, Options{})
	ctx := context.Background()

	results := make(chan string, 2)
	for _, op := range []string{"first", "second"} {
		go func(op string) {
			v, err := Call[string](ctx, c, op, nil)
			if err != nil {
				results <- "error"
				return
			}
			results <- op + "=" + v
		}(op)
	}

	calls := map[string]string{}
	for i := 0; i < 2; i++ {
		msg := <-p.calls
		if msg.Type != protocol.TypeCall || msg.ID == "" {
			t.Fatalf("unexpected frame %+v", msg)
		}
		calls[msg.Op] = msg.ID
	}
	if calls["first"] == calls["second"] {
		t.Fatal("correlation ids must be unique")
	}

	p.reply(t, calls["second"], "2")
	p.reply(t, calls["first"], "1")

	got := map[string]bool{<-results: true, <-results: true}
	if !got["first=1"] || !got["second=2"] {
		t.Errorf("replies misrouted: %v", got)
	}
}

func TestInvokeRemoteError(t *testing.T) {
	c, p := newPair(t, Options{})

	errc := make(chan error, 1)
	go func() {
		_, err := c.Invoke(context.Background(), "readFileTextSync", map[string]string{"path": "/x"})
		errc <- err
	}()

	msg := <-p.calls
	if string(msg.Params) != `{"path":"/x"}` {
		t.Errorf("params = %s", msg.Params)
	}
	p.codec.WriteMessage(&protocol.Message{
		Type:  protocol.TypeReply,
		ID:    msg.ID,
		Error: &protocol.Error{Code: protocol.CodePermissionDenied, Message: "/x"},
	})

	err := <-errc
	if !errors.Is(err, protocol.ErrPermissionDenied) || !errors.Is(err, protocol.ErrIO) {
		t.Errorf("error %v should match PermissionDenied and IOError", err)
	}
}

func TestInvokeDefaultTimeout(t *testing.T) {
	c, p := newPair(t, Options{CallTimeout: 50 * time.Millisecond})

	_, err := c.Invoke(context.Background(), "never", nil)
	if !errors.Is(err, protocol.ErrTimeout) {
		t.Fatalf("error = %v, want ErrTimeout", err)
	}
	<-p.calls
}

func TestInvokeContextCancel(t *testing.T) {
	c, p := newPair(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() {
		_, err := c.Invoke(ctx, "never", nil)
		errc <- err
	}()
	<-p.calls
	cancel()

	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
}

func TestHostDisconnectFailsPending(t *testing.T) {
	c, p := newPair(t, Options{})

	errc := make(chan error, 1)
	go func() {
		_, err := c.Invoke(context.Background(), "never", nil)
		errc <- err
	}()
	<-p.calls
	p.codec.Close()

	if err := <-errc; !IsClosed(err) {
		t.Fatalf("error = %v, want ErrClosed", err)
	}
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("client not done after disconnect")
	}
}

func TestSubscribeAndUnsubscribe(t *testing.T) {
	c, p := newPair(t, Options{})

	got := make(chan string, 4)
	unsubscribe := c.Subscribe(protocol.ChannelFileChanged, func(payload json.RawMessage) {
		got <- string(payload)
	})

	p.codec.WriteMessage(&protocol.Message{Type: protocol.TypeNotify, Channel: protocol.ChannelFileChanged, Payload: json.RawMessage(`1`)})
	if v := <-got; v != "1" {
		t.Errorf("payload = %s", v)
	}

	unsubscribe()
	p.codec.WriteMessage(&protocol.Message{Type: protocol.TypeNotify, Channel: protocol.ChannelFileChanged, Payload: json.RawMessage(`2`)})
	// A following reply proves the notification was processed.
	go c.Invoke(context.Background(), "sync", nil)
	msg := <-p.calls
	p.reply(t, msg.ID, nil)

	select {
	case v := <-got:
		t.Errorf("unsubscribed handler called with %s", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNotifySendsFrame(t *testing.T) {
	c, p := newPair(t, Options{})
	if err := c.Notify(protocol.ChannelProxy, "hello"); err != nil {
		t.Fatal(err)
	}
	msg := <-p.calls
	if msg.Type != protocol.TypeNotify || msg.Channel != protocol.ChannelProxy || string(msg.Payload) != `"hello"` {
		t.Errorf("unexpected frame %+v", msg)
	}
}
