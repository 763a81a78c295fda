package transport

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"

	"github.com/lzy19926/lzy-code-editor/pkg/protocol"
)

func sampleMessages() []*protocol.Message {
	return []*protocol.Message{
		{Type: protocol.TypeCall, ID: "01A", Op: protocol.OpReadFileText, Params: json.RawMessage(`{"path":"/a\nb"}`)},
		{Type: protocol.TypeReply, ID: "01A", Result: json.RawMessage(`"line one\nline two"`)},
		{Type: protocol.TypeReply, ID: "01B", Error: &protocol.Error{Code: protocol.CodeNotFound, Message: "gone"}},
		{Type: protocol.TypeNotify, Channel: protocol.ChannelProxy, Payload: json.RawMessage(`{"x":1}`)},
	}
}

func TestStreamCodecRoundTrip(t *testing.T) {
	a, b := net.Pipe()
	left, right := NewStreamCodec(a), NewStreamCodec(b)
	defer left.Close()
	defer right.Close()

	msgs := sampleMessages()
	go func() {
		for _, m := range msgs {
			if err := left.WriteMessage(m); err != nil {
				t.Errorf("write: %v", err)
				return
			}
		}
		left.Close()
	}()

	for i, want := range msgs {
		got, err := right.ReadMessage()
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("message %d mismatch (-want +got):\n%s", i, diff)
		}
	}

	if _, err := right.ReadMessage(); !errors.Is(err, io.EOF) {
		t.Errorf("expected EOF after close, got %v", err)
	}
}

type rwc struct {
	io.Reader
	io.Writer
}

func (rwc) Close() error { return nil }

func TestStreamCodecSkipsBlankLinesAndRejectsGarbage(t *testing.T) {
	input := "\n\n{\"type\":\"notify\",\"channel\":\"Proxy\"}\nnot json\n"
	c := NewStreamCodec(rwc{Reader: strings.NewReader(input), Writer: io.Discard})

	msg, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if msg.Channel != protocol.ChannelProxy {
		t.Errorf("channel = %q", msg.Channel)
	}
	if _, err := c.ReadMessage(); err == nil {
		t.Error("expected decode error for garbage line")
	}
}

func TestWebSocketCodecRoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		codec := NewWebSocketCodec(conn)
		defer codec.Close()
		for {
			msg, err := codec.ReadMessage()
			if err != nil {
				return
			}
			if err := codec.WriteMessage(msg); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	codec := NewWebSocketCodec(conn)
	defer codec.Close()

	for i, want := range sampleMessages() {
		if err := codec.WriteMessage(want); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		got, err := codec.ReadMessage()
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("message %d mismatch (-want +got):\n%s", i, diff)
		}
	}
}
