// Package transport frames protocol messages over a byte stream or a
// websocket. Both ends of the call channel use it.
package transport

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lzy19926/lzy-code-editor/pkg/protocol"
)

// MaxFrameSize bounds a single frame. Whole files travel in one frame.
const MaxFrameSize = 64 << 20

// WriteTimeout bounds a single websocket write.
const WriteTimeout = 10 * time.Second

// Codec reads and writes whole messages. WriteMessage is safe for
// concurrent use; ReadMessage must be called from one goroutine.
type Codec interface {
	ReadMessage() (*protocol.Message, error)
	WriteMessage(msg *protocol.Message) error
	Close() error
}

// WebSocketCodec carries one JSON message per websocket text frame.
type WebSocketCodec struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

// NewWebSocketCodec wraps an established websocket connection.
func NewWebSocketCodec(conn *websocket.Conn) *WebSocketCodec {
	conn.SetReadLimit(MaxFrameSize)
	return &WebSocketCodec{conn: conn}
}

// ReadMessage reads the next message.
func (c *WebSocketCodec) ReadMessage() (*protocol.Message, error) {
	for {
		typ, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			return nil, err
		}
		if typ != websocket.TextMessage {
			continue
		}
		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("decode frame: %w", err)
		}
		return &msg, nil
	}
}

// WriteMessage writes msg as one text frame.
func (c *WebSocketCodec) WriteMessage(msg *protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame and closes the connection.
func (c *WebSocketCodec) Close() error {
	c.wmu.Lock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.wmu.Unlock()
	return c.conn.Close()
}

// StreamCodec carries newline-delimited JSON over any byte stream, such as
// the stdio of a child process or a net.Pipe.
type StreamCodec struct {
	rwc    io.ReadWriteCloser
	reader *bufio.Reader
	wmu    sync.Mutex
}

// NewStreamCodec wraps rwc.
func NewStreamCodec(rwc io.ReadWriteCloser) *StreamCodec {
	return &StreamCodec{rwc: rwc, reader: bufio.NewReaderSize(rwc, 64<<10)}
}

// ReadMessage reads one line and decodes it. Blank lines are skipped.
func (c *StreamCodec) ReadMessage() (*protocol.Message, error) {
	for {
		line, err := c.readLine()
		if err != nil {
			return nil, err
		}
		if len(line) == 0 {
			continue
		}
		var msg protocol.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return nil, fmt.Errorf("decode frame: %w", err)
		}
		return &msg, nil
	}
}

func (c *StreamCodec) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, isPrefix, err := c.reader.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) && len(line) > 0 {
				return line, nil
			}
			return nil, err
		}
		line = append(line, chunk...)
		if len(line) > MaxFrameSize {
			return nil, fmt.Errorf("frame exceeds %d bytes", MaxFrameSize)
		}
		if !isPrefix {
			return line, nil
		}
	}
}

// WriteMessage writes msg followed by a newline.
func (c *StreamCodec) WriteMessage(msg *protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err = c.rwc.Write(data)
	return err
}

// Close closes the underlying stream.
func (c *StreamCodec) Close() error {
	return c.rwc.Close()
}
