// Package protocol defines the messages exchanged between the host and the
// presentation process.
package protocol

import (
	"encoding/json"

	"github.com/lzy19926/lzy-code-editor/pkg/models"
)

// Capability names.
const (
	OpReadFileText   = "readFileTextSync"
	OpReadFileBuffer = "readFileBufferSync"
	OpWriteFileText  = "writeFileTextSync"
	OpGetFileTree    = "getFileTreeFromDir"
	OpCreateTerminal = "createTerminal"
	OpCloseTerminal  = "closeTerminal"
	OpPing           = "ping"
)

// Notification channels.
const (
	ChannelProxy       = "Proxy"
	ChannelFileChanged = "fileChanged"
)

// Message types on the call channel.
const (
	TypeCall   = "call"
	TypeReply  = "reply"
	TypeNotify = "notify"
)

// Message is the envelope for every frame on the call channel.
// A call and its reply share ID.
type Message struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Op      string          `json:"op,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	Channel string          `json:"channel,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ReadFileTextParams are the params of readFileTextSync.
type ReadFileTextParams struct {
	Path    string `json:"path"`
	Charset string `json:"charset,omitempty"`
}

// ReadFileBufferParams are the params of readFileBufferSync.
type ReadFileBufferParams struct {
	Path string `json:"path"`
}

// WriteFileTextParams are the params of writeFileTextSync.
type WriteFileTextParams struct {
	Path string `json:"path"`
	Text string `json:"text"`
}

// TerminalParams identify a terminal for closeTerminal.
type TerminalParams struct {
	ID string `json:"id"`
}

// TerminalHandle is returned by createTerminal.
type TerminalHandle struct {
	ID    string `json:"id"`
	PID   int    `json:"pid"`
	Shell string `json:"shell"`
}

// PingResult is returned by ping.
type PingResult struct {
	Version string `json:"version"`
	PID     int    `json:"pid"`
}

// FileChangedEvent is the payload of a fileChanged notification.
type FileChangedEvent struct {
	Type string `json:"type"`
	Path string `json:"path"`
	Time int64  `json:"time"`
}

// SchemeResponse is the HTTP-shaped reply of the intercepted scheme.
type SchemeResponse struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers"`
	Data       string            `json:"data"`
}

// SchemeBody is the JSON document carried in SchemeResponse.Data.
type SchemeBody struct {
	Status int             `json:"status"`
	Data   json.RawMessage `json:"data"`
	Error  *Error          `json:"error,omitempty"`
}

// TreeBody is a decoded getFiles body.
type TreeBody struct {
	Status int                  `json:"status"`
	Data   *models.FileTreeNode `json:"data"`
	Error  *Error               `json:"error,omitempty"`
}

// ContentBody is a decoded getFileContent body.
type ContentBody struct {
	Status int    `json:"status"`
	Data   string `json:"data"`
	Error  *Error `json:"error,omitempty"`
}
