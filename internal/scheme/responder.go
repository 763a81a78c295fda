package scheme

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/lzy19926/lzy-code-editor/pkg/protocol"
)

// Responder delivers the response of one request. Only the first Send
// takes effect; later calls are ignored and logged.
type Responder struct {
	route  string
	logger *zap.Logger

	mu      sync.Mutex
	headers map[string]string
	resp    *protocol.SchemeResponse
}

func newResponder(route string, logger *zap.Logger) *Responder {
	return &Responder{
		route:   route,
		logger:  logger,
		headers: map[string]string{"content-type": "application/json"},
	}
}

// SetHeader adds a header to the response that will be sent.
func (r *Responder) SetHeader(key, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.headers[key] = value
}

// Send delivers status and body. It reports whether this call delivered the
// response.
func (r *Responder) Send(status int, body string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resp != nil {
		r.logger.Warn("duplicate response ignored",
			zap.String("route", r.route),
			zap.Int("status", status),
			zap.Int("sent", r.resp.StatusCode))
		return false
	}
	headers := make(map[string]string, len(r.headers))
	for k, v := range r.headers {
		headers[k] = v
	}
	r.resp = &protocol.SchemeResponse{StatusCode: status, Headers: headers, Data: body}
	return true
}

// JSON sends data wrapped in the {status, data} body.
func (r *Responder) JSON(status int, data any) bool {
	raw, err := json.Marshal(data)
	if err != nil {
		return r.Fail(500, err)
	}
	return r.send(protocol.SchemeBody{Status: status, Data: raw})
}

// Fail sends err as the error member of the body.
func (r *Responder) Fail(status int, err error) bool {
	return r.send(protocol.SchemeBody{
		Status: status,
		Data:   json.RawMessage("null"),
		Error:  protocol.ToError(err),
	})
}

func (r *Responder) send(body protocol.SchemeBody) bool {
	data, err := json.Marshal(body)
	if err != nil {
		data = []byte(`{"status":500,"data":null}`)
		body.Status = 500
	}
	return r.Send(body.Status, string(data))
}

// Sent reports whether a response was delivered.
func (r *Responder) Sent() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resp != nil
}

func (r *Responder) response() *protocol.SchemeResponse {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resp
}
