package scheme

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/lzy19926/lzy-code-editor/internal/capability"
	"github.com/lzy19926/lzy-code-editor/pkg/protocol"
)

// Route targets of the editor API.
const (
	RouteGetFiles       = "api/getFiles"
	RouteGetFileContent = "api/getFileContent"
)

// NewAPIRouter builds the editor routes on top of d:
//
//	GET <scheme>://api/getFiles                  -> getFileTreeFromDir
//	GET <scheme>://api/getFileContent?path=<p>   -> readFileTextSync
//
// getFileContent falls back to defaultContentPath when no path is given.
func NewAPIRouter(scheme string, d capability.Dispatcher, defaultContentPath string) *Router {
	r := NewRouter(scheme)

	r.Handle(http.MethodGet, RouteGetFiles, func(req *http.Request, res *Responder) {
		result, err := d.Dispatch(req.Context(), protocol.OpGetFileTree, nil)
		if err != nil {
			res.Fail(StatusFor(err), err)
			return
		}
		res.JSON(http.StatusOK, result)
	})

	r.Handle(http.MethodGet, RouteGetFileContent, func(req *http.Request, res *Responder) {
		q := req.URL.Query()
		path := q.Get("path")
		if path == "" {
			path = defaultContentPath
		}
		if path == "" {
			res.Fail(http.StatusBadRequest, fmt.Errorf("%w: path is required", protocol.ErrBadParams))
			return
		}

		params, _ := json.Marshal(protocol.ReadFileTextParams{Path: path, Charset: q.Get("charset")})
		result, err := d.Dispatch(req.Context(), protocol.OpReadFileText, params)
		if err != nil {
			res.Fail(StatusFor(err), err)
			return
		}
		text, _ := result.(string)

		etag := ETag(text)
		res.SetHeader("etag", etag)
		if matchETag(req.Header.Get("If-None-Match"), etag) {
			res.Send(http.StatusNotModified, "")
			return
		}
		res.JSON(http.StatusOK, text)
	})

	return r
}

// ETag returns the strong entity tag of text.
func ETag(text string) string {
	sum := blake2b.Sum256([]byte(text))
	return `"` + hex.EncodeToString(sum[:16]) + `"`
}

func matchETag(header, etag string) bool {
	if header == "" {
		return false
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || strings.TrimPrefix(candidate, "W/") == etag {
			return true
		}
	}
	return false
}
