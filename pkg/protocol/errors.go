package protocol

import (
	"errors"
	"fmt"
	"io/fs"
)

// Error codes carried on the wire.
const (
	CodeUnknownOperation = "UnknownOperation"
	CodeNotFound         = "NotFound"
	CodeIO               = "IOError"
	CodePermissionDenied = "PermissionDenied"
	CodeHandler          = "HandlerError"
	CodeBadParams        = "BadParams"
	CodeTimeout          = "Timeout"
	CodeClosed           = "Closed"
)

// Failure taxonomy shared by both processes.
var (
	// ErrUnknownOperation is returned when no handler or route matches.
	ErrUnknownOperation = errors.New("unknown operation")

	// ErrNotFound is returned when a path or resource does not exist.
	ErrNotFound = errors.New("not found")

	// ErrIO covers permission, disk and other OS failures.
	ErrIO = errors.New("io error")

	// ErrPermissionDenied is an ErrIO for paths outside the allowed roots.
	ErrPermissionDenied = fmt.Errorf("%w: permission denied", ErrIO)

	// ErrHandler is an unclassified failure inside a capability handler.
	ErrHandler = errors.New("handler error")

	// ErrBadParams is returned when call parameters cannot be decoded.
	ErrBadParams = errors.New("bad params")

	// ErrTimeout is returned when a call exceeds its deadline.
	ErrTimeout = errors.New("timeout")

	// ErrClosed is returned for calls pending when the channel closed.
	ErrClosed = errors.New("channel closed")
)

var sentinels = map[string]error{
	CodeUnknownOperation: ErrUnknownOperation,
	CodeNotFound:         ErrNotFound,
	CodeIO:               ErrIO,
	CodePermissionDenied: ErrPermissionDenied,
	CodeHandler:          ErrHandler,
	CodeBadParams:        ErrBadParams,
	CodeTimeout:          ErrTimeout,
	CodeClosed:           ErrClosed,
}

// Error is a failure that crossed the process boundary.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// Is reports whether the remote error matches one of the taxonomy sentinels.
func (e *Error) Is(target error) bool {
	s, ok := sentinels[e.Code]
	if !ok {
		return false
	}
	return s == target || errors.Is(s, target)
}

// Classify maps a Go error to a wire code.
func Classify(err error) string {
	var remote *Error
	switch {
	case err == nil:
		return ""
	case errors.As(err, &remote):
		return remote.Code
	case errors.Is(err, ErrUnknownOperation):
		return CodeUnknownOperation
	case errors.Is(err, ErrBadParams):
		return CodeBadParams
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	case errors.Is(err, ErrClosed):
		return CodeClosed
	case errors.Is(err, ErrPermissionDenied), errors.Is(err, fs.ErrPermission):
		return CodePermissionDenied
	case errors.Is(err, ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return CodeNotFound
	case errors.Is(err, ErrIO):
		return CodeIO
	}
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return CodeIO
	}
	return CodeHandler
}

// ToError converts any error into its wire form.
func ToError(err error) *Error {
	if err == nil {
		return nil
	}
	var remote *Error
	if errors.As(err, &remote) {
		return remote
	}
	return &Error{Code: Classify(err), Message: err.Error()}
}
