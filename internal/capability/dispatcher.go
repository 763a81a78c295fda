package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/lzy19926/lzy-code-editor/internal/logging"
	"github.com/lzy19926/lzy-code-editor/internal/metrics"
	"github.com/lzy19926/lzy-code-editor/pkg/protocol"
)

// HandlerError wraps a failure raised inside a handler. Cause keeps its
// classification so NotFound and IOError survive the wrap.
type HandlerError struct {
	Op    string
	Cause error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Cause)
}

func (e *HandlerError) Unwrap() error {
	return e.Cause
}

// Is makes every HandlerError match protocol.ErrHandler.
func (e *HandlerError) Is(target error) bool {
	return target == protocol.ErrHandler
}

// Dispatcher is the single entry point both transports call into.
type Dispatcher interface {
	Dispatch(ctx context.Context, op string, params json.RawMessage) (any, error)
}

// Dispatch looks up op and runs its handler. No retries are attempted.
func (r *Registry) Dispatch(ctx context.Context, op string, params json.RawMessage) (result any, err error) {
	h, ok := r.Lookup(op)
	if !ok {
		metrics.RecordDispatch(op, protocol.CodeUnknownOperation, 0)
		return nil, fmt.Errorf("%w: %s", protocol.ErrUnknownOperation, op)
	}

	logger := logging.WithContext(ctx)
	start := time.Now()

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("handler panicked",
				zap.String("op", op),
				zap.Any("panic", rec),
				zap.ByteString("stack", debug.Stack()))
			result = nil
			err = &HandlerError{Op: op, Cause: fmt.Errorf("panic: %v", rec)}
		}

		duration := time.Since(start)
		code := "ok"
		if err != nil {
			code = protocol.Classify(err)
		}
		metrics.RecordDispatch(op, code, duration)
		logger.Debug("dispatched",
			zap.String("op", op),
			zap.String("result", code),
			zap.Duration("duration", duration))
	}()

	result, err = h(ctx, params)
	if err != nil {
		var he *HandlerError
		if !errors.As(err, &he) {
			err = &HandlerError{Op: op, Cause: err}
		}
		return nil, err
	}
	return result, nil
}
