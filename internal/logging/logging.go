// Package logging holds the process-wide zap logger shared by lzy-hostd and
// lzy-workbench. Requests on the host socket and calls on the call channel
// carry a logger with their id in the context.
package logging

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey int

const (
	loggerKey ctxKey = iota
	requestIDKey
)

// RequestIDHeader carries the id of a host socket request.
const RequestIDHeader = "X-Request-ID"

var (
	mu     sync.RWMutex
	global *zap.Logger
	level  = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// Config selects the level and encoding. Unknown levels fall back to info.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json or console
	OutputPath string // stderr when empty
}

// Init builds the process logger. Both binaries log to stderr by default so
// command output on stdout stays clean.
func Init(cfg Config) error {
	lvl, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	level.SetLevel(lvl)

	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	out := cfg.OutputPath
	if out == "" {
		out = "stderr"
	}
	zc.OutputPaths = []string{out}
	zc.ErrorOutputPaths = []string{out}

	logger, err := zc.Build(zap.AddCallerSkip(1), zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return err
	}
	Replace(logger)
	return nil
}

// Replace installs logger as the process logger. Tests use it with
// observer cores.
func Replace(logger *zap.Logger) {
	mu.Lock()
	global = logger
	mu.Unlock()
}

// SetLevel changes the level of the logger built by Init.
func SetLevel(lvl string) {
	if l, err := zapcore.ParseLevel(lvl); err == nil {
		level.SetLevel(l)
	}
}

// Sync flushes buffered entries.
func Sync() error {
	mu.RLock()
	defer mu.RUnlock()
	if global == nil {
		return nil
	}
	return global.Sync()
}

// L returns the process logger, building a production one on first use.
func L() *zap.Logger {
	mu.RLock()
	logger := global
	mu.RUnlock()
	if logger != nil {
		return logger
	}

	mu.Lock()
	defer mu.Unlock()
	if global == nil {
		global, _ = zap.NewProduction(zap.AddCallerSkip(1))
	}
	return global
}

// Named returns the logger of one component, e.g. "ipc" or "sync".
func Named(component string) *zap.Logger {
	return L().Named(component)
}

// WithContext returns the logger stored in ctx, or the process logger.
func WithContext(ctx context.Context) *zap.Logger {
	if logger, ok := ctx.Value(loggerKey).(*zap.Logger); ok {
		return logger
	}
	return L()
}

// WithRequestID tags the context logger with the id of a socket request.
func WithRequestID(ctx context.Context, id string) context.Context {
	logger := WithContext(ctx).With(zap.String("request_id", id))
	ctx = context.WithValue(ctx, loggerKey, logger)
	return context.WithValue(ctx, requestIDKey, id)
}

// WithCall tags the context logger with a call-channel operation and its
// correlation id.
func WithCall(ctx context.Context, op, id string) context.Context {
	logger := WithContext(ctx).With(zap.String("op", op), zap.String("call_id", id))
	return context.WithValue(ctx, loggerKey, logger)
}

// RequestID returns the socket request id stored in ctx.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func Debug(msg string, fields ...zap.Field) { L().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { L().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { L().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { L().Error(msg, fields...) }

// statusRecorder captures what a handler wrote for the completion log.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)
	r.bytes += int64(n)
	return n, err
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Middleware gives every host socket request an id and logs its outcome.
// Upgrades to the call channel are passed the original writer, which the
// websocket handshake must hijack.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = ulid.Make().String()
		}
		ctx := WithRequestID(r.Context(), id)
		r = r.WithContext(ctx)
		w.Header().Set(RequestIDHeader, id)
		logger := WithContext(ctx)

		if r.Header.Get("Upgrade") != "" {
			logger.Debug("upgrading connection", zap.String("path", r.URL.Path))
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Int64("bytes", rec.bytes),
			zap.Duration("duration", time.Since(start)),
		)
	})
}
