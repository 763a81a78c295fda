package logging

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestInitAndSetLevel(t *testing.T) {
	if err := Init(Config{Level: "warn", Format: "console", OutputPath: "stderr"}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if L().Core().Enabled(zap.InfoLevel) {
		t.Error("info should be disabled at warn level")
	}
	SetLevel("debug")
	if !L().Core().Enabled(zap.DebugLevel) {
		t.Error("debug should be enabled after SetLevel(debug)")
	}
	SetLevel("not-a-level")
	if !L().Core().Enabled(zap.DebugLevel) {
		t.Error("invalid level should be ignored")
	}
}

func TestRequestIDContext(t *testing.T) {
	ctx := WithRequestID(context.Background(), "abc")
	if got := RequestID(ctx); got != "abc" {
		t.Errorf("RequestID = %q, want abc", got)
	}
	if RequestID(context.Background()) != "" {
		t.Error("expected empty request id")
	}
}

func TestMiddlewareLogsCompletion(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	Replace(zap.New(core))
	defer Replace(nil)

	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if RequestID(r.Context()) == "" {
			t.Error("request id missing from context")
		}
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))

	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID header not set")
	}
	completed := logs.FilterMessage("request completed").All()
	if len(completed) != 1 {
		t.Fatalf("expected 1 completion log, got %d", len(completed))
	}
	if status := completed[0].ContextMap()["status"]; status != int64(http.StatusTeapot) {
		t.Errorf("logged status = %v", status)
	}
}

func TestWithCallTagsLogger(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	Replace(zap.New(core))
	defer Replace(nil)

	ctx := WithCall(context.Background(), "readFileTextSync", "01J")
	WithContext(ctx).Info("call failed")

	entries := logs.FilterMessage("call failed").All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["op"] != "readFileTextSync" || fields["call_id"] != "01J" {
		t.Errorf("fields = %v", fields)
	}
	if RequestID(ctx) != "" {
		t.Error("calls carry no socket request id")
	}
}
