package logging

import (
	"context"
	"log/slog"
	"testing"
)

func TestNew_UnknownLevelFallsBackToInfo(t *testing.T) {
	logger := New("", "text")
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
	if !logger.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("fallback level should enable info")
	}
	if logger.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("fallback level should not enable debug")
	}
}

func TestNew_DebugLevel(t *testing.T) {
	logger := New("debug", "text")
	if !logger.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("expected debug level to be enabled")
	}
}

func TestNew_ErrorLevelSuppressesInfo(t *testing.T) {
	logger := New("error", "text")
	if logger.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("expected info to be disabled at error level")
	}
}

func TestNew_JSONFormat(t *testing.T) {
	if logger := New("info", "json"); logger == nil {
		t.Fatal("expected non-nil logger for JSON format")
	}
}

func TestRequestID_RoundTrip(t *testing.T) {
	ctx := context.Background()

	if id := RequestID(ctx); id != "" {
		t.Errorf("expected empty request id, got %q", id)
	}

	ctx = WithRequestID(ctx, "req_9f2e17")
	if id := RequestID(ctx); id != "req_9f2e17" {
		t.Errorf("expected req_9f2e17, got %q", id)
	}
}

func TestRequestID_LatestWins(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req_first")
	ctx = WithRequestID(ctx, "req_second")

	if id := RequestID(ctx); id != "req_second" {
		t.Errorf("expected req_second, got %q", id)
	}
}

func TestFromContext_DefaultAndCustom(t *testing.T) {
	ctx := context.Background()

	if FromContext(ctx) == nil {
		t.Fatal("expected default logger when none is set")
	}

	custom := New("debug", "json")
	ctx = WithLogger(ctx, custom)
	if FromContext(ctx) != custom {
		t.Error("expected the context's own logger")
	}
}

func TestL_TagsRequestID(t *testing.T) {
	ctx := WithLogger(context.Background(), New("info", "text"))

	if L(ctx) == nil {
		t.Fatal("expected logger without a request id")
	}

	ctx = WithRequestID(ctx, "req_55a0")
	if L(ctx) == nil {
		t.Fatal("expected logger tagged with the request id")
	}
}
