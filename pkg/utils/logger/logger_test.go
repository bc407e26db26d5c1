package logger

import (
	"context"
	"testing"

	"invoker/pkg/utils/contextkey"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestContextFieldsAreAttached(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	prev := SetGlobal(Wrap(zap.New(core)))
	t.Cleanup(func() { SetGlobal(prev) })

	ctx := context.WithValue(context.Background(), contextkey.InvocationID, "inv-7")
	ctx = context.WithValue(ctx, contextkey.TraceID, "trace-1")
	Info(ctx, "build started", zap.String("toolchain", "g++"))

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["invocation_id"] != "inv-7" || fields["trace_id"] != "trace-1" || fields["toolchain"] != "g++" {
		t.Fatalf("unexpected fields %v", fields)
	}
}

func TestNilGlobalIsSafe(t *testing.T) {
	prev := SetGlobal(nil)
	t.Cleanup(func() { SetGlobal(prev) })

	Info(nil, "dropped")
	if WithFields(context.Background()) == nil {
		t.Fatalf("expected no-op logger")
	}
	if Named("x") == nil {
		t.Fatalf("expected no-op logger")
	}
	if err := Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
}

func TestNewLoggerRejectsBadLevel(t *testing.T) {
	if _, err := NewLogger(Config{Level: "loud"}); err == nil {
		t.Fatalf("expected invalid level error")
	}
}
