package shared

import (
	"context"
	"strings"
	"testing"
)

func TestTraceID(t *testing.T) {
	ctx := context.Background()

	if TraceID(ctx) != "-" {
		t.Fatalf("empty trace id = %q, want -", TraceID(ctx))
	}
	ctx = WithTraceID(ctx, "trace-1")
	if TraceID(ctx) != "trace-1" {
		t.Fatalf("round trip trace id = %q", TraceID(ctx))
	}
}

func TestNewDebugID(t *testing.T) {
	a, b := NewDebugID(), NewDebugID()
	if !strings.HasPrefix(a, "dbg-") || len(a) != len("dbg-")+8 {
		t.Fatalf("debug id shape: %q", a)
	}
	if a == b {
		t.Fatal("debug ids must be unique")
	}
}
