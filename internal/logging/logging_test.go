package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewWriterJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriter(&buf, "info", "json")
	logger.Debug("hidden")
	logger.Info("admitted", "resource", "billing.PaymentService")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d: %q", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("not JSON: %v", err)
	}
	if rec["resource"] != "billing.PaymentService" {
		t.Errorf("resource = %v", rec["resource"])
	}
}

func TestNewWriterText(t *testing.T) {
	var buf bytes.Buffer
	NewWriter(&buf, "debug", "text").Debug("denied", "cause", "FLOW_RULE_VIOLATED")
	if !strings.Contains(buf.String(), "cause=FLOW_RULE_VIOLATED") {
		t.Errorf("unexpected output %q", buf.String())
	}
}

func TestContextLogger(t *testing.T) {
	if FromContext(context.Background()) != slog.Default() {
		t.Error("empty context should yield the default logger")
	}

	var buf bytes.Buffer
	logger := NewWriter(&buf, "info", "text")
	ctx := WithCallID(WithLogger(context.Background(), logger), "call-1")

	if CallID(ctx) != "call-1" {
		t.Errorf("CallID = %q", CallID(ctx))
	}
	L(ctx).Info("hello")
	if !strings.Contains(buf.String(), "call_id=call-1") {
		t.Errorf("call id missing from %q", buf.String())
	}
}

func TestCallFallsBackToGivenLogger(t *testing.T) {
	var buf bytes.Buffer
	fallback := NewWriter(&buf, "info", "text")

	Call(WithCallID(context.Background(), "call-2"), fallback).Info("denied")
	if !strings.Contains(buf.String(), "call_id=call-2") {
		t.Errorf("fallback logger not used: %q", buf.String())
	}

	var ctxBuf bytes.Buffer
	ctx := WithLogger(context.Background(), NewWriter(&ctxBuf, "info", "text"))
	Call(ctx, fallback).Info("from context")
	if !strings.Contains(ctxBuf.String(), "from context") {
		t.Error("context logger should win over fallback")
	}
}
