package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestNew_Levels(t *testing.T) {
	tests := []struct {
		level   string
		enabled slog.Level
		off     slog.Level
	}{
		{"debug", slog.LevelDebug, slog.LevelDebug - 1},
		{"info", slog.LevelInfo, slog.LevelDebug},
		{"warn", slog.LevelWarn, slog.LevelInfo},
		{"error", slog.LevelError, slog.LevelWarn},
		{"", slog.LevelInfo, slog.LevelDebug},
	}
	for _, tt := range tests {
		logger := New(tt.level, "json")
		if !logger.Enabled(context.Background(), tt.enabled) {
			t.Errorf("level %q: expected %v enabled", tt.level, tt.enabled)
		}
		if logger.Enabled(context.Background(), tt.off) {
			t.Errorf("level %q: expected %v disabled", tt.level, tt.off)
		}
	}
}

func TestContextValues(t *testing.T) {
	ctx := context.Background()
	if RequestID(ctx) != "" || AccountID(ctx) != "" {
		t.Fatal("expected empty values on bare context")
	}

	ctx = WithRequestID(ctx, "first")
	ctx = WithRequestID(ctx, "second")
	ctx = WithAccount(ctx, "acct_1")

	if id := RequestID(ctx); id != "second" {
		t.Errorf("Expected 'second', got %q", id)
	}
	if id := AccountID(ctx); id != "acct_1" {
		t.Errorf("Expected acct_1, got %q", id)
	}
}

func TestFromContext_DefaultAndCustom(t *testing.T) {
	if FromContext(context.Background()) == nil {
		t.Fatal("Expected default logger")
	}

	custom := New("debug", "json")
	ctx := WithLogger(context.Background(), custom)
	if FromContext(ctx) != custom {
		t.Error("Expected custom logger from context")
	}
}

func TestL_CarriesRequestAttributes(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil))

	ctx := WithLogger(context.Background(), base)
	ctx = WithRequestID(ctx, "req-456")
	ctx = WithClientKey(ctx, "10.0.0.7")
	ctx = WithAccount(ctx, "acct_9")

	L(ctx).Info("generation admitted")

	out := buf.String()
	for _, want := range []string{`"request_id":"req-456"`, `"client_key":"10.0.0.7"`, `"account_id":"acct_9"`} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %s in %s", want, out)
		}
	}
}

func TestL_OmitsUnsetAttributes(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), slog.New(slog.NewJSONHandler(&buf, nil)))

	L(ctx).Info("cache hit")

	if strings.Contains(buf.String(), "account_id") {
		t.Errorf("unexpected account_id in %s", buf.String())
	}
}

func TestNewWithWriter_Formats(t *testing.T) {
	var buf bytes.Buffer
	NewWithWriter(&buf, "WARN", "json").Warn("pool empty", "service", "image")
	if !strings.HasPrefix(buf.String(), "{") || !strings.Contains(buf.String(), `"service":"image"`) {
		t.Errorf("expected JSON line, got %s", buf.String())
	}

	buf.Reset()
	NewWithWriter(&buf, "bogus", "text").Info("started")
	if !strings.Contains(buf.String(), "msg=started") {
		t.Errorf("expected text line at info, got %s", buf.String())
	}
}
