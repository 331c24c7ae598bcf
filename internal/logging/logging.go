// Package logging builds the process logger and carries per-request
// attributes (request ID, client key, account) through a context.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
)

type contextKey int

const (
	requestIDKey contextKey = iota
	loggerKey
	clientKeyKey
	accountKey
)

// New returns a logger writing to stdout. level is one of debug, info, warn,
// error (anything else means info); format "json" selects JSON output.
func New(level, format string) *slog.Logger {
	return NewWithWriter(os.Stdout, level, format)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(w io.Writer, level, format string) *slog.Logger {
	lvl := parseLevel(level)
	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) slog.Level {
	var lvl slog.Level
	if s == "" || lvl.UnmarshalText([]byte(s)) != nil {
		return slog.LevelInfo
	}
	return lvl
}

// WithRequestID stores the request ID; it doubles as the debit reference.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestID returns the request ID, or "".
func RequestID(ctx context.Context) string {
	return stringValue(ctx, requestIDKey)
}

// WithLogger attaches the base logger used by L.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext returns the attached logger or slog.Default.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// WithClientKey records the admission identity (usually the client IP).
func WithClientKey(ctx context.Context, clientKey string) context.Context {
	return context.WithValue(ctx, clientKeyKey, clientKey)
}

// WithAccount records the authenticated account.
func WithAccount(ctx context.Context, accountID string) context.Context {
	return context.WithValue(ctx, accountKey, accountID)
}

// AccountID returns the authenticated account, or "".
func AccountID(ctx context.Context) string {
	return stringValue(ctx, accountKey)
}

// L returns the context logger with whichever request attributes are set.
func L(ctx context.Context) *slog.Logger {
	var attrs []any
	for _, f := range []struct {
		key  contextKey
		name string
	}{
		{requestIDKey, "request_id"},
		{clientKeyKey, "client_key"},
		{accountKey, "account_id"},
	} {
		if v := stringValue(ctx, f.key); v != "" {
			attrs = append(attrs, slog.String(f.name, v))
		}
	}
	logger := FromContext(ctx)
	if len(attrs) == 0 {
		return logger
	}
	return logger.With(attrs...)
}

func stringValue(ctx context.Context, key contextKey) string {
	v, _ := ctx.Value(key).(string)
	return v
}
