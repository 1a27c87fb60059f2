// Package logging wires slog for the orchestrator. The request ID travels
// in the context and is stamped onto records by ContextHandler; session
// lifecycle changes and money movements go through the audit helpers, which
// mark records with audit=true so the audit trail can be filtered out of
// the operational log stream.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

type contextKey string

// RequestIDKey is the context key for the inbound HTTP request ID
const RequestIDKey contextKey = "request_id"

// Config holds logging configuration
type Config struct {
	Level  string // "debug", "info", "warn", "error"
	Format string // "json" or "text"
	Output io.Writer
}

// Setup configures the global logger
func Setup(cfg Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "text" {
		handler = slog.NewTextHandler(output, opts)
	} else {
		handler = slog.NewJSONHandler(output, opts)
	}

	logger := slog.New(&ContextHandler{Handler: handler})
	slog.SetDefault(logger)

	return logger
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// RequestID extracts the request ID from the context, or ""
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(RequestIDKey).(string)
	return id
}

// ContextHandler stamps the request ID onto records logged through
// context-aware slog calls
type ContextHandler struct {
	slog.Handler
}

func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if id := RequestID(ctx); id != "" {
		r.AddAttrs(slog.String("request_id", id))
	}
	return h.Handler.Handle(ctx, r)
}

// AuditSession emits one audit record for a session lifecycle change.
// Audit records are written at info level regardless of extra attrs and
// always carry the session, the user and the originating request.
func AuditSession(ctx context.Context, operation, sessionID, userID string, attrs ...any) {
	base := []any{
		"audit", true,
		"operation", operation,
		"session_id", sessionID,
		"user_id", userID,
	}
	if id := RequestID(ctx); id != "" {
		base = append(base, "request_id", id)
	}
	base = append(base, attrs...)

	slog.Default().Info("AUDIT", base...)
}

// AuditBilling emits one audit record for a money movement against a session
func AuditBilling(ctx context.Context, operation, sessionID, userID string, amountCents, minutes int64) {
	AuditSession(ctx, operation, sessionID, userID,
		"amount_cents", amountCents,
		"minutes", minutes)
}

// Audit emits a free-form audit record for operations that are not tied to
// a single session
func Audit(ctx context.Context, operation string, attrs ...any) {
	base := []any{
		"audit", true,
		"operation", operation,
	}
	if id := RequestID(ctx); id != "" {
		base = append(base, "request_id", id)
	}
	base = append(base, attrs...)

	slog.Default().Info("AUDIT", base...)
}
