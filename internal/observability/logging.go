// Package observability provides logging, metrics, and tracing.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// Logger is the global structured logger instance used throughout the application.
var Logger *slog.Logger

// LogContextKey is a type for context keys used by the logging package.
type LogContextKey string

// Context keys picked up by the context-aware handler.
const (
	RequestIDKey LogContextKey = "request_id"
	UserIDKey    LogContextKey = "user_id"
	TraceIDKey   LogContextKey = "trace_id"
)

// ctxHandler is a slog.Handler that adds context values to the log record.
type ctxHandler struct {
	slog.Handler
}

// Handle adds context values to the record before passing it to the underlying handler.
func (h *ctxHandler) Handle(ctx context.Context, r slog.Record) error {
	if rid, ok := ctx.Value(RequestIDKey).(string); ok && rid != "" {
		r.AddAttrs(slog.String("request_id", rid))
	}
	if uid, ok := ctx.Value(UserIDKey).(string); ok && uid != "" {
		r.AddAttrs(slog.String("user_id", uid))
	}
	if tid, ok := ctx.Value(TraceIDKey).(string); ok && tid != "" {
		r.AddAttrs(slog.String("trace_id", tid))
	}
	return h.Handler.Handle(ctx, r)
}

func (h *ctxHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ctxHandler{h.Handler.WithAttrs(attrs)}
}

func (h *ctxHandler) WithGroup(name string) slog.Handler {
	return &ctxHandler{h.Handler.WithGroup(name)}
}

func init() {
	Logger = NewLogger(os.Stdout, os.Getenv("APP_ENV"))
}

// NewLogger builds a context-aware logger: JSON in production, text elsewhere.
func NewLogger(w io.Writer, env string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	var handler slog.Handler
	if env == "production" || env == "prod" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(&ctxHandler{handler})
}

// SetLogger replaces the global logger.
func SetLogger(l *slog.Logger) {
	if l != nil {
		Logger = l
	}
}

// WithUserID returns a context carrying the user id for log enrichment.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// StoreLogger provides structured logging for document store operations.
type StoreLogger struct {
	backend string
}

// NewStoreLogger creates a StoreLogger for the named backend.
func NewStoreLogger(backend string) *StoreLogger {
	return &StoreLogger{backend: backend}
}

// LogWrite logs a completed write at debug level.
func (l *StoreLogger) LogWrite(ctx context.Context, operation, path string) {
	Logger.DebugContext(ctx, "store write",
		slog.String("backend", l.backend),
		slog.String("operation", operation),
		slog.String("path", path),
	)
}

// LogError logs a failed store operation.
func (l *StoreLogger) LogError(ctx context.Context, err error, operation, path string) {
	Logger.ErrorContext(ctx, "store error",
		slog.String("backend", l.backend),
		slog.String("operation", operation),
		slog.String("path", path),
		slog.String("error", err.Error()),
	)
}

// SyncLogger provides structured logging for live subscriptions and optimistic writes.
type SyncLogger struct {
	component string
}

// NewSyncLogger creates a SyncLogger for the given component.
func NewSyncLogger(component string) *SyncLogger {
	return &SyncLogger{component: component}
}

// LogLifecycle logs a subscription lifecycle event.
func (l *SyncLogger) LogLifecycle(ctx context.Context, event, path string) {
	Logger.InfoContext(ctx, "sync lifecycle",
		slog.String("component", l.component),
		slog.String("event", event),
		slog.String("path", path),
	)
}

// LogError logs a failure that is surfaced through state or swallowed by a best-effort path.
func (l *SyncLogger) LogError(ctx context.Context, err error, operation string, fields ...any) {
	attrs := []any{
		slog.String("component", l.component),
		slog.String("operation", operation),
		slog.String("error", err.Error()),
	}
	attrs = append(attrs, fields...)
	Logger.ErrorContext(ctx, "sync error", attrs...)
}

// LogWarn logs a degraded outcome that does not fail the caller.
func (l *SyncLogger) LogWarn(ctx context.Context, msg string, fields ...any) {
	attrs := append([]any{slog.String("component", l.component)}, fields...)
	Logger.WarnContext(ctx, msg, attrs...)
}

// WSLogger provides structured logging for WebSocket operations.
type WSLogger struct {
	hubName string
}

// NewWSLogger creates a new WSLogger for the given hub.
func NewWSLogger(hubName string) *WSLogger {
	return &WSLogger{hubName: hubName}
}

// LogConnect logs a WebSocket connection event.
func (l *WSLogger) LogConnect(ctx context.Context, userID string) {
	Logger.InfoContext(ctx, "websocket connected",
		slog.String("hub", l.hubName),
		slog.String("user_id", userID),
	)
}

// LogDisconnect logs a WebSocket disconnection event.
func (l *WSLogger) LogDisconnect(ctx context.Context, userID, reason string) {
	Logger.InfoContext(ctx, "websocket disconnected",
		slog.String("hub", l.hubName),
		slog.String("user_id", userID),
		slog.String("reason", reason),
	)
}

// LogError logs a WebSocket error event.
func (l *WSLogger) LogError(ctx context.Context, userID string, err error, eventType string) {
	Logger.ErrorContext(ctx, "websocket error",
		slog.String("hub", l.hubName),
		slog.String("user_id", userID),
		slog.String("event_type", eventType),
		slog.String("error", err.Error()),
	)
}
