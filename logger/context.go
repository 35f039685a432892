package logger

import (
	"context"
	"log/slog"
)

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

// Context keys for common dispatch fields. Values stored under these keys
// are extracted by ContextHandler and attached to every log record emitted
// with that context.
const (
	// ContextKeyWrapperID identifies the unit of work being executed.
	ContextKeyWrapperID contextKey = "wrapper_id"

	// ContextKeyProvider identifies the delivery backend.
	ContextKeyProvider contextKey = "provider"

	// ContextKeyStream identifies the broker stream a message came from.
	ContextKeyStream contextKey = "stream"

	// ContextKeyConsumer identifies this worker within the consumer group.
	ContextKeyConsumer contextKey = "consumer"

	// ContextKeyIngress identifies the ingress path (tcp, pubsub, stream).
	ContextKeyIngress contextKey = "ingress"
)

var contextKeys = []contextKey{
	ContextKeyWrapperID,
	ContextKeyProvider,
	ContextKeyStream,
	ContextKeyConsumer,
	ContextKeyIngress,
}

// WithWrapperID returns a context carrying the wrapper id.
func WithWrapperID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ContextKeyWrapperID, id)
}

// WithProvider returns a context carrying the provider name.
func WithProvider(ctx context.Context, provider string) context.Context {
	return context.WithValue(ctx, ContextKeyProvider, provider)
}

// WithIngress returns a context carrying the ingress path name.
func WithIngress(ctx context.Context, ingress string) context.Context {
	return context.WithValue(ctx, ContextKeyIngress, ingress)
}

// WithConsumer returns a context carrying the stream and consumer names.
func WithConsumer(ctx context.Context, stream, consumer string) context.Context {
	ctx = context.WithValue(ctx, ContextKeyStream, stream)
	return context.WithValue(ctx, ContextKeyConsumer, consumer)
}

// ContextHandler is a slog.Handler that extracts dispatch fields from the
// context and adds them to log records before delegating to an inner handler.
type ContextHandler struct {
	inner slog.Handler
}

// NewContextHandler wraps the given handler.
func NewContextHandler(inner slog.Handler) *ContextHandler {
	return &ContextHandler{inner: inner}
}

// Enabled delegates to the inner handler.
func (h *ContextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle enriches the record with any dispatch fields present in ctx.
func (h *ContextHandler) Handle(ctx context.Context, record slog.Record) error {
	for _, key := range contextKeys {
		if v := ctx.Value(key); v != nil {
			record.AddAttrs(slog.Any(string(key), v))
		}
	}
	return h.inner.Handle(ctx, record)
}

// WithAttrs returns a new handler whose inner handler carries attrs.
func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{inner: h.inner.WithAttrs(attrs)}
}

// WithGroup returns a new handler with the given group applied.
func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{inner: h.inner.WithGroup(name)}
}
