package logging

import (
	"context"
	"regexp"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation data from context: the active span,
// plus any session, thread, user and request IDs attached with the With*
// helpers.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 7)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
		if sc.IsSampled() {
			fields = append(fields, zap.Bool("trace_sampled", true))
		}
	}

	if v := SessionIDFromContext(ctx); v != "" {
		fields = append(fields, zap.String("session.id", v))
	}
	if v := ThreadIDFromContext(ctx); v != "" {
		fields = append(fields, zap.String("thread.id", v))
	}
	if v := UserIDFromContext(ctx); v != "" {
		fields = append(fields, zap.String("user.id", v))
	}
	if v := RequestIDFromContext(ctx); v != "" {
		fields = append(fields, zap.String("request.id", v))
	}

	return fields
}

type (
	sessionCtxKey struct{}
	threadCtxKey  struct{}
	userCtxKey    struct{}
	requestCtxKey struct{}
	loggerCtxKey  struct{}
)

const maxIDLen = 128

// idPattern matches the IDs we are willing to echo into log output.
var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_.:@-]+$`)

// validID reports whether id is safe to attach to log context.
func validID(id string) bool {
	return id != "" && len(id) <= maxIDLen && idPattern.MatchString(id)
}

func withID(ctx context.Context, key any, id string) context.Context {
	if !validID(id) {
		return ctx
	}
	return context.WithValue(ctx, key, id)
}

func idFrom(ctx context.Context, key any) string {
	if s, ok := ctx.Value(key).(string); ok {
		return s
	}
	return ""
}

// WithSessionID adds a session ID to ctx. Invalid IDs are ignored.
func WithSessionID(ctx context.Context, id string) context.Context {
	return withID(ctx, sessionCtxKey{}, id)
}

// SessionIDFromContext extracts the session ID from ctx.
func SessionIDFromContext(ctx context.Context) string { return idFrom(ctx, sessionCtxKey{}) }

// WithThreadID adds a checkpoint thread ID to ctx. Invalid IDs are ignored.
func WithThreadID(ctx context.Context, id string) context.Context {
	return withID(ctx, threadCtxKey{}, id)
}

// ThreadIDFromContext extracts the thread ID from ctx.
func ThreadIDFromContext(ctx context.Context) string { return idFrom(ctx, threadCtxKey{}) }

// WithUserID adds a user ID to ctx. Invalid IDs are ignored.
func WithUserID(ctx context.Context, id string) context.Context {
	return withID(ctx, userCtxKey{}, id)
}

// UserIDFromContext extracts the user ID from ctx.
func UserIDFromContext(ctx context.Context) string { return idFrom(ctx, userCtxKey{}) }

// WithRequestID adds a request ID to ctx. Invalid IDs are ignored.
func WithRequestID(ctx context.Context, id string) context.Context {
	return withID(ctx, requestCtxKey{}, id)
}

// RequestIDFromContext extracts the request ID from ctx.
func RequestIDFromContext(ctx context.Context) string { return idFrom(ctx, requestCtxKey{}) }

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves logger from context, or a nop logger if none is set.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return Nop()
}
