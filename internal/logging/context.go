// internal/logging/context.go
package logging

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type ctxKey int

const (
	sessionIDKey ctxKey = iota
	continuityTokenKey
	loggerKey
)

const maxIDLen = 128

// ContextFields extracts correlation fields from the context: the active
// otel span, the session id and the continuity token.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 4)

	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if id, ok := ctx.Value(sessionIDKey).(string); ok && id != "" {
		fields = append(fields, zap.String("session.id", id))
	}
	if tok, ok := ctx.Value(continuityTokenKey).(string); ok && tok != "" {
		fields = append(fields, zap.String("continuity.token", tok))
	}
	return fields
}

// validID accepts non-empty alphanumeric/hyphen/underscore strings up to
// maxIDLen bytes. Session ids and continuity tokens are both issued in this
// alphabet, so anything else is a programming error.
func validID(id string) bool {
	if id == "" || len(id) > maxIDLen {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

// WithSessionID stamps the session id on the context. Panics on an id
// outside the issued alphabet.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	if !validID(sessionID) {
		panic(fmt.Sprintf("logging: invalid session id %q", sessionID))
	}
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

// WithContinuityToken stamps the continuity token on the context. Panics on
// a token outside the issued alphabet.
func WithContinuityToken(ctx context.Context, token string) context.Context {
	if !validID(token) {
		panic(fmt.Sprintf("logging: invalid continuity token %q", token))
	}
	return context.WithValue(ctx, continuityTokenKey, token)
}

// WithLogger stores the logger in the context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext retrieves the logger from the context, or a nop logger when
// none was stored.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey).(*Logger); ok {
		return l
	}
	return &Logger{zap: zap.NewNop()}
}
