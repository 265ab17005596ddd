package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope of every Mira span.
const tracerName = "github.com/MrWong99/mira"

// Tracer returns the Mira tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// scopeKey is the context key of the device scope.
type scopeKey struct{}

// scope identifies the device session and turn a context belongs to.
type scope struct {
	sessionID string
	userID    string
	turnID    string
}

func scopeFrom(ctx context.Context) scope {
	s, _ := ctx.Value(scopeKey{}).(scope)
	return s
}

// WithSession tags ctx with a device session. Spans started and loggers
// derived from the returned context carry session_id and user_id.
func WithSession(ctx context.Context, sessionID, userID string) context.Context {
	s := scopeFrom(ctx)
	s.sessionID, s.userID, s.turnID = sessionID, userID, ""
	return context.WithValue(ctx, scopeKey{}, s)
}

// WithTurn tags ctx with the turn being answered. It keeps the session
// set by [WithSession].
func WithTurn(ctx context.Context, turnID string) context.Context {
	s := scopeFrom(ctx)
	s.turnID = turnID
	return context.WithValue(ctx, scopeKey{}, s)
}

func (s scope) attributes() []attribute.KeyValue {
	var kv []attribute.KeyValue
	if s.sessionID != "" {
		kv = append(kv, attribute.String("session_id", s.sessionID))
	}
	if s.userID != "" {
		kv = append(kv, attribute.String("user_id", s.userID))
	}
	if s.turnID != "" {
		kv = append(kv, attribute.String("turn_id", s.turnID))
	}
	return kv
}

// StartSpan starts a span named name. The device scope of ctx is added to
// the span attributes. The caller must end the span.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if kv := scopeFrom(ctx).attributes(); len(kv) > 0 {
		opts = append(opts, trace.WithAttributes(kv...))
	}
	return Tracer().Start(ctx, name, opts...)
}

// CorrelationID returns the trace ID of the span in ctx, or "" without one.
// It is echoed as the X-Correlation-ID response header.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger enriched with the trace and device scope
// of ctx. Attributes that ctx lacks are left out.
func Logger(ctx context.Context) *slog.Logger {
	var attrs []any
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		attrs = append(attrs,
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	s := scopeFrom(ctx)
	if s.sessionID != "" {
		attrs = append(attrs, slog.String("session_id", s.sessionID))
	}
	if s.userID != "" {
		attrs = append(attrs, slog.String("user_id", s.userID))
	}
	if s.turnID != "" {
		attrs = append(attrs, slog.String("turn_id", s.turnID))
	}
	if len(attrs) == 0 {
		return slog.Default()
	}
	return slog.Default().With(attrs...)
}
