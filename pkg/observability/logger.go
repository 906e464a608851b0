package observability

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
)

// TracingHandler decorates log records with the active span (trace_id,
// span_id) so log lines of a scan or migration can be joined with its trace.
// Every record also carries the service name and, when set, the command mode.
type TracingHandler struct {
	slog.Handler
}

// NewTracingHandler wraps inner. An empty mode is omitted.
func NewTracingHandler(inner slog.Handler, service string, mode AppMode) *TracingHandler {
	static := []slog.Attr{slog.String("service", service)}
	if mode != "" {
		static = append(static, slog.String("mode", string(mode)))
	}

	// Attached before any group so they stay at the top level.
	return &TracingHandler{Handler: inner.WithAttrs(static)}
}

// Handle implements slog.Handler.
func (h *TracingHandler) Handle(ctx context.Context, record slog.Record) error {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		record.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}

	return h.Handler.Handle(ctx, record)
}

// WithAttrs implements slog.Handler.
func (h *TracingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &TracingHandler{Handler: h.Handler.WithAttrs(attrs)}
}

// WithGroup implements slog.Handler.
func (h *TracingHandler) WithGroup(name string) slog.Handler {
	return &TracingHandler{Handler: h.Handler.WithGroup(name)}
}
