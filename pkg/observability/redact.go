package observability

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// spanNamespaces are the attribute key prefixes nixvet emits. Anything else is
// dropped before export.
var spanNamespaces = []string{
	"nixvet.",
	"scan.",
	"check.",
	"migrate.",
	"snapshot.",
	"package.",
	"error.",
}

// pathKeySuffixes mark attributes holding local file system paths. Only the
// last element is exported so checkouts under home directories do not leak.
var pathKeySuffixes = []string{".root", ".target", ".base", ".output", ".file"}

// sourceKeys hold Nix source text, which is never exported.
var sourceKeys = map[attribute.Key]struct{}{
	"file.content":  {},
	"edit.text":     {},
	"edit.old_text": {},
}

// spanRedactor is a SpanProcessor that trims span attributes to the nixvet
// namespaces and shortens local paths before handing spans to next.
type spanRedactor struct {
	next   sdktrace.SpanProcessor
	logger *slog.Logger
}

// NewSpanRedactor wraps next. Dropped keys are logged at Debug when logger is
// not nil.
func NewSpanRedactor(next sdktrace.SpanProcessor, logger *slog.Logger) sdktrace.SpanProcessor {
	return &spanRedactor{next: next, logger: logger}
}

func (r *spanRedactor) OnStart(parent context.Context, s sdktrace.ReadWriteSpan) {
	r.next.OnStart(parent, s)
}

func (r *spanRedactor) OnEnd(s sdktrace.ReadOnlySpan) {
	orig := s.Attributes()
	attrs := make([]attribute.KeyValue, 0, len(orig))

	for _, kv := range orig {
		if redacted, ok := r.redact(kv); ok {
			attrs = append(attrs, redacted)
		}
	}

	r.next.OnEnd(redactedSpan{ReadOnlySpan: s, attrs: attrs})
}

func (r *spanRedactor) Shutdown(ctx context.Context) error {
	if err := r.next.Shutdown(ctx); err != nil {
		return fmt.Errorf("span redactor shutdown: %w", err)
	}

	return nil
}

func (r *spanRedactor) ForceFlush(ctx context.Context) error {
	if err := r.next.ForceFlush(ctx); err != nil {
		return fmt.Errorf("span redactor flush: %w", err)
	}

	return nil
}

func (r *spanRedactor) redact(kv attribute.KeyValue) (attribute.KeyValue, bool) {
	key := string(kv.Key)

	if _, ok := sourceKeys[kv.Key]; ok {
		r.dropped(key)

		return kv, false
	}

	if key != "error" && !hasAnyPrefix(key, spanNamespaces) {
		r.dropped(key)

		return kv, false
	}

	if kv.Value.Type() == attribute.STRING && hasAnySuffix(key, pathKeySuffixes) {
		if path := kv.Value.AsString(); filepath.IsAbs(path) {
			return attribute.String(key, filepath.Base(path)), true
		}
	}

	return kv, true
}

func (r *spanRedactor) dropped(key string) {
	if r.logger != nil {
		r.logger.Debug("span attribute dropped", "key", key)
	}
}

// redactedSpan overrides the attributes of a finished span.
type redactedSpan struct {
	sdktrace.ReadOnlySpan

	attrs []attribute.KeyValue
}

func (s redactedSpan) Attributes() []attribute.KeyValue {
	return s.attrs
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}

	return false
}

func hasAnySuffix(s string, suffixes []string) bool {
	for _, suffix := range suffixes {
		if strings.HasSuffix(s, suffix) {
			return true
		}
	}

	return false
}
