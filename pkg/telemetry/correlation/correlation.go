package correlation

import (
	"context"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"
)

// correlationKey is an unexported type for context keys within this package.
type correlationKey struct{}

// ExtractCorrelationID fetches a correlation ID from the context if present.
func ExtractCorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if val, ok := ctx.Value(correlationKey{}).(string); ok {
		return val
	}
	return ""
}

// ContextWithCorrelationID sets the correlation ID onto the context.
func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationKey{}, id)
}

// EnsureCorrelationID guarantees a correlation ID on the context, generating one when missing.
func EnsureCorrelationID(ctx context.Context) (context.Context, string) {
	cid := ExtractCorrelationID(ctx)
	if cid == "" {
		cid = ulid.Make().String()
	}
	return ContextWithCorrelationID(ctx, cid), cid
}

// Annotate adds correlation and tracing identifiers to outbound metadata.
func Annotate(ctx context.Context, metadata map[string]string) map[string]string {
	if metadata == nil {
		metadata = map[string]string{}
	}
	if cid := ExtractCorrelationID(ctx); cid != "" {
		metadata["correlation_id"] = cid
	}
	sc := trace.SpanContextFromContext(ctx)
	if sc.IsValid() {
		metadata["trace_id"] = sc.TraceID().String()
		metadata["span_id"] = sc.SpanID().String()
	}
	return metadata
}
