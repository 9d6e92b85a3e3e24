package tracing

import (
	"context"
	"errors"
	"strings"

	"github.com/smallbiznis/escrow/internal/escrow/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
)

var blockedAttributeKeys = map[attribute.Key]struct{}{
	"authorization":      {},
	"refund_description": {},
	"note":               {},
	"hold_reason":        {},
}

// ExtractContext reads trace context from inbound headers.
func ExtractContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// SafeAttributes drops attributes that may carry free text supplied by users.
func SafeAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		key := attribute.Key(strings.ToLower(string(attr.Key)))
		if _, blocked := blockedAttributeKeys[key]; blocked {
			continue
		}
		out = append(out, attr)
	}
	return out
}

// SafeError reduces an error to its stable code before it is recorded on a
// span. Business rejections are not span errors.
func SafeError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case domain.IsStateConflict(err), domain.IsValidation(err),
		errors.Is(err, domain.ErrForbidden), errors.Is(err, domain.ErrOrderNotFound),
		errors.Is(err, domain.ErrMilestoneNotFound):
		return nil
	case errors.Is(err, domain.ErrDisputeCheckUnavailable):
		return domain.ErrDisputeCheckUnavailable
	default:
		return errors.New("internal_error")
	}
}
