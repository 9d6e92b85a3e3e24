package context

import (
	"context"

	"github.com/smallbiznis/escrow/pkg/telemetry/correlation"
)

type actorKey struct{}

type actor struct {
	role string
	id   string
}

// WithRequestID stores the inbound request id. It doubles as the correlation
// id carried on notifications.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return correlation.ContextWithCorrelationID(ctx, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	return correlation.ExtractCorrelationID(ctx)
}

func WithActor(ctx context.Context, role, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, actorKey{}, actor{role: role, id: id})
}

// ActorFromContext returns the authenticated role and id, if any.
func ActorFromContext(ctx context.Context) (string, string) {
	if ctx == nil {
		return "", ""
	}
	if v, ok := ctx.Value(actorKey{}).(actor); ok {
		return v.role, v.id
	}
	return "", ""
}
