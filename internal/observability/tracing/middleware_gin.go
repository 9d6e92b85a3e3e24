package tracing

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/escrow/internal/observability/context"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	AttrOrderID   = attribute.Key("escrow.order_id")
	AttrAction    = attribute.Key("escrow.action")
	AttrActorRole = attribute.Key("escrow.actor_role")
	AttrErrorType = attribute.Key("escrow.error_type")
	AttrErrorCode = attribute.Key("escrow.error_code")
)

// MiddlewareConfig names the gin keys the escrow handlers fill in. Zero
// values fall back to the server's defaults.
type MiddlewareConfig struct {
	Provider        trace.TracerProvider
	OrderParam      string
	ActionKey       string
	ErrorClassifier func(err error) (string, string)
}

// GinMiddleware opens one server span per request. Order routes carry the
// order id from the path; action requests add the action name and the
// outcome code the client received.
func GinMiddleware(cfg MiddlewareConfig) gin.HandlerFunc {
	provider := cfg.Provider
	if provider == nil {
		provider = otel.GetTracerProvider()
	}
	orderParam := cfg.OrderParam
	if orderParam == "" {
		orderParam = "id"
	}
	actionKey := cfg.ActionKey
	if actionKey == "" {
		actionKey = "escrow_action"
	}
	tracer := provider.Tracer("escrow/http")

	return func(c *gin.Context) {
		ctx := ExtractContext(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		method := strings.ToUpper(c.Request.Method)
		ctx, span := tracer.Start(ctx, "HTTP "+method+" "+route, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		if orderID := strings.TrimSpace(c.Param(orderParam)); orderID != "" && strings.Contains(route, "/orders/") {
			span.SetAttributes(AttrOrderID.String(orderID))
		}

		if requestID := obscontext.RequestIDFromContext(ctx); requestID != "" {
			if member, err := baggage.NewMember("request_id", requestID); err == nil {
				if bag, err := baggage.New(member); err == nil {
					ctx = baggage.ContextWithBaggage(ctx, bag)
				}
			}
			span.SetAttributes(attribute.String("request_id", requestID))
		}

		c.Request = c.Request.WithContext(ctx)
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		attrs := []attribute.KeyValue{
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.route", route),
			attribute.Int("http.status_code", status),
			attribute.Int64("http.server_duration_ms", time.Since(start).Milliseconds()),
		}
		if action := strings.TrimSpace(c.GetString(actionKey)); action != "" {
			attrs = append(attrs, AttrAction.String(action))
		}
		if role, _ := obscontext.ActorFromContext(c.Request.Context()); role != "" {
			attrs = append(attrs, AttrActorRole.String(role))
		}

		lastErr := c.Errors.Last()
		if lastErr != nil && cfg.ErrorClassifier != nil {
			errType, errCode := cfg.ErrorClassifier(lastErr.Err)
			attrs = append(attrs, AttrErrorType.String(errType))
			if errCode != "" {
				attrs = append(attrs, AttrErrorCode.String(errCode))
			}
		}
		span.SetAttributes(SafeAttributes(attrs...)...)

		if status >= http.StatusInternalServerError {
			if lastErr != nil {
				if safeErr := SafeError(lastErr.Err); safeErr != nil {
					span.RecordError(safeErr)
				}
			}
			span.SetStatus(codes.Error, "request error")
		}
	}
}
