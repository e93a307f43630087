package httpmw

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/kandev/browserpilot/internal/common/logger"
	"github.com/kandev/browserpilot/internal/common/tracing"
)

// OtelTracing wraps each request in a span named after its route. It is a
// no-op unless tracing is enabled.
func OtelTracing() gin.HandlerFunc {
	tracer := tracing.Tracer("http")

	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}

		ctx, span := tracer.Start(c.Request.Context(), fmt.Sprintf("%s %s", c.Request.Method, route))
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(
			semconv.HTTPRequestMethodKey.String(c.Request.Method),
			semconv.HTTPRouteKey.String(route),
			semconv.HTTPResponseStatusCodeKey.Int(status),
			attribute.Bool("http.websocket", c.IsWebsocket()),
		)
		if id, ok := c.Request.Context().Value(logger.RequestIDKey).(string); ok {
			span.SetAttributes(attribute.String("http.request_id", id))
		}
		if status >= 500 {
			span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", status))
		}
	}
}
