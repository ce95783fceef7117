package api

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"

	"github.com/S-Corkum/vllm-gateway/internal/observability"
)

// TracingMiddleware opens one span per request, propagating any incoming
// trace context. With tracing disabled the no-op tracer makes this free.
func TracingMiddleware() gin.HandlerFunc {
	propagator := propagation.TraceContext{}

	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		ctx := propagator.Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx, span := observability.StartSpan(ctx, fmt.Sprintf("%s %s", c.Request.Method, path))
		defer span.End()

		span.SetAttributes(
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.route", path),
			attribute.String("http.client_ip", c.ClientIP()),
		)

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		span.SetAttributes(
			attribute.Int("http.status_code", c.Writer.Status()),
			attribute.Int("http.response_size", c.Writer.Size()),
		)

		if len(c.Errors) > 0 {
			for _, ginErr := range c.Errors {
				span.RecordError(ginErr.Err)
			}
			span.SetStatus(codes.Error, c.Errors.Last().Error())
		}
	}
}
