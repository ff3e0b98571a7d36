package middleware

import (
	"time"

	"meshcall/internal/core/domain"
	"meshcall/pkg/logger"
	"meshcall/pkg/tracing"
	"meshcall/pkg/utils"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// TracingMiddleware opens a span per request and puts the trace id on the
// request context for ContextLogger. Without an exporter the span carries no
// trace id, so a random one is generated for log correlation.
func TracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracing.TraceHTTPRequest(c.Request.Context(), c.Request.Method, c.FullPath())
		defer span.End()

		span.SetAttributes(
			attribute.String("http.host", c.Request.Host),
			attribute.String("http.user_agent", c.Request.UserAgent()),
			attribute.String("http.remote_addr", c.ClientIP()),
		)
		if room := c.Param("id"); room != "" {
			span.SetAttributes(attribute.String("room.id", room))
			ctx = logger.WithRoom(ctx, domain.RoomID(room))
		}
		traceID := tracing.TraceID(ctx)
		if traceID == "" {
			traceID = utils.GenerateTraceID()
		}
		ctx = logger.WithTraceID(ctx, traceID)
		c.Header("X-Trace-Id", traceID)
		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()

		span.SetAttributes(
			attribute.Int("http.status_code", c.Writer.Status()),
			attribute.Int64("http.duration_ms", time.Since(start).Milliseconds()),
		)
		if c.Writer.Status() >= 400 {
			span.SetStatus(codes.Error, c.Errors.String())
		} else {
			span.SetStatus(codes.Ok, "")
		}
	}
}
