package middleware

import (
	"net/http"
	"time"

	"meshcall/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RequestLoggerMiddleware logs one line per request through cl. Register it
// after TracingMiddleware so the trace and room ids are on the context.
func RequestLoggerMiddleware(cl *logger.ContextLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		ctx := c.Request.Context()
		if claims, ok := Claims(c); ok {
			ctx = logger.WithParticipant(ctx, claims.ParticipantID)
		}

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		status := c.Writer.Status()
		cl.LogRequest(ctx, c.Request.Method, path, status, time.Since(start).Milliseconds())

		if status >= http.StatusInternalServerError && len(c.Errors) > 0 {
			cl.LogError(ctx, c.Errors.Last().Err, "request failed", zap.String("path", path))
		}
	}
}
