package middleware

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
)

// Logger records one line per request. Routine traffic stays at debug;
// handler errors are promoted to warn.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		attrs := []any{
			"method", c.Request.Method,
			"status", c.Writer.Status(),
			"path", c.Request.URL.Path,
			"took", time.Since(start).String(),
		}
		if len(c.Errors) > 0 {
			slog.Warn("http request", append(attrs, "errors", c.Errors.String())...)
			return
		}
		slog.Debug("http request", attrs...)
	}
}
