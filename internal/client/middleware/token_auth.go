package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// TokenAuth guards the API with a shared bearer token. An empty token
// leaves the API open, the default for a localhost-only daemon.
func TokenAuth(token string) gin.HandlerFunc {
	if token == "" {
		slog.Info("control plane auth disabled")
		return func(c *gin.Context) { c.Next() }
	}
	slog.Info("control plane auth enabled")

	return func(c *gin.Context) {
		got := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if got == "" {
			got = c.Query("token")
		}

		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			slog.Debug("rejected control plane request", "ip", c.ClientIP(), "path", c.FullPath())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		c.Next()
	}
}
