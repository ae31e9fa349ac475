package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// Pinger is anything that can prove the database answers.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// DatabaseHealthCheck rejects API requests with 503 while the database does
// not answer a ping. Health and metrics endpoints are never gated.
func DatabaseHealthCheck(db Pinger, timeout time.Duration) gin.HandlerFunc {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return func(c *gin.Context) {
		if !strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.Next()
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			_ = c.Error(err)
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"success": false,
				"error":   "Database connection failed",
				"message": "The database is not responding. This may be a temporary issue.",
			})
			return
		}
		c.Next()
	}
}
