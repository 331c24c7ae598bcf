// Package security provides security middleware for the genmeter API.
package security

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ExposedHeaders are the response headers browser clients may read.
var ExposedHeaders = []string{"X-Cache", "X-Cache-Key", "X-Worker", "X-Queue-Depth", "Retry-After", "X-Request-ID"}

// HeadersMiddleware adds security headers to all responses. The API serves
// JSON and generated media only, so the content policy forbids everything
// but same-origin connections.
func HeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "no-referrer")
		c.Header("Content-Security-Policy", "default-src 'none'; connect-src 'self' ws: wss:; frame-ancestors 'none'")
		c.Header("Permissions-Policy", "geolocation=(), microphone=(), camera=()")
		c.Next()
	}
}

// CORSMiddleware handles CORS for API endpoints. An empty list allows any
// origin without credentials.
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	originsMap := make(map[string]bool)
	for _, o := range allowedOrigins {
		originsMap[o] = true
	}
	wildcard := len(allowedOrigins) == 0 || originsMap["*"]
	exposed := strings.Join(ExposedHeaders, ", ")

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")

		if wildcard || originsMap[origin] {
			if origin != "" {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
			}
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, X-API-Key, X-Request-ID")
			c.Header("Access-Control-Expose-Headers", exposed)
			c.Header("Access-Control-Max-Age", "86400")
			// Credentials only with an explicit origin list.
			if !wildcard {
				c.Header("Access-Control-Allow-Credentials", "true")
			}
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
