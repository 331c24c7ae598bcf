package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyAPIKey is the key for storing API key in gin context
	ContextKeyAPIKey = "apiKey"
	// ContextKeyAccountID is the key for storing the authenticated account
	ContextKeyAccountID = "authAccountID"
)

// Middleware extracts and validates API key from request.
// Invalid keys are not rejected here; routes that need auth add RequireAuth.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader("Authorization")
		if apiKey == "" {
			apiKey = c.GetHeader("X-API-Key")
		}

		if apiKey != "" {
			key, err := m.ValidateKey(c.Request.Context(), apiKey)
			if err == nil {
				c.Set(ContextKeyAPIKey, key)
				c.Set(ContextKeyAccountID, key.AccountID)
			}
		}

		c.Next()
	}
}

// RequireAuth middleware rejects requests without valid auth
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, exists := c.Get(ContextKeyAPIKey); !exists {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required. Include 'Authorization: Bearer sk_...' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin guards operator routes with X-Admin-Secret. With no secret
// configured (demo mode) any authenticated key is accepted.
func RequireAdmin(secret string) gin.HandlerFunc {
	return requireSecret(secret, "X-Admin-Secret", true)
}

// RequireWorker guards worker heartbeats with X-Worker-Secret. With no
// secret configured every worker is accepted.
func RequireWorker(secret string) gin.HandlerFunc {
	return requireSecret(secret, "X-Worker-Secret", false)
}

func requireSecret(secret, header string, demoNeedsAuth bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			if demoNeedsAuth && !IsAuthenticated(c) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error":   "unauthorized",
					"message": "API key required.",
				})
				return
			}
			c.Next()
			return
		}

		got := c.GetHeader(header)
		if got == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": header + " header required.",
			})
			return
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Invalid secret.",
			})
			return
		}
		c.Next()
	}
}

// GetAPIKey returns the API key from context (if authenticated)
func GetAPIKey(c *gin.Context) (*APIKey, bool) {
	key, exists := c.Get(ContextKeyAPIKey)
	if !exists {
		return nil, false
	}
	k, ok := key.(*APIKey)
	return k, ok
}

// GetAccountID returns the authenticated account, or "".
func GetAccountID(c *gin.Context) string {
	id, exists := c.Get(ContextKeyAccountID)
	if !exists {
		return ""
	}
	return id.(string)
}

// IsAuthenticated checks if the request is authenticated
func IsAuthenticated(c *gin.Context) bool {
	_, exists := c.Get(ContextKeyAPIKey)
	return exists
}
