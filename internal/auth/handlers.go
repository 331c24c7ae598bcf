package auth

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for key management
type Handler struct {
	manager *Manager
}

// NewHandler creates a new auth handler
func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// RegisterRoutes sets up key routes. The group must already require auth.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/keys", h.ListKeys)
	r.DELETE("/keys/:id", h.RevokeKey)
}

// Info returns auth configuration info
func (h *Handler) Info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"type":      "api_key",
		"header":    "Authorization: Bearer sk_...",
		"altHeader": "X-API-Key: sk_...",
		"note":      "Cached results are served without a key; anything that reaches a worker is billed to the key's account.",
	})
}

// ListKeys returns API keys for the authenticated account
func (h *Handler) ListKeys(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	keys, err := h.manager.ListKeys(c.Request.Context(), key.AccountID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list keys",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"keys": keys, "count": len(keys)})
}

// RevokeKey revokes one of the caller's keys
func (h *Handler) RevokeKey(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	err := h.manager.RevokeKey(c.Request.Context(), c.Param("id"), key.AccountID)
	if errors.Is(err, ErrKeyNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Key not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to revoke key"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"revoked": c.Param("id")})
}
