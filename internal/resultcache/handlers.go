package resultcache

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes cache statistics.
type Handler struct {
	cache *Cache
}

// NewHandler creates a cache handler.
func NewHandler(cache *Cache) *Handler {
	return &Handler{cache: cache}
}

// RegisterAdminRoutes sets up operator-only cache routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/cache/stats", h.GetStats)
}

// GetStats handles GET /v1/cache/stats
func (h *Handler) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"stats": h.cache.Stats()})
}
