package catalog

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler publishes the price list.
type Handler struct {
	catalog *Catalog
}

// NewHandler creates a catalog handler.
func NewHandler(c *Catalog) *Handler {
	return &Handler{catalog: c}
}

// RegisterRoutes sets up public pricing routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/services", h.ListServices)
}

// ListServices handles GET /v1/services
func (h *Handler) ListServices(c *gin.Context) {
	prices := h.catalog.Prices()
	if st := c.Query("serviceType"); st != "" {
		filtered := prices[:0]
		for _, p := range prices {
			if p.ServiceType == st {
				filtered = append(filtered, p)
			}
		}
		prices = filtered
	}
	c.JSON(http.StatusOK, gin.H{
		"services": prices,
		"count":    len(prices),
		"tiers":    h.catalog.Entitlements(),
	})
}
