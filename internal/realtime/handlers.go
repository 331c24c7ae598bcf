package realtime

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RegisterRoutes sets up the worker stream and its stats.
func (h *Hub) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/workers/stream", func(c *gin.Context) {
		h.HandleWebSocket(c.Writer, c.Request)
	})
	r.GET("/workers/stream/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, h.Stats())
	})
}
