package upstream

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/genmeter/internal/validation"
)

// Handler exposes worker registration and pool state.
type Handler struct {
	pool       *Pool
	logger     *slog.Logger
	onRegister func(Snapshot)
}

// NewHandler creates a new upstream handler
func NewHandler(pool *Pool, logger *slog.Logger) *Handler {
	return &Handler{pool: pool, logger: logger}
}

// OnRegister sets a callback for workers seen for the first time.
func (h *Handler) OnRegister(fn func(Snapshot)) {
	h.onRegister = fn
}

// RegisterWorkerRoutes sets up heartbeat routes. The group must check the worker secret.
func (h *Handler) RegisterWorkerRoutes(r *gin.RouterGroup) {
	r.POST("/workers/heartbeat", h.Heartbeat)
}

// RegisterAdminRoutes sets up pool inspection routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/workers", h.ListWorkers)
}

// HeartbeatRequest announces a worker.
type HeartbeatRequest struct {
	Address     string `json:"address"`
	ServiceType string `json:"serviceType"`
}

// Heartbeat handles POST /v1/workers/heartbeat
func (h *Handler) Heartbeat(c *gin.Context) {
	var req HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	if errs := validation.Validate(
		validation.Required("address", req.Address),
		validation.ValidWorkerURL("address", req.Address),
		validation.ValidServiceType("serviceType", req.ServiceType),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": errs.Error(), "details": errs})
		return
	}

	w, created, err := h.pool.Register(req.Address, req.ServiceType)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		if h.onRegister != nil {
			h.onRegister(Snapshot{
				Address:       w.Address,
				ServiceType:   w.ServiceType,
				Active:        true,
				LastHeartbeat: w.LastHeartbeat(),
			})
		}
	}
	c.JSON(status, gin.H{
		"address":     w.Address,
		"serviceType": w.ServiceType,
		"errorCount":  w.ErrorCount(),
	})
}

// ListWorkers handles GET /v1/admin/workers
func (h *Handler) ListWorkers(c *gin.Context) {
	snaps := h.pool.Snapshot()
	if st := c.Query("serviceType"); st != "" {
		filtered := snaps[:0]
		for _, s := range snaps {
			if s.ServiceType == st {
				filtered = append(filtered, s)
			}
		}
		snaps = filtered
	}
	c.JSON(http.StatusOK, gin.H{"workers": snaps, "count": len(snaps)})
}
