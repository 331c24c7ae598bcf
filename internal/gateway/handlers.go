package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/genmeter/internal/admission"
	"github.com/mbd888/genmeter/internal/auth"
	"github.com/mbd888/genmeter/internal/logging"
	"github.com/mbd888/genmeter/internal/validation"
)

// MaxParams bounds the number of top-level generation parameters.
const MaxParams = 64

// Handler provides HTTP endpoints for the gateway.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new gateway handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up the generation endpoint. It must not sit behind
// RequireAuth: cache hits are served before credentials are checked.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/generate/:serviceType", validation.ServiceTypeParamMiddleware(), h.Generate)
}

// RegisterProtectedRoutes sets up routes that need an API key.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/generations", h.ListLogs)
}

// GenerateBody is the JSON payload of a generation request.
type GenerateBody struct {
	Params map[string]any `json:"params"`
	Stream bool           `json:"stream"`
}

// Generate handles POST /v1/generate/:serviceType
func (h *Handler) Generate(c *gin.Context) {
	var body GenerateBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if errs := validation.Validate(
		validation.MaxParams("params", body.Params, MaxParams),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	credential := c.GetHeader("Authorization")
	if credential == "" {
		credential = c.GetHeader("X-API-Key")
	}

	out, err := h.service.Generate(c.Request.Context(), GenerateRequest{
		ServiceType: c.Param("serviceType"),
		Params:      body.Params,
		Stream:      body.Stream,
		Credential:  credential,
		ClientKey:   c.ClientIP(),
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.Header("X-Cache", string(out.Cache))
	if out.Cache == CacheHit {
		c.Header("X-Cache-Key", out.CacheKey)
	}

	res := out.Result
	if body.Stream {
		c.Header("X-Worker", res.Worker)
		c.Data(http.StatusOK, contentTypeOr(res.ContentType), res.Body)
		return
	}

	resp := gin.H{
		"result":      encodeResult(res.ContentType, res.Body),
		"contentType": contentTypeOr(res.ContentType),
		"worker":      res.Worker,
		"cache":       out.Cache,
		"charged":     out.Charged,
	}
	if out.Balances != nil {
		resp["balances"] = out.Balances
	}
	c.JSON(http.StatusOK, resp)
}

// ListLogs handles GET /v1/generations
func (h *Handler) ListLogs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	logs, err := h.service.ListLogs(c.Request.Context(), auth.GetAccountID(c), limit)
	if err != nil {
		logging.L(c.Request.Context()).Error("list generations failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list generations"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"generations": logs, "count": len(logs)})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	info := classify(err)
	if info.status >= http.StatusInternalServerError {
		h.logger.Error("generation failed", "status", info.status, "error", err)
	}

	var rej *admission.RejectedError
	if errors.As(err, &rej) {
		c.Header("X-Queue-Depth", strconv.Itoa(rej.Depth))
	}
	if info.retry {
		c.Header("Retry-After", strconv.Itoa(h.retryAfter(info.status)))
	}
	c.JSON(info.status, gin.H{"error": info.code, "message": info.message})
}

func (h *Handler) retryAfter(status int) int {
	if status == http.StatusTooManyRequests {
		if secs := int(math.Ceil(h.service.admission.Interval.Seconds())); secs > 1 {
			return secs
		}
	}
	return 1
}

func contentTypeOr(ct string) string {
	if ct == "" {
		return "application/octet-stream"
	}
	return ct
}

// encodeResult embeds JSON and text bodies as-is; anything else is
// base64 through the []byte encoding.
func encodeResult(contentType string, body []byte) any {
	ct := strings.ToLower(contentType)
	switch {
	case strings.HasPrefix(ct, "application/json") && json.Valid(body):
		return json.RawMessage(body)
	case strings.HasPrefix(ct, "text/"):
		return string(body)
	}
	return body
}
