package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/genmeter/internal/auth"
	"github.com/mbd888/genmeter/internal/validation"
)

// Handler provides HTTP endpoints for ledger operations
type Handler struct {
	ledger *Ledger
	keys   *auth.Manager
	logger *slog.Logger
}

// NewHandler creates a new ledger handler
func NewHandler(ledger *Ledger, keys *auth.Manager, logger *slog.Logger) *Handler {
	return &Handler{ledger: ledger, keys: keys, logger: logger}
}

// RegisterRoutes sets up account routes. The group must require auth.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/balance", h.GetBalance)
	r.GET("/balance/history", h.GetHistory)
}

// RegisterAdminRoutes sets up operator-only ledger routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/accounts", h.CreateAccount)
	r.GET("/accounts/:id", h.GetAccount)
	r.POST("/accounts/:id/credit", h.Credit)
	r.POST("/refill", h.RefillDue)
}

// GetBalance handles GET /v1/balance
func (h *Handler) GetBalance(c *gin.Context) {
	acct, err := h.ledger.GetAccount(c.Request.Context(), auth.GetAccountID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acct})
}

// GetHistory handles GET /v1/balance/history
func (h *Handler) GetHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	entries, err := h.ledger.GetHistory(c.Request.Context(), auth.GetAccountID(c), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// CreateAccountRequest opens an account and issues its first key.
type CreateAccountRequest struct {
	ID            string `json:"id"`
	Tier          string `json:"tier"`
	WalletAddress string `json:"walletAddress"`
	KeyName       string `json:"keyName"`
	Trusted       bool   `json:"trusted"`
}

// CreateAccount handles POST /v1/admin/accounts
func (h *Handler) CreateAccount(c *gin.Context) {
	var req CreateAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if errs := validation.Validate(
		validation.MaxLength("id", req.ID, 64),
		validation.MaxLength("keyName", req.KeyName, 100),
		validation.ValidAddress("walletAddress", req.WalletAddress),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": errs.Error(), "details": errs})
		return
	}

	ctx := c.Request.Context()
	acct, err := h.ledger.CreateAccount(ctx, req.ID, req.Tier, req.WalletAddress)
	if err != nil {
		h.writeError(c, err)
		return
	}

	// Start with this period's grant so a new account can generate right away.
	if _, err := h.ledger.Refill(ctx, acct.ID); err != nil {
		h.logger.Warn("initial refill failed", "account", acct.ID, "error", err)
	}
	if acct, err = h.ledger.GetAccount(ctx, acct.ID); err != nil {
		h.writeError(c, err)
		return
	}

	name := req.KeyName
	if name == "" {
		name = "default"
	}
	rawKey, key, err := h.keys.GenerateKey(ctx, acct.ID, name, req.Trusted)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "key_error", "message": "Failed to issue API key"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"account": acct,
		"apiKey":  rawKey,
		"keyId":   key.ID,
		"note":    "Store the API key now. It is not shown again.",
	})
}

// GetAccount handles GET /v1/admin/accounts/:id
func (h *Handler) GetAccount(c *gin.Context) {
	acct, err := h.ledger.GetAccount(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acct})
}

// CreditRequest adds purchased or deposited credit manually.
type CreditRequest struct {
	Bucket    Bucket `json:"bucket" binding:"required"`
	Amount    int64  `json:"amount" binding:"required"`
	Reference string `json:"reference" binding:"required"`
}

// Credit handles POST /v1/admin/accounts/:id/credit
func (h *Handler) Credit(c *gin.Context) {
	var req CreditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	bal, err := h.ledger.Credit(c.Request.Context(), c.Param("id"), req.Bucket, req.Amount, "admin:"+req.Reference)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balances": bal})
}

// RefillDue handles POST /v1/admin/refill
func (h *Handler) RefillDue(c *gin.Context) {
	n, err := h.ledger.RefillDue(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"refilled": n})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrAccountNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "account_not_found", "message": err.Error()})
	case errors.Is(err, ErrAccountExists):
		c.JSON(http.StatusConflict, gin.H{"error": "account_exists", "message": err.Error()})
	case errors.Is(err, ErrDuplicateCredit):
		c.JSON(http.StatusConflict, gin.H{"error": "duplicate_credit", "message": err.Error()})
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidBucket), errors.Is(err, ErrInvalidTier):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	case errors.Is(err, ErrLedgerTransaction):
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ledger_unavailable", "message": "Ledger temporarily unavailable"})
	default:
		h.logger.Error("ledger request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ledger_error", "message": "Internal error"})
	}
}
