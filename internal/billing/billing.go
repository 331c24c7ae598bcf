// Package billing turns Stripe checkout payments into pack credit.
//
// A checkout session carries the account id in client_reference_id. Once
// the session is paid, amount_total (in cents) times the configured rate
// is credited to the account's pack bucket. The session id is the credit
// reference, so webhook redeliveries never credit twice.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/mbd888/genmeter/internal/ledger"
)

const maxPayloadBytes = 64 * 1024

var (
	ErrNoAccount = errors.New("billing: checkout session has no client_reference_id")
	ErrUnpaid    = errors.New("billing: checkout session is not paid")
)

// Creditor credits an account bucket idempotently by reference.
type Creditor interface {
	Credit(ctx context.Context, id string, bucket ledger.Bucket, amount int64, reference string) (ledger.Balances, error)
}

// Handler receives Stripe webhooks.
type Handler struct {
	creditor       Creditor
	secret         string
	creditsPerCent int64
	tolerance      time.Duration
	logger         *slog.Logger
}

// NewHandler creates a webhook handler. creditsPerCent below 1 is treated as 1.
func NewHandler(creditor Creditor, secret string, creditsPerCent int64, logger *slog.Logger) *Handler {
	if creditsPerCent < 1 {
		creditsPerCent = 1
	}
	return &Handler{
		creditor:       creditor,
		secret:         secret,
		creditsPerCent: creditsPerCent,
		tolerance:      webhook.DefaultTolerance,
		logger:         logger,
	}
}

// RegisterRoutes sets up the webhook endpoint. It authenticates by
// signature and must not sit behind API key auth.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/billing/stripe/webhook", h.Webhook)
}

// Webhook handles POST /v1/billing/stripe/webhook
func (h *Handler) Webhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPayloadBytes+1))
	if err != nil || len(payload) > maxPayloadBytes {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Unreadable or oversized payload"})
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, c.GetHeader("Stripe-Signature"), h.secret,
		webhook.ConstructEventOptions{Tolerance: h.tolerance, IgnoreAPIVersionMismatch: true})
	if err != nil {
		webhookEvents.WithLabelValues("bad_signature").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signature", "message": "Webhook signature verification failed"})
		return
	}

	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted, stripe.EventTypeCheckoutSessionAsyncPaymentSucceeded:
	default:
		webhookEvents.WithLabelValues("ignored").Inc()
		c.JSON(http.StatusOK, gin.H{"received": true, "ignored": true})
		return
	}

	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		webhookEvents.WithLabelValues("malformed").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Malformed checkout session"})
		return
	}

	credits, bal, err := h.Fulfill(c.Request.Context(), &sess)
	switch {
	case err == nil:
		webhookEvents.WithLabelValues("credited").Inc()
		c.JSON(http.StatusOK, gin.H{"received": true, "credited": credits, "balances": bal})
	case errors.Is(err, ErrUnpaid):
		webhookEvents.WithLabelValues("unpaid").Inc()
		c.JSON(http.StatusOK, gin.H{"received": true, "ignored": true})
	case errors.Is(err, ledger.ErrDuplicateCredit):
		webhookEvents.WithLabelValues("duplicate").Inc()
		c.JSON(http.StatusOK, gin.H{"received": true, "duplicate": true})
	case errors.Is(err, ErrNoAccount), errors.Is(err, ledger.ErrAccountNotFound), errors.Is(err, ledger.ErrInvalidAmount):
		// Redelivery cannot fix these; acknowledge so Stripe stops retrying.
		webhookEvents.WithLabelValues("unfulfillable").Inc()
		h.logger.Error("checkout session cannot be fulfilled", "session", sess.ID, "account", sess.ClientReferenceID, "error", err)
		c.JSON(http.StatusOK, gin.H{"received": true, "ignored": true})
	case errors.Is(err, ledger.ErrLedgerTransaction):
		webhookEvents.WithLabelValues("retry").Inc()
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ledger_unavailable", "message": "Ledger temporarily unavailable"})
	default:
		webhookEvents.WithLabelValues("error").Inc()
		h.logger.Error("checkout fulfillment failed", "session", sess.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Fulfillment failed"})
	}
}

// Fulfill credits a paid checkout session and returns the credits added.
func (h *Handler) Fulfill(ctx context.Context, sess *stripe.CheckoutSession) (int64, ledger.Balances, error) {
	if sess.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		return 0, ledger.Balances{}, ErrUnpaid
	}
	if sess.ClientReferenceID == "" {
		return 0, ledger.Balances{}, ErrNoAccount
	}

	credits := sess.AmountTotal * h.creditsPerCent
	bal, err := h.creditor.Credit(ctx, sess.ClientReferenceID, ledger.BucketPack, credits, "stripe:"+sess.ID)
	if err != nil {
		return 0, ledger.Balances{}, fmt.Errorf("credit %s: %w", sess.ClientReferenceID, err)
	}

	creditsPurchased.Add(float64(credits))
	h.logger.Info("pack purchase credited",
		"account", sess.ClientReferenceID,
		"session", sess.ID,
		"amountCents", sess.AmountTotal,
		"currency", string(sess.Currency),
		"credits", credits,
	)
	return credits, bal, nil
}
