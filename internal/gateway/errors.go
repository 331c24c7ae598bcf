package gateway

import (
	"context"
	"errors"
	"net/http"

	"github.com/mbd888/genmeter/internal/admission"
	"github.com/mbd888/genmeter/internal/catalog"
	"github.com/mbd888/genmeter/internal/ledger"
	"github.com/mbd888/genmeter/internal/upstream"
)

// errorInfo is how an error is presented to the client.
type errorInfo struct {
	status  int
	code    string
	message string
	retry   bool // send Retry-After
}

// statusClientClosedRequest is the nginx convention for a caller that
// went away before the response.
const statusClientClosedRequest = 499

// classify maps the lifecycle's error taxonomy to an HTTP response.
// Payment and permission failures never carry a retry hint; transient
// capacity failures always do.
func classify(err error) errorInfo {
	var uerr *upstream.Error
	switch {
	case errors.Is(err, ErrUnauthorized):
		return errorInfo{http.StatusUnauthorized, "unauthorized", "API key required. Include 'Authorization: Bearer sk_...' header.", false}
	case errors.Is(err, ErrForbidden):
		return errorInfo{http.StatusForbidden, "forbidden", err.Error(), false}
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, catalog.ErrUnknownModel):
		return errorInfo{http.StatusBadRequest, "invalid_request", err.Error(), false}
	case errors.Is(err, catalog.ErrUnknownService):
		return errorInfo{http.StatusNotFound, "unknown_service", err.Error(), false}
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return errorInfo{http.StatusPaymentRequired, "insufficient_balance", "Insufficient balance. Top up credits to continue.", false}
	case errors.Is(err, ledger.ErrLedgerTransaction):
		return errorInfo{http.StatusServiceUnavailable, "ledger_unavailable", "Ledger temporarily unavailable", true}
	case errors.Is(err, admission.ErrRejected):
		return errorInfo{http.StatusTooManyRequests, "too_many_requests", "Too many requests in flight for this client", true}
	case errors.Is(err, admission.ErrWaitTimeout):
		return errorInfo{http.StatusTooManyRequests, "too_many_requests", "Timed out waiting for a generation slot", true}
	case errors.Is(err, upstream.ErrNoWorkers):
		return errorInfo{http.StatusServiceUnavailable, "no_workers_available", "No workers available for this service", true}
	case errors.Is(err, upstream.ErrClient) && errors.As(err, &uerr):
		status := uerr.StatusCode
		if status < 400 || status > 499 {
			status = http.StatusBadRequest
		}
		return errorInfo{status, "upstream_rejected", "The worker rejected the request", false}
	case errors.As(err, &uerr) && uerr.Timeout:
		return errorInfo{http.StatusGatewayTimeout, "upstream_unavailable", "The worker timed out", true}
	case errors.Is(err, upstream.ErrTransient):
		return errorInfo{http.StatusBadGateway, "upstream_unavailable", "The worker failed", true}
	case errors.Is(err, context.DeadlineExceeded):
		return errorInfo{http.StatusGatewayTimeout, "timeout", "Request timed out", true}
	case errors.Is(err, context.Canceled):
		return errorInfo{statusClientClosedRequest, "canceled", "Request canceled", false}
	}
	return errorInfo{http.StatusInternalServerError, "internal_error", "Internal error", false}
}
