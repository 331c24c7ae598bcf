// Package gateway runs the metered generation lifecycle.
//
// Flow for one request:
//  1. Derive the cache key and consult the result cache. A hit is served
//     at once, before credentials are looked at.
//  2. Authenticate the API key and price the request from the catalog.
//  3. Enter the caller's admission slot (trusted keys bypass spacing).
//  4. Pre-check the balance, then compute through the cache: concurrent
//     identical requests share one upstream dispatch.
//  5. Debit the account for a generation this caller actually ran.
package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/genmeter/internal/catalog"
	"github.com/mbd888/genmeter/internal/ledger"
	"github.com/mbd888/genmeter/internal/resultcache"
	"github.com/mbd888/genmeter/internal/upstream"
)

// Errors
var (
	ErrUnauthorized   = errors.New("gateway: valid API key required")
	ErrForbidden      = errors.New("gateway: account tier does not allow this request")
	ErrInvalidRequest = errors.New("gateway: invalid request")
)

// CacheStatus is surfaced to clients in the X-Cache header.
type CacheStatus string

const (
	CacheHit  CacheStatus = "HIT"
	CacheMiss CacheStatus = "MISS"
)

// GenerateRequest is one generation call as received from a client.
type GenerateRequest struct {
	ServiceType string
	Params      map[string]any
	Stream      bool
	Credential  string // raw Authorization or X-API-Key value
	ClientKey   string // admission identity, usually the client IP
}

// Model returns the requested model name, if any.
func (r GenerateRequest) Model() string {
	if m, ok := r.Params["model"].(string); ok {
		return m
	}
	return ""
}

// GenerateResult is what the caller gets back.
type GenerateResult struct {
	Result   *resultcache.Result
	CacheKey string
	Cache    CacheStatus
	Charged  int64
	Balances *ledger.Balances
}

// RequestLog records one generation request.
type RequestLog struct {
	ID          string    `json:"id"`
	AccountID   string    `json:"accountId,omitempty"`
	ClientKey   string    `json:"clientKey"`
	ServiceType string    `json:"serviceType"`
	Model       string    `json:"model,omitempty"`
	CacheKey    string    `json:"cacheKey"`
	Cache       string    `json:"cache"`
	Worker      string    `json:"worker,omitempty"`
	Charged     int64     `json:"charged"`
	Status      string    `json:"status"` // "success", "hit", or an error code
	LatencyMs   int64     `json:"latencyMs"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Ledger is the subset of the balance ledger the gateway uses.
type Ledger interface {
	GetAccount(ctx context.Context, id string) (*ledger.Account, error)
	CheckAvailable(ctx context.Context, id string, cost int64, paidOnly bool) (*ledger.Account, error)
	Deduct(ctx context.Context, id string, amount int64, opts ledger.DeductOptions) (ledger.Balances, error)
}

// Dispatcher sends a generation to an upstream worker.
type Dispatcher interface {
	Dispatch(ctx context.Context, req upstream.Request) (*upstream.Response, error)
}

// Pricer prices requests.
type Pricer interface {
	Price(serviceType, model string) (catalog.Price, error)
}
