// Package ledger tracks per-account credit balances.
//
// Every account holds three buckets:
//  1. tier   periodic entitlement, overwritten on refill, floors at zero
//  2. crypto externally funded (on-chain deposits), may go negative
//  3. pack   purchased credit, may go negative
//
// A normal charge drains tier, then crypto, then pack. A paid-only charge
// skips tier. The last bucket in the order absorbs whatever is left, so an
// overdraft lands there instead of being refused.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

var (
	ErrAccountNotFound     = errors.New("ledger: account not found")
	ErrAccountExists       = errors.New("ledger: account already exists")
	ErrInvalidAmount       = errors.New("ledger: invalid amount")
	ErrInvalidBucket       = errors.New("ledger: credits go to crypto or pack only")
	ErrInvalidTier         = errors.New("ledger: unknown tier")
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	ErrDuplicateCredit     = errors.New("ledger: credit already processed")
	ErrLedgerTransaction   = errors.New("ledger: transaction failed")

	// errAlreadyGranted aborts a refill transaction without writing.
	errAlreadyGranted = errors.New("ledger: already granted this period")
)

// Bucket names one of the three balances.
type Bucket string

const (
	BucketTier   Bucket = "tier"
	BucketCrypto Bucket = "crypto"
	BucketPack   Bucket = "pack"
)

// Subscription tiers.
const (
	TierFree       = "free"
	TierBasic      = "basic"
	TierPro        = "pro"
	TierEnterprise = "enterprise"
)

// DefaultEntitlements is the per-period tier grant in credits.
var DefaultEntitlements = map[string]int64{
	TierFree:       50,
	TierBasic:      500,
	TierPro:        2500,
	TierEnterprise: 10000,
}

// TierRank orders tiers for minimum-tier checks.
func TierRank(tier string) int {
	switch tier {
	case TierFree:
		return 0
	case TierBasic:
		return 1
	case TierPro:
		return 2
	case TierEnterprise:
		return 3
	}
	return -1
}

// Balances holds the three buckets of an account.
type Balances struct {
	Tier   int64 `json:"tier"`
	Crypto int64 `json:"crypto"`
	Pack   int64 `json:"pack"`
}

// Total sums all buckets, counting overdrafts.
func (b Balances) Total() int64 { return b.Tier + b.Crypto + b.Pack }

// Spendable is what a charge may draw before going into overdraft.
func (b Balances) Spendable(paidOnly bool) int64 {
	s := max(0, b.Crypto) + max(0, b.Pack)
	if !paidOnly {
		s += max(0, b.Tier)
	}
	return s
}

// Sub returns b - o per bucket.
func (b Balances) Sub(o Balances) Balances {
	return Balances{Tier: b.Tier - o.Tier, Crypto: b.Crypto - o.Crypto, Pack: b.Pack - o.Pack}
}

// Charge applies a deduction of amount to b in consumption order.
// Every bucket but the last takes min(remaining, max(0, bucket)); the last
// takes the rest unconditionally.
func Charge(b Balances, amount int64, paidOnly bool) Balances {
	order := []*int64{&b.Tier, &b.Crypto, &b.Pack}
	if paidOnly {
		order = order[1:]
	}

	remaining := amount
	for i, bucket := range order {
		if i == len(order)-1 {
			*bucket -= remaining
			break
		}
		take := min(remaining, max(0, *bucket))
		*bucket -= take
		remaining -= take
	}
	return b
}

// Account is one billed customer.
type Account struct {
	ID            string     `json:"id"`
	Tier          string     `json:"tier"`
	WalletAddress string     `json:"walletAddress,omitempty"`
	Balances      Balances   `json:"balances"`
	LastGrantAt   *time.Time `json:"lastGrantAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// Entry types
const (
	EntryDeduct = "deduct"
	EntryRefill = "refill"
	EntryCredit = "credit"
)

// Entry records one committed balance change.
type Entry struct {
	ID        string    `json:"id"`
	AccountID string    `json:"accountId"`
	Type      string    `json:"type"`
	Delta     Balances  `json:"delta"`
	Reference string    `json:"reference,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists accounts and entries.
//
// Update must serialize concurrent calls for the same account: it loads the
// account, hands a copy to fn, and commits the modified copy together with
// the returned entry as one unit. If fn returns an error nothing is written.
// A credit entry whose reference was already used fails with ErrDuplicateCredit.
type Store interface {
	CreateAccount(ctx context.Context, acct *Account) error
	GetAccount(ctx context.Context, id string) (*Account, error)
	GetAccountByWallet(ctx context.Context, wallet string) (*Account, error)
	Update(ctx context.Context, id string, fn func(acct *Account) (*Entry, error)) (*Account, error)
	ListDueForRefill(ctx context.Context, periodStart time.Time, afterID string, limit int) ([]*Account, error)
	GetHistory(ctx context.Context, id string, limit int) ([]*Entry, error)
}

// DeductOptions qualify a charge.
type DeductOptions struct {
	PaidOnly  bool
	Reference string
}

// Ledger applies balance rules on top of a Store.
type Ledger struct {
	store        Store
	entitlements map[string]int64
	period       time.Duration
	refillLimit  int
	now          func() time.Time
	logger       *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithEntitlements overrides the per-tier grants.
func WithEntitlements(e map[string]int64) Option {
	return func(l *Ledger) {
		if len(e) > 0 {
			l.entitlements = e
		}
	}
}

// WithGrantPeriod sets the refill period (default 24h).
func WithGrantPeriod(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.period = d
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// New creates a new ledger
func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:        store,
		entitlements: DefaultEntitlements,
		period:       24 * time.Hour,
		refillLimit:  8,
		now:          time.Now,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Entitlement returns the grant for a tier.
func (l *Ledger) Entitlement(tier string) (int64, bool) {
	amount, ok := l.entitlements[tier]
	return amount, ok
}

// CreateAccount opens an account with zero balances. An empty id is generated.
func (l *Ledger) CreateAccount(ctx context.Context, id, tier, wallet string) (*Account, error) {
	if tier == "" {
		tier = TierFree
	}
	if _, ok := l.entitlements[tier]; !ok {
		return nil, ErrInvalidTier
	}
	if id == "" {
		id = "acct_" + uuid.NewString()
	}

	now := l.now().UTC()
	acct := &Account{
		ID:            id,
		Tier:          tier,
		WalletAddress: strings.ToLower(wallet),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := l.store.CreateAccount(ctx, acct); err != nil {
		return nil, err
	}
	return acct, nil
}

// GetAccount returns an account with its balances.
func (l *Ledger) GetAccount(ctx context.Context, id string) (*Account, error) {
	return l.store.GetAccount(ctx, id)
}

// CheckAvailable verifies that cost fits in the spendable balance. It does
// not reserve anything; concurrent callers can all pass and later overdraw.
func (l *Ledger) CheckAvailable(ctx context.Context, id string, cost int64, paidOnly bool) (*Account, error) {
	acct, err := l.store.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	if acct.Balances.Spendable(paidOnly) < cost {
		return acct, ErrInsufficientBalance
	}
	return acct, nil
}

// Deduct charges amount against the account and returns the new balances.
// A zero amount succeeds without touching the store.
func (l *Ledger) Deduct(ctx context.Context, id string, amount int64, opts DeductOptions) (Balances, error) {
	if amount < 0 {
		return Balances{}, ErrInvalidAmount
	}
	done := observeOp("deduct")
	defer done()

	if amount == 0 {
		acct, err := l.store.GetAccount(ctx, id)
		if err != nil {
			return Balances{}, err
		}
		return acct.Balances, nil
	}

	acct, err := l.store.Update(ctx, id, func(acct *Account) (*Entry, error) {
		before := acct.Balances
		acct.Balances = Charge(before, amount, opts.PaidOnly)
		acct.UpdatedAt = l.now().UTC()
		return l.entry(acct, EntryDeduct, acct.Balances.Sub(before), opts.Reference), nil
	})
	if err != nil {
		return Balances{}, err
	}

	ledgerDebited.Add(float64(amount))
	if acct.Balances.Pack < 0 || acct.Balances.Crypto < 0 {
		ledgerOverdrafts.Inc()
		l.logger.Warn("account in overdraft",
			"account", id, "crypto", acct.Balances.Crypto, "pack", acct.Balances.Pack)
	}
	return acct.Balances, nil
}

// PeriodStart is the beginning of the grant period containing t.
func (l *Ledger) PeriodStart(t time.Time) time.Time {
	return t.UTC().Truncate(l.period)
}

// Refill overwrites the tier bucket with the account's entitlement. It
// reports false when the account was already granted this period.
func (l *Ledger) Refill(ctx context.Context, id string) (bool, error) {
	done := observeOp("refill")
	defer done()

	now := l.now().UTC()
	start := l.PeriodStart(now)

	_, err := l.store.Update(ctx, id, func(acct *Account) (*Entry, error) {
		if acct.LastGrantAt != nil && !acct.LastGrantAt.Before(start) {
			return nil, errAlreadyGranted
		}
		grant, ok := l.entitlements[acct.Tier]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrInvalidTier, acct.Tier)
		}
		delta := Balances{Tier: grant - acct.Balances.Tier}
		acct.Balances.Tier = grant
		acct.LastGrantAt = &now
		acct.UpdatedAt = now
		return l.entry(acct, EntryRefill, delta, start.Format(time.RFC3339)), nil
	})
	if errors.Is(err, errAlreadyGranted) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	ledgerRefills.Inc()
	return true, nil
}

// RefillDue grants every account not yet refilled this period and returns
// how many were refilled. Failures are logged and skipped.
func (l *Ledger) RefillDue(ctx context.Context) (int, error) {
	const batchSize = 100
	start := l.PeriodStart(l.now())

	refilled := 0
	after := ""
	for {
		due, err := l.store.ListDueForRefill(ctx, start, after, batchSize)
		if err != nil {
			return refilled, fmt.Errorf("failed to list accounts due for refill: %w", err)
		}
		if len(due) == 0 {
			break
		}

		results := make([]bool, len(due))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(l.refillLimit)
		for i, acct := range due {
			g.Go(func() error {
				ok, err := l.Refill(gctx, acct.ID)
				if err != nil {
					l.logger.Warn("refill failed", "account", acct.ID, "error", err)
					return nil
				}
				results[i] = ok
				return nil
			})
		}
		_ = g.Wait()
		if err := ctx.Err(); err != nil {
			return refilled, err
		}

		for _, ok := range results {
			if ok {
				refilled++
			}
		}
		after = due[len(due)-1].ID
		if len(due) < batchSize {
			break
		}
	}
	return refilled, nil
}

// Credit adds amount to the crypto or pack bucket. reference makes the
// credit idempotent: replaying it yields ErrDuplicateCredit.
func (l *Ledger) Credit(ctx context.Context, id string, bucket Bucket, amount int64, reference string) (Balances, error) {
	if amount <= 0 {
		return Balances{}, ErrInvalidAmount
	}
	if bucket != BucketCrypto && bucket != BucketPack {
		return Balances{}, ErrInvalidBucket
	}
	if reference == "" {
		return Balances{}, fmt.Errorf("%w: reference required", ErrInvalidAmount)
	}
	done := observeOp("credit")
	defer done()

	acct, err := l.store.Update(ctx, id, func(acct *Account) (*Entry, error) {
		var delta Balances
		if bucket == BucketCrypto {
			acct.Balances.Crypto += amount
			delta.Crypto = amount
		} else {
			acct.Balances.Pack += amount
			delta.Pack = amount
		}
		acct.UpdatedAt = l.now().UTC()
		return l.entry(acct, EntryCredit, delta, reference), nil
	})
	if err != nil {
		return Balances{}, err
	}
	ledgerCredited.WithLabelValues(string(bucket)).Add(float64(amount))
	return acct.Balances, nil
}

// CreditByWallet credits the account linked to a wallet address.
func (l *Ledger) CreditByWallet(ctx context.Context, wallet string, bucket Bucket, amount int64, reference string) (string, Balances, error) {
	acct, err := l.store.GetAccountByWallet(ctx, strings.ToLower(wallet))
	if err != nil {
		return "", Balances{}, err
	}
	bal, err := l.Credit(ctx, acct.ID, bucket, amount, reference)
	return acct.ID, bal, err
}

// GetHistory returns ledger entries for an account, newest first.
func (l *Ledger) GetHistory(ctx context.Context, id string, limit int) ([]*Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return l.store.GetHistory(ctx, id, limit)
}

func (l *Ledger) entry(acct *Account, typ string, delta Balances, reference string) *Entry {
	return &Entry{
		ID:        uuid.NewString(),
		AccountID: acct.ID,
		Type:      typ,
		Delta:     delta,
		Reference: reference,
		CreatedAt: acct.UpdatedAt,
	}
}
