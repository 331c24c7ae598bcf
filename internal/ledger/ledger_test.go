package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLedger(t *testing.T) (*Ledger, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)}
	return New(NewMemoryStore(), WithClock(clock.Now)), clock
}

// seed creates an account and forces its balances without writing an entry.
func seed(t *testing.T, l *Ledger, id string, b Balances) {
	t.Helper()
	ctx := context.Background()
	_, err := l.CreateAccount(ctx, id, TierFree, "")
	require.NoError(t, err)
	_, err = l.store.Update(ctx, id, func(acct *Account) (*Entry, error) {
		acct.Balances = b
		return nil, nil
	})
	require.NoError(t, err)
}

func TestCharge_ConsumptionScenario(t *testing.T) {
	b := Balances{Tier: 5, Crypto: 10, Pack: 15}

	b = Charge(b, 7, false)
	assert.Equal(t, Balances{Tier: 0, Crypto: 8, Pack: 15}, b)

	b = Charge(b, 12, false)
	assert.Equal(t, Balances{Tier: 0, Crypto: 0, Pack: 11}, b)

	b = Charge(b, 15, false)
	assert.Equal(t, Balances{Tier: 0, Crypto: 0, Pack: -4}, b)
}

func TestCharge_Table(t *testing.T) {
	tests := []struct {
		name     string
		start    Balances
		amount   int64
		paidOnly bool
		want     Balances
	}{
		{"zero amount", Balances{1, 2, 3}, 0, false, Balances{1, 2, 3}},
		{"tier only", Balances{10, 0, 0}, 4, false, Balances{6, 0, 0}},
		{"spill to crypto", Balances{3, 10, 0}, 5, false, Balances{0, 8, 0}},
		{"overdraft lands on pack", Balances{1, 1, 1}, 10, false, Balances{0, 0, -7}},
		{"already negative pack", Balances{0, 0, -2}, 3, false, Balances{0, 0, -5}},
		{"negative crypto is skipped", Balances{0, -3, 5}, 2, false, Balances{0, -3, 3}},
		{"paid only skips tier", Balances{100, 2, 3}, 4, true, Balances{100, 0, 1}},
		{"paid only overdraft", Balances{100, 2, 3}, 10, true, Balances{100, 0, -5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Charge(tt.start, tt.amount, tt.paidOnly))
		})
	}
}

func TestCharge_OrderingInvariant(t *testing.T) {
	start := Balances{Tier: 20, Crypto: 7, Pack: 9}
	for s := int64(0); s <= start.Total(); s++ {
		got := Charge(start, s, false)
		wantTier := max(0, start.Tier-s)
		assert.Equal(t, wantTier, got.Tier, "sum %d", s)
		spill := s - (start.Tier - wantTier)
		wantCrypto := start.Crypto - min(spill, start.Crypto)
		assert.Equal(t, wantCrypto, got.Crypto, "sum %d", s)
		assert.Equal(t, start.Total()-s, got.Total(), "sum %d", s)
		assert.GreaterOrEqual(t, got.Tier, int64(0))
		assert.GreaterOrEqual(t, got.Pack, int64(0))
	}
}

func TestCharge_PaidOnlyNeverTouchesTier(t *testing.T) {
	start := Balances{Tier: 42, Crypto: 3, Pack: 4}
	for amount := int64(0); amount < 50; amount++ {
		got := Charge(start, amount, true)
		require.Equal(t, int64(42), got.Tier, "amount %d", amount)
	}
}

func TestDeduct_Scenario(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	seed(t, l, "acct_1", Balances{Tier: 5, Crypto: 10, Pack: 15})

	b, err := l.Deduct(ctx, "acct_1", 7, DeductOptions{Reference: "req-1"})
	require.NoError(t, err)
	assert.Equal(t, Balances{0, 8, 15}, b)

	b, err = l.Deduct(ctx, "acct_1", 12, DeductOptions{})
	require.NoError(t, err)
	assert.Equal(t, Balances{0, 0, 11}, b)

	b, err = l.Deduct(ctx, "acct_1", 15, DeductOptions{})
	require.NoError(t, err)
	assert.Equal(t, Balances{0, 0, -4}, b)

	entries, err := l.GetHistory(ctx, "acct_1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, Balances{Pack: -15}, entries[0].Delta)
	assert.Equal(t, "req-1", entries[2].Reference)
}

func TestDeduct_ZeroAndNegative(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	seed(t, l, "acct_1", Balances{Tier: 5})

	b, err := l.Deduct(ctx, "acct_1", 0, DeductOptions{})
	require.NoError(t, err)
	assert.Equal(t, Balances{Tier: 5}, b)

	entries, _ := l.GetHistory(ctx, "acct_1", 10)
	assert.Empty(t, entries)

	_, err = l.Deduct(ctx, "acct_1", -1, DeductOptions{})
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestDeduct_UnknownAccount(t *testing.T) {
	l, _ := newTestLedger(t)
	_, err := l.Deduct(context.Background(), "missing", 1, DeductOptions{})
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestDeduct_ConcurrentIsLinearizable(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	seed(t, l, "acct_c", Balances{Tier: 30, Crypto: 30, Pack: 40})

	var wg sync.WaitGroup
	for i := 0; i < 120; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Deduct(ctx, "acct_c", 1, DeductOptions{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	acct, err := l.GetAccount(ctx, "acct_c")
	require.NoError(t, err)
	assert.Equal(t, Balances{Tier: 0, Crypto: 0, Pack: -20}, acct.Balances)
}

func TestDeduct_CancelledWhileWaitingForLock(t *testing.T) {
	store := NewMemoryStore()
	l := New(store)
	ctx := context.Background()
	_, err := l.CreateAccount(ctx, "acct_l", TierFree, "")
	require.NoError(t, err)

	unlock, err := store.locks.Lock(ctx, "acct_l")
	require.NoError(t, err)
	defer unlock()

	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = l.Deduct(cctx, "acct_l", 1, DeductOptions{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCheckAvailable(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	seed(t, l, "acct_1", Balances{Tier: 5, Crypto: 1, Pack: -3})

	_, err := l.CheckAvailable(ctx, "acct_1", 6, false)
	assert.NoError(t, err)

	_, err = l.CheckAvailable(ctx, "acct_1", 7, false)
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	_, err = l.CheckAvailable(ctx, "acct_1", 2, true)
	assert.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestRefill_IdempotentWithinPeriod(t *testing.T) {
	l, clock := newTestLedger(t)
	ctx := context.Background()
	seed(t, l, "acct_r", Balances{Tier: 3, Crypto: 7, Pack: -2})

	ok, err := l.Refill(ctx, "acct_r")
	require.NoError(t, err)
	assert.True(t, ok)

	acct, _ := l.GetAccount(ctx, "acct_r")
	assert.Equal(t, Balances{Tier: 50, Crypto: 7, Pack: -2}, acct.Balances)
	require.NotNil(t, acct.LastGrantAt)

	_, err = l.Deduct(ctx, "acct_r", 10, DeductOptions{})
	require.NoError(t, err)

	clock.Advance(6 * time.Hour)
	ok, err = l.Refill(ctx, "acct_r")
	require.NoError(t, err)
	assert.False(t, ok)

	acct, _ = l.GetAccount(ctx, "acct_r")
	assert.Equal(t, int64(40), acct.Balances.Tier)

	clock.Advance(12 * time.Hour) // crosses midnight UTC
	ok, err = l.Refill(ctx, "acct_r")
	require.NoError(t, err)
	assert.True(t, ok)

	acct, _ = l.GetAccount(ctx, "acct_r")
	assert.Equal(t, Balances{Tier: 50, Crypto: 7, Pack: -2}, acct.Balances)
}

func TestRefillDue(t *testing.T) {
	l, clock := newTestLedger(t)
	ctx := context.Background()
	for _, id := range []string{"acct_a", "acct_b", "acct_c"} {
		seed(t, l, id, Balances{})
	}
	_, err := l.Refill(ctx, "acct_b")
	require.NoError(t, err)

	n, err := l.RefillDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = l.RefillDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	clock.Advance(24 * time.Hour)
	n, err = l.RefillDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestRefill_TierEntitlementOverride(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)}
	l := New(NewMemoryStore(), WithClock(clock.Now), WithEntitlements(map[string]int64{"free": 7, "pro": 70}))
	ctx := context.Background()

	_, err := l.CreateAccount(ctx, "acct_p", TierPro, "")
	require.NoError(t, err)
	_, err = l.Refill(ctx, "acct_p")
	require.NoError(t, err)

	acct, _ := l.GetAccount(ctx, "acct_p")
	assert.Equal(t, int64(70), acct.Balances.Tier)

	_, err = l.CreateAccount(ctx, "acct_x", TierBasic, "")
	assert.ErrorIs(t, err, ErrInvalidTier)
}

func TestCredit(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	seed(t, l, "acct_1", Balances{Pack: -4})

	b, err := l.Credit(ctx, "acct_1", BucketPack, 10, "stripe:cs_1")
	require.NoError(t, err)
	assert.Equal(t, int64(6), b.Pack)

	_, err = l.Credit(ctx, "acct_1", BucketPack, 10, "stripe:cs_1")
	assert.ErrorIs(t, err, ErrDuplicateCredit)

	_, err = l.Credit(ctx, "acct_1", BucketTier, 10, "x")
	assert.ErrorIs(t, err, ErrInvalidBucket)

	_, err = l.Credit(ctx, "acct_1", BucketCrypto, 0, "y")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	acct, _ := l.GetAccount(ctx, "acct_1")
	assert.Equal(t, int64(6), acct.Balances.Pack)
}

func TestCreditByWallet(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	_, err := l.CreateAccount(ctx, "acct_w", TierFree, "0xAbCdEf0000000000000000000000000000000001")
	require.NoError(t, err)

	id, b, err := l.CreditByWallet(ctx, "0xabcdef0000000000000000000000000000000001", BucketCrypto, 25, "0xtx:0")
	require.NoError(t, err)
	assert.Equal(t, "acct_w", id)
	assert.Equal(t, int64(25), b.Crypto)

	_, _, err = l.CreditByWallet(ctx, "0x0000000000000000000000000000000000000009", BucketCrypto, 1, "0xtx:1")
	assert.True(t, errors.Is(err, ErrAccountNotFound))
}

func TestCreateAccount_Duplicate(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	acct, err := l.CreateAccount(ctx, "", "", "")
	require.NoError(t, err)
	assert.Contains(t, acct.ID, "acct_")
	assert.Equal(t, TierFree, acct.Tier)
	assert.Equal(t, Balances{}, acct.Balances)

	_, err = l.CreateAccount(ctx, acct.ID, TierFree, "")
	assert.ErrorIs(t, err, ErrAccountExists)
}

func TestRefillTimer_StartStop(t *testing.T) {
	l, _ := newTestLedger(t)
	seed(t, l, "acct_t", Balances{})

	timer := NewRefillTimer(l, time.Hour, l.logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		timer.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		acct, _ := l.GetAccount(context.Background(), "acct_t")
		return acct.Balances.Tier == 50
	}, time.Second, 5*time.Millisecond)

	timer.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not stop")
	}
	assert.False(t, timer.Running())
}
